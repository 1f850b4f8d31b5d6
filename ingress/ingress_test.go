package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"audiorelay/blobstore"
	"audiorelay/broker"
	"audiorelay/failures"
	"audiorelay/models"
	"audiorelay/pipeline"
)

var alice = models.Identity{Username: "alice", Email: "alice@example.com"}

// flakyStore wraps a real store with injectable failures.
type flakyStore struct {
	*blobstore.Blobs
	putErr    error
	deleteErr error
	deleted   []string
}

func (f *flakyStore) Put(ctx context.Context, r io.Reader) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	return f.Blobs.Put(ctx, r)
}

func (f *flakyStore) Delete(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Blobs.Delete(ctx, id)
}

type fakePublisher struct {
	err       error
	published [][]byte
	queues    []string
}

func (f *fakePublisher) Publish(_ context.Context, queue string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.queues = append(f.queues, queue)
	f.published = append(f.published, body)
	return nil
}

func newFixture(t *testing.T) (*flakyStore, *fakePublisher, *failures.Ledger, *Orchestrator) {
	t.Helper()
	blobs, err := blobstore.OpenMemory("videos")
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	ledger, err := failures.OpenMemory()
	if err != nil {
		t.Fatalf("failures.OpenMemory: %v", err)
	}
	t.Cleanup(func() {
		blobs.Close()
		ledger.Close()
	})
	store := &flakyStore{Blobs: blobs}
	pub := &fakePublisher{}
	o, err := New(store, pub, "video", ledger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, pub, ledger, o
}

func blobCount(t *testing.T, s *flakyStore) int {
	t.Helper()
	ids, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return len(ids)
}

func TestSubmitPublishesConversionJob(t *testing.T) {
	store, pub, _, o := newFixture(t)

	res, err := o.Submit(context.Background(), strings.NewReader("video bytes"), alice)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Queue != "video" || res.VideoBlobID == "" {
		t.Fatalf("result = %+v", res)
	}
	if len(pub.published) != 1 || pub.queues[0] != "video" {
		t.Fatalf("published = %d to %v", len(pub.published), pub.queues)
	}

	msg, err := models.DecodeJobMessage(pub.published[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.VideoBlobID != res.VideoBlobID || msg.AudioBlobID != nil || msg.Username != "alice" || msg.Email != "alice@example.com" {
		t.Fatalf("message = %+v", msg)
	}
	if !strings.Contains(string(pub.published[0]), `"audio_blob_id":null`) {
		t.Fatalf("audio_blob_id not null on the wire: %s", pub.published[0])
	}
	if blobCount(t, store) != 1 {
		t.Fatalf("blob count = %d, want 1", blobCount(t, store))
	}
}

func TestSubmitRollsBackOnPublishFailure(t *testing.T) {
	store, pub, ledger, o := newFixture(t)
	pub.err = errors.New("channel closed")

	_, err := o.Submit(context.Background(), strings.NewReader("video bytes"), alice)
	if pipeline.KindOf(err) != pipeline.KindPublish {
		t.Fatalf("kind = %v, want publish (err=%v)", pipeline.KindOf(err), err)
	}
	if n := blobCount(t, store); n != 0 {
		t.Fatalf("blob count = %d, want 0 after compensation", n)
	}
	if len(store.deleted) != 1 {
		t.Fatalf("deletes = %d, want 1", len(store.deleted))
	}
	if orphans, _ := ledger.List(failures.KindOrphan); len(orphans) != 0 {
		t.Fatalf("orphans recorded on a clean rollback: %+v", orphans)
	}
}

// handoffPublisher accepts the message and then loses the caller, the way a
// client disconnect during a confirm wait looks to Submit.
type handoffPublisher struct {
	cancel    context.CancelFunc
	published [][]byte
}

func (h *handoffPublisher) Publish(ctx context.Context, _ string, body []byte) error {
	h.published = append(h.published, body)
	h.cancel()
	return ctx.Err()
}

func TestSubmitKeepsBlobWhenRequestEndsMidPublish(t *testing.T) {
	store, _, ledger, _ := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &handoffPublisher{cancel: cancel}
	o, err := New(store, pub, "video", ledger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = o.Submit(ctx, strings.NewReader("video bytes"), alice)
	if pipeline.KindOf(err) != pipeline.KindPublish {
		t.Fatalf("kind = %v, want publish (err=%v)", pipeline.KindOf(err), err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	if len(store.deleted) != 0 || blobCount(t, store) != 1 {
		t.Fatalf("deleted = %v, blobs = %d; a possibly queued job lost its video", store.deleted, blobCount(t, store))
	}

	job, err := models.DecodeJobMessage(pub.published[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	kept, err := ledger.List(failures.KindUnconfirmed)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(kept) != 1 || kept[0].BlobID != job.VideoBlobID {
		t.Fatalf("unconfirmed = %+v, want blob %s", kept, job.VideoBlobID)
	}
}

func TestSubmitKeepsBlobWhenConfirmTimesOut(t *testing.T) {
	store, pub, ledger, o := newFixture(t)
	pub.err = fmt.Errorf("%w: no confirm after 30s", broker.ErrUnconfirmed)

	_, err := o.Submit(context.Background(), strings.NewReader("video bytes"), alice)
	if pipeline.KindOf(err) != pipeline.KindPublish {
		t.Fatalf("kind = %v, want publish", pipeline.KindOf(err))
	}
	if len(store.deleted) != 0 || blobCount(t, store) != 1 {
		t.Fatalf("deleted = %v, blobs = %d", store.deleted, blobCount(t, store))
	}
	if kept, _ := ledger.List(failures.KindUnconfirmed); len(kept) != 1 {
		t.Fatalf("unconfirmed records = %d, want 1", len(kept))
	}
}

func TestSubmitDoubleFault(t *testing.T) {
	store, pub, ledger, o := newFixture(t)
	publishErr := errors.New("broker unreachable")
	rollbackErr := errors.New("blob store timeout")
	pub.err = publishErr
	store.deleteErr = rollbackErr

	_, err := o.Submit(context.Background(), strings.NewReader("video bytes"), alice)
	if pipeline.KindOf(err) != pipeline.KindDoubleFault {
		t.Fatalf("kind = %v, want double fault", pipeline.KindOf(err))
	}
	primary, rollback, ok := pipeline.Causes(err)
	if !ok {
		t.Fatal("Causes not available")
	}
	if !errors.Is(primary, publishErr) {
		t.Errorf("primary = %v, want %v", primary, publishErr)
	}
	if !errors.Is(rollback, rollbackErr) {
		t.Errorf("rollback = %v, want %v", rollback, rollbackErr)
	}

	orphans, err := ledger.List(failures.KindOrphan)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(orphans) != 1 || orphans[0].BlobID != store.deleted[0] {
		t.Fatalf("orphans = %+v", orphans)
	}
}

func TestSubmitUploadFailureHasNoSideEffects(t *testing.T) {
	store, pub, _, o := newFixture(t)
	store.putErr = errors.New("disk full")

	_, err := o.Submit(context.Background(), strings.NewReader("v"), alice)
	if pipeline.KindOf(err) != pipeline.KindUpload {
		t.Fatalf("kind = %v, want upload", pipeline.KindOf(err))
	}
	if len(pub.published) != 0 || len(store.deleted) != 0 {
		t.Fatalf("side effects: published=%d deleted=%d", len(pub.published), len(store.deleted))
	}
}

func TestSubmitRequiresUsername(t *testing.T) {
	store, pub, _, o := newFixture(t)
	_, err := o.Submit(context.Background(), strings.NewReader("v"), models.Identity{})
	if pipeline.KindOf(err) != pipeline.KindValidation {
		t.Fatalf("kind = %v, want validation", pipeline.KindOf(err))
	}
	if blobCount(t, store) != 0 || len(pub.published) != 0 {
		t.Fatal("validation failure had side effects")
	}
}

func TestDuplicateSubmissionsAreIndependent(t *testing.T) {
	store, pub, _, o := newFixture(t)
	a, err := o.Submit(context.Background(), strings.NewReader("same"), alice)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, err := o.Submit(context.Background(), strings.NewReader("same"), alice)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.VideoBlobID == b.VideoBlobID {
		t.Fatal("duplicate submissions share a blob")
	}
	if len(pub.published) != 2 || blobCount(t, store) != 2 {
		t.Fatalf("published=%d blobs=%d, want 2/2", len(pub.published), blobCount(t, store))
	}
}

func TestSubmitWithMemoryBroker(t *testing.T) {
	blobs, _ := blobstore.OpenMemory("videos")
	defer blobs.Close()
	mem := broker.NewMemory()
	conn, err := (&broker.Connector{Dial: mem.Dial, Queues: []string{"video"}}).Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	o, err := New(blobs, conn, "video", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := o.Submit(context.Background(), strings.NewReader("v"), alice)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ready := mem.Ready("video")
	if len(ready) != 1 || !strings.Contains(string(ready[0]), res.VideoBlobID) {
		t.Fatalf("ready = %q", ready)
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	blobs, _ := blobstore.OpenMemory("videos")
	defer blobs.Close()
	if _, err := New(nil, &fakePublisher{}, "video", nil); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(blobs, nil, "video", nil); err == nil {
		t.Error("expected error for nil publisher")
	}
	if _, err := New(blobs, &fakePublisher{}, " ", nil); err == nil {
		t.Error("expected error for empty queue")
	}
}
