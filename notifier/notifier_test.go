package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wneessen/go-mail"

	"audiorelay/config"
	"audiorelay/failures"
	"audiorelay/models"
	"audiorelay/pipeline"
	"audiorelay/success"
)

type sent struct {
	to, subject, body string
}

type recordingTransport struct {
	err  error
	sent []sent
}

func (r *recordingTransport) Send(_ context.Context, to, subject, body string) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sent{to, subject, body})
	return nil
}

type fakeDelivery struct {
	body          []byte
	acked, nacked int
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Ack() error {
	d.acked++
	return nil
}

func (d *fakeDelivery) Nack() error {
	d.nacked++
	return nil
}

func newWorker(t *testing.T, tr Transport) (*Worker, *success.Receipts, *failures.Ledger) {
	t.Helper()
	receipts, err := success.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := failures.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		receipts.Close()
		ledger.Close()
	})
	w, err := New(Options{
		Transport: tr,
		Subject:   "MP3 File Ready for Download",
		Body:      "MP3 file with ID:  %s",
		Receipts:  receipts,
		Faults:    ledger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, receipts, ledger
}

func completionBody(t *testing.T) []byte {
	t.Helper()
	body, err := models.NewConversionJob("video-1", models.Identity{Username: "alice", Email: "alice@example.com"}).
		WithAudio("audio-1").Encode()
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHandleSendsAndAcks(t *testing.T) {
	tr := &recordingTransport{}
	w, receipts, _ := newWorker(t, tr)
	d := &fakeDelivery{body: completionBody(t)}

	w.Handle(context.Background(), nil, d)

	if d.acked != 1 || d.nacked != 0 {
		t.Fatalf("acked=%d nacked=%d, want 1/0", d.acked, d.nacked)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(tr.sent))
	}
	got := tr.sent[0]
	if got.to != "alice@example.com" || got.subject != "MP3 File Ready for Download" || got.body != "MP3 file with ID:  audio-1" {
		t.Fatalf("sent = %+v", got)
	}
	rec, err := receipts.Get("audio-1")
	if err != nil || rec == nil {
		t.Fatalf("receipt missing: %v", err)
	}
	if rec.Deliveries != 1 || rec.Recipient != "alice@example.com" || rec.VideoBlobID != "video-1" {
		t.Fatalf("receipt = %+v", rec)
	}
}

func TestRedeliveryNotifiesAgain(t *testing.T) {
	tr := &recordingTransport{}
	w, receipts, _ := newWorker(t, tr)
	body := completionBody(t)

	w.Handle(context.Background(), nil, &fakeDelivery{body: body})
	w.Handle(context.Background(), nil, &fakeDelivery{body: body})

	if len(tr.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(tr.sent))
	}
	rec, _ := receipts.Get("audio-1")
	if rec == nil || rec.Deliveries != 2 {
		t.Fatalf("receipt = %+v, want 2 deliveries", rec)
	}
}

func TestSendFailureNacks(t *testing.T) {
	tr := &recordingTransport{err: errors.New("535 authentication failed")}
	w, receipts, ledger := newWorker(t, tr)
	d := &fakeDelivery{body: completionBody(t)}

	_, err := w.Process(context.Background(), d.body)
	if pipeline.KindOf(err) != pipeline.KindNotify {
		t.Fatalf("kind = %v, want notify", pipeline.KindOf(err))
	}

	w.Handle(context.Background(), nil, d)
	if d.nacked != 1 || d.acked != 0 {
		t.Fatalf("acked=%d nacked=%d, want 0/1", d.acked, d.nacked)
	}
	if rec, _ := receipts.Get("audio-1"); rec != nil {
		t.Fatal("receipt recorded for a failed send")
	}
	if recs, _ := ledger.List(failures.KindRejected); len(recs) != 0 {
		t.Fatal("transport failure recorded as rejected message")
	}
}

func TestMalformedCompletionJobs(t *testing.T) {
	tr := &recordingTransport{}
	w, _, ledger := newWorker(t, tr)
	bodies := []string{
		"garbage",
		`{"video_blob_id":"v","audio_blob_id":null,"username":"alice","email":"alice@example.com"}`,
		`{"video_blob_id":"v","audio_blob_id":"a","email":"alice@example.com"}`,
		`{"video_blob_id":"v","audio_blob_id":"a","username":"alice"}`,
	}
	for _, body := range bodies {
		d := &fakeDelivery{body: []byte(body)}
		w.Handle(context.Background(), nil, d)
		if d.nacked != 1 || d.acked != 0 {
			t.Errorf("body %s: acked=%d nacked=%d", body, d.acked, d.nacked)
		}
	}
	if len(tr.sent) != 0 {
		t.Fatalf("sent %d notifications for malformed jobs", len(tr.sent))
	}
	recs, _ := ledger.List(failures.KindRejected)
	if len(recs) != len(bodies) {
		t.Fatalf("rejected records = %d, want %d", len(recs), len(bodies))
	}
	for _, r := range recs {
		if r.Stage != "notifier" {
			t.Fatalf("stage = %q", r.Stage)
		}
	}
}

func TestNewValidatesOptions(t *testing.T) {
	tr := &recordingTransport{}
	if _, err := New(Options{Subject: "s", Body: "%s"}); err == nil {
		t.Error("expected error without transport")
	}
	if _, err := New(Options{Transport: tr, Body: "%s"}); err == nil {
		t.Error("expected error without subject")
	}
	if _, err := New(Options{Transport: tr, Subject: "s", Body: "no verb"}); err == nil {
		t.Errorf("expected error for body without %%s")
	}
}

func TestWebhookTransport(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(config.WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer hook"}})
	if err := wh.Send(context.Background(), "alice@example.com", "ready", "MP3 file with ID:  a"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.To != "alice@example.com" || got.Subject != "ready" || got.Body != "MP3 file with ID:  a" {
		t.Fatalf("payload = %+v", got)
	}
	if auth != "Bearer hook" {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox full", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(config.WebhookConfig{URL: srv.URL}).Send(context.Background(), "a@example.com", "s", "b")
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "mailbox full") {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildMessage(t *testing.T) {
	msg, err := buildMessage("bot@example.com", "alice@example.com", "MP3 File Ready for Download", "MP3 file with ID:  a")
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}
	rcpts, err := msg.GetRecipients()
	if err != nil || len(rcpts) != 1 || rcpts[0] != "alice@example.com" {
		t.Fatalf("recipients = %v, %v", rcpts, err)
	}
	if subj := msg.GetGenHeader(mail.HeaderSubject); len(subj) != 1 || subj[0] != "MP3 File Ready for Download" {
		t.Fatalf("subject = %v", subj)
	}

	if _, err := buildMessage("bot@example.com", "not an address", "s", "b"); err == nil {
		t.Fatal("expected error for malformed recipient")
	}
}

func TestNewTransport(t *testing.T) {
	if tr, err := NewTransport(config.NotifierConfig{Transport: "log"}); err != nil || tr == nil {
		t.Fatalf("log transport: %v", err)
	}
	if _, err := NewTransport(config.NotifierConfig{Transport: "smtp"}); err == nil {
		t.Fatal("expected error for smtp without host")
	}
	tr, err := NewTransport(config.NotifierConfig{Transport: "smtp", SMTP: config.SMTPConfig{
		Host: "smtp.example.com", Port: 587, Username: "bot@example.com", Password: "pw",
	}})
	if err != nil {
		t.Fatalf("smtp transport: %v", err)
	}
	if s, ok := tr.(*SMTP); !ok || s.from != "bot@example.com" {
		t.Fatalf("smtp sender = %+v", tr)
	}
	if _, err := NewTransport(config.NotifierConfig{Transport: "pigeon"}); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}
