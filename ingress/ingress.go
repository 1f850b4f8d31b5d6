// Package ingress accepts a video, stores it and queues it for conversion.
package ingress

import (
	"context"
	"errors"
	"io"
	"strings"

	"audiorelay/blobstore"
	"audiorelay/broker"
	"audiorelay/logger"
	"audiorelay/models"
	"audiorelay/pipeline"
	"audiorelay/saga"
)

const stage = "ingress"

// FaultRecorder receives blobs orphaned by a failed compensation and blobs
// kept because their publish was never confirmed.
type FaultRecorder interface {
	RecordOrphan(stage, blobID string, cause, rollback error, job any) error
	RecordUnconfirmed(stage, blobID string, cause error, job any) error
}

// Result identifies an accepted submission.
type Result struct {
	VideoBlobID string `json:"file_id"`
	Queue       string `json:"queue"`
}

type Orchestrator struct {
	videos blobstore.Store
	pub    broker.Publisher
	queue  string
	faults FaultRecorder
}

// New returns an orchestrator publishing to queue. faults may be nil.
func New(videos blobstore.Store, pub broker.Publisher, queue string, faults FaultRecorder) (*Orchestrator, error) {
	if videos == nil {
		return nil, errors.New("video store is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if strings.TrimSpace(queue) == "" {
		return nil, errors.New("conversion queue is required")
	}
	return &Orchestrator{videos: videos, pub: pub, queue: queue, faults: faults}, nil
}

// Queue is the conversion queue jobs are published to.
func (o *Orchestrator) Queue() string { return o.queue }

// Submit stores video and publishes a conversion job for it. When the publish
// fails the stored blob is deleted again; if that delete fails too the error
// is a double fault carrying both causes. A publish whose outcome is unknown
// keeps the blob, since a queued job may reference it, and records it in the
// fault ledger. Duplicate submissions are independent.
func (o *Orchestrator) Submit(ctx context.Context, video io.Reader, user models.Identity) (Result, error) {
	if err := user.Validate(); err != nil {
		return Result{}, pipeline.New(pipeline.KindValidation, "submit", err)
	}

	blobID, err := o.videos.Put(ctx, video)
	if err != nil {
		logger.Errorf("video upload failed: username=%s, error=%v", user.Username, err)
		return Result{}, pipeline.New(pipeline.KindUpload, "store video", err)
	}

	tx := saga.New("submit")
	_ = tx.Defer("delete video blob", func(ctx context.Context) error {
		return o.videos.Delete(ctx, blobID)
	})

	job := models.NewConversionJob(blobID, user)
	if err := o.publish(ctx, job); err != nil {
		perr := pipeline.New(pipeline.KindPublish, "publish conversion job", err)
		if broker.Unconfirmed(ctx, err) {
			o.recordUnconfirmed(blobID, job, perr)
			logger.Warnf("publish unconfirmed, keeping video: video_blob_id=%s, username=%s, queue=%s, error=%v", blobID, user.Username, o.queue, err)
			return Result{}, perr
		}
		// compensate even when the request context is already gone
		rerr := tx.Rollback(context.WithoutCancel(ctx), perr)
		o.recordOrphan(blobID, job, rerr)
		logger.Errorf("submission failed: video_blob_id=%s, username=%s, queue=%s, error=%v", blobID, user.Username, o.queue, rerr)
		return Result{}, rerr
	}
	tx.Commit()

	logger.Infof("submission accepted: video_blob_id=%s, username=%s, queue=%s", blobID, user.Username, o.queue)
	return Result{VideoBlobID: blobID, Queue: o.queue}, nil
}

func (o *Orchestrator) publish(ctx context.Context, job models.JobMessage) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	return o.pub.Publish(ctx, o.queue, body)
}

func (o *Orchestrator) recordOrphan(blobID string, job models.JobMessage, err error) {
	primary, rollback, ok := pipeline.Causes(err)
	if !ok || o.faults == nil {
		return
	}
	if ferr := o.faults.RecordOrphan(stage, blobID, primary, rollback, job); ferr != nil {
		logger.Errorf("failed to record orphaned video: video_blob_id=%s, error=%v", blobID, ferr)
	}
}

func (o *Orchestrator) recordUnconfirmed(blobID string, job models.JobMessage, err error) {
	if o.faults == nil {
		return
	}
	if ferr := o.faults.RecordUnconfirmed(stage, blobID, err, job); ferr != nil {
		logger.Errorf("failed to record unconfirmed publish: video_blob_id=%s, error=%v", blobID, ferr)
	}
}
