package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"audiorelay/broker"
	"audiorelay/logger"
	"audiorelay/models"
	"audiorelay/pipeline"
)

const stage = "notifier"

// ReceiptRecorder keeps a delivery count per audio blob.
type ReceiptRecorder interface {
	Record(audioBlobID, videoBlobID, username, recipient string) (int, error)
}

// RejectRecorder receives completion jobs that failed validation.
type RejectRecorder interface {
	RecordRejected(stage string, body []byte, cause error) (int, error)
}

type Options struct {
	Transport Transport
	Subject   string
	Body      string          // format with one %s verb for the audio blob id
	Receipts  ReceiptRecorder // optional
	Faults    RejectRecorder  // optional
}

type Worker struct {
	transport Transport
	subject   string
	body      string
	receipts  ReceiptRecorder
	faults    RejectRecorder
}

func New(opts Options) (*Worker, error) {
	if opts.Transport == nil {
		return nil, errors.New("notification transport is required")
	}
	if strings.TrimSpace(opts.Subject) == "" {
		return nil, errors.New("notification subject is required")
	}
	if strings.Count(opts.Body, "%s") != 1 {
		return nil, fmt.Errorf("notification body must contain exactly one %%s, got %q", opts.Body)
	}
	return &Worker{
		transport: opts.Transport,
		subject:   opts.Subject,
		body:      opts.Body,
		receipts:  opts.Receipts,
		faults:    opts.Faults,
	}, nil
}

// Handle sends the notification for one completion job, acks on success and
// nacks on any failure. Redelivery after a lost ack sends the mail again.
func (w *Worker) Handle(ctx context.Context, _ broker.Publisher, d broker.Delivery) {
	job, err := w.Process(ctx, d.Body())
	if err != nil {
		w.reject(d.Body(), job, err)
		if nerr := d.Nack(); nerr != nil {
			logger.Errorf("nack failed: audio_blob_id=%s, error=%v", job.AudioID(), nerr)
		}
		return
	}

	w.recordReceipt(job)
	if err := d.Ack(); err != nil {
		logger.Errorf("ack failed after notification: audio_blob_id=%s, email=%s, error=%v",
			job.AudioID(), job.Email, err)
		return
	}
	logger.Infof("notification sent: audio_blob_id=%s, username=%s, email=%s",
		job.AudioID(), job.Username, job.Email)
}

func (w *Worker) recordReceipt(job models.JobMessage) {
	if w.receipts == nil {
		return
	}
	n, err := w.receipts.Record(job.AudioID(), job.VideoBlobID, job.Username, job.Email)
	switch {
	case err != nil:
		logger.Errorf("failed to record receipt: audio_blob_id=%s, error=%v", job.AudioID(), err)
	case n > 1:
		logger.Warnf("duplicate notification: audio_blob_id=%s, deliveries=%d", job.AudioID(), n)
	}
}

// Process validates a completion job and sends its notification without
// settling the delivery.
func (w *Worker) Process(ctx context.Context, body []byte) (models.JobMessage, error) {
	job, err := models.DecodeJobMessage(body)
	if err != nil {
		return job, pipeline.New(pipeline.KindValidation, "decode completion job", err)
	}
	if err := job.ValidateCompletion(); err != nil {
		return job, pipeline.New(pipeline.KindValidation, "validate completion job", err)
	}

	text := fmt.Sprintf(w.body, job.AudioID())
	if err := w.transport.Send(ctx, job.Email, w.subject, text); err != nil {
		return job, pipeline.New(pipeline.KindNotify, "send notification", err)
	}
	return job, nil
}

func (w *Worker) reject(body []byte, job models.JobMessage, err error) {
	kind := pipeline.KindOf(err)
	if kind == pipeline.KindValidation && w.faults != nil {
		attempts, ferr := w.faults.RecordRejected(stage, body, err)
		if ferr != nil {
			logger.Errorf("failed to record rejected message: error=%v", ferr)
		}
		logger.Errorf("completion job rejected: kind=%s, attempts=%d, error=%v", kind, attempts, err)
		return
	}
	logger.Errorf("notification failed: kind=%s, audio_blob_id=%s, email=%s, error=%v",
		kind, job.AudioID(), job.Email, err)
}
