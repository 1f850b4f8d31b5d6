// Package converter consumes conversion jobs, extracts their audio and
// queues a completion job for the notifier.
package converter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"audiorelay/blobstore"
	"audiorelay/broker"
	"audiorelay/logger"
	"audiorelay/models"
	"audiorelay/pipeline"
	"audiorelay/saga"
)

const stage = "converter"

// Transcoder turns a local video file into a local audio file.
type Transcoder interface {
	Transcode(ctx context.Context, videoPath string) (string, error)
}

// FaultRecorder receives orphaned blobs, blobs kept after an unconfirmed
// publish and rejected messages.
type FaultRecorder interface {
	RecordOrphan(stage, blobID string, cause, rollback error, job any) error
	RecordUnconfirmed(stage, blobID string, cause error, job any) error
	RecordRejected(stage string, body []byte, cause error) (int, error)
}

type Options struct {
	Videos          blobstore.Store
	Audio           blobstore.Store
	Transcoder      Transcoder
	CompletionQueue string
	Faults          FaultRecorder // optional
	TempDir         string        // optional, defaults to os.TempDir()
}

type Worker struct {
	videos     blobstore.Store
	audio      blobstore.Store
	transcoder Transcoder
	queue      string
	faults     FaultRecorder
	tempDir    string
}

func New(opts Options) (*Worker, error) {
	if opts.Videos == nil {
		return nil, errors.New("video store is required")
	}
	if opts.Audio == nil {
		return nil, errors.New("audio store is required")
	}
	if opts.Transcoder == nil {
		return nil, errors.New("transcoder is required")
	}
	if strings.TrimSpace(opts.CompletionQueue) == "" {
		return nil, errors.New("completion queue is required")
	}
	return &Worker{
		videos:     opts.Videos,
		audio:      opts.Audio,
		transcoder: opts.Transcoder,
		queue:      opts.CompletionQueue,
		faults:     opts.Faults,
		tempDir:    opts.TempDir,
	}, nil
}

// Handle processes one delivery and settles it. The delivery is acked only
// after the completion job is published; every failure nacks it for
// redelivery.
func (w *Worker) Handle(ctx context.Context, pub broker.Publisher, d broker.Delivery) {
	job, err := w.Process(ctx, pub, d.Body())
	if err != nil {
		w.reject(d.Body(), job, err)
		if nerr := d.Nack(); nerr != nil {
			logger.Errorf("nack failed: video_blob_id=%s, error=%v", job.VideoBlobID, nerr)
		}
		return
	}

	if err := d.Ack(); err != nil {
		// The completion job is already published; the audio blob stays.
		// Redelivery converts the video a second time.
		logger.Errorf("ack failed after publish: video_blob_id=%s, audio_blob_id=%s, error=%v",
			job.VideoBlobID, job.AudioID(), err)
		return
	}
	logger.Infof("conversion complete: video_blob_id=%s, audio_blob_id=%s, username=%s, queue=%s",
		job.VideoBlobID, job.AudioID(), job.Username, w.queue)
}

// Process runs one conversion job without settling the delivery. On success
// the returned job carries the new audio blob id and has been published.
func (w *Worker) Process(ctx context.Context, pub broker.Publisher, body []byte) (models.JobMessage, error) {
	job, err := models.DecodeJobMessage(body)
	if err != nil {
		return job, pipeline.New(pipeline.KindValidation, "decode conversion job", err)
	}
	if err := job.ValidateConversion(); err != nil {
		return job, pipeline.New(pipeline.KindValidation, "validate conversion job", err)
	}

	dir, err := os.MkdirTemp(w.tempDir, "convert-*")
	if err != nil {
		return job, pipeline.New(pipeline.KindTransform, "create work dir", err)
	}
	defer os.RemoveAll(dir)

	videoPath := filepath.Join(dir, "source.video")
	if err := w.fetch(ctx, job.VideoBlobID, videoPath); err != nil {
		return job, err
	}

	audioPath, err := w.transcoder.Transcode(ctx, videoPath)
	if err != nil {
		if pipeline.KindOf(err) == pipeline.KindUnknown {
			err = pipeline.New(pipeline.KindTransform, "transcode", err)
		}
		return job, err
	}

	audioID, err := w.store(ctx, audioPath)
	if err != nil {
		return job, err
	}

	tx := saga.New("convert")
	_ = tx.Defer("delete audio blob", func(ctx context.Context) error {
		return w.audio.Delete(ctx, audioID)
	})

	done := job.WithAudio(audioID)
	if err := w.publish(ctx, pub, done); err != nil {
		perr := pipeline.New(pipeline.KindPublish, "publish completion job", err)
		if broker.Unconfirmed(ctx, err) {
			// The completion job may be queued; its audio blob must stay.
			tx.Commit()
			if w.faults != nil {
				if ferr := w.faults.RecordUnconfirmed(stage, audioID, perr, done); ferr != nil {
					logger.Errorf("failed to record unconfirmed publish: audio_blob_id=%s, error=%v", audioID, ferr)
				}
			}
			logger.Warnf("completion publish unconfirmed, keeping audio: audio_blob_id=%s, error=%v", audioID, err)
			return job, perr
		}
		rerr := tx.Rollback(context.WithoutCancel(ctx), perr)
		if primary, rollback, ok := pipeline.Causes(rerr); ok && w.faults != nil {
			if ferr := w.faults.RecordOrphan(stage, audioID, primary, rollback, done); ferr != nil {
				logger.Errorf("failed to record orphaned audio: audio_blob_id=%s, error=%v", audioID, ferr)
			}
		}
		return job, rerr
	}
	tx.Commit()
	return done, nil
}

func (w *Worker) fetch(ctx context.Context, id, dst string) error {
	rc, err := w.videos.Get(ctx, id)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			logger.Warnf("video blob missing: video_blob_id=%s", id)
		}
		return pipeline.New(pipeline.KindUpload, "fetch video", err)
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return pipeline.New(pipeline.KindTransform, "write video file", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return pipeline.New(pipeline.KindUpload, "fetch video", err)
	}
	if err := f.Close(); err != nil {
		return pipeline.New(pipeline.KindTransform, "write video file", err)
	}
	return nil
}

func (w *Worker) store(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", pipeline.New(pipeline.KindTransform, "open audio file", err)
	}
	defer f.Close()

	id, err := w.audio.Put(ctx, f)
	if err != nil {
		return "", pipeline.New(pipeline.KindUpload, "store audio", err)
	}
	return id, nil
}

func (w *Worker) publish(ctx context.Context, pub broker.Publisher, job models.JobMessage) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, w.queue, body); err != nil {
		return fmt.Errorf("publish to %s: %w", w.queue, err)
	}
	return nil
}

func (w *Worker) reject(body []byte, job models.JobMessage, err error) {
	kind := pipeline.KindOf(err)
	if kind == pipeline.KindValidation && w.faults != nil {
		attempts, ferr := w.faults.RecordRejected(stage, body, err)
		if ferr != nil {
			logger.Errorf("failed to record rejected message: error=%v", ferr)
		}
		logger.Errorf("conversion job rejected: kind=%s, attempts=%d, error=%v", kind, attempts, err)
		return
	}
	logger.Errorf("conversion failed: kind=%s, video_blob_id=%s, username=%s, error=%v",
		kind, job.VideoBlobID, job.Username, err)
}
