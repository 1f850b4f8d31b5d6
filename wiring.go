package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	"audiorelay/blobstore"
	"audiorelay/broker"
	"audiorelay/config"
	"audiorelay/failures"
	"audiorelay/logger"
	"audiorelay/pipeline"
	"audiorelay/success"
)

// resources closes process handles in reverse order of opening.
type resources struct {
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

func (r *resources) add(name string, fn func() error) {
	r.closers = append(r.closers, namedCloser{name: name, close: fn})
}

func (r *resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.close(); err != nil {
			logger.Errorf("Failed to close %s: %v", c.name, err)
		} else {
			logger.Debugf("Closed %s", c.name)
		}
	}
	r.closers = nil
}

func openLedger(cfg config.Config, role string, res *resources) (*failures.Ledger, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := cfg.GetFailuresDBPath(role)
	ledger, err := failures.Open(path)
	if err != nil {
		return nil, err
	}
	res.add("fault ledger", ledger.Close)
	logger.Infof("Fault ledger opened: path=%s", path)
	return ledger, nil
}

func openReceipts(cfg config.Config, res *resources) (*success.Receipts, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := cfg.GetReceiptsDBPath()
	receipts, err := success.Open(path)
	if err != nil {
		return nil, err
	}
	res.add("receipts", receipts.Close)
	logger.Infof("Receipts ledger opened: path=%s", path)
	return receipts, nil
}

// openStores opens the video and audio namespaces.
func openStores(ctx context.Context, cfg config.Config, res *resources) (videos, audio *blobstore.Blobs, err error) {
	videos, err = blobstore.Open(ctx, cfg, cfg.Blob.VideoNamespace)
	if err != nil {
		return nil, nil, err
	}
	res.add(videos.Name()+" store", videos.Close)

	audio, err = blobstore.Open(ctx, cfg, cfg.Blob.AudioNamespace)
	if err != nil {
		return nil, nil, err
	}
	res.add(audio.Name()+" store", audio.Close)
	logger.Infof("Blob stores opened: backend=%s, videos=%s, audio=%s",
		cfg.Blob.Backend, videos.Name(), audio.Name())
	return videos, audio, nil
}

// newConnector builds the broker connector for role. mem serves the memory
// transport and may be nil for the others.
func newConnector(cfg config.Config, role string, mem *broker.Memory) (*broker.Connector, error) {
	b := cfg.Broker
	var dial broker.DialFunc
	switch b.Transport {
	case "amqp":
		dial = broker.DialAMQP(b.URL, "audiorelay-"+role)
	case "redis":
		dial = broker.DialRedis(&redis.Options{
			Addr:     b.RedisAddr,
			Password: b.RedisPassword,
			DB:       b.RedisDB,
		}, b.ConsumerName+"-"+role)
	case "memory":
		if mem == nil {
			return nil, errors.New("memory broker transport is only available in standalone mode")
		}
		dial = mem.Dial
	default:
		return nil, fmt.Errorf("unsupported broker transport %q", b.Transport)
	}
	return &broker.Connector{
		Dial:     dial,
		Queues:   []string{b.VideoQueue, b.AudioQueue},
		Attempts: b.ConnectAttempts,
		Delay:    b.ConnectDelay(),
	}, nil
}

// faultReporter records faults in the ledger and, when Sentry is configured,
// reports orphaned and unconfirmed blobs as events.
type faultReporter struct {
	ledger *failures.Ledger
}

func (r faultReporter) RecordOrphan(stage, blobID string, cause, rollback error, job any) error {
	err := r.ledger.RecordOrphan(stage, blobID, cause, rollback, job)

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("stage", stage)
		scope.SetTag("blob_id", blobID)
		scope.SetTag("kind", failures.KindOrphan)
	})
	hub.CaptureException(pipeline.DoubleFault(stage, cause, rollback))
	return err
}

func (r faultReporter) RecordUnconfirmed(stage, blobID string, cause error, job any) error {
	err := r.ledger.RecordUnconfirmed(stage, blobID, cause, job)

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("stage", stage)
		scope.SetTag("blob_id", blobID)
		scope.SetTag("kind", failures.KindUnconfirmed)
		scope.SetLevel(sentry.LevelWarning)
	})
	hub.CaptureException(cause)
	return err
}

func (r faultReporter) RecordRejected(stage string, body []byte, cause error) (int, error) {
	return r.ledger.RecordRejected(stage, body, cause)
}

func initSentry(cfg config.SentryConfig, release string) (flush func(), err error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     release,
	}); err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	logger.Info("Sentry fault reporting enabled")
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Gateway listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	logger.Info("Gateway stopped")
	return nil
}
