package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"audiorelay/failures"
	"audiorelay/logger"
	"audiorelay/pipeline"
	"audiorelay/success"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
		case pipeline.IsConnection(err):
			logger.Errorf("Broker unreachable, giving up: %v", err)
		default:
			logger.Errorf("%v", err)
		}
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

// cleanupRoutine periodically prunes ledger and receipt records older than
// maxAge. receipts may be nil.
func cleanupRoutine(ctx context.Context, every, maxAge time.Duration, ledger *failures.Ledger, receipts *success.Receipts) {
	if every <= 0 {
		every = 24 * time.Hour
	}
	logger.Infof("Cleanup routine started: interval=%v, retention=%v", every, maxAge)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Cleanup routine stopped")
			return
		case <-ticker.C:
			pruneRecords(maxAge, ledger, receipts)
		}
	}
}

func pruneRecords(maxAge time.Duration, ledger *failures.Ledger, receipts *success.Receipts) {
	if ledger != nil {
		n, err := ledger.CleanupOldRecords(maxAge)
		if err != nil {
			logger.Errorf("Failed to cleanup old fault records: %v", err)
		} else {
			logger.Infof("Cleaned up %d fault records older than %v", n, maxAge)
		}
	}
	if receipts != nil {
		n, err := receipts.CleanupOldRecords(maxAge)
		if err != nil {
			logger.Errorf("Failed to cleanup old receipts: %v", err)
		} else {
			logger.Infof("Cleaned up %d receipts older than %v", n, maxAge)
		}
	}
}
