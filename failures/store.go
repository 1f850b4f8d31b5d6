// Package failures is the fault ledger: faults the pipeline cannot repair
// itself and operators may need to act on.
package failures

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	pebble "github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	// KindOrphan marks a blob left behind because its compensating delete failed.
	KindOrphan = "orphan"
	// KindRejected marks a message body that failed validation. Redeliveries
	// of the same body increment Attempts on one record.
	KindRejected = "rejected"
	// KindUnconfirmed marks a blob kept because the publish referencing it
	// may or may not have reached the broker.
	KindUnconfirmed = "unconfirmed"
)

// Kinds lists every record kind in the ledger.
var Kinds = []string{KindOrphan, KindRejected, KindUnconfirmed}

// FaultRecord represents one ledger entry
type FaultRecord struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Stage         string    `json:"stage"`
	FirstSeen     time.Time `json:"first_seen"`
	Timestamp     time.Time `json:"timestamp"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error"`
	RollbackError string    `json:"rollback_error,omitempty"`
	BlobID        string    `json:"blob_id,omitempty"`
	JobData       string    `json:"job_data"` // message body or JSON of the job
}

// Ledger is a pebble-backed fault ledger. It is safe for concurrent use.
type Ledger struct {
	mu sync.Mutex
	db *pebble.DB
}

// Open opens the ledger at dbPath.
func Open(dbPath string) (*Ledger, error) {
	return open(dbPath, &pebble.Options{})
}

// OpenMemory returns a ledger that lives only in memory.
func OpenMemory() (*Ledger, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dbPath string, opts *pebble.Options) (*Ledger, error) {
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open failure store: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the failure store
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordOrphan stores a double fault: blobID could not be deleted after
// cause, because of rollback.
func (l *Ledger) RecordOrphan(stage, blobID string, cause, rollback error, job any) error {
	return l.recordBlob(KindOrphan, stage, blobID, cause, rollback, job)
}

// RecordUnconfirmed stores a blob that was deliberately kept because the
// publish of job ended without a confirm. An operator checks the queue
// before deleting it.
func (l *Ledger) RecordUnconfirmed(stage, blobID string, cause error, job any) error {
	return l.recordBlob(KindUnconfirmed, stage, blobID, cause, nil, job)
}

func (l *Ledger) recordBlob(kind, stage, blobID string, cause, rollback error, job any) error {
	now := time.Now()
	rec := FaultRecord{
		ID:            kind + ":" + blobID,
		Kind:          kind,
		Stage:         stage,
		FirstSeen:     now,
		Timestamp:     now,
		Attempts:      1,
		Error:         errString(cause),
		RollbackError: errString(rollback),
		BlobID:        blobID,
		JobData:       jobJSON(job),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, err := l.get(rec.ID); err == nil && prev != nil {
		rec.FirstSeen = prev.FirstSeen
		rec.Attempts = prev.Attempts + 1
	}
	return l.put(rec)
}

// RecordRejected stores a validation failure keyed by the body digest and
// returns how many times this body has been rejected.
func (l *Ledger) RecordRejected(stage string, body []byte, cause error) (int, error) {
	sum := sha256.Sum256(body)
	now := time.Now()
	rec := FaultRecord{
		ID:        KindRejected + ":" + stage + ":" + hex.EncodeToString(sum[:]),
		Kind:      KindRejected,
		Stage:     stage,
		FirstSeen: now,
		Timestamp: now,
		Attempts:  1,
		Error:     errString(cause),
		JobData:   string(body),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	prev, err := l.get(rec.ID)
	if err != nil {
		return 0, err
	}
	if prev != nil {
		rec.FirstSeen = prev.FirstSeen
		rec.Attempts = prev.Attempts + 1
	}
	if err := l.put(rec); err != nil {
		return 0, err
	}
	return rec.Attempts, nil
}

// Get retrieves a record by id. A missing record is (nil, nil).
func (l *Ledger) Get(id string) (*FaultRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(id)
}

func (l *Ledger) get(id string) (*FaultRecord, error) {
	data, closer, err := l.db.Get([]byte(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get failure: %w", err)
	}
	defer closer.Close()

	var record FaultRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failure record: %w", err)
	}
	return &record, nil
}

func (l *Ledger) put(rec FaultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}
	return l.db.Set([]byte(rec.ID), data, pebble.Sync)
}

// Delete removes a failure record
func (l *Ledger) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Delete([]byte(id), pebble.Sync)
}

// List returns all records, newest first. kind filters when non-empty.
func (l *Ledger) List(kind string) ([]FaultRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []FaultRecord
	for iter.First(); iter.Valid(); iter.Next() {
		if kind != "" && !strings.HasPrefix(string(iter.Key()), kind+":") {
			continue
		}
		var record FaultRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue // Skip invalid records
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iteration error: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// CleanupOldRecords removes records last seen before now-maxAge and returns
// how many were removed.
func (l *Ledger) CleanupOldRecords(maxAge time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	var keysToDelete [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		var record FaultRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue
		}
		if record.Timestamp.Before(cutoff) {
			keysToDelete = append(keysToDelete, append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	for _, key := range keysToDelete {
		if err := l.db.Delete(key, pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to delete old failure record: %w", err)
		}
	}
	return len(keysToDelete), nil
}

// CheckHealth performs a basic read against the database.
func (l *Ledger) CheckHealth() error {
	_, closer, err := l.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func jobJSON(job any) string {
	switch v := job.(type) {
	case nil:
		return ""
	case []byte:
		return string(v)
	case string:
		return v
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Sprintf("failed to marshal job data: %v", err)
	}
	return string(data)
}
