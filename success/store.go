// Package success keeps a receipt for every notification that was sent.
package success

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pebble "github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Receipt records notifications sent for one audio blob. Deliveries above
// one mean the completion message was redelivered and the user was notified
// more than once.
type Receipt struct {
	AudioBlobID string    `json:"audio_blob_id"`
	VideoBlobID string    `json:"video_blob_id"`
	Username    string    `json:"username"`
	Recipient   string    `json:"recipient"`
	FirstSent   time.Time `json:"first_sent"`
	Timestamp   time.Time `json:"timestamp"`
	Deliveries  int       `json:"deliveries"`
}

// Receipts is a pebble-backed receipt store, safe for concurrent use.
type Receipts struct {
	mu sync.Mutex
	db *pebble.DB
}

func Open(dbPath string) (*Receipts, error) {
	return open(dbPath, &pebble.Options{})
}

func OpenMemory() (*Receipts, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dbPath string, opts *pebble.Options) (*Receipts, error) {
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open success store: %w", err)
	}
	return &Receipts{db: db}, nil
}

func (r *Receipts) Close() error {
	return r.db.Close()
}

// Record upserts the receipt for audioBlobID and returns the delivery count.
func (r *Receipts) Record(audioBlobID, videoBlobID, username, recipient string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	rec := Receipt{
		AudioBlobID: audioBlobID,
		VideoBlobID: videoBlobID,
		Username:    username,
		Recipient:   recipient,
		FirstSent:   now,
		Timestamp:   now,
		Deliveries:  1,
	}
	prev, err := r.get(audioBlobID)
	if err != nil {
		return 0, err
	}
	if prev != nil {
		rec.FirstSent = prev.FirstSent
		rec.Deliveries = prev.Deliveries + 1
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal receipt: %w", err)
	}
	if err := r.db.Set([]byte(audioBlobID), data, pebble.Sync); err != nil {
		return 0, err
	}
	return rec.Deliveries, nil
}

// Get retrieves a receipt; a missing one is (nil, nil).
func (r *Receipts) Get(audioBlobID string) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(audioBlobID)
}

func (r *Receipts) get(audioBlobID string) (*Receipt, error) {
	data, closer, err := r.db.Get([]byte(audioBlobID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	var rec Receipt
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return &rec, nil
}

// List returns every receipt in key order.
func (r *Receipts) List() ([]Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	iter, err := r.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Receipt
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Receipt
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// CleanupOldRecords removes receipts last updated before now-maxAge.
func (r *Receipts) CleanupOldRecords(maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	iter, err := r.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	var keysToDelete [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Receipt
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.Timestamp.Before(cutoff) {
			keysToDelete = append(keysToDelete, append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	for _, key := range keysToDelete {
		if err := r.db.Delete(key, pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to delete old receipt: %w", err)
		}
	}
	return len(keysToDelete), nil
}

// CheckHealth performs a basic health check on the receipts database
func (r *Receipts) CheckHealth() error {
	_, closer, err := r.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}
