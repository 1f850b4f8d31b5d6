package config

import (
	"path/filepath"
)

// GetFailuresDBPath returns the path of one process role's fault ledger.
// Pebble locks its directory, so every role keeps its own.
// Path: {DataDir}/failures-{role}.db
func (c Config) GetFailuresDBPath(role string) string {
	return filepath.Join(c.DataDir, "failures-"+role+".db")
}

// GetReceiptsDBPath returns the path of the notification receipts ledger.
// Path: {DataDir}/receipts.db
func (c Config) GetReceiptsDBPath() string {
	return filepath.Join(c.DataDir, "receipts.db")
}

// GetBlobDBPath returns the pebble directory backing one blob namespace when
// the pebble blob backend is selected.
// Path: {DataDir}/blobs/{namespace}.db
func (c Config) GetBlobDBPath(namespace string) string {
	return filepath.Join(c.DataDir, "blobs", namespace+".db")
}

// GetBlobDir returns the directory of one namespace for the fs blob backend.
func (c Config) GetBlobDir(namespace string) string {
	return filepath.Join(c.Blob.Dir, namespace)
}
