package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

const (
	suffixLength = 12
	suffixChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var blobIDPattern = regexp.MustCompile(`^[0-9a-f]{64}-[A-Za-z0-9]{12}$`)

// randomSuffix returns a 12 character alphanumeric string.
func randomSuffix() (string, error) {
	buf := make([]byte, suffixLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, suffixLength)
	for i, b := range buf {
		out[i] = suffixChars[int(b)%len(suffixChars)]
	}
	return string(out), nil
}

// NewBlobID combines a content digest with a random suffix so two uploads of
// the same bytes never share an id.
func NewBlobID(digest []byte) (string, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return "", fmt.Errorf("failed to generate blob id: %w", err)
	}
	return hex.EncodeToString(digest) + "-" + suffix, nil
}

// ValidBlobID reports whether id has the shape produced by NewBlobID.
// Backends use it to reject path traversal in object keys.
func ValidBlobID(id string) bool {
	return blobIDPattern.MatchString(id)
}

// BlobDigest returns the hex digest prefix of a blob id.
func BlobDigest(id string) string {
	if !ValidBlobID(id) {
		return ""
	}
	return id[:64]
}
