// Package cache maps (question, index structure, model, context) to
// previously computed extraction results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Cache stores opaque values with an optional TTL. A zero TTL never expires.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// BackendError reports a failing cache backend. Callers treat it as a miss.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("cache: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Key hashes the identity of a cached answer. contextHash may be empty.
func Key(questionID, indexHash, model, contextHash string) string {
	parts := []string{questionID, indexHash, model}
	if contextHash != "" {
		parts = append(parts, contextHash)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// ContextHash fingerprints the context text an answer was produced from.
func ContextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

type envelope struct {
	Value      []byte
	InsertedAt time.Time
	TTL        time.Duration
}

func (e envelope) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.InsertedAt) >= e.TTL
}
