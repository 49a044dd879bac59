// Package storage defines the embedded token-state engine behind the
// request handler. Backends persist one BucketState per (bucket, key);
// operations on the same key are linearizable, distinct keys proceed in
// parallel.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dirceu/limitd/internal/bucket"
)

var (
	// ErrNotFound indicates no state is persisted for the key.
	ErrNotFound = errors.New("storage: not found")
	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("storage: closed")
)

// State is the persisted token record for one (bucket, key).
type State struct {
	Tokens   float64
	LastDrip time.Time
	// BeforeDrop is the measured token count immediately before the most
	// recent non-conformant take, kept for observability.
	BeforeDrop    float64
	HasBeforeDrop bool
}

// View is the caller-facing outcome of a single-key operation: the token
// count after the operation and the instant the bucket would be full again.
type View struct {
	Conformant bool
	Tokens     float64
	Reset      time.Time
}

// Entry pairs a key with its view during prefix scans.
type Entry struct {
	Key  string
	View View
}

// Backend is the store contract. Every operation is single-key atomic:
// refill, mutation, and persistence commit as one step.
type Backend interface {
	// Take refills and debits count tokens. When fewer than count tokens
	// are available the state is left undebited (only the refill and the
	// beforeDrop observation persist) and Conformant is false.
	Take(ctx context.Context, bucketName, key string, p bucket.Params, count int64) (View, error)
	// Put credits count tokens (or fills to capacity when all), clamped to
	// [0, size]. Creates the state lazily like Take.
	Put(ctx context.Context, bucketName, key string, p bucket.Params, count int64, all bool) (View, error)
	// Status returns the refill-adjusted view without mutating anything.
	// Missing keys read as full buckets.
	Status(ctx context.Context, bucketName, key string, p bucket.Params) (View, error)
	// Scan enumerates up to limit persisted keys under prefix with their
	// read-only views.
	Scan(ctx context.Context, bucketName, prefix string, p bucket.Params, limit int) ([]Entry, error)
	// Reset deletes the persisted state for key; missing keys are a no-op.
	Reset(ctx context.Context, bucketName, key string) error
	// Close drains in-flight single-key operations, then releases the
	// backend. Operations started after Close return ErrClosed.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable by the retry decorator.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
