package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dirceu/limitd/internal/bucket"
	"github.com/dirceu/limitd/internal/clock"
	"github.com/dirceu/limitd/internal/storage"
)

type flakyBackend struct {
	failures int
	calls    int
	err      error
}

func (f *flakyBackend) attempt() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyBackend) Take(ctx context.Context, bucketName, key string, p bucket.Params, count int64) (storage.View, error) {
	if err := f.attempt(); err != nil {
		return storage.View{}, err
	}
	return storage.View{Conformant: true, Tokens: 5}, nil
}

func (f *flakyBackend) Put(ctx context.Context, bucketName, key string, p bucket.Params, count int64, all bool) (storage.View, error) {
	if err := f.attempt(); err != nil {
		return storage.View{}, err
	}
	return storage.View{Conformant: true}, nil
}

func (f *flakyBackend) Status(ctx context.Context, bucketName, key string, p bucket.Params) (storage.View, error) {
	if err := f.attempt(); err != nil {
		return storage.View{}, err
	}
	return storage.View{Conformant: true}, nil
}

func (f *flakyBackend) Scan(ctx context.Context, bucketName, prefix string, p bucket.Params, limit int) ([]storage.Entry, error) {
	if err := f.attempt(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *flakyBackend) Reset(ctx context.Context, bucketName, key string) error {
	return f.attempt()
}

func (f *flakyBackend) Close() error { return nil }

func testConfig() Config {
	return Config{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
}

func TestRetriesTransientErrors(t *testing.T) {
	inner := &flakyBackend{failures: 2, err: storage.NewTransientError(errors.New("journal busy"))}
	wrapped := Wrap(inner, nil, clock.Real{}, testConfig())

	view, err := wrapped.Take(context.Background(), "ip", "k", bucket.Params{Size: 10, PerInterval: 1, Interval: time.Second}, 1)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if !view.Conformant || inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d (view %+v)", inner.calls, view)
	}
}

func TestDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("corrupt record")
	inner := &flakyBackend{failures: 5, err: permanent}
	wrapped := Wrap(inner, nil, clock.Real{}, testConfig())

	if err := wrapped.Reset(context.Background(), "ip", "k"); !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("permanent errors must not retry, got %d attempts", inner.calls)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	transient := storage.NewTransientError(errors.New("still busy"))
	inner := &flakyBackend{failures: 100, err: transient}
	wrapped := Wrap(inner, nil, clock.Real{}, testConfig())

	if err := wrapped.Reset(context.Background(), "ip", "k"); err == nil {
		t.Fatalf("expected failure after exhausting attempts")
	}
	if inner.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", inner.calls)
	}
}

func TestContextCancellationStopsRetryLoop(t *testing.T) {
	transient := storage.NewTransientError(errors.New("busy"))
	inner := &flakyBackend{failures: 100, err: transient}
	wrapped := Wrap(inner, nil, clock.Real{}, Config{MaxAttempts: 50, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := wrapped.Reset(ctx, "ip", "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
