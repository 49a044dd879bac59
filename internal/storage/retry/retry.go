// Package retry decorates a storage.Backend with exponential-backoff
// retries of transient errors. Every store operation is single-key atomic,
// so a failed attempt left no partial state and can be repeated safely.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/dirceu/limitd/internal/bucket"
	"github.com/dirceu/limitd/internal/clock"
	"github.com/dirceu/limitd/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{inner: inner, logger: logger, clock: clk, cfg: cfg}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) Take(ctx context.Context, bucketName, key string, p bucket.Params, count int64) (storage.View, error) {
	var view storage.View
	err := b.withRetry(ctx, "take", bucketName, key, func(ctx context.Context) error {
		var err error
		view, err = b.inner.Take(ctx, bucketName, key, p, count)
		return err
	})
	return view, err
}

func (b *backend) Put(ctx context.Context, bucketName, key string, p bucket.Params, count int64, all bool) (storage.View, error) {
	var view storage.View
	err := b.withRetry(ctx, "put", bucketName, key, func(ctx context.Context) error {
		var err error
		view, err = b.inner.Put(ctx, bucketName, key, p, count, all)
		return err
	})
	return view, err
}

func (b *backend) Status(ctx context.Context, bucketName, key string, p bucket.Params) (storage.View, error) {
	var view storage.View
	err := b.withRetry(ctx, "status", bucketName, key, func(ctx context.Context) error {
		var err error
		view, err = b.inner.Status(ctx, bucketName, key, p)
		return err
	})
	return view, err
}

func (b *backend) Scan(ctx context.Context, bucketName, prefix string, p bucket.Params, limit int) ([]storage.Entry, error) {
	var entries []storage.Entry
	err := b.withRetry(ctx, "scan", bucketName, prefix, func(ctx context.Context) error {
		var err error
		entries, err = b.inner.Scan(ctx, bucketName, prefix, p, limit)
		return err
	})
	return entries, err
}

func (b *backend) Reset(ctx context.Context, bucketName, key string) error {
	return b.withRetry(ctx, "reset", bucketName, key, func(ctx context.Context) error {
		return b.inner.Reset(ctx, bucketName, key)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, bucketName, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	if attempts <= 1 {
		return fn(ctx)
	}
	delay := b.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"bucket", bucketName,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
