// Package logging decorates a storage.Backend with trace/debug logging of
// every single-key operation.
package logging

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/dirceu/limitd/internal/bucket"
	"github.com/dirceu/limitd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
}

// Wrap decorates inner with per-operation logging.
func Wrap(inner storage.Backend, logger pslog.Logger) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{inner: inner, logger: logger}
}

func (b *backend) Take(ctx context.Context, bucketName, key string, p bucket.Params, count int64) (storage.View, error) {
	begin := time.Now()
	b.logger.Trace("storage.take.begin", "bucket", bucketName, "key", key, "count", count)
	view, err := b.inner.Take(ctx, bucketName, key, p, count)
	if err != nil {
		b.logger.Debug("storage.take.error", "bucket", bucketName, "key", key, "error", err, "elapsed", time.Since(begin))
		return view, err
	}
	b.logger.Debug("storage.take.success",
		"bucket", bucketName,
		"key", key,
		"count", count,
		"conformant", view.Conformant,
		"tokens", view.Tokens,
		"elapsed", time.Since(begin),
	)
	return view, nil
}

func (b *backend) Put(ctx context.Context, bucketName, key string, p bucket.Params, count int64, all bool) (storage.View, error) {
	begin := time.Now()
	b.logger.Trace("storage.put.begin", "bucket", bucketName, "key", key, "count", count, "all", all)
	view, err := b.inner.Put(ctx, bucketName, key, p, count, all)
	if err != nil {
		b.logger.Debug("storage.put.error", "bucket", bucketName, "key", key, "error", err, "elapsed", time.Since(begin))
		return view, err
	}
	b.logger.Debug("storage.put.success",
		"bucket", bucketName,
		"key", key,
		"tokens", view.Tokens,
		"elapsed", time.Since(begin),
	)
	return view, nil
}

func (b *backend) Status(ctx context.Context, bucketName, key string, p bucket.Params) (storage.View, error) {
	begin := time.Now()
	view, err := b.inner.Status(ctx, bucketName, key, p)
	if err != nil {
		b.logger.Debug("storage.status.error", "bucket", bucketName, "key", key, "error", err, "elapsed", time.Since(begin))
		return view, err
	}
	b.logger.Trace("storage.status.success", "bucket", bucketName, "key", key, "tokens", view.Tokens, "elapsed", time.Since(begin))
	return view, nil
}

func (b *backend) Scan(ctx context.Context, bucketName, prefix string, p bucket.Params, limit int) ([]storage.Entry, error) {
	begin := time.Now()
	entries, err := b.inner.Scan(ctx, bucketName, prefix, p, limit)
	if err != nil {
		b.logger.Debug("storage.scan.error", "bucket", bucketName, "prefix", prefix, "error", err, "elapsed", time.Since(begin))
		return entries, err
	}
	b.logger.Trace("storage.scan.success", "bucket", bucketName, "prefix", prefix, "entries", len(entries), "elapsed", time.Since(begin))
	return entries, nil
}

func (b *backend) Reset(ctx context.Context, bucketName, key string) error {
	begin := time.Now()
	err := b.inner.Reset(ctx, bucketName, key)
	if err != nil {
		b.logger.Debug("storage.reset.error", "bucket", bucketName, "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	b.logger.Debug("storage.reset.success", "bucket", bucketName, "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Error("storage.close.error", "error", err)
		return err
	}
	b.logger.Debug("storage.close.success")
	return nil
}
