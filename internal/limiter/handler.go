// Package limiter dispatches decoded requests against the bucket-type
// registry and the token store, producing exactly one response per request.
package limiter

import (
	"context"
	"fmt"
	"math"

	"pkt.systems/pslog"

	"github.com/dirceu/limitd/internal/bucket"
	"github.com/dirceu/limitd/internal/clock"
	"github.com/dirceu/limitd/internal/storage"
	"github.com/dirceu/limitd/internal/telemetry"
	"github.com/dirceu/limitd/internal/wire"
)

// DefaultStatusScanLimit bounds how many instances a wildcard STATUS may
// enumerate.
const DefaultStatusScanLimit = 100

// Config assembles a Handler.
type Config struct {
	Registry *bucket.Registry
	Store    storage.Backend
	Clock    clock.Clock
	Logger   pslog.Logger
	Metrics  *telemetry.Metrics
	// StatusScanLimit caps wildcard STATUS enumeration; 0 uses the default.
	StatusScanLimit int
}

// Handler is stateless across requests; everything durable lives in the
// store and the registry snapshot resolved per dispatch.
type Handler struct {
	registry  *bucket.Registry
	store     storage.Backend
	clk       clock.Clock
	logger    pslog.Logger
	metrics   *telemetry.Metrics
	scanLimit int
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	limit := cfg.StatusScanLimit
	if limit <= 0 {
		limit = DefaultStatusScanLimit
	}
	return &Handler{
		registry:  cfg.Registry,
		store:     cfg.Store,
		clk:       clk,
		logger:    logger,
		metrics:   cfg.Metrics,
		scanLimit: limit,
	}
}

// Handle produces the single response for req. Domain failures come back as
// error responses; the connection-level caller never sees a Go error here.
func (h *Handler) Handle(ctx context.Context, req *wire.Request) *wire.Response {
	resp := h.dispatch(ctx, req)
	if h.metrics != nil {
		outcome := "ok"
		if resp.Error != nil {
			outcome = resp.Error.Kind
		} else if take := resp.Take; take != nil && !take.Conformant {
			outcome = "dropped"
		}
		h.metrics.RequestsTotal.WithLabelValues(req.Method.String(), outcome).Inc()
	}
	return resp
}

func (h *Handler) dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	if req.Count < 0 {
		return wire.NewErrorResponse(req.ID, wire.ErrKindValidation, fmt.Sprintf("count must be >= 0, got %d", req.Count))
	}
	typ, ok := h.registry.Get(req.Type)
	if !ok {
		h.logger.Info("unknown bucket type", "type", req.Type, "method", req.Method.String(), "request_id", req.ID)
		return wire.NewErrorResponse(req.ID, wire.ErrKindUnknownBucketType, fmt.Sprintf("no bucket type named %q", req.Type))
	}
	if req.Method == wire.MethodStatus {
		return h.status(ctx, req, typ)
	}
	if req.Key == "" {
		return wire.NewErrorResponse(req.ID, wire.ErrKindValidation, "key must not be empty")
	}
	switch req.Method {
	case wire.MethodTake:
		return h.take(ctx, req, typ)
	case wire.MethodPut:
		return h.put(ctx, req, typ)
	case wire.MethodWait:
		return h.wait(ctx, req, typ)
	case wire.MethodReset:
		return h.reset(ctx, req, typ)
	}
	return wire.NewErrorResponse(req.ID, wire.ErrKindUnknownMethod, fmt.Sprintf("method %s", req.Method))
}

func (h *Handler) take(ctx context.Context, req *wire.Request, typ *bucket.Type) *wire.Response {
	if typ.Unlimited {
		// The fast path never touches storage: unlimited types have no state.
		return &wire.Response{ID: req.ID, Take: &wire.TakeBody{
			Conformant: true,
			Remaining:  typ.Size,
			Limit:      typ.Size,
			Reset:      h.clk.Now().Unix(),
		}}
	}
	p := typ.Params(req.Key)
	view, err := h.store.Take(ctx, typ.Name, req.Key, p, req.Count)
	if err != nil {
		return h.storeError(req, "take", err)
	}
	return &wire.Response{ID: req.ID, Take: takeBody(view, p)}
}

func (h *Handler) put(ctx context.Context, req *wire.Request, typ *bucket.Type) *wire.Response {
	if typ.Unlimited {
		return &wire.Response{ID: req.ID, Put: &wire.PutBody{
			Remaining: typ.Size,
			Limit:     typ.Size,
			Reset:     h.clk.Now().Unix(),
		}}
	}
	p := typ.Params(req.Key)
	view, err := h.store.Put(ctx, typ.Name, req.Key, p, req.Count, req.All)
	if err != nil {
		return h.storeError(req, "put", err)
	}
	return &wire.Response{ID: req.ID, Put: putBody(view, p)}
}

// wait is TAKE with one scheduled retry: on failure it sleeps exactly until
// the requested tokens will exist, takes again, and reports that outcome.
// It never loops.
func (h *Handler) wait(ctx context.Context, req *wire.Request, typ *bucket.Type) *wire.Response {
	if typ.Unlimited {
		return &wire.Response{ID: req.ID, Take: &wire.TakeBody{
			Conformant: true,
			Remaining:  typ.Size,
			Limit:      typ.Size,
			Reset:      h.clk.Now().Unix(),
		}}
	}
	p := typ.Params(req.Key)
	view, err := h.store.Take(ctx, typ.Name, req.Key, p, req.Count)
	if err != nil {
		return h.storeError(req, "wait", err)
	}
	if view.Conformant {
		return &wire.Response{ID: req.ID, Take: takeBody(view, p)}
	}
	delay := bucket.AvailableIn(view.Tokens, req.Count, p)
	if h.metrics != nil {
		h.metrics.WaitRetries.Inc()
	}
	select {
	case <-ctx.Done():
		return wire.NewErrorResponse(req.ID, wire.ErrKindInternal, "wait cancelled")
	case <-h.clk.After(delay):
	}
	view, err = h.store.Take(ctx, typ.Name, req.Key, p, req.Count)
	if err != nil {
		return h.storeError(req, "wait", err)
	}
	return &wire.Response{ID: req.ID, Take: takeBody(view, p)}
}

func (h *Handler) status(ctx context.Context, req *wire.Request, typ *bucket.Type) *wire.Response {
	p := typ.Params(req.Key)
	items := make(map[string]wire.StatusItem)
	if n := len(req.Key); n > 0 && req.Key[n-1] == '*' {
		prefix := req.Key[:n-1]
		entries, err := h.store.Scan(ctx, typ.Name, prefix, p, h.scanLimit)
		if err != nil {
			return h.storeError(req, "status", err)
		}
		for _, entry := range entries {
			// Instance params may differ under overrides; resolve per key.
			ip := typ.Params(entry.Key)
			view := entry.View
			if ip != p {
				// The scan refilled with the wildcard's params; re-read this
				// instance under its own.
				view, err = h.store.Status(ctx, typ.Name, entry.Key, ip)
				if err != nil {
					return h.storeError(req, "status", err)
				}
			}
			items[entry.Key] = statusItem(view, ip)
		}
		return &wire.Response{ID: req.ID, Status: &wire.StatusBody{Items: items}}
	}
	if req.Key == "" {
		return wire.NewErrorResponse(req.ID, wire.ErrKindValidation, "key must not be empty")
	}
	if typ.Unlimited {
		items[req.Key] = wire.StatusItem{Remaining: typ.Size, Limit: typ.Size, Reset: h.clk.Now().Unix()}
		return &wire.Response{ID: req.ID, Status: &wire.StatusBody{Items: items}}
	}
	view, err := h.store.Status(ctx, typ.Name, req.Key, p)
	if err != nil {
		return h.storeError(req, "status", err)
	}
	items[req.Key] = statusItem(view, p)
	return &wire.Response{ID: req.ID, Status: &wire.StatusBody{Items: items}}
}

func (h *Handler) reset(ctx context.Context, req *wire.Request, typ *bucket.Type) *wire.Response {
	p := typ.Params(req.Key)
	if !typ.Unlimited {
		if err := h.store.Reset(ctx, typ.Name, req.Key); err != nil {
			return h.storeError(req, "reset", err)
		}
	}
	// A reset key reads as a full bucket.
	return &wire.Response{ID: req.ID, Put: &wire.PutBody{
		Remaining: p.Size,
		Limit:     p.Size,
		Reset:     h.clk.Now().Unix(),
	}}
}

func (h *Handler) storeError(req *wire.Request, op string, err error) *wire.Response {
	h.logger.Error("store operation failed", "operation", op, "type", req.Type, "key", req.Key, "request_id", req.ID, "error", err)
	return wire.NewErrorResponse(req.ID, wire.ErrKindInternal, "store operation failed")
}

func takeBody(view storage.View, p bucket.Params) *wire.TakeBody {
	return &wire.TakeBody{
		Conformant: view.Conformant,
		Remaining:  int64(math.Floor(view.Tokens)),
		Limit:      p.Size,
		Reset:      view.Reset.Unix(),
	}
}

func putBody(view storage.View, p bucket.Params) *wire.PutBody {
	return &wire.PutBody{
		Remaining: int64(math.Floor(view.Tokens)),
		Limit:     p.Size,
		Reset:     view.Reset.Unix(),
	}
}

func statusItem(view storage.View, p bucket.Params) wire.StatusItem {
	return wire.StatusItem{
		Remaining: int64(math.Floor(view.Tokens)),
		Limit:     p.Size,
		Reset:     view.Reset.Unix(),
	}
}
