package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dirceu/limitd/internal/bucket"
	"github.com/dirceu/limitd/internal/clock"
	"github.com/dirceu/limitd/internal/storage"
	"github.com/dirceu/limitd/internal/storage/memory"
	"github.com/dirceu/limitd/internal/wire"
)

func testRegistry(t *testing.T) *bucket.Registry {
	t.Helper()
	reg, err := bucket.NewRegistry(map[string]*bucket.Type{
		"ip": {
			Name:        "ip",
			Size:        10,
			PerInterval: 10,
			Interval:    time.Second,
			Overrides: []bucket.Override{
				{Name: "lan", Match: "192.168.*", Size: 100, PerInterval: 100, Interval: time.Second},
			},
		},
		"unlimited_t": {Name: "unlimited_t", Size: 1000, Unlimited: true},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func newTestHandler(t *testing.T, clk clock.Clock) (*Handler, *memory.Store) {
	t.Helper()
	store := memory.New(clk)
	h := New(Config{Registry: testRegistry(t), Store: store, Clock: clk})
	return h, store
}

func TestTakeSequenceExhaustsBucket(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	h, _ := newTestHandler(t, clk)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		resp := h.Handle(ctx, &wire.Request{ID: uint64(i + 1), Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 1})
		if resp.Take == nil || !resp.Take.Conformant {
			t.Fatalf("take %d: expected conformant, got %+v", i, resp)
		}
		if want := int64(9 - i); resp.Take.Remaining != want {
			t.Fatalf("take %d: expected remaining %d, got %d", i, want, resp.Take.Remaining)
		}
		if resp.ID != uint64(i+1) {
			t.Fatalf("take %d: response id %d", i, resp.ID)
		}
	}
	resp := h.Handle(ctx, &wire.Request{ID: 11, Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 1})
	if resp.Take == nil || resp.Take.Conformant || resp.Take.Remaining != 0 {
		t.Fatalf("eleventh take must drop with remaining 0: %+v", resp)
	}

	clk.Advance(1100 * time.Millisecond)
	status := h.Handle(ctx, &wire.Request{ID: 12, Method: wire.MethodStatus, Type: "ip", Key: "1.2.3.4"})
	if status.Status == nil {
		t.Fatalf("expected status body: %+v", status)
	}
	if item := status.Status.Items["1.2.3.4"]; item.Remaining < 10 {
		t.Fatalf("expected clamped refill >= 10, got %+v", item)
	}
}

type spyStore struct {
	storage.Backend
	calls int
}

func (s *spyStore) Take(ctx context.Context, bucketName, key string, p bucket.Params, count int64) (storage.View, error) {
	s.calls++
	return s.Backend.Take(ctx, bucketName, key, p, count)
}

func TestUnlimitedTakeNeverTouchesStore(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	inner := memory.New(clk)
	spy := &spyStore{Backend: inner}
	h := New(Config{Registry: testRegistry(t), Store: spy, Clock: clk})

	resp := h.Handle(context.Background(), &wire.Request{ID: 1, Method: wire.MethodTake, Type: "unlimited_t", Key: "x", Count: 1_000_000})
	if resp.Take == nil || !resp.Take.Conformant || resp.Take.Remaining != 1000 {
		t.Fatalf("unexpected unlimited response: %+v", resp)
	}
	if spy.calls != 0 {
		t.Fatalf("unlimited take must not call the store, saw %d calls", spy.calls)
	}
	if inner.Len() != 0 {
		t.Fatalf("unlimited take must not persist state")
	}
}

func TestPutAllRefillsExhaustedBucket(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	h, _ := newTestHandler(t, clk)
	ctx := context.Background()

	if resp := h.Handle(ctx, &wire.Request{ID: 1, Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 10}); !resp.Take.Conformant {
		t.Fatalf("drain failed: %+v", resp)
	}
	put := h.Handle(ctx, &wire.Request{ID: 2, Method: wire.MethodPut, Type: "ip", Key: "1.2.3.4", All: true})
	if put.Put == nil || put.Put.Remaining != 10 {
		t.Fatalf("put all must fill to capacity: %+v", put)
	}
	take := h.Handle(ctx, &wire.Request{ID: 3, Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 1})
	if !take.Take.Conformant || take.Take.Remaining != 9 {
		t.Fatalf("take after put all: %+v", take)
	}
}

func TestResetRestoresFullBucket(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	h, store := newTestHandler(t, clk)
	ctx := context.Background()

	h.Handle(ctx, &wire.Request{ID: 1, Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 7})
	resp := h.Handle(ctx, &wire.Request{ID: 2, Method: wire.MethodReset, Type: "ip", Key: "1.2.3.4"})
	if resp.Put == nil || resp.Put.Remaining != 10 {
		t.Fatalf("reset response: %+v", resp)
	}
	if store.Contains("ip", "1.2.3.4") {
		t.Fatalf("reset must delete persisted state")
	}
	status := h.Handle(ctx, &wire.Request{ID: 3, Method: wire.MethodStatus, Type: "ip", Key: "1.2.3.4"})
	if item := status.Status.Items["1.2.3.4"]; item.Remaining != 10 {
		t.Fatalf("status after reset: %+v", item)
	}
}

func TestWaitRetriesExactlyOnceAndSucceeds(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	h, _ := newTestHandler(t, clk)
	ctx := context.Background()

	h.Handle(ctx, &wire.Request{ID: 1, Method: wire.MethodTake, Type: "ip", Key: "w", Count: 10})

	done := make(chan *wire.Response, 1)
	go func() {
		done <- h.Handle(ctx, &wire.Request{ID: 2, Method: wire.MethodWait, Type: "ip", Key: "w", Count: 1})
	}()
	// One token refills in 100ms; the retry timer must be pending until then.
	waitForPendingTimer(t, clk)
	clk.Advance(100 * time.Millisecond)
	resp := <-done
	if resp.Take == nil || !resp.Take.Conformant {
		t.Fatalf("wait should succeed after refill: %+v", resp)
	}
}

func TestWaitReportsSecondFailure(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	h, store := newTestHandler(t, clk)
	ctx := context.Background()

	h.Handle(ctx, &wire.Request{ID: 1, Method: wire.MethodTake, Type: "ip", Key: "w", Count: 10})

	done := make(chan *wire.Response, 1)
	go func() {
		// Two tokens refill in 200ms, so the retry timer lands at 200ms.
		done <- h.Handle(ctx, &wire.Request{ID: 2, Method: wire.MethodWait, Type: "ip", Key: "w", Count: 2})
	}()
	waitForPendingTimer(t, clk)
	// Steal one token at 150ms, while the retry timer is still pending; the
	// retry then finds only one of the two tokens it needs.
	clk.Advance(150 * time.Millisecond)
	view, err := store.Take(ctx, "ip", "w", bucket.Params{Size: 10, PerInterval: 10, Interval: time.Second}, 1)
	if err != nil || !view.Conformant {
		t.Fatalf("steal take: %+v %v", view, err)
	}
	clk.Advance(50 * time.Millisecond)
	resp := <-done
	if resp.Take == nil || resp.Take.Conformant {
		t.Fatalf("wait must report the second failure, not loop: %+v", resp)
	}
}

func waitForPendingTimer(t *testing.T, clk *clock.Manual) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("wait never scheduled its retry timer")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUnknownBucketType(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	h, _ := newTestHandler(t, clk)

	resp := h.Handle(context.Background(), &wire.Request{ID: 5, Method: wire.MethodTake, Type: "nope", Key: "k", Count: 1})
	if resp.Error == nil || resp.Error.Kind != wire.ErrKindUnknownBucketType {
		t.Fatalf("expected UNKNOWN_BUCKET_TYPE: %+v", resp)
	}
	if resp.ID != 5 {
		t.Fatalf("error must correlate to the request id: %d", resp.ID)
	}
}

func TestValidationErrors(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	h, _ := newTestHandler(t, clk)
	ctx := context.Background()

	cases := []*wire.Request{
		{ID: 1, Method: wire.MethodTake, Type: "ip", Key: "", Count: 1},
		{ID: 2, Method: wire.MethodTake, Type: "ip", Key: "k", Count: -1},
		{ID: 3, Method: wire.MethodStatus, Type: "ip", Key: ""},
	}
	for _, req := range cases {
		resp := h.Handle(ctx, req)
		if resp.Error == nil || resp.Error.Kind != wire.ErrKindValidation {
			t.Fatalf("request %d: expected VALIDATION, got %+v", req.ID, resp)
		}
	}
}

func TestOverrideChangesEffectiveLimit(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	h, _ := newTestHandler(t, clk)

	resp := h.Handle(context.Background(), &wire.Request{ID: 1, Method: wire.MethodTake, Type: "ip", Key: "192.168.0.7", Count: 1})
	if resp.Take == nil || resp.Take.Limit != 100 || resp.Take.Remaining != 99 {
		t.Fatalf("override params not applied: %+v", resp)
	}
}

func TestWildcardStatusEnumeratesInstances(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	h, _ := newTestHandler(t, clk)
	ctx := context.Background()

	for _, key := range []string{"10.0.0.1", "10.0.0.2", "172.16.0.1"} {
		h.Handle(ctx, &wire.Request{ID: 1, Method: wire.MethodTake, Type: "ip", Key: key, Count: 2})
	}
	resp := h.Handle(ctx, &wire.Request{ID: 2, Method: wire.MethodStatus, Type: "ip", Key: "10.0.0.*"})
	if resp.Status == nil || len(resp.Status.Items) != 2 {
		t.Fatalf("expected two instances: %+v", resp)
	}
	if item := resp.Status.Items["10.0.0.1"]; item.Remaining != 8 {
		t.Fatalf("unexpected instance view: %+v", item)
	}
}

type failingStore struct {
	storage.Backend
}

func (f *failingStore) Take(context.Context, string, string, bucket.Params, int64) (storage.View, error) {
	return storage.View{}, errors.New("journal write failed")
}

func TestStoreErrorBecomesInternalResponse(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	h := New(Config{Registry: testRegistry(t), Store: &failingStore{Backend: memory.New(clk)}, Clock: clk})

	resp := h.Handle(context.Background(), &wire.Request{ID: 9, Method: wire.MethodTake, Type: "ip", Key: "k", Count: 1})
	if resp.Error == nil || resp.Error.Kind != wire.ErrKindInternal {
		t.Fatalf("expected INTERNAL, got %+v", resp)
	}
	if resp.ID != 9 {
		t.Fatalf("internal error must keep the request id, got %d", resp.ID)
	}
}
