package limitd

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dirceu/limitd/internal/bucket"
	"github.com/dirceu/limitd/internal/clock"
	"github.com/dirceu/limitd/internal/storage/memory"
	"github.com/dirceu/limitd/internal/wire"
)

func testBuckets() map[string]*bucket.Type {
	return map[string]*bucket.Type{
		"ip": {
			Name:        "ip",
			Size:        10,
			PerInterval: 10,
			Interval:    time.Second,
		},
		"unlimited_t": {Name: "unlimited_t", Size: 1000, Unlimited: true},
	}
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	if cfg.Hostname == "" {
		cfg.Hostname = "127.0.0.1"
	}
	if cfg.Store == "" {
		cfg.Store = "mem://"
	}
	if cfg.Buckets == nil {
		cfg.Buckets = testBuckets()
	}
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("server exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server never became ready")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return srv
}

type testClient struct {
	t     *testing.T
	conn  net.Conn
	codec wire.Codec
	enc   *wire.FrameEncoder
	dec   *wire.FrameDecoder
}

func dialServer(t *testing.T, srv *Server, dialect string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	codec, err := wire.NewCodec(dialect)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return &testClient{
		t:     t,
		conn:  conn,
		codec: codec,
		enc:   wire.NewFrameEncoder(conn, wire.DefaultMaxFrame),
		dec:   wire.NewFrameDecoder(conn, wire.DefaultMaxFrame),
	}
}

func (c *testClient) roundTrip(req *wire.Request) *wire.Response {
	c.t.Helper()
	payload, err := c.codec.EncodeRequest(req)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.enc.Write(payload); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	respPayload, err := c.dec.Next()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	resp, err := c.codec.DecodeResponse(respPayload)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestEndToEndTakeExhaustionAndRefill(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	srv := startTestServer(t, Config{}, WithClock(clk), WithStore(memory.New(clk)))
	client := dialServer(t, srv, wire.DialectBinarySchema)

	for i := 0; i < 10; i++ {
		resp := client.roundTrip(&wire.Request{ID: uint64(i + 1), Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 1})
		if resp.Take == nil || !resp.Take.Conformant {
			t.Fatalf("take %d: %+v", i, resp)
		}
		if want := int64(9 - i); resp.Take.Remaining != want {
			t.Fatalf("take %d: remaining %d, want %d", i, resp.Take.Remaining, want)
		}
	}
	resp := client.roundTrip(&wire.Request{ID: 11, Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 1})
	if resp.Take.Conformant || resp.Take.Remaining != 0 {
		t.Fatalf("eleventh take: %+v", resp)
	}

	clk.Advance(1100 * time.Millisecond)
	status := client.roundTrip(&wire.Request{ID: 12, Method: wire.MethodStatus, Type: "ip", Key: "1.2.3.4"})
	if item := status.Status.Items["1.2.3.4"]; item.Remaining < 10 {
		t.Fatalf("status after refill: %+v", item)
	}
}

func TestEndToEndUnlimitedType(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	store := memory.New(clk)
	srv := startTestServer(t, Config{}, WithClock(clk), WithStore(store))
	client := dialServer(t, srv, wire.DialectBinarySchema)

	resp := client.roundTrip(&wire.Request{ID: 1, Method: wire.MethodTake, Type: "unlimited_t", Key: "x", Count: 1_000_000})
	if resp.Take == nil || !resp.Take.Conformant || resp.Take.Remaining != 1000 {
		t.Fatalf("unlimited take: %+v", resp)
	}
	if store.Len() != 0 {
		t.Fatalf("unlimited take must not write to the store")
	}
}

func TestEndToEndPutAllAndReset(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	store := memory.New(clk)
	srv := startTestServer(t, Config{}, WithClock(clk), WithStore(store))
	client := dialServer(t, srv, wire.DialectBinarySchema)

	client.roundTrip(&wire.Request{ID: 1, Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 10})
	put := client.roundTrip(&wire.Request{ID: 2, Method: wire.MethodPut, Type: "ip", Key: "1.2.3.4", All: true})
	if put.Put == nil || put.Put.Remaining != 10 {
		t.Fatalf("put all: %+v", put)
	}
	take := client.roundTrip(&wire.Request{ID: 3, Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 1})
	if !take.Take.Conformant || take.Take.Remaining != 9 {
		t.Fatalf("take after put all: %+v", take)
	}

	reset := client.roundTrip(&wire.Request{ID: 4, Method: wire.MethodReset, Type: "ip", Key: "1.2.3.4"})
	if reset.Put == nil || reset.Put.Remaining != 10 {
		t.Fatalf("reset: %+v", reset)
	}
	if store.Contains("ip", "1.2.3.4") {
		t.Fatalf("reset must remove the persisted entry")
	}
	status := client.roundTrip(&wire.Request{ID: 5, Method: wire.MethodStatus, Type: "ip", Key: "1.2.3.4"})
	if item := status.Status.Items["1.2.3.4"]; item.Remaining != 10 {
		t.Fatalf("status after reset: %+v", item)
	}
}

func TestEndToEndWaitBlocksUntilRefill(t *testing.T) {
	srv := startTestServer(t, Config{})
	client := dialServer(t, srv, wire.DialectBinarySchema)

	// Refill accrues from the drain take, so the wait cannot conform before
	// one token's worth of time (100ms at 10 tokens/s) has passed since it.
	begin := time.Now()
	drain := client.roundTrip(&wire.Request{ID: 1, Method: wire.MethodTake, Type: "ip", Key: "w", Count: 10})
	if !drain.Take.Conformant {
		t.Fatalf("drain: %+v", drain)
	}
	resp := client.roundTrip(&wire.Request{ID: 2, Method: wire.MethodWait, Type: "ip", Key: "w", Count: 1})
	elapsed := time.Since(begin)
	if resp.Take == nil || !resp.Take.Conformant {
		t.Fatalf("wait: %+v", resp)
	}
	if elapsed < 95*time.Millisecond {
		t.Fatalf("wait returned too early: %v", elapsed)
	}
}

func TestEndToEndOversizedFrameClosesConnection(t *testing.T) {
	srv := startTestServer(t, Config{})
	client := dialServer(t, srv, wire.DialectBinarySchema)

	huge := protowire.AppendVarint(nil, uint64(DefaultMaxFrameBytes)+1)
	if _, err := client.conn.Write(huge); err != nil {
		t.Fatalf("write prefix: %v", err)
	}
	_ = client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.dec.Next(); err == nil {
		t.Fatalf("server must close without responding")
	}
}

func TestEndToEndUnknownTypeKeepsConnection(t *testing.T) {
	srv := startTestServer(t, Config{})
	client := dialServer(t, srv, wire.DialectBinarySchema)

	resp := client.roundTrip(&wire.Request{ID: 1, Method: wire.MethodTake, Type: "zap", Key: "k", Count: 1})
	if resp.Error == nil || resp.Error.Kind != wire.ErrKindUnknownBucketType {
		t.Fatalf("expected UNKNOWN_BUCKET_TYPE: %+v", resp)
	}
	resp = client.roundTrip(&wire.Request{ID: 2, Method: wire.MethodTake, Type: "ip", Key: "k", Count: 1})
	if resp.ID != 2 || !resp.Take.Conformant {
		t.Fatalf("connection must survive: %+v", resp)
	}
}

func TestEndToEndTaggedJSONDialect(t *testing.T) {
	srv := startTestServer(t, Config{Protocol: wire.DialectTaggedJSON})
	client := dialServer(t, srv, wire.DialectTaggedJSON)

	resp := client.roundTrip(&wire.Request{ID: 7, Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 1})
	if resp.ID != 7 || resp.Take == nil || !resp.Take.Conformant || resp.Take.Remaining != 9 {
		t.Fatalf("tagged-json take: %+v", resp)
	}
	status := client.roundTrip(&wire.Request{ID: 8, Method: wire.MethodStatus, Type: "ip", Key: "1.2.3.4"})
	if status.Status == nil || status.Status.Items["1.2.3.4"].Remaining != 9 {
		t.Fatalf("tagged-json status: %+v", status)
	}
}

func TestRegistrySwapAppliesToOpenConnections(t *testing.T) {
	srv := startTestServer(t, Config{})
	client := dialServer(t, srv, wire.DialectBinarySchema)

	if resp := client.roundTrip(&wire.Request{ID: 1, Method: wire.MethodTake, Type: "burst", Key: "k", Count: 1}); resp.Error == nil {
		t.Fatalf("burst should not exist yet: %+v", resp)
	}

	next := testBuckets()
	next["burst"] = &bucket.Type{Name: "burst", Size: 3, PerInterval: 1, Interval: time.Second}
	if err := srv.Registry().Replace(next); err != nil {
		t.Fatalf("replace: %v", err)
	}

	resp := client.roundTrip(&wire.Request{ID: 2, Method: wire.MethodTake, Type: "burst", Key: "k", Count: 1})
	if resp.Take == nil || !resp.Take.Conformant || resp.Take.Limit != 3 {
		t.Fatalf("swap not visible on open connection: %+v", resp)
	}
}

func TestEndToEndDiskStorePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Store: "disk://" + dir, Hostname: "127.0.0.1", Buckets: testBuckets()}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	<-srv.Ready()

	client := dialServer(t, srv, wire.DialectBinarySchema)
	if resp := client.roundTrip(&wire.Request{ID: 1, Method: wire.MethodTake, Type: "ip", Key: "1.2.3.4", Count: 4}); !resp.Take.Conformant {
		t.Fatalf("take: %+v", resp)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serve: %v", err)
	}

	restarted := startTestServer(t, cfg)
	client2 := dialServer(t, restarted, wire.DialectBinarySchema)
	status := client2.roundTrip(&wire.Request{ID: 2, Method: wire.MethodStatus, Type: "ip", Key: "1.2.3.4"})
	if item := status.Status.Items["1.2.3.4"]; item.Remaining >= 10 {
		t.Fatalf("expected debited state to survive restart, got %+v", item)
	}
}

func TestShutdownIsCleanWithOpenConnections(t *testing.T) {
	cfg := Config{Hostname: "127.0.0.1", Store: "mem://", Buckets: testBuckets(), DrainGrace: time.Second}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	<-srv.Ready()

	client := dialServer(t, srv, wire.DialectBinarySchema)
	if resp := client.roundTrip(&wire.Request{ID: 1, Method: wire.MethodTake, Type: "ip", Key: "k", Count: 1}); !resp.Take.Conformant {
		t.Fatalf("take: %+v", resp)
	}
	boundAddr := srv.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("serve must return nil after shutdown: %v", err)
	}
	if conn, err := net.DialTimeout("tcp", boundAddr, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		t.Fatalf("listener must be closed after shutdown")
	}
}
