// Package pipeline runs one accepted TCP connection: socket-read →
// frame-decode → protocol-decode → handler → protocol-encode →
// frame-encode → socket-write.
//
// Requests are observed by the handler in arrival order, but handler work
// runs concurrently up to a bounded depth, so responses complete OUT OF
// ORDER; clients correlate by request id. The in-flight semaphore and the
// bounded write queue give the stage chain its backpressure: a slow socket
// fills the write queue, which parks handler goroutines, which exhausts the
// semaphore, which stops the read loop.
package pipeline

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/dirceu/limitd/internal/connguard"
	"github.com/dirceu/limitd/internal/limiter"
	"github.com/dirceu/limitd/internal/telemetry"
	"github.com/dirceu/limitd/internal/wire"
)

// DefaultDepth bounds concurrent in-flight requests per connection.
const DefaultDepth = 32

const keepAlivePeriod = 30 * time.Second

// Config assembles a Pipeline.
type Config struct {
	Conn     net.Conn
	Codec    wire.Codec
	Handler  *limiter.Handler
	Logger   pslog.Logger
	Metrics  *telemetry.Metrics
	Guard    *connguard.Guard
	MaxFrame int
	Depth    int
}

// Pipeline owns one connection from accept to close.
type Pipeline struct {
	conn     net.Conn
	codec    wire.Codec
	handler  *limiter.Handler
	logger   pslog.Logger
	metrics  *telemetry.Metrics
	guard    *connguard.Guard
	maxFrame int
	depth    int

	draining  chan struct{}
	drainOnce sync.Once
	done      chan struct{}
}

// New builds a pipeline for one accepted connection.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	depth := cfg.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}
	maxFrame := cfg.MaxFrame
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrame
	}
	return &Pipeline{
		conn:     cfg.Conn,
		codec:    cfg.Codec,
		handler:  cfg.Handler,
		logger:   logger.With("cid", xid.New().String(), "remote", cfg.Conn.RemoteAddr().String()),
		metrics:  cfg.Metrics,
		guard:    cfg.Guard,
		maxFrame: maxFrame,
		depth:    depth,
		draining: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Drain tells the pipeline to stop reading new frames, finish in-flight
// responses, and close. Safe to call more than once.
func (p *Pipeline) Drain() {
	p.drainOnce.Do(func() {
		close(p.draining)
		// Unblock a read parked on the socket.
		_ = p.conn.SetReadDeadline(time.Now())
	})
}

// Done is closed once the pipeline has fully torn down.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Run drives the connection until the peer closes, a fatal decode error
// occurs, or Drain is called. It blocks and always closes the socket.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	p.tuneSocket()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeCh := make(chan []byte, p.depth)
	writerDone := make(chan struct{})
	go p.writeLoop(writeCh, writerDone, cancel)

	fatalDecode := p.readLoop(ctx, writeCh)

	close(writeCh)
	<-writerDone
	if fatalDecode {
		if tcp, ok := p.conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
	}
	_ = p.conn.Close()
	p.logger.Debug("connection closed", "fatal_decode", fatalDecode)
}

func (p *Pipeline) tuneSocket() {
	if tcp, ok := p.conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}
}

// readLoop decodes frames and dispatches requests until the stream ends.
// It returns true when the connection died to a framing/protocol error that
// the peer should not retry on this connection.
func (p *Pipeline) readLoop(ctx context.Context, writeCh chan<- []byte) (fatalDecode bool) {
	decoder := wire.NewFrameDecoder(p.conn, p.maxFrame)
	slots := make(chan struct{}, p.depth)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-p.draining:
			p.logger.Debug("drain requested, stopped reading")
			return false
		case <-ctx.Done():
			return false
		default:
		}

		payload, err := decoder.Next()
		if err != nil {
			return p.classifyReadError(err)
		}
		if p.metrics != nil {
			p.metrics.FramesRead.Inc()
		}

		req, err := p.codec.DecodeRequest(payload)
		if err != nil {
			var unknown *wire.UnknownMethodError
			if errors.As(err, &unknown) {
				p.logger.Info("unknown method", "method", unknown.Method, "request_id", unknown.ID)
				p.send(writeCh, wire.NewErrorResponse(unknown.ID, wire.ErrKindUnknownMethod, "method "+unknown.Method))
				continue
			}
			if p.metrics != nil {
				p.metrics.DecodeFailures.Inc()
			}
			p.guard.RecordFailure(p.conn.RemoteAddr().String(), "protocol")
			p.logger.Info("protocol decode failed, closing connection", "error", err)
			return true
		}

		// Backpressure: no slot, no next frame.
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return false
		}
		inflight.Add(1)
		go func(req *wire.Request) {
			defer inflight.Done()
			defer func() { <-slots }()
			resp := p.handler.Handle(ctx, req)
			p.send(writeCh, resp)
		}(req)
	}
}

// classifyReadError separates silent peer-side teardown from framing
// violations that count against the peer.
func (p *Pipeline) classifyReadError(err error) (fatalDecode bool) {
	if errors.Is(err, io.EOF) {
		p.logger.Debug("peer closed connection")
		return false
	}
	select {
	case <-p.draining:
		return false
	default:
	}
	var frameErr *wire.FrameError
	if errors.As(err, &frameErr) {
		if p.metrics != nil {
			p.metrics.DecodeFailures.Inc()
		}
		p.guard.RecordFailure(p.conn.RemoteAddr().String(), "framing")
		p.logger.Info("framing error, closing connection", "error", err)
		return true
	}
	p.logger.Debug("socket read failed", "error", err)
	return false
}

// send encodes resp and queues it for the writer, blocking when the write
// queue is full.
func (p *Pipeline) send(writeCh chan<- []byte, resp *wire.Response) {
	payload, err := p.codec.EncodeResponse(resp)
	if err != nil {
		p.logger.Error("response encode failed", "request_id", resp.ID, "error", err)
		return
	}
	// Run closes writeCh only after readLoop's in-flight wait, so this send
	// never races the close.
	writeCh <- payload
}

func (p *Pipeline) writeLoop(writeCh <-chan []byte, done chan<- struct{}, cancel context.CancelFunc) {
	defer close(done)
	encoder := wire.NewFrameEncoder(p.conn, p.maxFrame)
	for payload := range writeCh {
		if err := encoder.Write(payload); err != nil {
			p.logger.Debug("socket write failed", "error", err)
			cancel()
			p.Drain()
			// Keep draining the queue so handler goroutines never park on a
			// channel nobody reads.
			for range writeCh {
			}
			return
		}
		if p.metrics != nil {
			p.metrics.FramesWritten.Inc()
		}
	}
}
