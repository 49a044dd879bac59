// Package connguard protects the listener from abusive peers. Connections
// that keep failing frame or protocol decoding count against their source
// IP inside a rolling window; once the threshold is reached the IP is
// refused at accept time for the block duration.
package connguard

import (
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/dirceu/limitd/internal/clock"
)

// Config controls guard enforcement.
type Config struct {
	// Enabled toggles the guard; a disabled guard blocks nothing.
	Enabled bool
	// FailureThreshold is the number of decode failures before blocking.
	FailureThreshold int
	// FailureWindow is the rolling period for counting failures.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked IP stays refused.
	BlockDuration time.Duration
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks per-IP decode failures.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clk    clock.Clock

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New constructs a Guard.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Guard {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{
		cfg:    cfg,
		logger: logger.With("sys", "server.connguard"),
		clk:    clk,
		hosts:  make(map[string]*hostState),
	}
}

// Blocked reports whether the remote address is currently refused.
func (g *Guard) Blocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := normalizeHost(remote)
	if host == "" {
		return false
	}
	now := g.clk.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.hosts[host]
	if !ok {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	if !state.blockedUntil.IsZero() {
		// Block expired; start the host from a clean slate.
		delete(g.hosts, host)
	}
	return false
}

// RecordFailure counts one decode failure against the remote address and
// reports whether the host just crossed into the blocked state.
func (g *Guard) RecordFailure(remote, reason string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	host := normalizeHost(remote)
	if host == "" {
		return false
	}
	now := g.clk.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("suspicious connection failure",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold,
		)
		return false
	}
	state.failures = nil
	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	g.logger.Warn("blocking remote host",
		"remote", host,
		"reason", reason,
		"until", state.blockedUntil,
	)
	return true
}

func normalizeHost(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
