// Package limitd implements a networked rate-limit service: framed binary
// requests over TCP, evaluated against named token-bucket configurations
// backed by an embedded persistent store.
package limitd

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dirceu/limitd/internal/bucket"
	"github.com/dirceu/limitd/internal/wire"
)

const (
	// DefaultPort is the TCP port the server binds to.
	DefaultPort = 9231
	// DefaultHostname is the bind address.
	DefaultHostname = "0.0.0.0"
	// DefaultProtocol selects the wire dialect when none is configured.
	DefaultProtocol = wire.DialectBinarySchema
	// DefaultMaxFrameBytes bounds a single frame payload.
	DefaultMaxFrameBytes = wire.DefaultMaxFrame
	// DefaultPipelineDepth bounds in-flight requests per connection.
	DefaultPipelineDepth = 32
	// DefaultDrainGrace is how long in-flight requests get on shutdown
	// before their connections are force-closed.
	DefaultDrainGrace = 5 * time.Second
	// DefaultRemoteConfigInterval is the remote bucket-set poll cadence.
	DefaultRemoteConfigInterval = 60 * time.Second
	// DefaultMetricsListen is the metrics endpoint bind address; empty
	// disables the Prometheus listener.
	DefaultMetricsListen = ""
	// DefaultStatusScanLimit caps wildcard STATUS enumeration.
	DefaultStatusScanLimit = 100
	// DefaultStorageRetryMaxAttempts caps transient store retries.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay is the base delay between store retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the store retry backoff.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier is the store retry backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConnguardFailureThreshold is the number of decode failures
	// before an IP is refused.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling failure-count window.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration is how long an IP stays refused.
	DefaultConnguardBlockDuration = 5 * time.Minute
)

// Config captures the tunables for a limitd.Server instance.
type Config struct {
	// Hostname is the bind address (for example "0.0.0.0").
	Hostname string
	// Port is the TCP port to serve on; 0 binds an ephemeral port. The CLI
	// defaults this to DefaultPort.
	Port int
	// Store is the backend DSN (mem://, disk:///path; a bare path means disk).
	Store string
	// Protocol selects the wire dialect (binary-schema or tagged-json).
	Protocol string
	// MaxFrameBytes bounds a single frame payload.
	MaxFrameBytes int
	// PipelineDepth bounds in-flight requests per connection.
	PipelineDepth int
	// MetricsListen is the Prometheus endpoint bind address; empty disables.
	MetricsListen string
	// DrainGrace bounds in-flight work during shutdown.
	DrainGrace time.Duration
	// Buckets is the initial bucket-type set.
	Buckets map[string]*bucket.Type
	// RemoteConfigURI enables periodic remote bucket-set fetching.
	RemoteConfigURI string
	// RemoteConfigInterval is the remote fetch cadence.
	RemoteConfigInterval time.Duration
	// ConfigFile, when set together with WatchConfigFile, is watched for
	// bucket-set changes.
	ConfigFile string
	// WatchConfigFile enables fsnotify-based bucket reloads from ConfigFile.
	WatchConfigFile bool
	// StatusScanLimit caps wildcard STATUS enumeration.
	StatusScanLimit int

	// StorageRetryMaxAttempts caps transient store retry attempts.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the exponential retry base delay.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps the retry backoff.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier is the exponential growth factor.
	StorageRetryMultiplier float64

	// ConnguardDisabled turns off listener-level connection guarding.
	ConnguardDisabled bool
	// ConnguardFailureThreshold is decode failures before blocking an IP.
	ConnguardFailureThreshold int
	// ConnguardFailureWindow is the rolling window for counting failures.
	ConnguardFailureWindow time.Duration
	// ConnguardBlockDuration is how long a blocked IP stays refused.
	ConnguardBlockDuration time.Duration
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port must be in [0, 65535], got %d", c.Port)
	}
	if c.Store == "" {
		return fmt.Errorf("config: db is required (mem:// or disk:///path)")
	}
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}
	if _, err := wire.NewCodec(c.Protocol); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = DefaultPipelineDepth
	}
	if c.DrainGrace < 0 {
		return fmt.Errorf("config: drain grace must be >= 0")
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.RemoteConfigInterval < 0 {
		return fmt.Errorf("config: remote config interval must be >= 0")
	}
	if c.RemoteConfigInterval == 0 {
		c.RemoteConfigInterval = DefaultRemoteConfigInterval
	}
	if c.StatusScanLimit <= 0 {
		c.StatusScanLimit = DefaultStatusScanLimit
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.ConnguardFailureThreshold <= 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.Buckets == nil {
		c.Buckets = map[string]*bucket.Type{}
	}
	if err := bucket.ValidateSet(c.Buckets); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.WatchConfigFile && c.ConfigFile == "" {
		return fmt.Errorf("config: config-file watch requires a config file path")
	}
	return nil
}

// ListenAddr returns the host:port the server binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}
