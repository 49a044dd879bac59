package limitd

import (
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"github.com/dirceu/limitd/internal/clock"
	"github.com/dirceu/limitd/internal/storage"
	"github.com/dirceu/limitd/internal/storage/disk"
	"github.com/dirceu/limitd/internal/storage/memory"
)

// openBackend maps the store DSN to a concrete backend. Supported schemes:
// mem:// (tests/dev) and disk://<path>; a bare path is treated as disk.
func openBackend(cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	dsn := strings.TrimSpace(cfg.Store)
	lower := strings.ToLower(dsn)
	switch {
	case lower == "mem://" || lower == "mem":
		return memory.New(clk), nil
	case strings.HasPrefix(lower, "disk://"):
		path := dsn[len("disk://"):]
		if path == "" {
			return nil, fmt.Errorf("store: disk:// requires a directory path")
		}
		return disk.Open(path, disk.Config{Clock: clk, Logger: logger})
	case strings.Contains(lower, "://"):
		return nil, fmt.Errorf("store: unsupported scheme in %q (options: mem://, disk://<path>)", dsn)
	default:
		// Bare paths keep the original CLI contract: --db /var/lib/limitd.
		return disk.Open(dsn, disk.Config{Clock: clk, Logger: logger})
	}
}
