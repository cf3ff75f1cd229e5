package storage

import (
	"context"
	"fmt"
	"strings"

	logx "timertrigger/pkg/logx"
)

// Store persists tick history.
type Store interface {
	AppendTick(ctx context.Context, r TickRecord) error
	// RecentTicks returns up to limit records, newest first. An empty
	// component matches every component.
	RecentTicks(ctx context.Context, component string, limit int) ([]TickRecord, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(context.Background(), cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
