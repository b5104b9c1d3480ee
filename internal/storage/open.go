package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "vidcast/pkg/logx"
)

// Store is the persistence API used by the campaign service.
type Store interface {
	AppendCampaign(ctx context.Context, r CampaignRecord) error
	// RecentCampaigns returns up to limit records, newest first.
	RecentCampaigns(ctx context.Context, limit int) ([]CampaignRecord, error)
	// MarkConsumed remembers a completed batch id until the given time so a
	// replayed submission is not dispatched twice, even across restarts.
	MarkConsumed(ctx context.Context, key string, until time.Time) error
	Consumed(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
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
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
