package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines backend (outcomes + consumed-batch journal)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CampaignRecord is the persisted outcome of one campaign run.
// Keep it compact and schema-stable.
type CampaignRecord struct {
	At            time.Time `json:"at"`
	RequestID     string    `json:"request_id"`
	Status        string    `json:"status"`
	SeedTarget    string    `json:"seed_target,omitempty"`
	SeedKind      string    `json:"seed_kind,omitempty"`
	Country       string    `json:"country,omitempty"`
	Language      string    `json:"language,omitempty"`
	TotalVideos   int       `json:"total_videos"`
	TotalTargets  int       `json:"total_targets"`
	ForwardedTo   int       `json:"forwarded_to"`
	Failed        int       `json:"failed"`
	Chunks        int       `json:"chunks"`
	Error         string    `json:"error,omitempty"`
	BreakerReason string    `json:"breaker_reason,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
