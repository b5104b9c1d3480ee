package config

// Config is the root of config.json / config.yaml.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted sections fall back to the defaults listed on each type.
type Config struct {
	Transport   TransportConfig    `json:"transport"`
	Logging     LoggingConfig      `json:"logging"`
	HTTP        HTTPConfig         `json:"http"`
	Directory   DirectoryConfig    `json:"directory"`
	Storage     *StorageConfig     `json:"storage,omitempty"`
	Cache       CacheConfig        `json:"cache"`
	Batch       BatchConfig        `json:"batch"`
	Dispatch    DispatchConfig     `json:"dispatch"`
	SafeSend    SafeSendConfig     `json:"safe_send"`
	Jobs        JobsConfig         `json:"jobs"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// TransportConfig selects the messaging transport.
//
// Only "telegram" is supported.
type TransportConfig struct {
	Driver string `json:"driver,omitempty"` // default: "telegram"
	Token  string `json:"token"`
	// APIURL overrides the Bot API endpoint (local bot API server).
	APIURL string `json:"api_url,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the operator API.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback addr requires token or allow_insecure.
//
// Defaults:
//   - addr: "127.0.0.1:8080"
//   - read_timeout: "15s"
//   - write_timeout: "0s" (uploads and long polls are unbounded)
//   - idle_timeout: "60s"
//   - max_upload_mb: 512
type HTTPConfig struct {
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
	MaxUploadMB   int    `json:"max_upload_mb,omitempty"`
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

// DirectoryConfig points at contacts.json and groups.json.
type DirectoryConfig struct {
	Path string `json:"path"` // default: "./data"
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/vidcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// CacheConfig controls the local video cache.
type CacheConfig struct {
	Dir          string `json:"dir,omitempty"`           // default: "./data/cache"
	FetchTimeout string `json:"fetch_timeout,omitempty"` // default: "5m"
	UserAgent    string `json:"user_agent,omitempty"`
}

// BatchConfig controls multi-part submissions.
type BatchConfig struct {
	TTL         string `json:"ttl,omitempty"`          // default: "10m"
	ConsumedTTL string `json:"consumed_ttl,omitempty"` // default: "1h"
}

// DispatchConfig controls campaign pacing.
//
// An omitted delay uses the default; an explicit "0s" disables the wait.
//
// Defaults:
//   - seed_delay: "2s"
//   - forward_delay: "1200ms"
//   - chunk_cooldown: "105s"
//   - chunk_size: 12
//   - caption_max: 980
type DispatchConfig struct {
	SeedDelay     string `json:"seed_delay,omitempty"`
	ForwardDelay  string `json:"forward_delay,omitempty"`
	ChunkCooldown string `json:"chunk_cooldown,omitempty"`
	ChunkSize     int    `json:"chunk_size,omitempty"`
	CaptionMax    int    `json:"caption_max,omitempty"`
}

// SafeSendConfig controls retry and suspension policy.
//
// Defaults:
//   - ban_cooldown: "1h"
//   - rate_base: "10s", rate_max: "2m", rate_max_attempts: 5
//   - rate_trip_cooldown: "10m"
//   - transient_delay: "5s", transient_max_attempts: 3
//   - rate_per_sec: 1, burst: 1
type SafeSendConfig struct {
	BanCooldown          string  `json:"ban_cooldown,omitempty"`
	RateBase             string  `json:"rate_base,omitempty"`
	RateMax              string  `json:"rate_max,omitempty"`
	RateMaxAttempts      int     `json:"rate_max_attempts,omitempty"`
	RateTripCooldown     string  `json:"rate_trip_cooldown,omitempty"`
	TransientDelay       string  `json:"transient_delay,omitempty"`
	TransientMaxAttempts int     `json:"transient_max_attempts,omitempty"`
	RatePerSec           float64 `json:"rate_per_sec,omitempty"`
	Burst                int     `json:"burst,omitempty"`
}

// JobsConfig bounds the in-memory job table.
type JobsConfig struct {
	MaxLogs   int    `json:"max_logs,omitempty"`  // default: 1000
	Retention string `json:"retention,omitempty"` // default: "1h"
	MaxJobs   int    `json:"max_jobs,omitempty"`  // default: 200
}

// MaintenanceConfig schedules the sweep of finished jobs and stale batches.
// If the section is omitted, sweeps run every minute.
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default: "@every 1m"
	Timezone string `json:"timezone,omitempty"`
}
