package app

import (
	"fmt"
	"strings"
	"time"

	"vidcast/internal/campaign"
	"vidcast/internal/campaign/dispatch"
	"vidcast/internal/campaign/jobs"
	"vidcast/internal/campaign/safesend"
	"vidcast/internal/campaign/videocache"
	"vidcast/internal/config"
	"vidcast/internal/httpapi"
	"vidcast/internal/maintenance"
	"vidcast/internal/transport/telegram"
	logx "vidcast/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTransportConfig(cfg *Config) (telegram.Config, error) {
	if d := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)); d != "" && d != "telegram" {
		return telegram.Config{}, fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
	poll, err := parseDurationOrDefault("transport.poll_timeout", cfg.Transport.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Transport.Token,
		PollTimeout: poll,
		APIURL:      strings.TrimSpace(cfg.Transport.APIURL),
	}, nil
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	h := cfg.HTTP
	if h.MaxUploadMB < 0 {
		return httpapi.Config{}, fmt.Errorf("http.max_upload_mb must be >= 0")
	}
	var r config.DurationReader
	out := httpapi.Config{
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		ReadTimeout:   r.Or("http.read_timeout", h.ReadTimeout, 15*time.Second),
		WriteTimeout:  r.Exact("http.write_timeout", h.WriteTimeout),
		IdleTimeout:   r.Or("http.idle_timeout", h.IdleTimeout, time.Minute),
		MaxUpload:     int64(h.MaxUploadMB) << 20,
		Pprof:         h.Pprof,
	}
	if out.Addr == "" {
		out.Addr = config.DefaultHTTPAddr
	}
	return out, r.Err()
}

func mapCacheConfig(cfg *Config) (string, videocache.HTTPFetcherConfig, error) {
	dir := strings.TrimSpace(cfg.Cache.Dir)
	if dir == "" {
		dir = config.DefaultCacheDir
	}
	timeout, err := parseDurationOrDefault("cache.fetch_timeout", cfg.Cache.FetchTimeout, 5*time.Minute)
	if err != nil {
		return "", videocache.HTTPFetcherConfig{}, err
	}
	return dir, videocache.HTTPFetcherConfig{Timeout: timeout, UserAgent: strings.TrimSpace(cfg.Cache.UserAgent)}, nil
}

func mapDirectoryPath(cfg *Config) string {
	if p := strings.TrimSpace(cfg.Directory.Path); p != "" {
		return p
	}
	return config.DefaultDirectoryDir
}

// mapBatchTTL returns the accumulator ttl.
func mapBatchTTL(cfg *Config) (time.Duration, error) {
	return parseDurationOrDefault("batch.ttl", cfg.Batch.TTL, 10*time.Minute)
}

func mapCampaignConfig(cfg *Config) (campaign.Config, error) {
	ttl, err := parseDurationOrDefault("batch.consumed_ttl", cfg.Batch.ConsumedTTL, time.Hour)
	if err != nil {
		return campaign.Config{}, err
	}
	return campaign.Config{StatusURLPrefix: "/api/jobs/", ConsumedTTL: ttl}, nil
}

// pacing maps a delay field: empty keeps the default (0), an explicit zero
// disables the wait (negative).
func pacing(r *config.DurationReader, path, raw string) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return 0
	}
	d := r.Exact(path, raw)
	if d == 0 {
		return -1
	}
	return d
}

func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	if d.ChunkSize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.chunk_size must be >= 0")
	}
	if d.CaptionMax < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.caption_max must be >= 0")
	}
	var r config.DurationReader
	out := dispatch.Config{
		SeedDelay:     pacing(&r, "dispatch.seed_delay", d.SeedDelay),
		ForwardDelay:  pacing(&r, "dispatch.forward_delay", d.ForwardDelay),
		ChunkCooldown: pacing(&r, "dispatch.chunk_cooldown", d.ChunkCooldown),
		ChunkSize:     d.ChunkSize,
		CaptionMax:    d.CaptionMax,
	}
	return out, r.Err()
}

func mapSafeSendConfig(cfg *Config) (safesend.Config, error) {
	s := cfg.SafeSend
	if s.RateMaxAttempts < 0 {
		return safesend.Config{}, fmt.Errorf("safe_send.rate_max_attempts must be >= 0")
	}
	if s.TransientMaxAttempts < 0 {
		return safesend.Config{}, fmt.Errorf("safe_send.transient_max_attempts must be >= 0")
	}
	if s.Burst < 0 {
		return safesend.Config{}, fmt.Errorf("safe_send.burst must be >= 0")
	}
	// Zero values fall back to safesend defaults.
	var r config.DurationReader
	out := safesend.Config{
		BanCooldown:          r.Exact("safe_send.ban_cooldown", s.BanCooldown),
		RateBase:             r.Exact("safe_send.rate_base", s.RateBase),
		RateMax:              r.Exact("safe_send.rate_max", s.RateMax),
		RateMaxAttempts:      s.RateMaxAttempts,
		RateTripCooldown:     r.Exact("safe_send.rate_trip_cooldown", s.RateTripCooldown),
		TransientDelay:       r.Exact("safe_send.transient_delay", s.TransientDelay),
		TransientMaxAttempts: s.TransientMaxAttempts,
		RatePerSec:           s.RatePerSec,
		Burst:                s.Burst,
	}
	return out, r.Err()
}

func mapJobsOptions(cfg *Config) (jobs.Options, error) {
	j := cfg.Jobs
	if j.MaxLogs < 0 || j.MaxJobs < 0 {
		return jobs.Options{}, fmt.Errorf("jobs.max_logs and jobs.max_jobs must be >= 0")
	}
	ret, err := parseDurationOrDefault("jobs.retention", j.Retention, time.Hour)
	if err != nil {
		return jobs.Options{}, err
	}
	return jobs.Options{MaxLogs: j.MaxLogs, Retention: ret, MaxJobs: j.MaxJobs}, nil
}

// mapMaintenanceConfig treats an omitted section as enabled with the
// default schedule.
func mapMaintenanceConfig(cfg *Config) (maintenance.Config, error) {
	m := config.MaintenanceConfig{Enabled: true}
	if cfg.Maintenance != nil {
		m = *cfg.Maintenance
	}
	raw := strings.TrimSpace(m.Schedule)
	if raw == "" {
		raw = config.DefaultSweepSchedule
	}
	spec, err := maintenance.NormalizeSchedule(raw)
	if err != nil {
		return maintenance.Config{}, fmt.Errorf("maintenance.schedule: %w", err)
	}
	if err := maintenance.ValidateTimezone(m.Timezone); err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{Enabled: m.Enabled, Schedule: spec, Timezone: strings.TrimSpace(m.Timezone)}, nil
}

// validateConfig runs every mapper so a bad hot-reload is rejected before
// it is committed.
func validateConfig(cfg *Config) error {
	if _, err := mapTransportConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapCacheConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBatchTTL(cfg); err != nil {
		return err
	}
	if _, err := mapCampaignConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSafeSendConfig(cfg); err != nil {
		return err
	}
	if _, err := mapJobsOptions(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
