package config

import (
	"reflect"
	"sort"
	"strings"

	logx "vidcast/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never includes the transport token),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 24)

	// Transport (never log token)
	ot, nt := oldCfg.Transport, newCfg.Transport
	if strings.TrimSpace(ot.Driver) != strings.TrimSpace(nt.Driver) ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.Token != nt.Token {
		changed = append(changed, "transport")
		restart = append(restart, "transport")
		attrs = append(attrs,
			logx.String("transport.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("transport.api_url_set", strings.TrimSpace(nt.APIURL) != ""),
			logx.Bool("transport.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// HTTP (never log token); the server restarts itself on change.
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if strings.TrimSpace(oldCfg.Directory.Path) != strings.TrimSpace(newCfg.Directory.Path) {
		changed = append(changed, "directory")
		restart = append(restart, "directory")
		attrs = append(attrs, logx.String("directory.path", strings.TrimSpace(newCfg.Directory.Path)))
	}

	// Storage: nil means disabled.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		restart = append(restart, "cache")
		attrs = append(attrs,
			logx.String("cache.dir", strings.TrimSpace(newCfg.Cache.Dir)),
			logx.String("cache.fetch_timeout", strings.TrimSpace(newCfg.Cache.FetchTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Batch, newCfg.Batch) {
		changed = append(changed, "batch")
		attrs = append(attrs,
			logx.String("batch.ttl", strings.TrimSpace(newCfg.Batch.TTL)),
			logx.String("batch.consumed_ttl", strings.TrimSpace(newCfg.Batch.ConsumedTTL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.seed_delay", strings.TrimSpace(d.SeedDelay)),
			logx.String("dispatch.forward_delay", strings.TrimSpace(d.ForwardDelay)),
			logx.String("dispatch.chunk_cooldown", strings.TrimSpace(d.ChunkCooldown)),
			logx.Int("dispatch.chunk_size", d.ChunkSize),
			logx.Int("dispatch.caption_max", d.CaptionMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.SafeSend, newCfg.SafeSend) {
		s := newCfg.SafeSend
		changed = append(changed, "safe_send")
		attrs = append(attrs,
			logx.String("safe_send.ban_cooldown", strings.TrimSpace(s.BanCooldown)),
			logx.String("safe_send.rate_trip_cooldown", strings.TrimSpace(s.RateTripCooldown)),
			logx.Int("safe_send.rate_max_attempts", s.RateMaxAttempts),
			logx.Float64("safe_send.rate_per_sec", s.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.max_logs", newCfg.Jobs.MaxLogs),
			logx.String("jobs.retention", strings.TrimSpace(newCfg.Jobs.Retention)),
			logx.Int("jobs.max_jobs", newCfg.Jobs.MaxJobs),
		)
	}

	if !reflect.DeepEqual(derefMaintenance(oldCfg.Maintenance), derefMaintenance(newCfg.Maintenance)) {
		m := derefMaintenance(newCfg.Maintenance)
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", m.Enabled),
			logx.String("maintenance.schedule", m.Schedule),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

// derefMaintenance treats an omitted section as the runtime default so that
// adding an explicit default section is not reported as a change.
func derefMaintenance(m *MaintenanceConfig) MaintenanceConfig {
	if m == nil {
		return MaintenanceConfig{Enabled: true, Schedule: DefaultSweepSchedule}
	}
	out := *m
	if strings.TrimSpace(out.Schedule) == "" {
		out.Schedule = DefaultSweepSchedule
	}
	return out
}
