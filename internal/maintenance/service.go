// Package maintenance runs periodic housekeeping for the campaign service:
// pruning finished jobs and dropping batches that stopped receiving parts.
package maintenance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vidcast/internal/campaign"
	"vidcast/internal/eventbus"
	logx "vidcast/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string // normalised cron spec
	Timezone string
}

// Sweeper is implemented by campaign.Service.
type Sweeper interface {
	Sweep(now time.Time) campaign.SweepReport
}

// Status is a snapshot of the last sweep.
type Status struct {
	Enabled  bool      `json:"enabled"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run,omitempty"`
	Runs     uint64    `json:"runs"`
	Pruned   int       `json:"pruned_total"`
	Expired  int       `json:"expired_total"`
}

type Service struct {
	sw  Sweeper
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu  sync.Mutex
	cfg Config
	// started is set between Start and Stop; c is nil while disabled.
	started bool
	c       *cron.Cron
	st      Status
}

func New(cfg Config, sw Sweeper, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, sw: sw, log: log, bus: bus, now: time.Now}
}

// Start registers the sweep with cron. While disabled the service stays
// started without a cron, so a later Apply can enable it.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := loadLocation(s.cfg.Timezone)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunNow() }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("service stopped")
}

// Apply swaps the config. On a started service the cron is stopped,
// restarted or started to match; a stopped service only records cfg.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if !s.started || prev == cfg {
		s.mu.Unlock()
		return nil
	}
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if !cfg.Enabled {
		s.log.Info("maintenance disabled via config")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.started {
		return nil
	}
	if !prev.Enabled {
		s.log.Info("maintenance enabled via config")
	}
	return s.startLocked()
}

// RunNow performs one sweep immediately.
func (s *Service) RunNow() campaign.SweepReport {
	rep := s.sw.Sweep(s.now())

	s.mu.Lock()
	s.st.Runs++
	s.st.LastRun = s.now()
	s.st.Pruned += rep.PrunedJobs
	s.st.Expired += len(rep.ExpiredBatches)
	s.mu.Unlock()

	eventbus.PublishSafe(s.bus, eventbus.TypeSweepDone, rep)
	return rep
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.st
	st.Enabled = s.cfg.Enabled
	st.Schedule = s.cfg.Schedule
	return st
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
