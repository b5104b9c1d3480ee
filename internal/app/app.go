package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vidcast/internal/campaign"
	"vidcast/internal/campaign/batch"
	"vidcast/internal/campaign/breaker"
	"vidcast/internal/campaign/dispatch"
	"vidcast/internal/campaign/jobs"
	"vidcast/internal/campaign/safesend"
	"vidcast/internal/campaign/videocache"
	"vidcast/internal/directory"
	"vidcast/internal/eventbus"
	"vidcast/internal/httpapi"
	"vidcast/internal/maintenance"
	rtsup "vidcast/internal/runtime/supervisor"
	"vidcast/internal/storage"
	"vidcast/internal/transport"
	"vidcast/internal/transport/telegram"
	logx "vidcast/pkg/logx"
)

// Messenger is a transport with a lifecycle.
type Messenger interface {
	transport.Messenger
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Option func(*options)

type options struct {
	messenger Messenger
}

// WithMessenger replaces the Telegram adapter (tests, alternative transports).
func WithMessenger(m Messenger) Option { return func(o *options) { o.messenger = m } }

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	tally *eventbus.Tally
	store storage.Store

	messenger Messenger

	breaker  *breaker.Breaker
	cache    *videocache.Cache
	sender   *safesend.Sender
	tracker  *jobs.Tracker
	batches  *batch.Accumulator
	dispatch *dispatch.Dispatcher
	campaign *campaign.Service
	http     *httpapi.Server
	maint    *maintenance.Service
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	messenger := o.messenger
	if messenger == nil {
		tc, err := mapTransportConfig(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		messenger = ad
	}

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dir, err := directory.NewFile(mapDirectoryPath(cfg), log.With(logx.String("comp", "directory")))
	if err != nil {
		return nil, err
	}

	cacheDir, fetchCfg, _ := mapCacheConfig(cfg)
	cache, err := videocache.New(cacheDir, videocache.NewHTTPFetcher(fetchCfg),
		videocache.WithBus(bus),
		videocache.WithLogger(log.With(logx.String("comp", "videocache"))),
	)
	if err != nil {
		return nil, err
	}

	br := breaker.New(bus, log, time.Now)

	ssCfg, _ := mapSafeSendConfig(cfg)
	sender := safesend.New(messenger, br, ssCfg, log)

	jobOpts, _ := mapJobsOptions(cfg)
	tracker := jobs.NewTracker(jobOpts)

	ttl, _ := mapBatchTTL(cfg)
	batches := batch.New(ttl, log, time.Now)

	dCfg, _ := mapDispatchConfig(cfg)
	disp, err := dispatch.New(dCfg, dispatch.Deps{
		Directory: dir,
		Cache:     cache,
		Sender:    sender,
		Breaker:   br,
		Transport: messenger,
		Tracker:   tracker,
		Log:       log,
	})
	if err != nil {
		return nil, err
	}

	cCfg, _ := mapCampaignConfig(cfg)
	svc, err := campaign.New(cCfg, campaign.Deps{
		Dispatcher: disp,
		Tracker:    tracker,
		Batches:    batches,
		Breaker:    br,
		Cache:      cache,
		Transport:  messenger,
		Store:      store,
		Bus:        bus,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}

	hCfg, _ := mapHTTPConfig(cfg)
	httpSrv := httpapi.NewServer(hCfg, svc, log.With(logx.String("comp", "httpapi")))

	mCfg, _ := mapMaintenanceConfig(cfg)
	maint := maintenance.New(mCfg, svc, log.With(logx.String("comp", "maintenance")), bus)

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		tally:     eventbus.NewTally(),
		store:     store,
		messenger: messenger,
		breaker:   br,
		cache:     cache,
		sender:    sender,
		tracker:   tracker,
		batches:   batches,
		dispatch:  disp,
		campaign:  svc,
		http:      httpSrv,
		maint:     maint,
	}, nil
}

// Campaigns exposes the campaign service.
func (a *App) Campaigns() *campaign.Service { return a.campaign }

// Events returns per-type event counts since Start.
func (a *App) Events() map[string]uint64 { return a.tally.Snapshot() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	a.sup.Go0("eventbus.tally", func(c context.Context) { a.tally.Run(c, a.bus) })

	if err := a.messenger.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.campaign.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
	}
	a.http.Start(a.sup.Context())

	// Debug-level event log; frequent cache events would be noisy at info.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig re-applies the hot-reloadable sections. New runs pick up the
// new pacing and retry policy; runs in flight keep their own.
func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs, restart := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))

	// The validator already ran every mapper, so errors here are unexpected.
	warn := func(section string, err error) {
		a.log.Warn("invalid "+section+" config; keeping previous", logx.Err(err))
	}
	if dc, err := mapDispatchConfig(next); err != nil {
		warn("dispatch", err)
	} else {
		a.dispatch.Apply(dc)
	}
	if sc, err := mapSafeSendConfig(next); err != nil {
		warn("safe_send", err)
	} else {
		a.sender.Apply(sc)
	}
	if jo, err := mapJobsOptions(next); err != nil {
		warn("jobs", err)
	} else {
		a.tracker.Apply(jo)
	}
	if ttl, err := mapBatchTTL(next); err != nil {
		warn("batch", err)
	} else {
		a.batches.SetTTL(ttl)
	}
	if cc, err := mapCampaignConfig(next); err != nil {
		warn("batch", err)
	} else {
		a.campaign.Apply(cc)
	}
	if hc, err := mapHTTPConfig(next); err != nil {
		warn("http", err)
	} else {
		a.http.Reconfigure(ctx, hc)
	}
	if mc, err := mapMaintenanceConfig(next); err != nil {
		warn("maintenance", err)
	} else {
		if err := a.maint.Apply(mc); err != nil {
			warn("maintenance", err)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Intake first, then the runs it feeds, then what the runs depend on.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("maintenance", time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("campaigns", 5*time.Second, a.campaign.Stop)
	step("transport", 2*time.Second, a.messenger.Stop)
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped", logx.Any("events", a.tally.Snapshot()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
