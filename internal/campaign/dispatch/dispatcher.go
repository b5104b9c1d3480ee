// Package dispatch runs one campaign: upload each video once to a seed
// target, then forward the uploaded messages to every other target in paced
// chunks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"vidcast/internal/campaign/breaker"
	"vidcast/internal/campaign/campaignerr"
	"vidcast/internal/campaign/jobs"
	"vidcast/internal/campaign/safesend"
	"vidcast/internal/directory"
	"vidcast/internal/transport"
	logx "vidcast/pkg/logx"
)

const (
	defaultSeedDelay     = 2 * time.Second
	defaultForwardDelay  = 1200 * time.Millisecond
	defaultChunkCooldown = 105 * time.Second
	defaultChunkSize     = 12
	defaultCaptionMax    = 980
)

type Config struct {
	SeedDelay     time.Duration
	ForwardDelay  time.Duration
	ChunkCooldown time.Duration
	ChunkSize     int
	CaptionMax    int
}

func (c Config) withDefaults() Config {
	if c.SeedDelay < 0 {
		c.SeedDelay = 0
	} else if c.SeedDelay == 0 {
		c.SeedDelay = defaultSeedDelay
	}
	if c.ForwardDelay < 0 {
		c.ForwardDelay = 0
	} else if c.ForwardDelay == 0 {
		c.ForwardDelay = defaultForwardDelay
	}
	if c.ChunkCooldown < 0 {
		c.ChunkCooldown = 0
	} else if c.ChunkCooldown == 0 {
		c.ChunkCooldown = defaultChunkCooldown
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.CaptionMax <= 0 {
		c.CaptionMax = defaultCaptionMax
	}
	return c
}

type Video struct {
	Locator string `json:"locator"`
	Caption string `json:"caption,omitempty"`
}

type Request struct {
	RequestID string
	Videos    []Video
	Filter    directory.Filter
}

type Result struct {
	RequestID        string               `json:"request_id"`
	Status           jobs.Status          `json:"status"`
	SeedTarget       string               `json:"seed_target,omitempty"`
	SeedKind         transport.TargetKind `json:"seed_kind,omitempty"`
	TotalVideos      int                  `json:"total_videos"`
	TotalTargets     int                  `json:"total_targets"`
	ForwardedTo      int                  `json:"forwarded_to"`
	Failed           int                  `json:"failed"`
	Chunks           int                  `json:"chunks"`
	CancelledAtChunk int                  `json:"cancelled_at_chunk,omitempty"`
	SuccessRate      float64              `json:"success_rate"`
	Error            string               `json:"error,omitempty"`
	BreakerReason    string               `json:"breaker_reason,omitempty"`
	Duration         time.Duration        `json:"duration"`
}

// Cache is the subset of the video cache a run needs.
type Cache interface {
	GetOrFetch(ctx context.Context, locator string) (string, error)
	Clear() int
}

// Sender is the safe send surface (safesend.Sender in production).
type Sender interface {
	Send(ctx context.Context, to transport.Target, m transport.Media) (transport.MessageRef, error)
	Forward(ctx context.Context, to transport.Target, ref transport.MessageRef) error
}

// Tracker receives progress and the terminal status of a run.
type Tracker interface {
	AppendLog(id, level, msg string)
	SetProgress(id string, pct int)
	Cancelled(id string) bool
	Finish(id string, st jobs.Status, result any) bool
}

type Deps struct {
	Directory directory.Directory
	Cache     Cache
	Sender    Sender
	Breaker   *breaker.Breaker
	// Transport is consulted for readiness only; sends go through Sender.
	Transport transport.Messenger
	Tracker   Tracker
	Log       logx.Logger
	// Sleep replaces pacing waits (tests). Defaults to safesend.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

type Dispatcher struct {
	d   Deps
	log logx.Logger

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Directory == nil:
		return nil, errors.New("dispatch: directory is required")
	case deps.Cache == nil:
		return nil, errors.New("dispatch: cache is required")
	case deps.Sender == nil:
		return nil, errors.New("dispatch: sender is required")
	case deps.Tracker == nil:
		return nil, errors.New("dispatch: tracker is required")
	}
	if deps.Sleep == nil {
		deps.Sleep = safesend.Sleep
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{d: deps, log: log.With(logx.String("comp", "dispatch")), cfg: cfg.withDefaults()}, nil
}

// Apply changes pacing for runs started afterwards.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// run is the state of one campaign execution.
type run struct {
	*Dispatcher
	cfg   Config
	id    string
	log   logx.Logger
	res   Result
	start time.Time
}

// Run executes req to a terminal status, records it in the tracker and
// returns the result. The video cache is cleared on every outcome.
func (d *Dispatcher) Run(ctx context.Context, req Request) Result {
	r := &run{
		Dispatcher: d,
		cfg:        d.Config(),
		id:         req.RequestID,
		log:        d.log.With(logx.String("job", req.RequestID)),
		start:      d.d.Now(),
	}
	r.res = Result{RequestID: req.RequestID, TotalVideos: len(req.Videos)}

	st, err := r.execute(ctx, req)
	// Files are gone before the job turns terminal.
	if n := d.d.Cache.Clear(); n > 0 {
		r.logf("info", "Cache cleared (%d files)", n)
	}
	return r.finish(st, err)
}

func (r *run) execute(ctx context.Context, req Request) (jobs.Status, error) {
	if r.d.Transport != nil && !r.d.Transport.Ready() {
		return jobs.StatusFailed, campaignerr.ErrTransportNotReady
	}
	if len(req.Videos) == 0 {
		return jobs.StatusFailed, campaignerr.ErrNoVideos
	}

	targets, err := r.targets(ctx, req.Filter)
	if err != nil {
		return jobs.StatusFailed, err
	}
	if len(targets) == 0 {
		return jobs.StatusFailed, campaignerr.ErrNoTargets
	}
	r.res.TotalTargets = len(targets)

	seedIdx := 0
	for i, t := range targets {
		if t.Kind == transport.KindContact {
			seedIdx = i
			break
		}
	}
	seed := targets[seedIdx]
	rest := make([]transport.Target, 0, len(targets)-1)
	rest = append(rest, targets[:seedIdx]...)
	rest = append(rest, targets[seedIdx+1:]...)
	r.res.SeedTarget = seed.Name
	r.res.SeedKind = seed.Kind
	r.logf("info", "Seed target: %s (%s)", seed.Name, seed.Kind)

	refs, err := r.uploadSeed(ctx, seed, req.Videos)
	if err != nil {
		if errors.Is(err, campaignerr.ErrBreakerOpen) {
			return jobs.StatusStopped, err
		}
		return jobs.StatusFailed, err
	}
	r.d.Tracker.SetProgress(r.id, 10)

	chunks := chunk(rest, r.cfg.ChunkSize)
	r.res.Chunks = len(chunks)
	for ci, c := range chunks {
		if r.d.Tracker.Cancelled(r.id) {
			r.res.CancelledAtChunk = ci + 1
			return jobs.StatusCancelled, campaignerr.ErrCancelled
		}
		r.logf("info", "Chunk %d/%d: %d targets", ci+1, len(chunks), len(c))

		for _, t := range c {
			if r.d.Breaker != nil && !r.d.Breaker.OK() {
				return jobs.StatusStopped, campaignerr.ErrBreakerOpen
			}
			err := r.forwardAll(ctx, t, refs)
			if err == nil {
				r.res.ForwardedTo++
				continue
			}
			if ctx.Err() != nil {
				return jobs.StatusFailed, ctx.Err()
			}
			r.res.Failed++
			r.logf("error", "%s: %s: %v", campaignerr.ErrForwardFailed, t.Name, err)
			if errors.Is(err, campaignerr.ErrBreakerOpen) || (r.d.Breaker != nil && !r.d.Breaker.OK()) {
				return jobs.StatusStopped, campaignerr.ErrBreakerOpen
			}
		}

		r.d.Tracker.SetProgress(r.id, 10+int(math.Round(90*float64(ci+1)/float64(len(chunks)))))

		if ci < len(chunks)-1 && r.cfg.ChunkCooldown > 0 {
			r.logf("info", "Cooldown %s before next chunk", r.cfg.ChunkCooldown)
			if err := r.d.Sleep(ctx, r.cfg.ChunkCooldown); err != nil {
				return jobs.StatusFailed, err
			}
		}
	}
	return jobs.StatusCompleted, nil
}

// targets returns active groups then contacts in persisted order.
func (r *run) targets(ctx context.Context, f directory.Filter) ([]transport.Target, error) {
	groups, err := r.d.Directory.ActiveGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	contacts, err := r.d.Directory.ActiveContacts(ctx, directory.Filter{
		Country:  strings.ToUpper(strings.TrimSpace(f.Country)),
		Language: strings.ToLower(strings.TrimSpace(f.Language)),
	})
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	r.logf("info", "Targets: %d (groups %d, contacts %d)", len(groups)+len(contacts), len(groups), len(contacts))
	out := make([]transport.Target, 0, len(groups)+len(contacts))
	out = append(out, groups...)
	return append(out, contacts...), nil
}

func (r *run) uploadSeed(ctx context.Context, seed transport.Target, videos []Video) ([]transport.MessageRef, error) {
	refs := make([]transport.MessageRef, 0, len(videos))
	for i, v := range videos {
		if i > 0 && r.cfg.SeedDelay > 0 {
			if err := r.d.Sleep(ctx, r.cfg.SeedDelay); err != nil {
				return nil, err
			}
		}
		path, err := r.d.Cache.GetOrFetch(ctx, v.Locator)
		if err != nil {
			return nil, err
		}
		ref, err := r.d.Sender.Send(ctx, seed, transport.Media{Path: path, Caption: TruncateCaption(v.Caption, r.cfg.CaptionMax)})
		if err != nil {
			return nil, fmt.Errorf("seed upload %d/%d: %w", i+1, len(videos), err)
		}
		if !ref.Valid() {
			return nil, fmt.Errorf("seed upload %d/%d: %w", i+1, len(videos), campaignerr.ErrSendInvalidResponse)
		}
		refs = append(refs, ref)
		r.logf("info", "Seed upload %d/%d done", i+1, len(videos))
	}
	return refs, nil
}

func (r *run) forwardAll(ctx context.Context, t transport.Target, refs []transport.MessageRef) error {
	for _, ref := range refs {
		if err := r.d.Sender.Forward(ctx, t, ref); err != nil {
			return err
		}
		if r.cfg.ForwardDelay > 0 {
			if err := r.d.Sleep(ctx, r.cfg.ForwardDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) finish(st jobs.Status, err error) Result {
	r.res.Status = st
	r.res.Duration = r.d.Now().Sub(r.start)
	if reached := r.res.ForwardedTo + r.res.Failed; reached > 0 {
		r.res.SuccessRate = math.Round(float64(r.res.ForwardedTo)/float64(reached)*1000) / 10
	}
	if r.d.Breaker != nil {
		if bs := r.d.Breaker.State(); bs.Open {
			r.res.BreakerReason = bs.Reason
		}
	}
	if err != nil {
		r.res.Error = err.Error()
	}

	fields := []logx.Field{
		logx.String("status", string(st)),
		logx.Int("forwarded", r.res.ForwardedTo),
		logx.Int("failed", r.res.Failed),
		logx.Int("targets", r.res.TotalTargets),
		logx.Duration("dur", r.res.Duration),
	}
	switch st {
	case jobs.StatusCompleted:
		r.logf("info", "Completed: %d forwarded, %d failed", r.res.ForwardedTo, r.res.Failed)
		r.log.Info("campaign finished", fields...)
	case jobs.StatusCancelled:
		r.logf("warn", "Cancelled at chunk %d/%d", r.res.CancelledAtChunk, r.res.Chunks)
		r.log.Warn("campaign cancelled", fields...)
	case jobs.StatusStopped:
		r.logf("error", "Stopped by circuit breaker: %s", r.res.BreakerReason)
		r.log.Warn("campaign stopped", append(fields, logx.String("breaker", r.res.BreakerReason))...)
	default:
		r.logf("error", "Failed: %v", err)
		r.log.Error("campaign failed", append(fields, logx.Err(err))...)
	}
	r.d.Tracker.Finish(r.id, st, r.res)
	return r.res
}

func (r *run) logf(level, format string, args ...any) {
	r.d.Tracker.AppendLog(r.id, level, fmt.Sprintf(format, args...))
}

func chunk(ts []transport.Target, size int) [][]transport.Target {
	if len(ts) == 0 {
		return nil
	}
	out := make([][]transport.Target, 0, (len(ts)+size-1)/size)
	for i := 0; i < len(ts); i += size {
		out = append(out, ts[i:min(i+size, len(ts))])
	}
	return out
}

// TruncateCaption cuts captions longer than maxRunes and appends "...".
func TruncateCaption(caption string, maxRunes int) string {
	if strings.TrimSpace(caption) == "" {
		return ""
	}
	rs := []rune(caption)
	if maxRunes <= 0 || len(rs) <= maxRunes {
		return caption
	}
	return string(rs[:maxRunes]) + "..."
}
