// Package campaign accepts campaign submissions and runs them in the
// background through the dispatch engine.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vidcast/internal/campaign/batch"
	"vidcast/internal/campaign/breaker"
	"vidcast/internal/campaign/campaignerr"
	"vidcast/internal/campaign/dispatch"
	"vidcast/internal/campaign/jobs"
	"vidcast/internal/campaign/videocache"
	"vidcast/internal/directory"
	"vidcast/internal/eventbus"
	rtsup "vidcast/internal/runtime/supervisor"
	"vidcast/internal/storage"
	"vidcast/internal/transport"
	logx "vidcast/pkg/logx"
)

// ErrBatchConsumed rejects parts of a batch that was already dispatched.
var ErrBatchConsumed = errors.New("batch already dispatched")

// ErrInvalidPart rejects a part without a batch id.
var ErrInvalidPart = errors.New("batchId is required")

type Config struct {
	// StatusURLPrefix is joined with the request id in acks.
	StatusURLPrefix string
	// ConsumedTTL is how long completed batch ids are remembered.
	ConsumedTTL time.Duration
}

type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Tracker    *jobs.Tracker
	Batches    *batch.Accumulator
	Breaker    *breaker.Breaker
	Cache      *videocache.Cache
	Transport  transport.Messenger
	// Store is optional.
	Store storage.Store
	Bus   eventbus.Bus
	Log   logx.Logger
	// NewID overrides request id generation (tests).
	NewID func() string
}

type Service struct {
	d   Deps
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	sup     *rtsup.Supervisor
	running bool
}

func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Dispatcher == nil:
		return nil, errors.New("campaign: dispatcher is required")
	case deps.Tracker == nil:
		return nil, errors.New("campaign: tracker is required")
	case deps.Batches == nil:
		return nil, errors.New("campaign: batch accumulator is required")
	case deps.Transport == nil:
		return nil, errors.New("campaign: transport is required")
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return "req-" + uuid.NewString() }
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{d: deps, log: log.With(logx.String("comp", "campaign"))}
	s.Apply(cfg)
	return s, nil
}

func (s *Service) Apply(cfg Config) {
	if cfg.StatusURLPrefix == "" {
		cfg.StatusURLPrefix = "/api/jobs/"
	}
	if cfg.ConsumedTTL <= 0 {
		cfg.ConsumedTTL = time.Hour
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start enables submissions. Runs are bound to ctx; cancelling it interrupts
// them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.running = true
	return nil
}

// Stop interrupts active runs and waits for them to record their outcome.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Active returns the names of in-flight runs.
func (s *Service) Active() []string {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Running()
}

// Submit validates req, registers a job and starts the run in the
// background. Precondition failures are returned synchronously.
func (s *Service) Submit(ctx context.Context, req Request) (Ack, error) {
	_ = ctx
	videos := req.Videos()
	if len(videos) == 0 {
		return Ack{}, campaignerr.ErrNoVideos
	}
	if !s.d.Transport.Ready() {
		return Ack{}, campaignerr.ErrTransportNotReady
	}

	s.mu.Lock()
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()
	if sup == nil {
		return Ack{}, errors.New("campaign service not started")
	}

	id := s.d.NewID()
	s.d.Tracker.Create(id)
	s.d.Tracker.AppendLog(id, "info", fmt.Sprintf("Accepted: %d videos", len(videos)))
	s.log.Info("campaign accepted",
		logx.String("job", id),
		logx.Int("videos", len(videos)),
		logx.String("country", req.Country),
		logx.String("language", req.Language),
	)
	eventbus.PublishSafe(s.d.Bus, eventbus.TypeCampaignStarted, id)

	dreq := dispatch.Request{
		RequestID: id,
		Videos:    videos,
		Filter:    directory.Filter{Country: req.Country, Language: req.Language},
	}
	sup.Go("campaign:"+id, func(ctx context.Context) error {
		res := s.d.Dispatcher.Run(ctx, dreq)
		s.record(req, res)
		return nil
	})
	return Ack{RequestID: id, StatusURL: cfg.StatusURLPrefix + id}, nil
}

// SubmitPart feeds one part into its batch. The completed batch is
// submitted as a single campaign.
func (s *Service) SubmitPart(ctx context.Context, p Part) (PartAck, error) {
	bp := p.batchPart()
	if bp.BatchID == "" {
		return PartAck{}, ErrInvalidPart
	}
	if s.d.Store != nil {
		if _, ok, err := s.d.Store.Consumed(ctx, bp.BatchID); err != nil {
			s.log.Warn("consumed lookup failed", logx.String("batch", bp.BatchID), logx.Err(err))
		} else if ok {
			return PartAck{BatchID: bp.BatchID}, ErrBatchConsumed
		}
	}
	if !s.d.Transport.Ready() {
		return PartAck{}, campaignerr.ErrTransportNotReady
	}

	r := s.d.Batches.AddPart(bp)
	pa := PartAck{BatchID: bp.BatchID, Collected: r.Received, Total: r.Expected, Pending: max(r.Expected-r.Received, 0)}
	if !r.Complete {
		return pa, nil
	}

	req := Request{Country: r.Country, Language: r.Language, Captions: make([]string, 0, len(r.Videos))}
	for _, v := range r.Videos {
		req.VideoURLs = append(req.VideoURLs, v.Locator)
		req.Captions = append(req.Captions, v.Caption)
	}
	ack, err := s.Submit(ctx, req)
	if err != nil {
		return pa, err
	}
	if s.d.Store != nil {
		s.mu.Lock()
		ttl := s.cfg.ConsumedTTL
		s.mu.Unlock()
		if err := s.d.Store.MarkConsumed(ctx, bp.BatchID, time.Now().Add(ttl)); err != nil {
			s.log.Warn("consumed mark failed", logx.String("batch", bp.BatchID), logx.Err(err))
		}
	}
	pa.Ack = &ack
	return pa, nil
}

func (s *Service) Status(id string) (jobs.Job, bool) {
	return s.d.Tracker.Get(strings.TrimSpace(id))
}

func (s *Service) Jobs() []jobs.Job { return s.d.Tracker.List() }

// Cancel requests cancellation. It reports whether the job existed and
// whether it was still running.
func (s *Service) Cancel(id string) (found, accepted bool) {
	id = strings.TrimSpace(id)
	if _, ok := s.d.Tracker.Get(id); !ok {
		return false, false
	}
	if !s.d.Tracker.Cancel(id) {
		return true, false
	}
	s.d.Tracker.AppendLog(id, "warn", "Cancellation requested")
	s.log.Info("campaign cancel requested", logx.String("job", id))
	return true, true
}

func (s *Service) PendingBatches() []batch.Pending { return s.d.Batches.Pending() }

// Snapshot is the health view of shared state.
type Snapshot struct {
	Ready   bool             `json:"ready"`
	Breaker breaker.State    `json:"breaker"`
	Cache   videocache.Stats `json:"cache"`
	Active  int              `json:"active"`
	Jobs    int              `json:"jobs"`
	Batches int              `json:"pending_batches"`
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Ready:   s.d.Transport.Ready(),
		Active:  len(s.Active()),
		Jobs:    s.d.Tracker.Len(),
		Batches: len(s.d.Batches.Pending()),
	}
	if s.d.Breaker != nil {
		snap.Breaker = s.d.Breaker.State()
	}
	if s.d.Cache != nil {
		snap.Cache = s.d.Cache.Stats()
	}
	return snap
}

// SweepReport summarises one maintenance pass.
type SweepReport struct {
	PrunedJobs     int
	ExpiredBatches []batch.Expired
}

// Sweep prunes finished jobs and drops stale batches.
func (s *Service) Sweep(now time.Time) SweepReport {
	rep := SweepReport{
		PrunedJobs:     s.d.Tracker.Prune(now),
		ExpiredBatches: s.d.Batches.Sweep(now),
	}
	for _, x := range rep.ExpiredBatches {
		eventbus.PublishSafe(s.d.Bus, eventbus.TypeBatchExpired, x)
	}
	if rep.PrunedJobs > 0 || len(rep.ExpiredBatches) > 0 {
		s.log.Info("sweep done", logx.Int("pruned_jobs", rep.PrunedJobs), logx.Int("expired_batches", len(rep.ExpiredBatches)))
	}
	return rep
}

// RecentOutcomes reads persisted results.
func (s *Service) RecentOutcomes(ctx context.Context, limit int) ([]storage.CampaignRecord, error) {
	if s.d.Store == nil {
		return nil, storage.ErrDisabled
	}
	return s.d.Store.RecentCampaigns(ctx, limit)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Upload stores an operator-supplied video in the cache directory and
// returns the locator to submit it with.
func (s *Service) Upload(name string, r io.Reader) (string, error) {
	if s.d.Cache == nil {
		return "", errors.New("cache unavailable")
	}
	name = unsafeName.ReplaceAllString(filepath.Base(strings.TrimSpace(name)), "_")
	if name == "" || name == "." || name == "_" {
		name = "upload.mp4"
	}
	dst := filepath.Join(s.d.Cache.Dir(), "upload_"+uuid.NewString()[:8]+"_"+name)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	key := s.d.Cache.AddUploaded(name, dst, n)
	if p, ok := s.d.Cache.Path(key); ok && p != dst {
		// same name already cached; keep the first copy
		_ = os.Remove(dst)
	}
	return key, nil
}

func (s *Service) record(req Request, res dispatch.Result) {
	eventbus.PublishSafe(s.d.Bus, eventbus.TypeCampaignFinished, res)
	if s.d.Store == nil {
		return
	}
	rec := storage.CampaignRecord{
		At:            time.Now(),
		RequestID:     res.RequestID,
		Status:        string(res.Status),
		SeedTarget:    res.SeedTarget,
		SeedKind:      string(res.SeedKind),
		Country:       req.Country,
		Language:      req.Language,
		TotalVideos:   res.TotalVideos,
		TotalTargets:  res.TotalTargets,
		ForwardedTo:   res.ForwardedTo,
		Failed:        res.Failed,
		Chunks:        res.Chunks,
		Error:         res.Error,
		BreakerReason: res.BreakerReason,
		TookMS:        res.Duration.Milliseconds(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.d.Store.AppendCampaign(ctx, rec); err != nil {
		s.log.Warn("campaign outcome not persisted", logx.String("job", res.RequestID), logx.Err(err))
	}
}
