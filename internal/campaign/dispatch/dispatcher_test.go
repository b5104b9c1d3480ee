package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"vidcast/internal/campaign/breaker"
	"vidcast/internal/campaign/campaignerr"
	"vidcast/internal/campaign/jobs"
	"vidcast/internal/directory"
	"vidcast/internal/transport"
	logx "vidcast/pkg/logx"
)

type fakeDirectory struct {
	groups   []transport.Target
	contacts []transport.Target
	lastF    directory.Filter
}

func (d *fakeDirectory) ActiveContacts(ctx context.Context, f directory.Filter) ([]transport.Target, error) {
	d.lastF = f
	return d.contacts, nil
}

func (d *fakeDirectory) ActiveGroups(ctx context.Context) ([]transport.Target, error) {
	return d.groups, nil
}

type fakeCache struct {
	mu      sync.Mutex
	fetched []string
	clears  int
	failOn  string
	onClear func()
}

func (c *fakeCache) GetOrFetch(ctx context.Context, locator string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if locator == c.failOn {
		return "", fmt.Errorf("%w: %s", campaignerr.ErrFetchFailed, locator)
	}
	c.fetched = append(c.fetched, locator)
	return "/tmp/" + locator, nil
}

func (c *fakeCache) Clear() int {
	if c.onClear != nil {
		c.onClear()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	n := len(c.fetched)
	c.fetched = nil
	return n
}

type fakeSender struct {
	mu        sync.Mutex
	sends     []transport.Media
	seedTo    []string
	forwards  map[string]int
	failFor   map[string]error
	emptyRefs bool
	onForward func(to transport.Target) error
}

func newFakeSender() *fakeSender {
	return &fakeSender{forwards: map[string]int{}, failFor: map[string]error{}}
}

func (s *fakeSender) Send(ctx context.Context, to transport.Target, m transport.Media) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, m)
	s.seedTo = append(s.seedTo, to.ID)
	if s.emptyRefs {
		return transport.MessageRef{}, nil
	}
	return transport.MessageRef{ChatID: to.Recipient, MessageID: fmt.Sprint(len(s.sends))}, nil
}

func (s *fakeSender) Forward(ctx context.Context, to transport.Target, ref transport.MessageRef) error {
	if s.onForward != nil {
		if err := s.onForward(to); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[to.ID]; err != nil {
		return err
	}
	s.forwards[to.ID]++
	return nil
}

type readyMessenger struct{ ready bool }

func (m readyMessenger) Send(context.Context, transport.Target, transport.Media) (transport.MessageRef, error) {
	return transport.MessageRef{}, errors.New("unused")
}
func (m readyMessenger) Forward(context.Context, transport.Target, transport.MessageRef) error {
	return errors.New("unused")
}
func (m readyMessenger) Ready() bool { return m.ready }

type sleeps struct {
	mu    sync.Mutex
	waits []time.Duration
	hook  func(d time.Duration)
}

func (s *sleeps) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (s *sleeps) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.waits {
		if w == d {
			n++
		}
	}
	return n
}

func contacts(n int) []transport.Target {
	out := make([]transport.Target, n)
	for i := range out {
		out[i] = transport.Target{ID: fmt.Sprintf("contact:%d", i+1), Kind: transport.KindContact, Recipient: fmt.Sprint(i + 1), Name: fmt.Sprintf("C%d", i+1)}
	}
	return out
}

type harness struct {
	dir     *fakeDirectory
	cache   *fakeCache
	sender  *fakeSender
	tracker *jobs.Tracker
	breaker *breaker.Breaker
	sleeps  *sleeps
	d       *Dispatcher
}

func newHarness(t *testing.T, dir *fakeDirectory, ready bool) *harness {
	t.Helper()
	h := &harness{
		dir:     dir,
		cache:   &fakeCache{},
		sender:  newFakeSender(),
		tracker: jobs.NewTracker(jobs.Options{}),
		breaker: breaker.New(nil, logx.Nop(), nil),
		sleeps:  &sleeps{},
	}
	d, err := New(Config{}, Deps{
		Directory: dir,
		Cache:     h.cache,
		Sender:    h.sender,
		Breaker:   h.breaker,
		Transport: readyMessenger{ready: ready},
		Tracker:   h.tracker,
		Sleep:     h.sleeps.Sleep,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.d = d
	return h
}

func (h *harness) run(id string, videos ...Video) Result {
	h.tracker.Create(id)
	return h.d.Run(context.Background(), Request{RequestID: id, Videos: videos})
}

func TestRunSeedsOnceAndForwardsInChunks(t *testing.T) {
	h := newHarness(t, &fakeDirectory{contacts: contacts(14)}, true)

	res := h.run("req-1", Video{Locator: "a.mp4", Caption: "first"}, Video{Locator: "b.mp4"})

	if res.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if len(h.sender.sends) != 2 {
		t.Fatalf("seed uploads = %d, want 2", len(h.sender.sends))
	}
	for _, id := range h.sender.seedTo {
		if id != "contact:1" {
			t.Fatalf("uploads must go to the seed only, got %v", h.sender.seedTo)
		}
	}
	if h.sender.sends[0].Caption != "first" || h.sender.sends[1].Caption != "" {
		t.Fatalf("captions = %+v", h.sender.sends)
	}
	if res.Chunks != 2 || res.ForwardedTo != 13 || res.Failed != 0 || res.TotalTargets != 14 {
		t.Fatalf("result = %+v", res)
	}
	if _, seeded := h.sender.forwards["contact:1"]; seeded {
		t.Fatalf("seed must not receive forwards")
	}
	for id, n := range h.sender.forwards {
		if n != 2 {
			t.Fatalf("%s got %d forwards, want 2", id, n)
		}
	}
	if h.sleeps.count(defaultChunkCooldown) != 1 {
		t.Fatalf("chunk cooldowns = %d, want 1", h.sleeps.count(defaultChunkCooldown))
	}
	if h.sleeps.count(defaultSeedDelay) != 1 {
		t.Fatalf("seed delays = %d, want 1", h.sleeps.count(defaultSeedDelay))
	}
	if h.sleeps.count(defaultForwardDelay) != 26 {
		t.Fatalf("forward delays = %d, want 26", h.sleeps.count(defaultForwardDelay))
	}
	if h.cache.clears != 1 {
		t.Fatalf("cache clears = %d", h.cache.clears)
	}
	j, _ := h.tracker.Get("req-1")
	if j.Status != jobs.StatusCompleted || j.Progress != 100 {
		t.Fatalf("job = %+v", j)
	}
	if res.SuccessRate != 100 {
		t.Fatalf("success rate = %v", res.SuccessRate)
	}
}

func TestRunClearsCacheBeforeTerminalStatus(t *testing.T) {
	h := newHarness(t, &fakeDirectory{contacts: contacts(3)}, true)
	var statusAtClear jobs.Status
	h.cache.onClear = func() {
		j, _ := h.tracker.Get("req-clear")
		statusAtClear = j.Status
	}

	res := h.run("req-clear", Video{Locator: "a.mp4"})
	if res.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if statusAtClear.Terminal() {
		t.Fatalf("job already %s when the cache was cleared", statusAtClear)
	}

	j, _ := h.tracker.Get("req-clear")
	cleared, completed := -1, -1
	for i, l := range j.Logs {
		switch {
		case strings.HasPrefix(l.Message, "Cache cleared"):
			cleared = i
		case strings.HasPrefix(l.Message, "Completed"):
			completed = i
		}
	}
	if cleared < 0 || completed < 0 || cleared > completed {
		t.Fatalf("cache log must precede the terminal log, logs = %+v", j.Logs)
	}
}

func TestRunNoTargetsFails(t *testing.T) {
	h := newHarness(t, &fakeDirectory{}, true)
	res := h.run("req-empty", Video{Locator: "a.mp4"})
	if res.Status != jobs.StatusFailed || !strings.Contains(res.Error, campaignerr.ErrNoTargets.Error()) {
		t.Fatalf("result = %+v", res)
	}
	if len(h.sender.sends) != 0 {
		t.Fatalf("no sends expected")
	}
	if h.cache.clears != 1 {
		t.Fatalf("cache must be cleared on failure")
	}
}

func TestRunTransportNotReady(t *testing.T) {
	h := newHarness(t, &fakeDirectory{contacts: contacts(2)}, false)
	res := h.run("req-nr", Video{Locator: "a.mp4"})
	if res.Status != jobs.StatusFailed || res.Error != campaignerr.ErrTransportNotReady.Error() {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunGroupSeedWhenNoContacts(t *testing.T) {
	groups := []transport.Target{
		{ID: "group:-1", Kind: transport.KindGroup, Recipient: "-1", Name: "G1"},
		{ID: "group:-2", Kind: transport.KindGroup, Recipient: "-2", Name: "G2"},
	}
	h := newHarness(t, &fakeDirectory{groups: groups}, true)
	res := h.run("req-g", Video{Locator: "a.mp4"})
	if res.Status != jobs.StatusCompleted || res.SeedKind != transport.KindGroup || res.SeedTarget != "G1" {
		t.Fatalf("result = %+v", res)
	}
	if res.ForwardedTo != 1 || h.sender.forwards["group:-2"] != 1 {
		t.Fatalf("forwards = %v", h.sender.forwards)
	}
}

func TestRunContactSeedPreferredOverGroups(t *testing.T) {
	dir := &fakeDirectory{
		groups:   []transport.Target{{ID: "group:-1", Kind: transport.KindGroup, Recipient: "-1", Name: "G1"}},
		contacts: contacts(1),
	}
	h := newHarness(t, dir, true)
	res := h.run("req-c", Video{Locator: "a.mp4"})
	if res.SeedKind != transport.KindContact || h.sender.forwards["group:-1"] != 1 {
		t.Fatalf("result = %+v forwards = %v", res, h.sender.forwards)
	}
}

func TestRunFetchFailureFails(t *testing.T) {
	h := newHarness(t, &fakeDirectory{contacts: contacts(3)}, true)
	h.cache.failOn = "broken.mp4"
	res := h.run("req-f", Video{Locator: "ok.mp4"}, Video{Locator: "broken.mp4"})
	if res.Status != jobs.StatusFailed || !strings.Contains(res.Error, "fetch failed") {
		t.Fatalf("result = %+v", res)
	}
	if h.cache.clears != 1 {
		t.Fatalf("cache must be cleared")
	}
}

func TestRunInvalidSeedReferenceFails(t *testing.T) {
	h := newHarness(t, &fakeDirectory{contacts: contacts(3)}, true)
	h.sender.emptyRefs = true
	res := h.run("req-i", Video{Locator: "a.mp4"})
	if res.Status != jobs.StatusFailed || !strings.Contains(res.Error, campaignerr.ErrSendInvalidResponse.Error()) {
		t.Fatalf("result = %+v", res)
	}
	if len(h.sender.forwards) != 0 {
		t.Fatalf("no forwards expected")
	}
}

func TestRunCountsFailedTargets(t *testing.T) {
	h := newHarness(t, &fakeDirectory{contacts: contacts(4)}, true)
	h.sender.failFor["contact:3"] = errors.New("chat not found")
	res := h.run("req-p", Video{Locator: "a.mp4"})
	if res.Status != jobs.StatusCompleted || res.ForwardedTo != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	j, _ := h.tracker.Get("req-p")
	found := false
	for _, l := range j.Logs {
		if l.Level == "error" && strings.Contains(l.Message, campaignerr.ErrForwardFailed.Error()) {
			found = true
		}
	}
	if !found {
		t.Fatalf("forward failure must be logged: %+v", j.Logs)
	}
}

func TestRunStopsWhenBreakerOpens(t *testing.T) {
	h := newHarness(t, &fakeDirectory{contacts: contacts(6)}, true)
	h.sender.onForward = func(to transport.Target) error {
		if to.ID == "contact:3" {
			h.breaker.Trip(time.Hour, "Account restricted")
			return errors.New("forbidden")
		}
		return nil
	}
	res := h.run("req-b", Video{Locator: "a.mp4"})
	if res.Status != jobs.StatusStopped {
		t.Fatalf("status = %s", res.Status)
	}
	if res.ForwardedTo != 1 || res.Failed != 1 || res.BreakerReason != "Account restricted" {
		t.Fatalf("result = %+v", res)
	}
	if h.cache.clears != 1 {
		t.Fatalf("cache must be cleared")
	}
}

func TestRunCancelledAtChunkBoundary(t *testing.T) {
	h := newHarness(t, &fakeDirectory{contacts: contacts(26)}, true)
	h.sleeps.hook = func(d time.Duration) {
		if d == defaultChunkCooldown {
			h.tracker.Cancel("req-x")
		}
	}
	res := h.run("req-x", Video{Locator: "a.mp4"})
	if res.Status != jobs.StatusCancelled {
		t.Fatalf("status = %s", res.Status)
	}
	if res.ForwardedTo != 12 || res.CancelledAtChunk != 2 || res.Chunks != 3 {
		t.Fatalf("result = %+v", res)
	}
	j, _ := h.tracker.Get("req-x")
	if j.Status != jobs.StatusCancelled {
		t.Fatalf("job = %+v", j)
	}
	if h.cache.clears != 1 {
		t.Fatalf("cache must be cleared")
	}
}

func TestRunInterruptedByContext(t *testing.T) {
	h := newHarness(t, &fakeDirectory{contacts: contacts(20)}, true)
	ctx, cancel := context.WithCancel(context.Background())
	h.sleeps.hook = func(d time.Duration) {
		if d == defaultChunkCooldown {
			cancel()
		}
	}
	h.tracker.Create("req-ctx")
	res := h.d.Run(ctx, Request{RequestID: "req-ctx", Videos: []Video{{Locator: "a.mp4"}}})
	if res.Status != jobs.StatusFailed || !strings.Contains(res.Error, "canceled") {
		t.Fatalf("result = %+v", res)
	}
	if h.cache.clears != 1 {
		t.Fatalf("cache must be cleared")
	}
}

func TestRunNormalisesFilter(t *testing.T) {
	dir := &fakeDirectory{contacts: contacts(1)}
	h := newHarness(t, dir, true)
	h.tracker.Create("req-f")
	h.d.Run(context.Background(), Request{RequestID: "req-f", Videos: []Video{{Locator: "a"}}, Filter: directory.Filter{Country: " tr ", Language: "TR"}})
	if dir.lastF.Country != "TR" || dir.lastF.Language != "tr" {
		t.Fatalf("filter = %+v", dir.lastF)
	}
}

func TestChunk(t *testing.T) {
	if got := chunk(contacts(25), 12); len(got) != 3 || len(got[2]) != 1 {
		t.Fatalf("chunks = %d", len(got))
	}
	if got := chunk(nil, 12); got != nil {
		t.Fatalf("empty = %v", got)
	}
}

func TestTruncateCaption(t *testing.T) {
	long := strings.Repeat("ş", 1000)
	got := TruncateCaption(long, 980)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != 983 {
		t.Fatalf("len = %d", len([]rune(got)))
	}
	if TruncateCaption("   ", 980) != "" {
		t.Fatalf("blank caption must be empty")
	}
	if TruncateCaption("short", 980) != "short" {
		t.Fatalf("short caption must pass through")
	}
}
