// Package batch collects the parts of a multi-part campaign submission until
// the set is complete.
package batch

import (
	"sort"
	"strings"
	"sync"
	"time"

	logx "vidcast/pkg/logx"
)

const defaultTTL = 10 * time.Minute

type Video struct {
	Locator string `json:"locator"`
	Caption string `json:"caption,omitempty"`
}

// Part is one video of a batch.
type Part struct {
	BatchID  string
	Video    Video
	Expected int
	IsLast   bool
	Country  string
	Language string
}

// Result reports the effect of one AddPart. Videos is set only when
// Complete is true.
type Result struct {
	Complete bool
	Videos   []Video
	Received int
	Expected int
	Pending  int
	Country  string
	Language string
}

// Pending describes an open batch.
type Pending struct {
	BatchID   string    `json:"batch_id"`
	Received  int       `json:"received"`
	Expected  int       `json:"expected"`
	Collected int       `json:"collected"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired is a batch dropped by Sweep.
type Expired struct {
	Pending
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
}

type entry struct {
	videos    []Video
	expected  int
	received  int
	country   string
	language  string
	createdAt time.Time
	updatedAt time.Time
}

type Accumulator struct {
	mu      sync.Mutex
	batches map[string]*entry

	ttl time.Duration
	log logx.Logger
	now func() time.Time
}

// New returns an accumulator. ttl <= 0 uses 10 minutes; now may be nil.
func New(ttl time.Duration, log logx.Logger, now func() time.Time) *Accumulator {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Accumulator{
		batches: map[string]*entry{},
		ttl:     ttl,
		log:     log.With(logx.String("comp", "batch")),
		now:     now,
	}
}

func (a *Accumulator) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	a.mu.Lock()
	a.ttl = ttl
	a.mu.Unlock()
}

// AddPart records p. The batch completes when p.IsLast is set or the number
// of received parts reaches Expected; a completed batch is removed and its
// videos are returned exactly once.
func (a *Accumulator) AddPart(p Part) Result {
	id := strings.TrimSpace(p.BatchID)
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.batches[id]
	if e == nil {
		e = &entry{createdAt: now}
		a.batches[id] = e
	}
	e.updatedAt = now
	e.received++
	if p.Expected > e.expected {
		e.expected = p.Expected
	}
	if e.country == "" && e.language == "" && (p.Country != "" || p.Language != "") {
		e.country = p.Country
		e.language = p.Language
	}

	loc := strings.TrimSpace(p.Video.Locator)
	if loc == "" {
		a.log.Warn("batch part without locator skipped", logx.String("batch", id), logx.Int("received", e.received))
	} else {
		e.videos = append(e.videos, Video{Locator: loc, Caption: p.Video.Caption})
	}

	res := Result{
		Received: e.received,
		Expected: e.expected,
		Country:  e.country,
		Language: e.language,
	}
	if p.IsLast || (e.expected > 0 && e.received >= e.expected) {
		delete(a.batches, id)
		res.Complete = true
		res.Videos = e.videos
		a.log.Info("batch complete", logx.String("batch", id), logx.Int("videos", len(e.videos)), logx.Int("received", e.received))
	}
	res.Pending = len(a.batches)
	return res
}

// Pending lists open batches, oldest first.
func (a *Accumulator) Pending() []Pending {
	a.mu.Lock()
	out := make([]Pending, 0, len(a.batches))
	for id, e := range a.batches {
		out = append(out, e.pending(id))
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep removes batches that have not received a part within the TTL.
// Expired batches never start a campaign.
func (a *Accumulator) Sweep(now time.Time) []Expired {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Expired
	for id, e := range a.batches {
		if now.Sub(e.updatedAt) < a.ttl {
			continue
		}
		delete(a.batches, id)
		out = append(out, Expired{Pending: e.pending(id), Country: e.country, Language: e.language})
	}
	for _, x := range out {
		a.log.Warn("batch expired incomplete",
			logx.String("batch", x.BatchID),
			logx.Int("received", x.Received),
			logx.Int("expected", x.Expected),
		)
	}
	return out
}

func (e *entry) pending(id string) Pending {
	return Pending{
		BatchID:   id,
		Received:  e.received,
		Expected:  e.expected,
		Collected: len(e.videos),
		CreatedAt: e.createdAt,
		UpdatedAt: e.updatedAt,
	}
}
