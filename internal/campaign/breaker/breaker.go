// Package breaker is the process-wide circuit breaker that suspends all
// campaign sending after a ban or rate-limit exhaustion signal.
package breaker

import (
	"strings"
	"sync"
	"time"

	"vidcast/internal/eventbus"
	logx "vidcast/pkg/logx"
)

// State is a point-in-time copy of the breaker.
type State struct {
	Open     bool      `json:"open"`
	ReopenAt time.Time `json:"reopen_at,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Remaining is the cooldown left at now (zero when closed).
func (s State) Remaining(now time.Time) time.Duration {
	if !s.Open || s.ReopenAt.IsZero() {
		return 0
	}
	if d := s.ReopenAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

type Breaker struct {
	mu sync.Mutex
	st State

	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

// New returns a closed breaker. now may be nil (time.Now).
func New(bus eventbus.Bus, log logx.Logger, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Breaker{bus: bus, log: log.With(logx.String("comp", "breaker")), now: now}
}

// OK reports whether sending may proceed. An open breaker whose cooldown has
// elapsed closes itself here.
func (b *Breaker) OK() bool {
	b.mu.Lock()
	if !b.st.Open {
		b.mu.Unlock()
		return true
	}
	now := b.now()
	if now.Before(b.st.ReopenAt) {
		b.mu.Unlock()
		return false
	}
	prev := b.st.Reason
	b.st = State{}
	b.mu.Unlock()

	b.log.Info("circuit breaker closed", logx.String("prev_reason", prev))
	eventbus.PublishSafe(b.bus, eventbus.TypeBreakerClosed, prev)
	return true
}

// Trip opens the breaker for d from now. While open, a later trip refreshes
// the reason and only ever moves ReopenAt forward.
func (b *Breaker) Trip(d time.Duration, reason string) {
	if d < 0 {
		d = 0
	}
	reason = strings.TrimSpace(reason)
	b.mu.Lock()
	now := b.now()
	reopen := now.Add(d)
	if b.st.Open && b.st.ReopenAt.After(reopen) {
		reopen = b.st.ReopenAt
	}
	b.st = State{Open: true, ReopenAt: reopen, Reason: reason}
	st := b.st
	b.mu.Unlock()

	b.log.Warn("circuit breaker tripped",
		logx.String("reason", reason),
		logx.Duration("cooldown", d),
		logx.Time("reopen_at", st.ReopenAt),
	)
	eventbus.PublishSafe(b.bus, eventbus.TypeBreakerTripped, st)
}

// State returns a snapshot without closing an expired breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}
