// Package safesend wraps transport sends and forwards with error
// classification, retry with backoff and circuit breaker integration.
package safesend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vidcast/internal/campaign/breaker"
	"vidcast/internal/campaign/campaignerr"
	"vidcast/internal/transport"
	logx "vidcast/pkg/logx"
)

type Config struct {
	BanCooldown          time.Duration
	RateBase             time.Duration
	RateMax              time.Duration
	RateJitter           float64
	RateMaxAttempts      int
	RateTripCooldown     time.Duration
	TransientDelay       time.Duration
	TransientJitter      float64
	TransientMaxAttempts int
	// RatePerSec caps transport calls process-wide; negative disables it.
	RatePerSec float64
	Burst      int
}

func (c Config) withDefaults() Config {
	if c.BanCooldown <= 0 {
		c.BanCooldown = time.Hour
	}
	if c.RateBase <= 0 {
		c.RateBase = 10 * time.Second
	}
	if c.RateMax <= 0 {
		c.RateMax = 2 * time.Minute
	}
	if c.RateJitter <= 0 {
		c.RateJitter = 0.25
	}
	if c.RateMaxAttempts <= 0 {
		c.RateMaxAttempts = 5
	}
	if c.RateTripCooldown <= 0 {
		c.RateTripCooldown = 10 * time.Minute
	}
	if c.TransientDelay <= 0 {
		c.TransientDelay = 5 * time.Second
	}
	if c.TransientJitter <= 0 {
		c.TransientJitter = 0.3
	}
	if c.TransientMaxAttempts <= 0 {
		c.TransientMaxAttempts = 3
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

type Class int

const (
	ClassTransient Class = iota
	ClassRateLimit
	ClassBan
	// ClassRecipient fails one target without retry or suspension.
	ClassRecipient
)

func (c Class) String() string {
	switch c {
	case ClassBan:
		return "ban"
	case ClassRateLimit:
		return "rate_limit"
	case ClassRecipient:
		return "recipient"
	default:
		return "transient"
	}
}

var (
	banRe  = regexp.MustCompile(`(?i)blocked|not-?authorized|forbidden`)
	rateRe = regexp.MustCompile(`(?i)rate|too\s?many|limit`)
)

// Classify maps a transport error to its handling class. Status codes win
// over message matching.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, transport.ErrRecipientUnavailable) {
		return ClassRecipient
	}
	if code, _, ok := transport.StatusOf(err); ok {
		switch code {
		case 401, 403:
			return ClassBan
		case 420, 429:
			return ClassRateLimit
		}
	}
	msg := err.Error()
	if banRe.MatchString(msg) {
		return ClassBan
	}
	if rateRe.MatchString(msg) {
		return ClassRateLimit
	}
	return ClassTransient
}

// Sender is safe for concurrent use; all callers share one limiter and breaker.
type Sender struct {
	tr  transport.Messenger
	br  *breaker.Breaker
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

type Option func(*Sender)

// WithSleep replaces the backoff wait (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sender) { s.sleep = fn }
}

// WithRand replaces the jitter source; fn returns values in [0,1).
func WithRand(fn func() float64) Option {
	return func(s *Sender) { s.rand = fn }
}

func New(tr transport.Messenger, br *breaker.Breaker, cfg Config, log logx.Logger, opts ...Option) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{
		tr:    tr,
		br:    br,
		log:   log.With(logx.String("comp", "safesend")),
		sleep: Sleep,
		rand:  rand.Float64,
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the retry policy and limiter. In-flight calls keep the values
// they started with.
func (s *Sender) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	lim := rate.NewLimiter(rate.Inf, cfg.Burst)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = lim
	s.mu.Unlock()
}

func (s *Sender) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Sender) Send(ctx context.Context, to transport.Target, m transport.Media) (transport.MessageRef, error) {
	var ref transport.MessageRef
	err := s.do(ctx, "send", to, func(ctx context.Context) error {
		r, err := s.tr.Send(ctx, to, m)
		if err == nil {
			ref = r
		}
		return err
	})
	return ref, err
}

func (s *Sender) Forward(ctx context.Context, to transport.Target, ref transport.MessageRef) error {
	return s.do(ctx, "forward", to, func(ctx context.Context) error {
		return s.tr.Forward(ctx, to, ref)
	})
}

func (s *Sender) do(ctx context.Context, op string, to transport.Target, call func(context.Context) error) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		if s.br != nil && !s.br.OK() {
			st := s.br.State()
			return fmt.Errorf("%w: %s", campaignerr.ErrBreakerOpen, st.Reason)
		}
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		err := call(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		class := Classify(err)
		fields := []logx.Field{
			logx.String("op", op),
			logx.String("target", to.ID),
			logx.Int("attempt", attempt),
			logx.String("class", class.String()),
			logx.Err(err),
		}

		switch class {
		case ClassRecipient:
			s.log.Warn("recipient unavailable; skipping target", fields...)
			return err

		case ClassBan:
			s.log.Error("transport refused; suspending all sends", fields...)
			if s.br != nil {
				s.br.Trip(cfg.BanCooldown, "Account restricted: "+err.Error())
			}
			return err

		case ClassRateLimit:
			if attempt >= cfg.RateMaxAttempts {
				s.log.Error("rate limit retries exhausted", fields...)
				if s.br != nil {
					s.br.Trip(cfg.RateTripCooldown, "Rate limited: "+err.Error())
				}
				return err
			}
			_, hint, _ := transport.StatusOf(err)
			d := max(s.jitter(rateBackoff(cfg, attempt), cfg.RateJitter), hint)
			s.log.Warn("rate limited; backing off", append(fields, logx.Duration("wait", d))...)
			if err := s.sleep(ctx, d); err != nil {
				return err
			}

		default:
			if attempt >= cfg.TransientMaxAttempts {
				s.log.Warn("send failed after retries", fields...)
				return err
			}
			d := s.jitter(cfg.TransientDelay, cfg.TransientJitter)
			s.log.Debug("retry scheduled", append(fields, logx.Duration("wait", d))...)
			if err := s.sleep(ctx, d); err != nil {
				return err
			}
		}
	}
}

// rateBackoff is min(RateMax, RateBase*2^(attempt-1)).
func rateBackoff(cfg Config, attempt int) time.Duration {
	f := float64(cfg.RateBase) * math.Pow(2, float64(attempt-1))
	if f >= float64(cfg.RateMax) {
		return cfg.RateMax
	}
	return time.Duration(f)
}

// jitter spreads d by ±frac.
func (s *Sender) jitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	off := (s.rand()*2 - 1) * frac * float64(d)
	out := time.Duration(float64(d) + off)
	if out < 0 {
		return 0
	}
	return out
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
