// Package governor tracks one extraction provider's quota and health and
// advises wait durations. It is advisory: no method fails, callers decide
// what to do with the advice. A single governor instance is injected into
// every worker so independent pipelines can run side by side with separate
// provider state.
package governor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dinedex/enricher/internal/extract"
)

type Config struct {
	// TargetFraction paces requests to this fraction of the advertised
	// remaining quota rather than 100%, absorbing clock skew and header lag.
	TargetFraction float64

	// CooldownBase seeds the exponential 429 cooldown; CooldownCap bounds it.
	CooldownBase time.Duration
	CooldownCap  time.Duration

	// SteadyRPS is a flat request-per-second floor under the quota-aware
	// layer. <=0 disables it.
	SteadyRPS float64
}

func (c Config) withDefaults() Config {
	if c.TargetFraction <= 0 || c.TargetFraction > 1 {
		c.TargetFraction = 0.75
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 2 * time.Second
	}
	if c.CooldownCap <= 0 {
		c.CooldownCap = 5 * time.Minute
	}
	return c
}

// State is a snapshot of provider health for logging and tests.
type State struct {
	Remaining      int
	HasRemaining   bool
	ResetAt        time.Time
	Consecutive429 int
	Cooldowns      int
	UnhealthyUntil time.Time
}

// Governor holds per-provider throttling state.
type Governor struct {
	cfg     Config
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time

	mu             sync.Mutex
	remaining      int
	hasRemaining   bool
	resetAt        time.Time
	consecutive429 int
	cooldowns      int
	unhealthyUntil time.Time

	// sleepUntil is the shared wake-up deadline for GlobalSleep, so
	// concurrent workers coalesce on one pause instead of retrying in
	// lockstep.
	sleepUntil time.Time
}

func New(cfg Config, log *zap.Logger) *Governor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	g := &Governor{
		cfg: cfg,
		log: log,
		now: time.Now,
	}
	if cfg.SteadyRPS > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.SteadyRPS), 1)
	}
	return g
}

// RecordResponseHeaders updates remaining-quota/reset-time from the last
// successful response.
func (g *Governor) RecordResponseHeaders(q extract.QuotaInfo) {
	if !q.HasRemaining {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = q.Remaining
	g.hasRemaining = true
	if !q.ResetAt.IsZero() {
		g.resetAt = q.ResetAt
	}
}

// ShouldWaitBeforeCall returns how long the caller should pause before
// issuing a call of the given estimated cost, zero when the call fits the
// paced budget. The budget is TargetFraction of the advertised remaining
// quota; when exceeded the advice is to wait for the quota reset.
func (g *Governor) ShouldWaitBeforeCall(estimatedCost int) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasRemaining {
		return 0
	}
	usable := float64(g.remaining) * g.cfg.TargetFraction
	if float64(estimatedCost) <= usable {
		return 0
	}
	if g.resetAt.IsZero() {
		return 0
	}
	wait := g.resetAt.Sub(g.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// IsHealthy reports whether calls to the provider may be issued.
func (g *Governor) IsHealthy() bool {
	return g.HealthyDelay() == 0
}

// HealthyDelay returns the remaining cooldown, zero when healthy.
func (g *Governor) HealthyDelay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.unhealthyUntil.Sub(g.now())
	if d < 0 {
		return 0
	}
	return d
}

// Record429 escalates the provider cooldown after a quota rejection and
// returns the cooldown the caller should honor:
// max(provider retry-after, base*2^attempt), capped. The unhealthy window
// never shrinks from a concurrent worker's shorter advice.
func (g *Governor) Record429(retryAfter time.Duration, attempt int) time.Duration {
	cooldown := g.cfg.CooldownBase
	for i := 0; i < attempt && cooldown < g.cfg.CooldownCap; i++ {
		cooldown *= 2
	}
	if retryAfter > cooldown {
		cooldown = retryAfter
	}
	if cooldown > g.cfg.CooldownCap {
		cooldown = g.cfg.CooldownCap
	}

	g.mu.Lock()
	g.consecutive429++
	g.cooldowns++
	consecutive := g.consecutive429
	until := g.now().Add(cooldown)
	if until.After(g.unhealthyUntil) {
		g.unhealthyUntil = until
	}
	g.mu.Unlock()

	g.log.Warn("provider quota exceeded, cooling down",
		zap.Duration("cooldown", cooldown),
		zap.Int("attempt", attempt),
		zap.Int("consecutive429", consecutive),
	)
	return cooldown
}

// RecordSuccess resets the consecutive-failure counter. An active cooldown
// is left to expire on its own so one lucky response cannot cause
// thrashing.
func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutive429 = 0
}

// GlobalSleep pauses for d through a single shared gate: concurrent callers
// extend or join the current pause rather than stacking independent timers.
// Returns early only on context cancellation.
func (g *Governor) GlobalSleep(ctx context.Context, d time.Duration, reason string) error {
	if d <= 0 {
		return ctx.Err()
	}
	g.mu.Lock()
	target := g.now().Add(d)
	if target.After(g.sleepUntil) {
		g.sleepUntil = target
	} else {
		target = g.sleepUntil
	}
	g.mu.Unlock()

	wait := target.Sub(g.now())
	if wait <= 0 {
		return ctx.Err()
	}
	g.log.Debug("governor sleep", zap.Duration("wait", wait), zap.String("reason", reason))
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until the provider is healthy, the quota budget admits a
// call of the given estimated cost, and the steady-rate floor has a token.
func (g *Governor) Acquire(ctx context.Context, estimatedCost int) error {
	for {
		if d := g.HealthyDelay(); d > 0 {
			if err := g.GlobalSleep(ctx, d, "cooldown"); err != nil {
				return err
			}
			continue
		}
		if d := g.ShouldWaitBeforeCall(estimatedCost); d > 0 {
			if err := g.GlobalSleep(ctx, d, "quota pacing"); err != nil {
				return err
			}
			continue
		}
		break
	}
	if g.limiter != nil {
		return g.limiter.Wait(ctx)
	}
	return ctx.Err()
}

// Snapshot returns the current provider state.
func (g *Governor) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Remaining:      g.remaining,
		HasRemaining:   g.hasRemaining,
		ResetAt:        g.resetAt,
		Consecutive429: g.consecutive429,
		Cooldowns:      g.cooldowns,
		UnhealthyUntil: g.unhealthyUntil,
	}
}
