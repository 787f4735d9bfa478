// Package admission gates connection and re-authentication attempts by
// source address. Each address gets a lazily-created record with two
// independent windowed counters (general attempts and expired-token
// attempts), a per-trust-class cooldown and ceiling for each, and a
// separate concurrent connection ceiling checked at transport accept.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/haroon-sajid/teamapp-gateway/pkg/config"
)

// Reason codes carried on rejection notices.
const (
	ReasonRateLimited     = "rate_limit_exceeded"
	ReasonConnectionLimit = "connection_limit_exceeded"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

func allowed() Decision { return Decision{Allowed: true} }

func denied(reason string, retryAfter time.Duration) Decision {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// record tracks one source address. Both attempt counters share the record
// but never consume each other's budget.
type record struct {
	count         int
	windowStart   time.Time
	lastAttemptAt time.Time

	expiredCount       int
	expiredWindowStart time.Time
	lastExpiredAt      time.Time

	activeConns int
	lastSeen    time.Time
	trusted     bool
}

// Controller owns all admission records. Time comes from an injected clock
// so window and cooldown arithmetic is testable without sleeping.
type Controller struct {
	mu      sync.Mutex
	records map[string]*record

	cfg    config.AdmissionConfig
	clk    clock.Clock
	logger *slog.Logger
}

func NewController(logger *slog.Logger, cfg config.AdmissionConfig, clk clock.Clock) *Controller {
	return &Controller{
		records: make(map[string]*record),
		cfg:     cfg,
		clk:     clk,
		logger:  logger.With(slog.String("component", "admission")),
	}
}

func (c *Controller) getRecord(addr string, trusted bool) *record {
	rec, ok := c.records[addr]
	if !ok {
		now := c.clk.Now()
		rec = &record{windowStart: now, expiredWindowStart: now, trusted: trusted}
		c.records[addr] = rec
	}
	rec.lastSeen = c.clk.Now()
	return rec
}

func tierFor(cfg config.CounterConfig, trusted bool) config.TierConfig {
	if trusted {
		return cfg.Trusted
	}
	return cfg.Untrusted
}

// AdmitGeneral evaluates a normal (valid-credential or non-expiry failure)
// attempt from addr.
func (c *Controller) AdmitGeneral(addr string, trusted bool) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.getRecord(addr, trusted)
	now := c.clk.Now()
	window := c.cfg.General.Window
	tier := tierFor(c.cfg.General, trusted)

	if now.Sub(rec.windowStart) > window {
		rec.count = 0
		rec.windowStart = now
	}
	if tier.Ceiling > 0 && rec.count >= tier.Ceiling {
		retry := rec.windowStart.Add(window).Sub(now)
		c.logger.Warn("General admission ceiling reached", slog.String("addr", addr), slog.Int("count", rec.count))
		return denied(ReasonRateLimited, retry)
	}
	if tier.Cooldown > 0 && !rec.lastAttemptAt.IsZero() && now.Sub(rec.lastAttemptAt) < tier.Cooldown {
		return denied(ReasonRateLimited, tier.Cooldown-now.Sub(rec.lastAttemptAt))
	}

	rec.count++
	rec.lastAttemptAt = now
	return allowed()
}

// AdmitExpired evaluates an expired-token re-authentication attempt. This
// path has its own counter so a burst of routine token-expiry reconnects
// cannot exhaust the general budget, and vice versa.
func (c *Controller) AdmitExpired(addr string, trusted bool) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.getRecord(addr, trusted)
	now := c.clk.Now()
	window := c.cfg.Expired.Window
	tier := tierFor(c.cfg.Expired, trusted)

	if now.Sub(rec.expiredWindowStart) > window {
		rec.expiredCount = 0
		rec.expiredWindowStart = now
	}
	if tier.Ceiling > 0 && rec.expiredCount >= tier.Ceiling {
		retry := rec.expiredWindowStart.Add(window).Sub(now)
		c.logger.Warn("Expired-token admission ceiling reached", slog.String("addr", addr), slog.Int("count", rec.expiredCount))
		return denied(ReasonRateLimited, retry)
	}
	if tier.Cooldown > 0 && !rec.lastExpiredAt.IsZero() && now.Sub(rec.lastExpiredAt) < tier.Cooldown {
		return denied(ReasonRateLimited, tier.Cooldown-now.Sub(rec.lastExpiredAt))
	}

	rec.expiredCount++
	rec.lastExpiredAt = now
	return allowed()
}

// AcquireSlot enforces the concurrent connection ceiling for addr. It is
// checked once at transport accept, before any authentication attempt, and
// does not consume attempt-rate budget.
func (c *Controller) AcquireSlot(addr string, trusted bool) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.getRecord(addr, trusted)
	limit := c.cfg.MaxConns.Untrusted
	if trusted {
		limit = c.cfg.MaxConns.Trusted
	}
	if limit > 0 && rec.activeConns >= limit {
		c.logger.Warn("Concurrent connection ceiling reached", slog.String("addr", addr), slog.Int("active", rec.activeConns))
		return denied(ReasonConnectionLimit, time.Second)
	}
	rec.activeConns++
	return allowed()
}

// ReleaseSlot returns a concurrent connection slot for addr.
func (c *Controller) ReleaseSlot(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[addr]
	if !ok {
		return
	}
	if rec.activeConns > 0 {
		rec.activeConns--
	}
	rec.lastSeen = c.clk.Now()
}

// RewardCleanClose decrements the general attempt counter for addr, never
// below zero. Clean disconnects give budget back so multi-device users who
// reconnect politely are not punished.
func (c *Controller) RewardCleanClose(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[addr]
	if !ok {
		return
	}
	if rec.count > 0 {
		rec.count--
	}
	rec.lastSeen = c.clk.Now()
}

// Run evicts records idle beyond twice the larger window until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	every := c.cfg.ReclaimEvery
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := c.clk.Ticker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reclaim()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) reclaim() {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxWindow := c.cfg.General.Window
	if c.cfg.Expired.Window > maxWindow {
		maxWindow = c.cfg.Expired.Window
	}
	cutoff := c.clk.Now().Add(-2 * maxWindow)

	removed := 0
	for addr, rec := range c.records {
		if rec.activeConns == 0 && rec.lastSeen.Before(cutoff) {
			delete(c.records, addr)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Reclaimed idle admission records", slog.Int("removed", removed), slog.Int("remaining", len(c.records)))
	}
}

// RecordCount reports the number of live admission records.
func (c *Controller) RecordCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
