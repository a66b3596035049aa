package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DenyReason names the limit that refused a send.
type DenyReason string

const (
	DeniedBurst  DenyReason = "burst"
	DeniedHourly DenyReason = "hourly"
	DeniedDaily  DenyReason = "daily"
)

// Limits are the per-campaign send caps. Zero means unlimited.
type Limits struct {
	CampaignID uint
	Hourly     int
	Daily      int
}

// Decision is the outcome of an admission check. RetryAt is set when the
// send was denied and tells the caller when the refusing window reopens.
type Decision struct {
	Admitted bool
	Reason   DenyReason
	RetryAt  time.Time
}

// Admit is the decision returned for an admitted send.
func Admit() Decision { return Decision{Admitted: true} }

// Deny builds a denied decision.
func Deny(reason DenyReason, retryAt time.Time) Decision {
	return Decision{Reason: reason, RetryAt: retryAt}
}

// CounterStore holds the hourly and daily campaign counters. TryIncrement
// must check hourly then daily and increment both only when both have room,
// as one atomic step. Rollover is lazy, decided by comparing now with the
// stored reset times.
type CounterStore interface {
	TryIncrement(ctx context.Context, limits Limits, now time.Time) (Decision, error)
}

// Admitter gates every outbound send. It checks a process-wide sliding burst
// window first, then the campaign's hourly and daily counters.
type Admitter struct {
	store  CounterStore
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	sent []time.Time
}

// AdmitterOption configures an Admitter.
type AdmitterOption func(*Admitter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) AdmitterOption {
	return func(a *Admitter) { a.now = now }
}

// NewAdmitter creates an admitter. A burstLimit of zero disables the burst
// window.
func NewAdmitter(store CounterStore, burstLimit int, burstWindow time.Duration, opts ...AdmitterOption) *Admitter {
	a := &Admitter{
		store:  store,
		limit:  burstLimit,
		window: burstWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Admit decides whether one message for the campaign may go out now. An
// admitted decision has already been counted against all three limits.
//
// The burst slot is reserved before the store is asked and handed back when
// the store refuses, so the lock is never held across the store round trip.
func (a *Admitter) Admit(ctx context.Context, limits Limits) (Decision, error) {
	now, d, ok := a.reserve()
	if !ok {
		return d, nil
	}

	d, err := a.store.TryIncrement(ctx, limits, now)
	if err != nil || !d.Admitted {
		a.release(now)
	}
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// reserve takes a burst slot at the current time. It reports false with a
// burst denial when the window is full.
func (a *Admitter) reserve() (time.Time, Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	if a.limit <= 0 {
		return now, Decision{}, true
	}
	a.prune(now)
	if len(a.sent) >= a.limit {
		return now, Deny(DeniedBurst, a.sent[0].Add(a.window)), false
	}
	a.sent = append(a.sent, now)
	return now, Decision{}, true
}

// release hands back a slot taken by reserve. Slots with equal times are
// interchangeable, so the latest one matching at goes.
func (a *Admitter) release(at time.Time) {
	if a.limit <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.sent) - 1; i >= 0; i-- {
		if a.sent[i].Equal(at) {
			a.sent = append(a.sent[:i], a.sent[i+1:]...)
			return
		}
	}
}

// InFlight returns the number of sends inside the current burst window.
func (a *Admitter) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(a.now().UTC())
	return len(a.sent)
}

func (a *Admitter) prune(now time.Time) {
	i := 0
	for i < len(a.sent) && !a.sent[i].Add(a.window).After(now) {
		i++
	}
	if i > 0 {
		a.sent = append(a.sent[:0], a.sent[i:]...)
	}
}

// NextHour returns the start of the UTC hour after t.
func NextHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

// NextDay returns UTC midnight after t.
func NextDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// Window computes the counter state after lazy rollover. It is shared by the
// stores so they agree on reset semantics.
type Window struct {
	HourlyCount int
	DailyCount  int
	HourResetAt time.Time
	DayResetAt  time.Time
}

// Roll zeroes any counter whose reset time has passed and moves its reset
// time to the next boundary.
func (w *Window) Roll(now time.Time) {
	if w.HourResetAt.IsZero() || !now.Before(w.HourResetAt) {
		w.HourlyCount = 0
		w.HourResetAt = NextHour(now)
	}
	if w.DayResetAt.IsZero() || !now.Before(w.DayResetAt) {
		w.DailyCount = 0
		w.DayResetAt = NextDay(now)
	}
}

// Take checks hourly then daily and increments both when admitted.
func (w *Window) Take(limits Limits) Decision {
	if limits.Hourly > 0 && w.HourlyCount >= limits.Hourly {
		return Deny(DeniedHourly, w.HourResetAt)
	}
	if limits.Daily > 0 && w.DailyCount >= limits.Daily {
		return Deny(DeniedDaily, w.DayResetAt)
	}
	w.HourlyCount++
	w.DailyCount++
	return Admit()
}
