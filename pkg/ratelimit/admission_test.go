package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)}
}

func TestHourlyLimitWithRollover(t *testing.T) {
	clock := newClock()
	a := NewAdmitter(NewMemoryStore(), 0, time.Minute, WithClock(clock.Now))
	ctx := context.Background()
	limits := Limits{CampaignID: 1, Hourly: 2}

	for i := 0; i < 2; i++ {
		d, err := a.Admit(ctx, limits)
		require.NoError(t, err)
		assert.True(t, d.Admitted)
	}

	d, err := a.Admit(ctx, limits)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, DeniedHourly, d.Reason)
	assert.Equal(t, time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC), d.RetryAt)

	clock.Advance(31 * time.Minute)
	d, err = a.Admit(ctx, limits)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestDailyLimit(t *testing.T) {
	clock := newClock()
	store := NewMemoryStore()
	a := NewAdmitter(store, 0, time.Minute, WithClock(clock.Now))
	ctx := context.Background()
	limits := Limits{CampaignID: 7, Hourly: 10, Daily: 3}

	for i := 0; i < 3; i++ {
		d, _ := a.Admit(ctx, limits)
		require.True(t, d.Admitted)
		clock.Advance(time.Hour)
	}

	d, err := a.Admit(ctx, limits)
	require.NoError(t, err)
	assert.Equal(t, DeniedDaily, d.Reason)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), d.RetryAt)

	// Denied sends are not counted.
	assert.Equal(t, 3, store.Snapshot(7).DailyCount)

	clock.now = time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC)
	d, _ = a.Admit(ctx, limits)
	assert.True(t, d.Admitted)
	assert.Equal(t, 1, store.Snapshot(7).DailyCount)
}

func TestBurstCheckedFirst(t *testing.T) {
	clock := newClock()
	store := NewMemoryStore()
	a := NewAdmitter(store, 2, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	d1, _ := a.Admit(ctx, Limits{CampaignID: 1})
	clock.Advance(10 * time.Second)
	d2, _ := a.Admit(ctx, Limits{CampaignID: 2})
	require.True(t, d1.Admitted)
	require.True(t, d2.Admitted)

	d, err := a.Admit(ctx, Limits{CampaignID: 3, Hourly: 1})
	require.NoError(t, err)
	assert.Equal(t, DeniedBurst, d.Reason)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 31, 0, 0, time.UTC), d.RetryAt)
	assert.Equal(t, 0, store.Snapshot(3).HourlyCount)

	clock.Advance(50 * time.Second)
	assert.Equal(t, 1, a.InFlight())
	d, _ = a.Admit(ctx, Limits{CampaignID: 3, Hourly: 1})
	assert.True(t, d.Admitted)
}

func TestUnlimitedCampaign(t *testing.T) {
	a := NewAdmitter(NewMemoryStore(), 0, time.Minute)
	for i := 0; i < 100; i++ {
		d, err := a.Admit(context.Background(), Limits{CampaignID: 1})
		require.NoError(t, err)
		require.True(t, d.Admitted)
	}
}

func TestConcurrentAdmissionNeverOvershoots(t *testing.T) {
	store := NewMemoryStore()
	a := NewAdmitter(store, 0, time.Minute)
	limits := Limits{CampaignID: 1, Hourly: 10}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := a.Admit(context.Background(), limits)
			if err == nil && d.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted)
	assert.Equal(t, 10, store.Snapshot(1).HourlyCount)
}

type failingStore struct{}

func (failingStore) TryIncrement(context.Context, Limits, time.Time) (Decision, error) {
	return Decision{}, errors.New("db down")
}

func TestStoreErrorDoesNotConsumeBurst(t *testing.T) {
	a := NewAdmitter(failingStore{}, 1, time.Minute)

	_, err := a.Admit(context.Background(), Limits{CampaignID: 1})
	assert.Error(t, err)
	assert.Equal(t, 0, a.InFlight())
}

// gatedStore blocks campaign 1 until released and admits the rest.
type gatedStore struct {
	entered chan struct{}
	release chan struct{}
	inner   CounterStore
}

func (g *gatedStore) TryIncrement(ctx context.Context, limits Limits, now time.Time) (Decision, error) {
	if limits.CampaignID == 1 {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.inner.TryIncrement(ctx, limits, now)
}

func TestSlowStoreDoesNotBlockOtherSends(t *testing.T) {
	store := &gatedStore{entered: make(chan struct{}), release: make(chan struct{}), inner: NewMemoryStore()}
	a := NewAdmitter(store, 2, time.Minute)
	ctx := context.Background()

	done := make(chan Decision)
	go func() {
		d, _ := a.Admit(ctx, Limits{CampaignID: 1})
		done <- d
	}()
	<-store.entered
	assert.Equal(t, 1, a.InFlight(), "slot reserved while the store is asked")

	d, err := a.Admit(ctx, Limits{CampaignID: 2})
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	d, err = a.Admit(ctx, Limits{CampaignID: 3})
	require.NoError(t, err)
	assert.Equal(t, DeniedBurst, d.Reason)

	close(store.release)
	assert.True(t, (<-done).Admitted)
	assert.Equal(t, 2, a.InFlight())
}

func TestStoreDenialReturnsBurstSlot(t *testing.T) {
	clock := newClock()
	a := NewAdmitter(NewMemoryStore(), 2, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	d, err := a.Admit(ctx, Limits{CampaignID: 1, Hourly: 1})
	require.NoError(t, err)
	require.True(t, d.Admitted)

	d, err = a.Admit(ctx, Limits{CampaignID: 1, Hourly: 1})
	require.NoError(t, err)
	assert.Equal(t, DeniedHourly, d.Reason)
	assert.Equal(t, 1, a.InFlight())

	d, err = a.Admit(ctx, Limits{CampaignID: 2})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestBoundaries(t *testing.T) {
	at := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), NextHour(at))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), NextDay(at))
}

func TestMultiLimiterLazyCreation(t *testing.T) {
	m := NewMultiLimiter(0, 1)
	for i := 0; i < 5; i++ {
		assert.True(t, m.Allow("acct-1"))
	}

	m.AddLimiter("acct-2", 1, 1)
	assert.True(t, m.Allow("acct-2"))
	assert.False(t, m.Allow("acct-2"))
	assert.NoError(t, m.Wait(context.Background(), "acct-3"))
}
