package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"tracectl/clock"
	"tracectl/event"
	"tracectl/unit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmitter struct {
	mu    sync.Mutex
	units map[unit.ID]int
}

func (c *countingEmitter) EmitCoreOn(u *unit.Unit, id event.ID, payload interface{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == event.Heartbeat {
		c.units[u.ID()]++
	}
	return 1
}

func setup(t *testing.T, units int) (*unit.Pool, *clock.Manual, *clock.Wide) {
	t.Helper()
	pool := unit.New(units)
	pool.Start()
	t.Cleanup(pool.Close)
	src := clock.NewManual(1_000_000)
	return pool, src, clock.NewWide(src, clock.NewCounters(units))
}

func TestIntervalClampedToHalfWrap(t *testing.T) {
	_, src, wide := setup(t, 1)
	limit := clock.MaxHeartbeat(src)

	assert.Equal(t, limit, New(Options{Wide: wide}).Interval())
	assert.Equal(t, limit, New(Options{Wide: wide, Interval: 10 * limit}).Interval())
	assert.Equal(t, time.Second, New(Options{Wide: wide, Interval: time.Second}).Interval())
}

func TestBeatRefreshesEveryOnlineUnit(t *testing.T) {
	pool, src, wide := setup(t, 3)
	require.NoError(t, pool.SetOnline(2, false))
	b := New(Options{Wide: wide, Pool: pool})

	src.Set(0xFFFF_FF00)
	b.beat()
	src.Set(0x10)
	b.beat()

	for _, id := range []int{0, 1} {
		high, low := wide.Counters().Unit(id).Epoch()
		assert.Equal(t, uint32(1), high, "unit %d", id)
		assert.Equal(t, uint32(0x10), low, "unit %d", id)
		assert.Equal(t, uint64(1)<<32|0x10, wide.Now(id))
	}
	high, _ := wide.Counters().Unit(2).Epoch()
	assert.Equal(t, uint32(0), high, "offline unit must not be refreshed")
	assert.Equal(t, uint64(2), b.Beats())
}

func TestReturningUnitRefreshedBeforeOnline(t *testing.T) {
	pool, src, wide := setup(t, 3)
	New(Options{Wide: wide, Pool: pool})

	src.Set(0xFFFF_FF00)
	wide.Refresh(2)
	require.NoError(t, pool.SetOnline(2, false))

	src.Set(0x10)
	require.NoError(t, pool.SetOnline(2, true))
	high, low := wide.Counters().Unit(2).Epoch()
	assert.Equal(t, uint32(1), high)
	assert.Equal(t, uint32(0x10), low)
}

func TestBeatEmitsHeartbeatsWhenEnabled(t *testing.T) {
	pool, _, wide := setup(t, 2)
	em := &countingEmitter{units: map[unit.ID]int{}}
	b := New(Options{Wide: wide, Pool: pool, Emitter: em})
	b.events = true

	b.beat()
	assert.Equal(t, map[unit.ID]int{0: 1, 1: 1}, em.units)

	b.events = false
	b.beat()
	assert.Equal(t, map[unit.ID]int{0: 1, 1: 1}, em.units)
}

func TestStartStopIdempotent(t *testing.T) {
	pool, _, wide := setup(t, 2)
	b := New(Options{Wide: wide, Pool: pool, Interval: 2 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.Eventually(t, func() bool { return b.Beats() >= 3 }, 2*time.Second, time.Millisecond)

	b.Stop()
	b.Stop()
	after := b.Beats()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, b.Beats())

	require.NoError(t, b.Start(ctx))
	b.Stop()
}

func TestStartWithoutSourceDegrades(t *testing.T) {
	pool, _, _ := setup(t, 1)
	wide := clock.NewWide(nil, clock.NewCounters(1))
	b := New(Options{Wide: wide, Pool: pool})

	assert.ErrorIs(t, b.Start(context.Background()), clock.ErrClockUnavailable)
	assert.ErrorIs(t, b.Start(context.Background()), clock.ErrClockUnavailable)
	b.Stop()
	assert.Equal(t, uint64(0), wide.Now(0))
}
