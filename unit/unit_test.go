package unit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastRunsOnEveryOnlineUnit(t *testing.T) {
	p := New(4)
	p.Start()
	defer p.Close()
	require.NoError(t, p.SetOnline(2, false))

	var mu sync.Mutex
	seen := map[ID]Context{}
	err := p.Broadcast(func(u *Unit) {
		mu.Lock()
		seen[u.ID()] = u.Context()
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Len(t, seen, 3)
	assert.NotContains(t, seen, ID(2))
	for id, ctx := range seen {
		assert.Equal(t, ContextInterrupt, ctx, "unit %d", id)
	}
}

func TestBroadcastBeforeStart(t *testing.T) {
	p := New(2)
	defer p.Close()
	assert.ErrorIs(t, p.Broadcast(func(*Unit) {}), ErrStopped)
}

func TestScheduleRunsInTaskContext(t *testing.T) {
	p := New(2)
	p.Start()
	defer p.Close()

	done := make(chan Context, 1)
	require.NoError(t, p.Schedule(1, func(u *Unit) {
		done <- u.Context()
	}))
	select {
	case ctx := <-done:
		assert.Equal(t, ContextTask, ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled work did not run")
	}

	require.NoError(t, p.SetOnline(0, false))
	assert.ErrorIs(t, p.Schedule(0, func(*Unit) {}), ErrOffline)
	assert.ErrorIs(t, p.Schedule(9, func(*Unit) {}), ErrNoUnit)
}

func TestScheduleAfterClose(t *testing.T) {
	p := New(1)
	p.Start()
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Schedule(0, func(*Unit) {}), ErrClosed)
}

func TestOrdinaryFalseWhilePinned(t *testing.T) {
	p := New(1)
	p.Start()
	defer p.Close()

	u, release := p.Pin()
	result := make(chan bool, 1)
	require.NoError(t, p.Schedule(u.ID(), func(u *Unit) { result <- u.Ordinary() }))
	assert.False(t, <-result)
	release()

	require.NoError(t, p.Schedule(u.ID(), func(u *Unit) { result <- u.Ordinary() }))
	assert.True(t, <-result)
}

func TestSynchronizeWaitsForPinnedReaders(t *testing.T) {
	p := New(2)

	_, release := p.Pin()
	var returned atomic.Bool
	go func() {
		p.Synchronize()
		returned.Store(true)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, returned.Load(), "synchronize returned while a reader was pinned")

	release()
	require.Eventually(t, returned.Load, 2*time.Second, time.Millisecond)

	_, again := p.Pin()
	again()
	p.Synchronize()
}

func TestNewClampsSize(t *testing.T) {
	p := New(0)
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, []ID{0}, p.Online())
}

func TestSetOnlineRunsHookOnReturningUnit(t *testing.T) {
	p := New(2)
	p.Start()
	defer p.Close()

	var mu sync.Mutex
	var calls []Context
	p.OnOnline(func(u *Unit) {
		mu.Lock()
		calls = append(calls, u.Context())
		mu.Unlock()
		assert.False(t, u.Online(), "hook runs before the unit is visible online")
	})

	require.NoError(t, p.SetOnline(1, true))
	require.NoError(t, p.SetOnline(1, false))
	require.NoError(t, p.SetOnline(1, true))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Context{ContextInterrupt}, calls, "only an offline to online transition runs the hook")
	assert.Equal(t, []ID{0, 1}, p.Online())
}

func TestSetOnlineHookBeforeStart(t *testing.T) {
	p := New(1)
	defer p.Close()
	require.NoError(t, p.SetOnline(0, false))

	var ran atomic.Bool
	p.OnOnline(func(*Unit) { ran.Store(true) })
	require.NoError(t, p.SetOnline(0, true))
	assert.True(t, ran.Load())
}
