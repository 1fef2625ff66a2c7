// Package heartbeat periodically refreshes every unit's wide counter so
// that no unit misses a wrap of the narrow clock.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tracectl/clock"
	"tracectl/event"
	"tracectl/logger"
	"tracectl/unit"
)

type Emitter interface {
	EmitCoreOn(u *unit.Unit, id event.ID, payload interface{}) int
}

type Options struct {
	// Interval defaults to, and is clamped to, clock.MaxHeartbeat.
	Interval time.Duration
	Wide     *clock.Wide
	Pool     *unit.Pool
	Emitter  Emitter
}

type Broadcaster struct {
	interval time.Duration
	wide     *clock.Wide
	pool     *unit.Pool
	emitter  Emitter
	events   bool

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}

	beats       atomic.Uint64
	unavailable sync.Once
}

func New(opts Options) *Broadcaster {
	b := &Broadcaster{
		wide:    opts.Wide,
		pool:    opts.Pool,
		emitter: opts.Emitter,
		events:  emitEvents,
	}
	b.interval = clampInterval(opts.Interval, b.source())
	if b.pool != nil && b.wide != nil {
		// An offline unit misses beats; catch its counter up before it
		// can be sampled again.
		b.pool.OnOnline(func(u *unit.Unit) { b.wide.Refresh(int(u.ID())) })
	}
	return b
}

func (b *Broadcaster) source() clock.Source {
	if b.wide == nil {
		return nil
	}
	return b.wide.Source()
}

func clampInterval(d time.Duration, src clock.Source) time.Duration {
	limit := clock.MaxHeartbeat(src)
	if limit <= 0 {
		return d
	}
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

func (b *Broadcaster) Interval() time.Duration { return b.interval }

// Beats returns how many refresh broadcasts completed.
func (b *Broadcaster) Beats() uint64 { return b.beats.Load() }

// Start begins the periodic refresh. Starting a running broadcaster is a
// no-op. Without a clock source it logs once and returns
// clock.ErrClockUnavailable; timestamps then carry only the narrow value.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.source() == nil || b.pool == nil || b.interval <= 0 {
		b.unavailable.Do(func() {
			logger.Warnf("Heartbeat disabled: %v; timestamps fall back to the narrow counter", clock.ErrClockUnavailable)
		})
		return clock.ErrClockUnavailable
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopCh != nil {
		return nil
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	b.stopCh = stopCh
	b.doneCh = doneCh

	logger.WithFields(map[string]interface{}{
		"interval": b.interval.String(),
		"source":   b.source().Name(),
		"units":    b.pool.Size(),
	}).Debug("Heartbeat started")

	// Refresh once up front so a unit starts with its low word current.
	b.beat()

	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		defer close(doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				b.beat()
			}
		}
	}()
	return nil
}

// Stop halts the timer and waits for an in-flight refresh to finish.
// Stopping a stopped broadcaster is a no-op.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopCh == nil {
		return
	}
	close(b.stopCh)
	<-b.doneCh
	b.stopCh = nil
	b.doneCh = nil
	logger.Debug("Heartbeat stopped")
}

func (b *Broadcaster) beat() {
	err := b.pool.Broadcast(func(u *unit.Unit) {
		b.wide.Refresh(int(u.ID()))
		if b.events && b.emitter != nil {
			b.emitter.EmitCoreOn(u, event.Heartbeat, event.HeartbeatPayload{Unit: uint16(u.ID())})
		}
	})
	if err != nil {
		logger.Debugf("Heartbeat broadcast skipped: %v", err)
		return
	}
	b.beats.Add(1)
}
