// Package unit models the execution units the tracer fans work out to.
//
// Each unit is a long-lived goroutine with two inboxes: a synchronous
// broadcast inbox that runs callbacks in interrupt context, and a deferred
// work queue that runs callbacks in ordinary task context. Per-unit state
// lives in a fixed arena indexed by ID, so callers never rely on
// goroutine-local storage.
package unit

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ID is the stable index of an execution unit inside a Pool.
type ID uint16

// Context describes what kind of code a unit is currently running.
type Context int32

const (
	ContextIdle Context = iota
	ContextTask
	ContextInterrupt
)

func (c Context) String() string {
	switch c {
	case ContextIdle:
		return "idle"
	case ContextTask:
		return "task"
	case ContextInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

var (
	ErrClosed  = errors.New("unit pool closed")
	ErrOffline = errors.New("execution unit offline")
	ErrNoUnit  = errors.New("no such execution unit")
	ErrStopped = errors.New("unit pool not started")
)

const workQueueDepth = 256

type broadcastReq struct {
	fn func(*Unit)
	wg *sync.WaitGroup
}

// Unit is one execution unit. Its exported methods are safe to call from
// any goroutine.
type Unit struct {
	id     ID
	online atomic.Bool
	ctx    atomic.Int32

	// preempt counts active pins; a pinned unit is not in an ordinary
	// scheduling-safe context.
	preempt atomic.Int32
	// readers are the two grace-period slots used by Pool.Synchronize.
	readers [2]atomic.Int32

	irq  chan broadcastReq
	work chan func(*Unit)
}

func (u *Unit) ID() ID { return u.id }

func (u *Unit) Online() bool { return u.online.Load() }

func (u *Unit) Context() Context { return Context(u.ctx.Load()) }

// Ordinary reports whether the unit is running deferred task work with no
// pin held, the only context in which a rendezvous probe may complete.
func (u *Unit) Ordinary() bool {
	return u.Context() == ContextTask && u.preempt.Load() == 0
}

// Pool owns a fixed arena of units.
type Pool struct {
	units []*Unit

	epoch  atomic.Uint32
	next   atomic.Uint32
	syncMu sync.Mutex

	running atomic.Bool

	// hotplug is held for writing by SetOnline.
	hotplug sync.RWMutex

	mu       sync.Mutex
	onOnline func(*Unit)
	started  bool
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a pool of n units, all online. n is clamped to at least one.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		units:  make([]*Unit, n),
		stopCh: make(chan struct{}),
	}
	for i := range p.units {
		u := &Unit{
			id:   ID(i),
			irq:  make(chan broadcastReq),
			work: make(chan func(*Unit), workQueueDepth),
		}
		u.online.Store(true)
		p.units[i] = u
	}
	return p
}

// Size returns the arena size, online or not.
func (p *Pool) Size() int { return len(p.units) }

// Unit returns the unit with the given id.
func (p *Pool) Unit(id ID) (*Unit, error) {
	if int(id) >= len(p.units) {
		return nil, ErrNoUnit
	}
	return p.units[id], nil
}

// Start launches one goroutine per unit. Starting twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	p.running.Store(true)
	for _, u := range p.units {
		p.wg.Add(1)
		go p.run(u)
	}
}

// Close stops every unit goroutine and waits for them to exit. Queued
// deferred work that has not started is dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.running.Store(false)
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) run(u *Unit) {
	defer p.wg.Done()
	for {
		// Pending broadcasts always win over deferred work.
		select {
		case req := <-u.irq:
			p.interrupt(u, req)
			continue
		default:
		}

		select {
		case <-p.stopCh:
			return
		case req := <-u.irq:
			p.interrupt(u, req)
		case fn := <-u.work:
			u.ctx.Store(int32(ContextTask))
			fn(u)
			u.ctx.Store(int32(ContextIdle))
		}
	}
}

func (p *Pool) interrupt(u *Unit, req broadcastReq) {
	prev := u.ctx.Swap(int32(ContextInterrupt))
	req.fn(u)
	u.ctx.Store(prev)
	req.wg.Done()
}

// SetOnline marks a unit online or offline. Offline units are skipped by
// Broadcast and reject Schedule. A unit coming back online first runs the
// OnOnline hook in interrupt context on its own goroutine.
func (p *Pool) SetOnline(id ID, online bool) error {
	u, err := p.Unit(id)
	if err != nil {
		return err
	}
	p.hotplug.Lock()
	defer p.hotplug.Unlock()
	if online && !u.online.Load() {
		if err := p.runOnline(u); err != nil {
			return err
		}
	}
	u.online.Store(online)
	return nil
}

// OnOnline sets the hook run when an offline unit is brought back online.
func (p *Pool) OnOnline(fn func(*Unit)) {
	p.mu.Lock()
	p.onOnline = fn
	p.mu.Unlock()
}

func (p *Pool) runOnline(u *Unit) error {
	p.mu.Lock()
	fn := p.onOnline
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	if !p.running.Load() {
		// No goroutine owns the unit yet.
		fn(u)
		return nil
	}
	var wg sync.WaitGroup
	wg.Add(1)
	select {
	case u.irq <- broadcastReq{fn: fn, wg: &wg}:
	case <-p.stopCh:
		return ErrClosed
	}
	wg.Wait()
	return nil
}

// HoldOnline keeps the online set fixed until the returned func is called.
func (p *Pool) HoldOnline() func() {
	p.hotplug.RLock()
	return p.hotplug.RUnlock
}

// Online returns the ids of the units online at the moment of the call.
func (p *Pool) Online() []ID {
	ids := make([]ID, 0, len(p.units))
	for _, u := range p.units {
		if u.online.Load() {
			ids = append(ids, u.id)
		}
	}
	return ids
}

// Broadcast runs fn on every online unit in interrupt context and returns
// once all of them have finished. It must not be called from a unit
// goroutine.
func (p *Pool) Broadcast(fn func(*Unit)) error {
	if !p.running.Load() {
		return ErrStopped
	}
	var wg sync.WaitGroup
	for _, u := range p.units {
		if !u.online.Load() {
			continue
		}
		wg.Add(1)
		select {
		case u.irq <- broadcastReq{fn: fn, wg: &wg}:
		case <-p.stopCh:
			wg.Done()
			wg.Wait()
			return ErrClosed
		}
	}
	wg.Wait()
	return nil
}

// Schedule queues fn to run on unit id in task context.
func (p *Pool) Schedule(id ID, fn func(*Unit)) error {
	u, err := p.Unit(id)
	if err != nil {
		return err
	}
	if !u.online.Load() {
		return ErrOffline
	}
	select {
	case <-p.stopCh:
		return ErrClosed
	default:
	}
	select {
	case u.work <- fn:
		return nil
	case <-p.stopCh:
		return ErrClosed
	}
}
