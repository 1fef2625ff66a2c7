// Package snapshot records a point-in-time inventory of the host when a
// trace starts and then waits until every online execution unit has passed
// through an ordinary context, so that nothing a unit emits afterwards can
// predate the inventory.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"tracectl/event"
	"tracectl/logger"
	"tracectl/systeminfo"
	"tracectl/tracing"
	"tracectl/unit"

	"golang.org/x/time/rate"
)

var (
	ErrBusy              = errors.New("snapshot already running")
	ErrRendezvousTimeout = errors.New("snapshot rendezvous timed out")
)

type State int32

const (
	Idle State = iota
	Enumerating
	AwaitingRendezvous
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Enumerating:
		return "enumerating"
	case AwaitingRendezvous:
		return "awaiting_rendezvous"
	default:
		return "unknown"
	}
}

type Emitter interface {
	EmitCoreOn(u *unit.Unit, id event.ID, payload interface{}) int
}

// Facilities replays the load event of every live facility.
type Facilities interface {
	ReplayLoads(emit func(payload interface{}))
}

// Phases selects which inventories are recorded.
type Phases struct {
	Facilities      bool
	Processes       bool
	FileDescriptors bool
	MemoryMaps      bool
	Interrupts      bool
	Interfaces      bool
}

func AllPhases() Phases {
	return Phases{
		Facilities:      true,
		Processes:       true,
		FileDescriptors: true,
		MemoryMaps:      true,
		Interrupts:      true,
		Interfaces:      true,
	}
}

type Options struct {
	Pool       *unit.Pool
	Emitter    Emitter
	Facilities Facilities
	Enumerator systeminfo.Enumerator
	Phases     Phases

	// EventsPerSecond throttles enumeration; 0 disables throttling.
	EventsPerSecond float64
	Burst           int

	// RendezvousTimeout bounds the wait for probes; 0 waits forever.
	RendezvousTimeout time.Duration
}

type Result struct {
	Records  uint64
	Units    int
	Requeued int64
	Duration time.Duration
}

type rendezvous struct {
	expected atomic.Int32
	requeued atomic.Int64
	done     chan struct{}
}

type Coordinator struct {
	pool       *unit.Pool
	emitter    Emitter
	facilities Facilities
	enum       systeminfo.Enumerator
	phases     Phases
	limiter    *rate.Limiter
	timeout    time.Duration

	state    atomic.Int32
	records  atomic.Uint64
	progress atomic.Int64

	afterProbe func(unit.ID)
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		pool:       opts.Pool,
		emitter:    opts.Emitter,
		facilities: opts.Facilities,
		enum:       opts.Enumerator,
		phases:     opts.Phases,
		timeout:    opts.RendezvousTimeout,
	}
	if opts.EventsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = int(opts.EventsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.EventsPerSecond), burst)
	}
	return c
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

// Progress counts records emitted plus probes completed across all runs.
func (c *Coordinator) Progress() int64 { return c.progress.Load() }

// Run performs one snapshot. It fails with ErrBusy while another run is in
// progress.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	if !c.state.CompareAndSwap(int32(Idle), int32(Enumerating)) {
		return Result{}, ErrBusy
	}
	defer c.state.Store(int32(Idle))

	ctx, endTask := tracing.StartTask(ctx, "snapshot")
	defer endTask()

	start := time.Now()
	c.records.Store(0)

	u, err := c.homeUnit()
	if err != nil {
		return Result{}, err
	}
	logger.WithFields(map[string]interface{}{
		"unit": u.ID(),
	}).Info("Snapshot started")

	if err := c.enumerate(ctx, u); err != nil {
		return Result{}, fmt.Errorf("snapshot enumeration: %w", err)
	}

	c.state.Store(int32(AwaitingRendezvous))
	units, requeued, err := c.rendezvous(ctx)
	if err != nil {
		logger.Warnf("Snapshot rendezvous aborted: %v", err)
		return Result{Records: c.records.Load(), Units: units}, err
	}

	c.emitter.EmitCoreOn(u, event.StatedumpEnd, event.StatedumpEndPayload{
		Units:   units,
		Records: c.records.Load(),
	})

	res := Result{
		Records:  c.records.Load(),
		Units:    units,
		Requeued: requeued,
		Duration: time.Since(start),
	}
	logger.WithFields(map[string]interface{}{
		"records":  res.Records,
		"units":    res.Units,
		"requeued": res.Requeued,
		"duration": res.Duration.String(),
	}).Info("Snapshot complete")
	return res, nil
}

func (c *Coordinator) homeUnit() (*unit.Unit, error) {
	if c.pool == nil {
		return nil, unit.ErrNoUnit
	}
	online := c.pool.Online()
	if len(online) == 0 {
		return nil, unit.ErrOffline
	}
	return c.pool.Unit(online[0])
}

func (c *Coordinator) emit(ctx context.Context, u *unit.Unit, id event.ID, payload interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	c.emitter.EmitCoreOn(u, id, payload)
	c.records.Add(1)
	c.progress.Add(1)
	return nil
}

func (c *Coordinator) enumerate(ctx context.Context, u *unit.Unit) error {
	if c.phases.Facilities && c.facilities != nil {
		endRegion := tracing.StartRegion(ctx, "facilities")
		var loads []interface{}
		c.facilities.ReplayLoads(func(p interface{}) { loads = append(loads, p) })
		for _, p := range loads {
			if err := c.emit(ctx, u, event.FacilityLoad, p); err != nil {
				endRegion()
				return err
			}
		}
		endRegion()
	}

	if c.enum == nil {
		return nil
	}

	var pids []int32
	needPIDs := c.phases.FileDescriptors || c.phases.MemoryMaps
	if c.phases.Processes || needPIDs {
		endRegion := tracing.StartRegion(ctx, "processes")
		for p := range c.enum.Processes() {
			if needPIDs {
				pids = append(pids, p.PID)
			}
			if !c.phases.Processes {
				continue
			}
			if err := c.emit(ctx, u, event.ProcessState, processPayload(p)); err != nil {
				endRegion()
				return err
			}
		}
		endRegion()
	}

	if c.phases.FileDescriptors {
		endRegion := tracing.StartRegion(ctx, "file_descriptors")
		for _, pid := range pids {
			for fd := range c.enum.FileDescriptors(pid) {
				payload := event.FileDescriptorPayload{PID: fd.PID, FD: fd.FD, Path: fd.Path}
				if err := c.emit(ctx, u, event.FileDescriptor, payload); err != nil {
					endRegion()
					return err
				}
			}
		}
		endRegion()
	}

	if c.phases.MemoryMaps {
		endRegion := tracing.StartRegion(ctx, "memory_maps")
		for _, pid := range pids {
			for m := range c.enum.MemoryMaps(pid) {
				payload := event.VMMapPayload{
					PID:    m.PID,
					Start:  m.Start,
					End:    m.End,
					Flags:  m.Flags,
					Offset: m.Offset,
					Inode:  m.Inode,
				}
				if err := c.emit(ctx, u, event.VMMap, payload); err != nil {
					endRegion()
					return err
				}
			}
		}
		endRegion()
	}

	if c.phases.Interrupts {
		endRegion := tracing.StartRegion(ctx, "interrupts")
		for irq := range c.enum.Interrupts() {
			payload := event.InterruptPayload{Chip: irq.Chip, Handler: irq.Handler, IRQ: irq.IRQ}
			if err := c.emit(ctx, u, event.Interrupt, payload); err != nil {
				endRegion()
				return err
			}
		}
		endRegion()
	}

	if c.phases.Interfaces {
		endRegion := tracing.StartRegion(ctx, "interfaces")
		for iface := range c.enum.Interfaces() {
			payload := event.NetworkInterfacePayload{Name: iface.Name, Address: iface.Address, Up: iface.Up}
			if err := c.emit(ctx, u, event.NetworkInterface, payload); err != nil {
				endRegion()
				return err
			}
		}
		endRegion()
	}
	return nil
}

func processPayload(p systeminfo.Process) event.ProcessStatePayload {
	return event.ProcessStatePayload{
		PID:    p.PID,
		PPID:   p.PPID,
		Name:   p.Name,
		Type:   p.Type,
		Status: p.Status,
		TGID:   p.TGID,
	}
}

// rendezvous schedules one probe per online unit and waits for all of them.
// The expected count is stored before the first probe is queued.
func (c *Coordinator) rendezvous(ctx context.Context) (int, int64, error) {
	endRegion := tracing.StartRegion(ctx, "rendezvous")
	defer endRegion()

	rv := &rendezvous{done: make(chan struct{})}

	release := c.pool.HoldOnline()
	online := c.pool.Online()
	rv.expected.Store(int32(len(online)))
	if len(online) == 0 {
		release()
		return 0, 0, nil
	}
	probe := c.probe(rv)
	for _, id := range online {
		if err := c.pool.Schedule(id, probe); err != nil {
			release()
			return len(online), 0, fmt.Errorf("schedule probe on unit %d: %w", id, err)
		}
	}
	release()
	tracing.Log(ctx, "rendezvous", fmt.Sprintf("%d probes scheduled", len(online)))

	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-rv.done:
		return len(online), rv.requeued.Load(), nil
	case <-timeout:
		return len(online), rv.requeued.Load(), fmt.Errorf("%w after %s (%d of %d units pending)",
			ErrRendezvousTimeout, c.timeout, rv.expected.Load(), len(online))
	case <-ctx.Done():
		return len(online), rv.requeued.Load(), ctx.Err()
	}
}

// probe completes only in an ordinary context. Anywhere else it queues
// itself again behind whatever the unit is doing.
func (c *Coordinator) probe(rv *rendezvous) func(*unit.Unit) {
	var fn func(*unit.Unit)
	fn = func(u *unit.Unit) {
		if !u.Ordinary() {
			rv.requeued.Add(1)
			runtime.Gosched()
			go func() {
				if err := c.pool.Schedule(u.ID(), fn); err != nil {
					logger.Debugf("Probe on unit %d dropped: %v", u.ID(), err)
				}
			}()
			return
		}
		c.progress.Add(1)
		if c.afterProbe != nil {
			c.afterProbe(u.ID())
		}
		if rv.expected.Add(-1) == 0 {
			close(rv.done)
		}
	}
	return fn
}
