package unit

import (
	"runtime"
	"time"
)

// Pin marks u as non-preemptible and enters a read-side section that
// Pool.Synchronize waits for. The returned func releases both.
func (u *Unit) Pin(p *Pool) func() {
	idx := p.epoch.Load() & 1
	u.preempt.Add(1)
	u.readers[idx].Add(1)
	return func() {
		u.readers[idx].Add(-1)
		u.preempt.Add(-1)
	}
}

// Pin picks a unit round-robin and pins it.
func (p *Pool) Pin() (*Unit, func()) {
	n := p.next.Add(1) - 1
	u := p.units[int(n)%len(p.units)]
	return u, u.Pin(p)
}

// Synchronize returns after every pin taken before the call has been
// released. Data unpublished before Synchronize is therefore no longer
// referenced by any pinned reader when it returns.
func (p *Pool) Synchronize() {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	// Flip twice: a reader that sampled the epoch just before the first
	// flip may still land in the slot the first wait already drained.
	for range 2 {
		old := p.epoch.Add(1) - 1
		p.drain(old & 1)
	}
}

func (p *Pool) drain(idx uint32) {
	backoff := time.Microsecond
	for p.readersIn(idx) != 0 {
		runtime.Gosched()
		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

func (p *Pool) readersIn(idx uint32) int32 {
	var total int32
	for _, u := range p.units {
		total += u.readers[idx].Load()
	}
	return total
}
