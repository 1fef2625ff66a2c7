package clock

import "sync/atomic"

type epochPair struct {
	high atomic.Uint32
	low  atomic.Uint32
}

// WideCounter extends a 32-bit tick counter to 64 bits for one execution
// unit. Refresh must only be called by the owning unit; Sample may be
// called from anywhere.
type WideCounter struct {
	buf [2]epochPair
	sel atomic.Uint32
}

// Sample returns the 64-bit value for narrow without mutating state.
func (c *WideCounter) Sample(narrow uint32) uint64 {
	return c.SampleWith(func() uint32 { return narrow })
}

// SampleWith copies the selected epoch and only then calls read for the
// narrow value. The narrow read must not precede the copy: a wrap published
// in between would pair a pre-wrap value with the next epoch.
func (c *WideCounter) SampleWith(read func() uint32) uint64 {
	cur := &c.buf[c.sel.Load()&1]
	high := cur.high.Load()
	low := cur.low.Load()
	narrow := read()
	if narrow < low {
		high++
	}
	return uint64(high)<<32 | uint64(narrow)
}

// Refresh records narrow as the latest observation. A strict decrease is a
// wrap: the next epoch is written to the idle buffer, then published by
// flipping the selector.
func (c *WideCounter) Refresh(narrow uint32) {
	s := c.sel.Load() & 1
	cur := &c.buf[s]
	if narrow < cur.low.Load() {
		next := &c.buf[s^1]
		next.high.Store(cur.high.Load() + 1)
		next.low.Store(narrow)
		c.sel.Store(s ^ 1)
		return
	}
	cur.low.Store(narrow)
}

// Epoch returns the high word and last observed low word.
func (c *WideCounter) Epoch() (high, low uint32) {
	cur := &c.buf[c.sel.Load()&1]
	return cur.high.Load(), cur.low.Load()
}

// Counters is the per-unit arena of wide counters.
type Counters struct {
	units []WideCounter
}

func NewCounters(n int) *Counters {
	if n < 1 {
		n = 1
	}
	return &Counters{units: make([]WideCounter, n)}
}

func (c *Counters) Len() int { return len(c.units) }

// Unit returns the counter for unit id, or nil when id is out of range.
func (c *Counters) Unit(id int) *WideCounter {
	if id < 0 || id >= len(c.units) {
		return nil
	}
	return &c.units[id]
}

// Wide binds a narrow source to a counter arena.
type Wide struct {
	src      Source
	counters *Counters
}

// NewWide builds a wide clock. A nil source yields zero timestamps.
func NewWide(src Source, counters *Counters) *Wide {
	return &Wide{src: src, counters: counters}
}

func (w *Wide) Source() Source { return w.src }

func (w *Wide) Counters() *Counters { return w.counters }

// Now samples unit id's counter at the current narrow value.
func (w *Wide) Now(id int) uint64 {
	if w == nil || w.src == nil {
		return 0
	}
	c := w.counters.Unit(id)
	if c == nil {
		return uint64(w.src.Now())
	}
	return c.SampleWith(w.src.Now)
}

// Refresh updates unit id's counter from the source. Only the owning unit
// may call it.
func (w *Wide) Refresh(id int) {
	if w == nil || w.src == nil {
		return
	}
	if c := w.counters.Unit(id); c != nil {
		c.Refresh(w.src.Now())
	}
}
