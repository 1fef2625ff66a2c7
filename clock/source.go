// Package clock provides the narrow tick source and the per-unit wide
// counters that extend it to 64 bits.
package clock

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
	"time"
)

// ErrClockUnavailable is returned when no usable narrow counter exists.
var ErrClockUnavailable = errors.New("clock source unavailable")

// Source supplies the narrow hardware tick value and its nominal rate.
type Source interface {
	Now() uint32
	Rate() uint64
	Name() string
}

const nanosPerSecond = 1_000_000_000

// Open returns the named source ticking at rate Hz.
func Open(name string, rate uint64) (Source, error) {
	if rate == 0 {
		return nil, fmt.Errorf("%w: zero tick rate", ErrClockUnavailable)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "monotonic":
		m, err := newMonotonic(rate)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "none":
		return nil, ErrClockUnavailable
	default:
		return nil, fmt.Errorf("%w: unknown source %q", ErrClockUnavailable, name)
	}
}

// WrapPeriod is how long the 32-bit counter takes to wrap at its nominal rate.
func WrapPeriod(src Source) time.Duration {
	if src == nil {
		return 0
	}
	return WrapPeriodForRate(src.Rate())
}

// WrapPeriodForRate is WrapPeriod for a counter ticking at rate Hz.
func WrapPeriodForRate(rate uint64) time.Duration {
	if rate == 0 {
		return 0
	}
	hi, lo := bits.Mul64(1<<32, nanosPerSecond)
	q, _ := bits.Div64(hi, lo, rate)
	if q > uint64(1<<63-1) {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(q)
}

// MaxHeartbeat is the longest refresh period that still observes at most
// one wrap per period.
func MaxHeartbeat(src Source) time.Duration {
	return WrapPeriod(src) / 2
}

// scale converts elapsed nanoseconds to ticks at rate Hz, truncated to the
// narrow width.
func scale(ns uint64, rate uint64) uint32 {
	if rate == nanosPerSecond {
		return uint32(ns)
	}
	hi, lo := bits.Mul64(ns, rate)
	q, _ := bits.Div64(hi%nanosPerSecond, lo, nanosPerSecond)
	return uint32(q)
}

type monotonic struct {
	rate  uint64
	base  uint64
	nowNs func() (uint64, error)
}

func newMonotonic(rate uint64) (*monotonic, error) {
	read, err := monotonicReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClockUnavailable, err)
	}
	base, err := read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClockUnavailable, err)
	}
	return &monotonic{rate: rate, base: base, nowNs: read}, nil
}

func (m *monotonic) Now() uint32 {
	ns, err := m.nowNs()
	if err != nil {
		return 0
	}
	return scale(ns-m.base, m.rate)
}

func (m *monotonic) Rate() uint64 { return m.rate }

func (m *monotonic) Name() string { return "monotonic" }

// Manual is a source whose value is set explicitly.
type Manual struct {
	value atomic.Uint32
	rate  uint64
}

func NewManual(rate uint64) *Manual {
	return &Manual{rate: rate}
}

func (m *Manual) Set(v uint32) { m.value.Store(v) }

// Advance moves the counter forward by n ticks, wrapping at 32 bits.
func (m *Manual) Advance(n uint32) uint32 { return m.value.Add(n) }

func (m *Manual) Now() uint32 { return m.value.Load() }

func (m *Manual) Rate() uint64 { return m.rate }

func (m *Manual) Name() string { return "manual" }
