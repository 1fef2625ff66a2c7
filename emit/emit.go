// Package emit writes events to the channels of every session that accepts
// the event's facility.
package emit

import (
	"sync/atomic"

	"tracectl/event"
	"tracectl/logger"
	"tracectl/output"
	"tracectl/unit"
)

type Sessions interface {
	Channels(facility uint16) []output.Sink
}

// Clock yields the 64-bit timestamp as seen from an execution unit.
type Clock interface {
	Now(unit int) uint64
}

type Options struct {
	Sessions Sessions
	Clock    Clock
	Pool     *unit.Pool
}

type Emitter struct {
	sessions Sessions
	clock    Clock
	pool     *unit.Pool
	emitted  atomic.Uint64
	dropped  atomic.Uint64
}

func New(opts Options) *Emitter {
	return &Emitter{sessions: opts.Sessions, clock: opts.Clock, pool: opts.Pool}
}

// Emit records one event from u. It pins u for the duration so the session
// set cannot be torn down underneath it, and returns the number of
// channels that accepted the record.
func (e *Emitter) Emit(u *unit.Unit, facility uint16, id uint16, payload interface{}) int {
	if e == nil || e.sessions == nil {
		return 0
	}
	if u != nil && e.pool != nil {
		release := u.Pin(e.pool)
		defer release()
	}

	channels := e.sessions.Channels(facility)
	if len(channels) == 0 {
		return 0
	}
	data, err := output.EncodePayload(payload)
	if err != nil {
		e.dropped.Add(uint64(len(channels)))
		logger.Warnf("Dropping event %d/%d: %v", facility, id, err)
		return 0
	}

	rec := output.Record{Facility: facility, Event: id, Payload: data}
	if u != nil {
		rec.Unit = uint16(u.ID())
		if e.clock != nil {
			rec.Timestamp = e.clock.Now(int(u.ID()))
		}
	} else if e.clock != nil {
		rec.Timestamp = e.clock.Now(0)
	}

	delivered := 0
	for _, ch := range channels {
		if err := ch.Write(rec); err != nil {
			e.dropped.Add(1)
			logger.Debugf("Channel rejected event %d/%d: %v", facility, id, err)
			continue
		}
		delivered++
	}
	e.emitted.Add(uint64(delivered))
	return delivered
}

// EmitCore records a core facility event from whichever unit the pool
// hands out.
func (e *Emitter) EmitCore(id event.ID, payload interface{}) {
	if e == nil {
		return
	}
	if e.pool == nil {
		e.Emit(nil, event.CoreFacility, uint16(id), payload)
		return
	}
	u, release := e.pool.Pin()
	defer release()
	e.Emit(u, event.CoreFacility, uint16(id), payload)
}

// EmitCoreOn records a core facility event from u.
func (e *Emitter) EmitCoreOn(u *unit.Unit, id event.ID, payload interface{}) int {
	return e.Emit(u, event.CoreFacility, uint16(id), payload)
}

// Stats returns delivered and dropped record counts.
func (e *Emitter) Stats() (emitted, dropped uint64) {
	return e.emitted.Load(), e.dropped.Load()
}
