// Package session keeps the set of live trace sessions.
//
// The set is published copy-on-write. Readers load it while pinned on an
// execution unit; Stop unpublishes a session and then waits for a grace
// period so that no emitter still holds a reference to its channel.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tracectl/logger"
	"tracectl/output"

	"github.com/google/uuid"
)

var ErrUnknownSession = errors.New("unknown trace session")

// Synchronizer waits for all readers pinned before the call to finish.
type Synchronizer interface {
	Synchronize()
}

type Session struct {
	ID      string
	Name    string
	Started time.Time
	Channel output.Sink

	// nil means every facility.
	facilities map[uint16]struct{}
}

// Accepts reports whether events of the facility are recorded by s.
func (s *Session) Accepts(facility uint16) bool {
	if s.facilities == nil {
		return true
	}
	_, ok := s.facilities[facility]
	return ok
}

type Registry struct {
	mu       sync.Mutex
	sessions atomic.Pointer[[]*Session]
	sync     Synchronizer
	onEmpty  []func()
	nowFn    func() time.Time
}

func New(s Synchronizer) *Registry {
	r := &Registry{sync: s, nowFn: time.Now}
	empty := []*Session{}
	r.sessions.Store(&empty)
	return r
}

// OnEmpty registers fn to run after the last session has been stopped and
// its grace period has elapsed.
func (r *Registry) OnEmpty(fn func()) {
	r.mu.Lock()
	r.onEmpty = append(r.onEmpty, fn)
	r.mu.Unlock()
}

// Start publishes a new session writing to ch. With no facilities the
// session accepts all of them.
func (r *Registry) Start(name string, ch output.Sink, facilities ...uint16) (*Session, error) {
	if ch == nil {
		return nil, fmt.Errorf("session %q: nil channel", name)
	}
	s := &Session{
		ID:      uuid.NewString(),
		Name:    name,
		Started: r.nowFn(),
		Channel: ch,
	}
	if len(facilities) > 0 {
		s.facilities = make(map[uint16]struct{}, len(facilities))
		for _, f := range facilities {
			s.facilities[f] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.sessions.Load()
	next := make([]*Session, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, s)
	r.sessions.Store(&next)

	logger.WithFields(map[string]interface{}{
		"session": s.ID,
		"name":    name,
	}).Info("Trace session started")
	return s, nil
}

// Stop unpublishes the session and waits until in-flight emitters are done
// with it. The caller owns the channel and closes it afterwards.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.sessions.Load()
	idx := -1
	for i, s := range cur {
		if s.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	next := make([]*Session, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	r.sessions.Store(&next)

	if r.sync != nil {
		r.sync.Synchronize()
	}
	logger.WithFields(map[string]interface{}{
		"session": id,
		"name":    cur[idx].Name,
	}).Info("Trace session stopped")

	if len(next) == 0 {
		for _, fn := range r.onEmpty {
			fn()
		}
	}
	return nil
}

// StopAll stops every session in start order.
func (r *Registry) StopAll() error {
	var errs []error
	for _, s := range *r.sessions.Load() {
		if err := r.Stop(s.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Active() bool {
	return len(*r.sessions.Load()) > 0
}

func (r *Registry) Len() int {
	return len(*r.sessions.Load())
}

func (r *Registry) Lookup(id string) (*Session, bool) {
	for _, s := range *r.sessions.Load() {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Channels returns the channels of the sessions accepting facility.
// Callers on the emission path must be pinned.
func (r *Registry) Channels(facility uint16) []output.Sink {
	cur := *r.sessions.Load()
	var out []output.Sink
	for _, s := range cur {
		if s.Accepts(facility) {
			out = append(out, s.Channel)
		}
	}
	return out
}

// Each calls fn for every live session until fn returns false.
func (r *Registry) Each(fn func(*Session) bool) {
	for _, s := range *r.sessions.Load() {
		if !fn(s) {
			return
		}
	}
}
