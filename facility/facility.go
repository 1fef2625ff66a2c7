// Package facility implements the fixed-capacity facility table.
//
// A facility is a named group of event definitions identified by a checksum.
// The table maps definitions to small integer ids with linear probing from
// checksum mod capacity. Id 0 is reserved for the core facility.
//
// Reference counts follow an offset-by-one convention: a populated slot
// holds one reference for "defined" plus one per claim. A count of 1 means
// defined but unclaimed; the slot is only cleared to 0 once no trace
// session is active, because emission may still be in flight.
package facility

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"tracectl/event"
	"tracectl/hasher"
	"tracectl/logger"
	"tracectl/unit"
)

const (
	// NameMax bounds facility names in bytes.
	NameMax           = 32
	DefaultCapacity   = 256
	DefaultUserPrefix = "user_"
)

var (
	ErrNoFreeSlot    = errors.New("facility table full")
	ErrNotRegistered = errors.New("facility not registered")
	ErrInvalidName   = errors.New("invalid facility name")
	ErrCoreMismatch  = errors.New("core facility definition mismatch")
)

// ID is a facility table index.
type ID uint16

type Kind uint8

const (
	Core Kind = iota
	Kernel
	User
)

func (k Kind) String() string {
	switch k {
	case Core:
		return "core"
	case Kernel:
		return "kernel"
	case User:
		return "user"
	default:
		return "unknown"
	}
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "core":
		return Core, nil
	case "kernel", "":
		return Kernel, nil
	case "user":
		return User, nil
	default:
		return 0, fmt.Errorf("unknown facility kind %q", s)
	}
}

// Layout records the type widths the emitting code was built with.
type Layout struct {
	IntSize     uint8
	LongSize    uint8
	PointerSize uint8
	SizeTSize   uint8
	Alignment   uint8
}

// NativeLayout describes the running binary.
func NativeLayout() Layout {
	ptr := uint8(unsafe.Sizeof(uintptr(0)))
	long := ptr
	if runtime.GOOS == "windows" {
		long = 4
	}
	return Layout{
		IntSize:     4,
		LongSize:    long,
		PointerSize: ptr,
		SizeTSize:   ptr,
		Alignment:   uint8(unsafe.Alignof(uint64(0))),
	}
}

// Definition is everything that must match for two facilities to be the same.
type Definition struct {
	Kind       Kind
	Name       string
	EventCount uint32
	Checksum   uint32
	Layout     Layout
}

func (d Definition) isCore() bool {
	return d.Kind == Core && d.Name == event.CoreName
}

// CoreDefinition is the definition of the always-present core facility.
func CoreDefinition() Definition {
	return Definition{
		Kind:       Core,
		Name:       event.CoreName,
		EventCount: event.CoreEventCount,
		Checksum:   hasher.FacilityChecksum(event.CoreName, event.CoreDescriptors()...),
		Layout:     NativeLayout(),
	}
}

// Sessions reports whether any trace session exists.
type Sessions interface {
	Active() bool
}

// Pinner keeps the session table from being torn down while pinned.
type Pinner interface {
	Pin() (*unit.Unit, func())
}

// Emitter sends core facility events to active sessions.
type Emitter interface {
	EmitCore(id event.ID, payload interface{})
}

type slot struct {
	def  atomic.Pointer[Definition]
	refs atomic.Int32
}

type Options struct {
	Capacity   int
	UserPrefix string
	Sessions   Sessions
	Pinner     Pinner
	Emitter    Emitter
}

// Registry is the facility table. All mutation happens under one mutex.
type Registry struct {
	mu         sync.Mutex
	slots      []slot
	userPrefix string
	sessions   Sessions
	pinner     Pinner
	emitter    Emitter
}

func New(opts Options) *Registry {
	capacity := opts.Capacity
	if capacity < 2 {
		capacity = DefaultCapacity
	}
	prefix := opts.UserPrefix
	if prefix == "" {
		prefix = DefaultUserPrefix
	}
	return &Registry{
		slots:      make([]slot, capacity),
		userPrefix: prefix,
		sessions:   opts.Sessions,
		pinner:     opts.Pinner,
		emitter:    opts.Emitter,
	}
}

func (r *Registry) Capacity() int { return len(r.slots) }

func validName(name string) bool {
	return name != "" && len(name) <= NameMax
}

// Register assigns an id to def. Callers are expected to have tried Verify
// first; an identical live definition found on the probe path is shared
// rather than duplicated.
func (r *Registry) Register(def Definition) (ID, error) {
	if !validName(def.Name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if def.isCore() {
		s := &r.slots[0]
		if s.refs.Load() == 0 {
			r.populateLocked(0, def)
			return 0, nil
		}
		if cur := s.def.Load(); cur == nil || *cur != def {
			return 0, ErrCoreMismatch
		}
		s.refs.Add(1)
		return 0, nil
	}

	capacity := len(r.slots)
	start := int(def.Checksum % uint32(capacity))
	free := -1
	for i := 0; i < capacity; i++ {
		id := (start + i) % capacity
		if id == 0 {
			continue
		}
		s := &r.slots[id]
		if s.refs.Load() == 0 {
			if free < 0 {
				free = id
			}
			continue
		}
		if cur := s.def.Load(); cur != nil && *cur == def {
			s.refs.Add(1)
			return ID(id), nil
		}
	}
	if free < 0 {
		return 0, fmt.Errorf("%w: %s (checksum %#08x)", ErrNoFreeSlot, def.Name, def.Checksum)
	}
	r.populateLocked(free, def)
	return ID(free), nil
}

func (r *Registry) populateLocked(id int, def Definition) {
	d := def
	s := &r.slots[id]
	s.def.Store(&d)
	s.refs.Store(2)
	logger.Debugf("Facility %s loaded as id %d", def.Name, id)
	if r.emitter != nil {
		r.emitter.EmitCore(event.FacilityLoad, loadPayload(ID(id), d))
	}
}

func (r *Registry) clearLocked(id int) {
	s := &r.slots[id]
	s.refs.Store(0)
	def := s.def.Swap(nil)
	name := ""
	if def != nil {
		name = def.Name
	}
	logger.Debugf("Facility %s (id %d) unloaded", name, id)
	if r.emitter != nil {
		r.emitter.EmitCore(event.FacilityUnload, event.FacilityUnloadPayload{ID: uint16(id), Name: name})
	}
}

func loadPayload(id ID, d Definition) event.FacilityLoadPayload {
	return event.FacilityLoadPayload{
		ID:          uint16(id),
		Name:        d.Name,
		Kind:        d.Kind.String(),
		Checksum:    d.Checksum,
		EventCount:  d.EventCount,
		IntSize:     d.Layout.IntSize,
		LongSize:    d.Layout.LongSize,
		PointerSize: d.Layout.PointerSize,
		SizeTSize:   d.Layout.SizeTSize,
		Alignment:   d.Layout.Alignment,
	}
}

// Verify looks up a live slot matching def field for field. It never
// allocates; ok is false when the caller must Register.
func (r *Registry) Verify(def Definition) (id ID, ok bool) {
	if def.Kind == User && !strings.HasPrefix(def.Name, r.userPrefix) {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if def.isCore() {
		s := &r.slots[0]
		if s.refs.Load() > 0 {
			if cur := s.def.Load(); cur != nil && *cur == def {
				return 0, true
			}
		}
		return 0, false
	}

	capacity := len(r.slots)
	start := int(def.Checksum % uint32(capacity))
	for i := 0; i < capacity; i++ {
		idx := (start + i) % capacity
		if idx == 0 {
			continue
		}
		s := &r.slots[idx]
		if s.refs.Load() == 0 {
			continue
		}
		if cur := s.def.Load(); cur != nil && *cur == def {
			return ID(idx), true
		}
	}
	return 0, false
}

// Ref adds a claim to an id that is already known to be live.
func (r *Registry) Ref(id ID) {
	if int(id) >= len(r.slots) {
		return
	}
	r.mu.Lock()
	r.slots[id].refs.Add(1)
	r.mu.Unlock()
}

// Unregister gives back one claim. The slot is physically freed only when
// that leaves it defined-but-unclaimed and no session exists; otherwise it
// waits for FreeUnused. The core slot is never freed: its claims drop to
// defined-but-unclaimed and stop there.
func (r *Registry) Unregister(id ID) error {
	if int(id) >= len(r.slots) {
		return fmt.Errorf("%w: id %d out of range", ErrNotRegistered, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.slots[id]
	if id == 0 {
		if s.refs.Load() <= 1 {
			return fmt.Errorf("%w: core facility has no claim to release", ErrNotRegistered)
		}
		s.refs.Add(-1)
		return nil
	}
	if s.refs.Load() == 0 {
		return fmt.Errorf("%w: id %d", ErrNotRegistered, id)
	}
	s.refs.Add(-1)

	release := func() {}
	if r.pinner != nil {
		_, release = r.pinner.Pin()
	}
	active := r.sessions != nil && r.sessions.Active()
	if !active && s.refs.Load() == 1 {
		r.clearLocked(int(id))
	}
	release()
	return nil
}

// FreeUnused clears every non-core slot that is defined but unclaimed. It
// must only run once no trace session remains.
func (r *Registry) FreeUnused() {
	r.mu.Lock()
	defer r.mu.Unlock()
	freed := 0
	for id := 1; id < len(r.slots); id++ {
		if r.slots[id].refs.Load() == 1 {
			r.clearLocked(id)
			freed++
		}
	}
	if freed > 0 {
		logger.Debugf("Freed %d unused facilities", freed)
	}
}

// UserAccessOK reports whether id names a populated non-core facility.
// It takes no lock.
func (r *Registry) UserAccessOK(id ID) bool {
	if int(id) >= len(r.slots) {
		return false
	}
	s := &r.slots[id]
	if s.refs.Load() == 0 {
		return false
	}
	def := s.def.Load()
	return def != nil && def.Kind != Core
}

// Lookup returns the definition of a live slot without locking.
func (r *Registry) Lookup(id ID) (Definition, bool) {
	if int(id) >= len(r.slots) {
		return Definition{}, false
	}
	s := &r.slots[id]
	if s.refs.Load() == 0 {
		return Definition{}, false
	}
	def := s.def.Load()
	if def == nil {
		return Definition{}, false
	}
	return *def, true
}

// RefCount returns the current reference count of id.
func (r *Registry) RefCount(id ID) int32 {
	if int(id) >= len(r.slots) {
		return 0
	}
	return r.slots[id].refs.Load()
}

// Replay calls fn for every live facility in id order while holding the
// table lock.
func (r *Registry) Replay(fn func(ID, Definition)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.slots {
		s := &r.slots[id]
		if s.refs.Load() == 0 {
			continue
		}
		if def := s.def.Load(); def != nil {
			fn(ID(id), *def)
		}
	}
}

// ReplayLoads re-emits a facility_load event for every live facility.
func (r *Registry) ReplayLoads(emit func(payload interface{})) {
	r.Replay(func(id ID, def Definition) {
		emit(loadPayload(id, def))
	})
}
