package emit

import (
	"errors"
	"sync"
	"testing"

	"tracectl/clock"
	"tracectl/event"
	"tracectl/output"
	"tracectl/session"
	"tracectl/unit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu      sync.Mutex
	records []output.Record
	err     error
}

func (m *memSink) Write(rec output.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memSink) Close() error { return nil }

func newEmitter(t *testing.T) (*Emitter, *session.Registry, *unit.Pool, *clock.Manual) {
	t.Helper()
	pool := unit.New(2)
	src := clock.NewManual(1_000_000)
	wide := clock.NewWide(src, clock.NewCounters(pool.Size()))
	sessions := session.New(pool)
	return New(Options{Sessions: sessions, Clock: wide, Pool: pool}), sessions, pool, src
}

func TestEmitWithoutSessions(t *testing.T) {
	e, _, pool, _ := newEmitter(t)
	u, err := pool.Unit(0)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Emit(u, 0, 1, nil))
	emitted, dropped := e.Stats()
	assert.Zero(t, emitted)
	assert.Zero(t, dropped)
}

func TestEmitStampsUnitAndTimestamp(t *testing.T) {
	e, sessions, pool, src := newEmitter(t)
	sink := &memSink{}
	_, err := sessions.Start("t", sink)
	require.NoError(t, err)

	src.Set(1234)
	u, err := pool.Unit(1)
	require.NoError(t, err)
	n := e.EmitCoreOn(u, event.Heartbeat, event.HeartbeatPayload{Unit: 1})
	assert.Equal(t, 1, n)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, event.CoreFacility, rec.Facility)
	assert.Equal(t, uint16(event.Heartbeat), rec.Event)
	assert.Equal(t, uint16(1), rec.Unit)
	assert.Equal(t, uint64(1234), rec.Timestamp)
	assert.JSONEq(t, `{"unit":1}`, string(rec.Payload))
}

func TestEmitFiltersByFacility(t *testing.T) {
	e, sessions, pool, _ := newEmitter(t)
	all := &memSink{}
	only := &memSink{}
	_, err := sessions.Start("all", all)
	require.NoError(t, err)
	_, err = sessions.Start("only", only, 5)
	require.NoError(t, err)

	u, _ := pool.Unit(0)
	assert.Equal(t, 1, e.Emit(u, 4, 0, []byte(`{}`)))
	assert.Equal(t, 2, e.Emit(u, 5, 0, []byte(`{}`)))
	assert.Len(t, all.records, 2)
	assert.Len(t, only.records, 1)
}

func TestEmitCountsDrops(t *testing.T) {
	e, sessions, _, _ := newEmitter(t)
	_, err := sessions.Start("bad", &memSink{err: errors.New("full")})
	require.NoError(t, err)
	good := &memSink{}
	_, err = sessions.Start("good", good)
	require.NoError(t, err)

	e.EmitCore(event.FacilityUnload, event.FacilityUnloadPayload{ID: 3, Name: "x"})
	emitted, dropped := e.Stats()
	assert.Equal(t, uint64(1), emitted)
	assert.Equal(t, uint64(1), dropped)
	assert.Len(t, good.records, 1)

	e.EmitCore(event.FacilityUnload, func() {})
	_, dropped = e.Stats()
	assert.Equal(t, uint64(3), dropped)
}

func TestNilEmitter(t *testing.T) {
	var e *Emitter
	e.EmitCore(event.Heartbeat, nil)
	assert.Equal(t, 0, e.Emit(nil, 0, 0, nil))
}
