//go:build heartbeat_events

package heartbeat

// Built with heartbeat_events, every refresh also records a heartbeat event
// on each unit.
const emitEvents = true
