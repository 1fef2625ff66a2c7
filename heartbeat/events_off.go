//go:build !heartbeat_events

package heartbeat

const emitEvents = false
