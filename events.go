package stream

import (
	"github.com/rs/zerolog/log"
)

// EventType classifies connection events.
type EventType int

const (
	// EventConnect fires once when the first rate probe succeeds (or,
	// on a server, when the peer's address is learned).
	EventConnect EventType = iota
	// EventStream fires when the peer opens a new stream.
	EventStream
	// EventEnd fires after a graceful close has drained all streams.
	EventEnd
	// EventClose fires exactly once when the connection is finished,
	// gracefully or not.
	EventClose
	// EventError fires at most once, before EventClose, when the
	// connection dies with an error.
	EventError
)

// String returns a human-readable representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventStream:
		return "stream"
	case EventEnd:
		return "end"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one entry on the connection's event channel. Stream is set
// for EventStream, Err for EventError.
type Event struct {
	Type   EventType
	Stream *Stream
	Err    error
}

// eventBufferSize bounds the event channel. Emission never blocks the
// connection owner; overflow drops the event with a warning.
const eventBufferSize = 32

// emitEvent delivers an event without blocking. Callers hold the
// connection mutex, which orders emissions against the channel close.
func (c *Connection) emitEvent(ev Event) {
	if c.eventsDone {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Warn().
			Stringer("event", ev.Type).
			Msg("event channel full, dropping event")
	}
}

// Events returns the channel on which connection events are delivered.
// The channel is closed after EventClose.
func (c *Connection) Events() <-chan Event {
	return c.events
}
