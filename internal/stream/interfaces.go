package stream

import "github.com/rs/zerolog"

// ReadyState mirrors the lifecycle of a client connection.
type ReadyState int32

const (
	StateOpen ReadyState = iota
	StateClosing
	StateClosed
)

// ClientConnection is the duplex connection abstraction the broker writes to.
// Send must not block the caller indefinitely: implementations queue outbound
// bytes and report the backlog via BufferedBytes, which is the slow-consumer
// signal the backpressure policy keys off.
type ClientConnection interface {
	// ID is stable for the life of this connection.
	ID() string
	// Send serialises and queues msg. It returns false when the connection
	// is no longer usable; the broker treats that as connection loss.
	Send(msg any) bool
	// BufferedBytes is the number of outbound bytes not yet handed to the peer.
	BufferedBytes() int
	ReadyState() ReadyState
	Close(code int, reason string)
}

// RegistryListener receives terminal events from a Registry. Events may arrive
// on arbitrary goroutines; the broker does its own synchronisation.
type RegistryListener interface {
	// OnTerminalOutput delivers a chunk of UTF-8 terminal output.
	OnTerminalOutput(terminalID, data string)
	// OnTerminalExit signals that the terminal process ended.
	OnTerminalExit(terminalID string)
}

// RegistryAttachment is the handle returned by a successful registry attach.
type RegistryAttachment interface {
	// BufferSnapshot returns terminal output that predates broker wiring,
	// if the registry kept any.
	BufferSnapshot() (string, bool)
}

// Registry is the source of terminal events the broker consumes.
type Registry interface {
	Subscribe(l RegistryListener) (cancel func())
	// Attach registers interest of connectionID in terminalID. suppressOutput
	// asks the registry not to deliver output to the connection itself; the
	// broker owns delivery. Returns false when the registry refuses.
	Attach(terminalID, connectionID string, suppressOutput bool) (RegistryAttachment, bool)
	Detach(terminalID, connectionID string) bool
}

// Performance events recorded through the EventSink.
const (
	EventReplayHit         = "terminal_stream_replay_hit"
	EventReplayMiss        = "terminal_stream_replay_miss"
	EventGap               = "terminal_stream_gap"
	EventQueuePressure     = "terminal_stream_queue_pressure"
	EventCatastrophicClose = "terminal_stream_catastrophic_close"
	EventRingTruncated     = "terminal_stream_ring_truncated"
)

// EventSink records structured performance events. Implementations are
// expected to be cheap and non-blocking; the broker calls it from hot paths.
type EventSink interface {
	Record(event string, level zerolog.Level, fields map[string]any)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(string, zerolog.Level, map[string]any) {}
