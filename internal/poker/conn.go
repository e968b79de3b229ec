package poker

// Conn is one live client connection as seen by the coordination core.
// The transport layer owns the underlying socket; the core only needs to
// identify a connection, queue outbound events on it, and skip it once it
// is no longer open.
type Conn interface {
	// ID returns a stable identifier for logging.
	ID() string

	// Send queues an event for delivery. It must not block: a transport
	// that cannot keep up is expected to close the connection and let the
	// disconnect path clean it up.
	Send(event any)

	// IsOpen reports whether the connection can still receive events.
	IsOpen() bool
}
