package gateway

// Conn is one long-lived, full-duplex channel to one client. The websocket
// package provides the production implementation; tests substitute fakes.
// Emit must be safe for concurrent use: broadcasts and handler replies can
// race on the same connection.
type Conn interface {
	// ID returns the process-unique connection identifier.
	ID() string
	// Emit sends a named event with a JSON-encodable payload to this
	// connection only.
	Emit(event string, data any) error
	// Close tears down the connection.
	Close() error
}
