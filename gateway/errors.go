package gateway

import (
	"errors"
	"log"

	"github.com/MininduBimsara/SocketSphere/metrics"
)

// Handler error taxonomy. Every handler failure is converted into an error
// event to the originating connection; none of them crash the connection or
// the process, and none of them are broadcast.
var (
	// ErrInvalidPayload marks missing or malformed required fields.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrNotJoined marks an action requiring presence before a successful join.
	ErrNotJoined = errors.New("not joined")
	// ErrUpstreamUnavailable marks an unreachable shared store, bus, or
	// durable store where degradation was not possible.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrNotFound marks a failed lookup by identifier.
	ErrNotFound = errors.New("not found")
)

// ErrorPayload is the wire shape of the error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return "INVALID_PAYLOAD"
	case errors.Is(err, ErrNotJoined):
		return "NOT_JOINED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// sendError reports a handler failure to the originating connection only.
func (g *Gateway) sendError(conn Conn, err error) {
	code := errorCode(err)
	metrics.EventErrors.WithLabelValues(code).Inc()
	log.Printf("Handler error on connection %s: %v", conn.ID(), err)
	if emitErr := conn.Emit(EventError, ErrorPayload{Code: code, Message: err.Error()}); emitErr != nil {
		log.Printf("Failed to send error event to %s: %v", conn.ID(), emitErr)
	}
}
