package deepstream

import (
	"context"
	"log/slog"
)

// Transport is the wire-level dependency the Connection drives. A
// concrete implementation (see transport/dswebsocket) owns the actual
// socket; Connection only ever sees framed messages in and out.
//
// Implementations must deliver Receive values from a single goroutine
// and must not call back into Connection directly — Connection pulls
// from Receive instead, so all protocol state stays single-threaded.
type Transport interface {
	// Connect dials url and blocks until the transport is ready to send
	// and receive, or ctx is done, or dialing fails.
	Connect(ctx context.Context, url string) error

	// Send writes one already-framed message (as produced by
	// MessageBuilder.Build) to the wire.
	Send(ctx context.Context, frame []byte) error

	// Receive delivers raw frames as they arrive, and is closed when the
	// transport is closed for any reason (explicit Close, server close,
	// network error). A receive error is reported via TransportEvent.Err;
	// the channel is closed after the final event.
	Receive() <-chan TransportEvent

	// Close tears down the underlying connection. Safe to call more than
	// once.
	Close() error
}

// TransportEvent is one item off a Transport's Receive channel: either a
// raw frame or a terminal error, never both.
type TransportEvent struct {
	Frame []byte
	Err   error
}

// ErrorHandler receives asynchronous errors the Connection cannot return
// directly to a caller — a dropped reconnect, a malformed frame from the
// server, a rejected resend. Implementations must not block.
type ErrorHandler interface {
	HandleError(err error)
}

// LogErrorHandler adapts an ErrorHandler onto log/slog, the teacher's
// logging library of choice. It is the default handler used when a
// Client is constructed without one.
type LogErrorHandler struct {
	Logger *slog.Logger
}

// NewLogErrorHandler builds a LogErrorHandler; a nil logger falls back to
// slog.Default().
func NewLogErrorHandler(logger *slog.Logger) *LogErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogErrorHandler{Logger: logger}
}

func (h *LogErrorHandler) HandleError(err error) {
	h.Logger.Error("deepstream client error", "error", err)
}
