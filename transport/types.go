package transport

import (
	"context"
	"errors"
	"net/http"
)

// WebSocket close codes used by the connection layer. CloseNormal marks an
// intentional disconnect and must not trigger reconnection; any other code is
// treated as abnormal.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

var (
	// ErrNotOpen indicates a write or close on a transport that has no
	// active channel.
	ErrNotOpen = errors.New("transport not open")
	// ErrAlreadyOpen indicates Open was called on a live transport.
	ErrAlreadyOpen = errors.New("transport already open")
	// ErrUnknownFrame indicates a frame with an unrecognized type tag.
	ErrUnknownFrame = errors.New("unknown frame type")
)

// MessageHandler processes a raw inbound frame.
type MessageHandler func(data []byte)

// CloseHandler is invoked once when the channel closes, with the close code
// and a human-readable reason.
type CloseHandler func(code int, reason string)

// Transport is the bidirectional byte channel the messaging core runs over.
// Implementations must be safe for concurrent Write calls and must invoke the
// registered handlers from a single goroutine in frame arrival order.
type Transport interface {
	// Open establishes the channel. The context bounds the handshake;
	// cancelling it aborts a connect in progress.
	Open(ctx context.Context, url string, header http.Header) error

	// Write sends one frame. Returns ErrNotOpen if the channel is down.
	Write(data []byte) error

	// Close shuts the channel down with the given close code. Closing with
	// CloseNormal signals an intentional disconnect to the peer.
	Close(code int) error

	// SetMessageHandler registers the inbound frame callback. Must be
	// called before Open.
	SetMessageHandler(handler MessageHandler)

	// SetCloseHandler registers the close callback. Must be called before
	// Open.
	SetCloseHandler(handler CloseHandler)
}
