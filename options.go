package chatcore

import (
	"time"

	"github.com/plately/chatcore/queue"
	"github.com/plately/chatcore/transport"
)

// Options contains configuration for creating a messaging Client.
type Options struct {
	// URL is the WebSocket endpoint of the message-delivery backend.
	URL string
	// SelfID is the local user's ID; it stamps outbound frames and lets
	// the inbound router tell server echoes from peer messages.
	SelfID string

	// Store persists the outgoing queue across restarts. Defaults to an
	// in-memory store; production callers pass a queue.FileStore.
	Store queue.Store
	// Transport overrides the channel implementation. Defaults to a
	// WebSocket transport.
	Transport transport.Transport

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts uint

	MaxQueueSize    int
	MaxSendAttempts uint

	TypingQuietPeriod   time.Duration
	TypingTimeout       time.Duration
	TypingSweepInterval time.Duration

	StallTimeout       time.Duration
	StallSweepInterval time.Duration
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     5 * time.Second,
		ReconnectBase:        1 * time.Second,
		ReconnectCap:         30 * time.Second,
		MaxReconnectAttempts: 10,
		MaxQueueSize:         100,
		MaxSendAttempts:      3,
		TypingQuietPeriod:    2 * time.Second,
		TypingTimeout:        3 * time.Second,
		TypingSweepInterval:  1 * time.Second,
		StallTimeout:         10 * time.Second,
		StallSweepInterval:   1 * time.Second,
	}
}
