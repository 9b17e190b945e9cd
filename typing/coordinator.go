package typing

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plately/chatcore/transport"
)

// Sender writes a frame to the live connection. Typing signals are
// ephemeral: a failed send is logged and forgotten, never queued.
type Sender interface {
	Send(frame *transport.Frame) error
}

// RemoteHandler observes remote typing state changes, including synthetic
// stops from expiry.
type RemoteHandler func(peerID, conversationKey string, isTyping bool)

// Config holds the coordinator tuning knobs.
type Config struct {
	// SelfID is the local user ID stamped on outbound typing frames.
	SelfID string
	// QuietPeriod is the debounce window: a stop frame goes out this long
	// after the last keystroke.
	QuietPeriod time.Duration
	// Timeout is how long a remote signal stays alive without a refresh.
	Timeout time.Duration
	// SweepInterval is how often expired remote signals are collected.
	SweepInterval time.Duration
}

// Signal is one remote peer's typing state.
type Signal struct {
	PeerID          string
	ConversationKey string
	IsTyping        bool
	LastUpdate      time.Time
}

type outboundState struct {
	active bool
	quiet  *time.Timer
}

type remoteKey struct {
	peerID          string
	conversationKey string
}

// Coordinator debounces outbound typing signals and expires inbound ones.
type Coordinator struct {
	mu       sync.Mutex
	config   Config
	sender   Sender
	outbound map[string]*outboundState
	remote   map[remoteKey]*Signal
	handler  RemoteHandler

	running  bool
	stopChan chan struct{}
}

// NewCoordinator creates a coordinator over the given sender.
func NewCoordinator(sender Sender, config Config) *Coordinator {
	return &Coordinator{
		config:   config,
		sender:   sender,
		outbound: make(map[string]*outboundState),
		remote:   make(map[remoteKey]*Signal),
	}
}

// OnRemoteChange registers the remote typing observer.
func (c *Coordinator) OnRemoteChange(handler RemoteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start launches the expiry sweep loop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.config.SweepInterval <= 0 {
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	go c.sweepLoop(c.stopChan)
}

// Stop halts the sweep loop, cancels every pending quiet timer, and drops
// all remote state. No frame fires after Stop returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.running = false
		close(c.stopChan)
	}
	for _, state := range c.outbound {
		if state.quiet != nil {
			state.quiet.Stop()
		}
	}
	c.outbound = make(map[string]*outboundState)
	c.remote = make(map[remoteKey]*Signal)
}

// NotifyTyping reports a local keystroke in the conversation. The first call
// after a quiet period emits a start frame; calls inside the window only
// reset the quiet timer.
func (c *Coordinator) NotifyTyping(conversationKey string) {
	c.mu.Lock()
	state, ok := c.outbound[conversationKey]
	if !ok {
		state = &outboundState{}
		c.outbound[conversationKey] = state
	}
	sendStart := !state.active
	state.active = true
	// Stop-and-rearm under the lock, so a firing timer and a concurrent
	// keystroke cannot interleave.
	if state.quiet != nil {
		state.quiet.Stop()
	}
	state.quiet = time.AfterFunc(c.config.QuietPeriod, func() { c.quietElapsed(conversationKey) })
	c.mu.Unlock()

	if sendStart {
		c.send(conversationKey, true)
	}
}

// StopTyping reports that local editing ended, e.g. the message was sent or
// the input lost focus. Emits a stop frame immediately if a start was out.
func (c *Coordinator) StopTyping(conversationKey string) {
	c.mu.Lock()
	state, ok := c.outbound[conversationKey]
	if !ok {
		c.mu.Unlock()
		return
	}
	if state.quiet != nil {
		state.quiet.Stop()
		state.quiet = nil
	}
	sendStop := state.active
	state.active = false
	c.mu.Unlock()

	if sendStop {
		c.send(conversationKey, false)
	}
}

func (c *Coordinator) quietElapsed(conversationKey string) {
	c.mu.Lock()
	state, ok := c.outbound[conversationKey]
	if !ok || !state.active {
		c.mu.Unlock()
		return
	}
	state.active = false
	state.quiet = nil
	c.mu.Unlock()

	c.send(conversationKey, false)
}

func (c *Coordinator) send(conversationKey string, isTyping bool) {
	frame := transport.NewTypingFrame(c.config.SelfID, conversationKey, isTyping)
	if err := c.sender.Send(frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Coordinator.send",
			"conversation": conversationKey,
			"is_typing":    isTyping,
			"error":        err.Error(),
		}).Debug("Typing frame dropped")
	}
}

// HandleRemote applies an inbound typing frame. The observer fires only on
// state changes; refreshes just extend the signal's life.
func (c *Coordinator) HandleRemote(payload *transport.TypingPayload) {
	key := remoteKey{peerID: payload.PeerID, conversationKey: payload.ConversationKey}

	c.mu.Lock()
	existing := c.remote[key]
	changed := false
	if payload.IsTyping {
		if existing == nil || !existing.IsTyping {
			changed = true
		}
		c.remote[key] = &Signal{
			PeerID:          payload.PeerID,
			ConversationKey: payload.ConversationKey,
			IsTyping:        true,
			LastUpdate:      time.Now(),
		}
	} else {
		if existing != nil && existing.IsTyping {
			changed = true
		}
		delete(c.remote, key)
	}
	handler := c.handler
	c.mu.Unlock()

	if changed && handler != nil {
		handler(payload.PeerID, payload.ConversationKey, payload.IsTyping)
	}
}

// TypingPeers returns the peers currently typing in the conversation,
// treating expired-but-unswept signals as stopped.
func (c *Coordinator) TypingPeers(conversationKey string) []string {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	var peers []string
	for key, signal := range c.remote {
		if key.conversationKey != conversationKey || !signal.IsTyping {
			continue
		}
		if now.Sub(signal.LastUpdate) > c.config.Timeout {
			continue
		}
		peers = append(peers, key.peerID)
	}
	return peers
}

func (c *Coordinator) sweepLoop(stopChan chan struct{}) {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep drops remote signals past the timeout and emits a synthetic stop for
// each, so a peer that went silent still stops "typing" for subscribers.
func (c *Coordinator) sweep() {
	now := time.Now()

	c.mu.Lock()
	var expired []remoteKey
	for key, signal := range c.remote {
		if signal.IsTyping && now.Sub(signal.LastUpdate) > c.config.Timeout {
			expired = append(expired, key)
			delete(c.remote, key)
		}
	}
	handler := c.handler
	c.mu.Unlock()

	for _, key := range expired {
		logrus.WithFields(logrus.Fields{
			"function":     "Coordinator.sweep",
			"peer":         key.peerID,
			"conversation": key.conversationKey,
		}).Debug("Typing signal expired")
		if handler != nil {
			handler(key.peerID, key.conversationKey, false)
		}
	}
}
