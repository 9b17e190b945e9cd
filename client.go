package chatcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plately/chatcore/connection"
	"github.com/plately/chatcore/delivery"
	"github.com/plately/chatcore/queue"
	"github.com/plately/chatcore/transport"
	"github.com/plately/chatcore/typing"
)

var (
	// ErrNotInitialized indicates an operation before Initialize.
	ErrNotInitialized = errors.New("client not initialized")
	// ErrUnknownMessage indicates no queue holds the given message.
	ErrUnknownMessage = errors.New("unknown message")
)

// MessageCallback receives incoming peer messages.
type MessageCallback func(msg transport.MessagePayload)

// TypingCallback receives remote typing state changes.
type TypingCallback func(peerID, conversationKey string, isTyping bool)

// StatusCallback receives per-message delivery status changes.
type StatusCallback func(localID, serverID string, status transport.Status)

// StateCallback receives connection state changes.
type StateCallback func(state connection.State)

// QueueEventCallback receives terminal queue outcomes (failed, evicted).
type QueueEventCallback func(conversationKey string, event queue.Event)

// StallCallback receives the "no ack yet, consider a retry prompt" signal.
type StallCallback func(localID string)

// Client composes the connection manager, the per-conversation outgoing
// queues, the typing coordinator, and the delivery tracker behind the one
// API surface the UI layer consumes. All session state lives here; nothing
// is global. Construct one Client per signed-in session.
type Client struct {
	mu      sync.Mutex
	options *Options

	manager *connection.Manager
	tracker *delivery.Tracker
	typing  *typing.Coordinator
	store   *sharedStore
	queues  map[string]*queue.Queue

	messageCallback    MessageCallback
	typingCallback     TypingCallback
	statusCallback     StatusCallback
	stateCallback      StateCallback
	queueEventCallback QueueEventCallback
	stallCallback      StallCallback
	exhaustedCallback  func()

	initialized bool
}

// New creates a Client from options. Initialize must be called before any
// messaging operation.
func New(options *Options) *Client {
	return &Client{
		options: options,
		queues:  make(map[string]*queue.Queue),
	}
}

// OnMessage registers the incoming message callback.
func (c *Client) OnMessage(callback MessageCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCallback = callback
}

// OnTyping registers the remote typing callback.
func (c *Client) OnTyping(callback TypingCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typingCallback = callback
}

// OnMessageStatus registers the per-message status callback.
func (c *Client) OnMessageStatus(callback StatusCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCallback = callback
}

// OnConnectionState registers the connection state callback, feeding the
// UI's "reconnecting…" banner.
func (c *Client) OnConnectionState(callback StateCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCallback = callback
}

// OnQueueEvent registers the queue outcome callback. Evictions arrive here;
// a dropped message must be told to the user, never swallowed.
func (c *Client) OnQueueEvent(callback QueueEventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueEventCallback = callback
}

// OnDeliveryStalled registers the stalled-message callback.
func (c *Client) OnDeliveryStalled(callback StallCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stallCallback = callback
}

// OnReconnectionExhausted registers the callback fired when automatic
// reconnection gives up.
func (c *Client) OnReconnectionExhausted(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exhaustedCallback = callback
}

// Initialize builds the component graph, restores persisted queues, and
// connects. Everything except the durable queue store is rebuilt fresh.
func (c *Client) Initialize(ctx context.Context, credentials connection.CredentialProvider) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}

	tr := c.options.Transport
	if tr == nil {
		tr = transport.NewWebSocketTransport()
	}
	backing := c.options.Store
	if backing == nil {
		backing = queue.NewMemoryStore()
	}
	c.store = &sharedStore{parent: backing}

	c.manager = connection.NewManager(tr, connection.Config{
		URL:                  c.options.URL,
		HeartbeatInterval:    c.options.HeartbeatInterval,
		HeartbeatTimeout:     c.options.HeartbeatTimeout,
		ReconnectBase:        c.options.ReconnectBase,
		ReconnectCap:         c.options.ReconnectCap,
		MaxReconnectAttempts: c.options.MaxReconnectAttempts,
	})

	c.tracker = delivery.NewTracker(delivery.Config{
		StallTimeout:  c.options.StallTimeout,
		SweepInterval: c.options.StallSweepInterval,
	})

	sender := &trackingSender{manager: c.manager, tracker: c.tracker}
	c.typing = typing.NewCoordinator(sender, typing.Config{
		SelfID:        c.options.SelfID,
		QuietPeriod:   c.options.TypingQuietPeriod,
		Timeout:       c.options.TypingTimeout,
		SweepInterval: c.options.TypingSweepInterval,
	})

	c.manager.OnFrame(c.routeFrame)
	c.manager.OnConnected(c.flushAll)
	c.manager.OnStateChange(func(state connection.State) {
		c.mu.Lock()
		callback := c.stateCallback
		c.mu.Unlock()
		if callback != nil {
			callback(state)
		}
	})
	c.manager.OnExhausted(func() {
		c.mu.Lock()
		callback := c.exhaustedCallback
		c.mu.Unlock()
		if callback != nil {
			callback()
		}
	})
	c.tracker.OnStatusChange(func(localID, serverID string, status transport.Status) {
		c.mu.Lock()
		callback := c.statusCallback
		c.mu.Unlock()
		if callback != nil {
			callback(localID, serverID, status)
		}
	})
	c.tracker.OnStall(func(localID string) {
		c.mu.Lock()
		callback := c.stallCallback
		c.mu.Unlock()
		if callback != nil {
			callback(localID)
		}
	})
	c.typing.OnRemoteChange(func(peerID, conversationKey string, isTyping bool) {
		c.mu.Lock()
		callback := c.typingCallback
		c.mu.Unlock()
		if callback != nil {
			callback(peerID, conversationKey, isTyping)
		}
	})

	c.initialized = true
	c.mu.Unlock()

	if err := c.restoreQueues(); err != nil {
		c.mu.Lock()
		c.initialized = false
		c.mu.Unlock()
		return err
	}

	c.tracker.Start()
	c.typing.Start()

	if err := c.manager.Connect(ctx, credentials); err != nil {
		if errors.Is(err, connection.ErrAuthRequired) {
			// Fatal: no session without a credential.
			c.Shutdown()
			return err
		}
		// Transient: the manager keeps retrying; queued sends hold.
		logrus.WithFields(logrus.Fields{
			"function": "Client.Initialize",
			"error":    err.Error(),
		}).Warn("Initial connect failed, reconnection in progress")
	}
	return nil
}

// Shutdown disconnects and cancels every timer in the component graph. The
// durable queue store keeps its contents for the next session.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = false
	manager, tracker, typingCoord := c.manager, c.tracker, c.typing
	c.queues = make(map[string]*queue.Queue)
	c.mu.Unlock()

	manager.Disconnect()
	typingCoord.Stop()
	tracker.Stop()
}

// SendMessage queues a message for the conversation and returns its local
// ID for optimistic display. The message survives restarts until the server
// acknowledges it.
func (c *Client) SendMessage(conversationKey, recipientID, content string) (string, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return "", ErrNotInitialized
	}
	selfID := c.options.SelfID
	c.mu.Unlock()

	payload := transport.MessagePayload{
		LocalID:         uuid.NewString(),
		SenderID:        selfID,
		RecipientID:     recipientID,
		ConversationKey: conversationKey,
		Content:         content,
		SentAt:          time.Now(),
	}

	// Sending ends the local typing signal for the conversation.
	c.typing.StopTyping(conversationKey)

	c.tracker.TrackOptimistic(payload.LocalID)

	q, err := c.queueFor(conversationKey)
	if err != nil {
		c.tracker.Forget(payload.LocalID)
		return "", err
	}
	localID, err := q.Enqueue(payload)
	if err != nil {
		c.tracker.Forget(payload.LocalID)
		return "", err
	}
	return localID, nil
}

// SetTyping reports local typing activity in the conversation.
func (c *Client) SetTyping(conversationKey string, isTyping bool) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.mu.Unlock()

	if isTyping {
		c.typing.NotifyTyping(conversationKey)
	} else {
		c.typing.StopTyping(conversationKey)
	}
	return nil
}

// MarkRead sends a read receipt for an incoming message. Receipts are
// ephemeral: when offline the receipt is dropped and the error returned.
func (c *Client) MarkRead(messageID string) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	manager := c.manager
	c.mu.Unlock()

	return manager.Send(transport.NewStatusFrame(messageID, transport.StatusRead))
}

// RetryMessage requeues a Failed message after the user asked for another
// try.
func (c *Client) RetryMessage(localID string) error {
	q := c.queueHolding(localID)
	if q == nil {
		return ErrUnknownMessage
	}
	c.tracker.ResetForRetry(localID)
	return q.Retry(localID)
}

// DiscardMessage drops a queued message for good.
func (c *Client) DiscardMessage(localID string) error {
	q := c.queueHolding(localID)
	if q == nil {
		return ErrUnknownMessage
	}
	if err := q.Discard(localID); err != nil {
		return err
	}
	c.tracker.Forget(localID)
	return nil
}

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() connection.State {
	c.mu.Lock()
	manager := c.manager
	c.mu.Unlock()
	if manager == nil {
		return connection.StateDisconnected
	}
	return manager.State()
}

// MessageStatus returns the tracked status of a message by either ID.
func (c *Client) MessageStatus(id string) (transport.Status, bool) {
	c.mu.Lock()
	tracker := c.tracker
	c.mu.Unlock()
	if tracker == nil {
		return 0, false
	}
	return tracker.Status(id)
}

// QueuedMessages returns a snapshot of the conversation's outbox.
func (c *Client) QueuedMessages(conversationKey string) []queue.Message {
	c.mu.Lock()
	q := c.queues[conversationKey]
	c.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.Messages()
}

// TypingPeers returns who is currently typing in the conversation.
func (c *Client) TypingPeers(conversationKey string) []string {
	c.mu.Lock()
	typingCoord := c.typing
	c.mu.Unlock()
	if typingCoord == nil {
		return nil
	}
	return typingCoord.TypingPeers(conversationKey)
}

// routeFrame demultiplexes one inbound frame by kind. Heartbeats never get
// here; the connection manager consumes them.
func (c *Client) routeFrame(frame *transport.Frame) {
	switch frame.Type {
	case transport.FrameMessage:
		c.routeMessage(frame.Message)
	case transport.FrameTyping:
		c.typing.HandleRemote(frame.Typing)
	case transport.FrameStatus:
		c.routeStatus(frame.Status)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Client.routeFrame",
			"type":     string(frame.Type),
		}).Warn("Dropping unroutable frame")
	}
}

// routeMessage tells a server echo of our own send apart from a peer
// message. The echo carries our local ID and closes the optimistic loop:
// reconcile IDs, advance to Sent, release the queue slot.
func (c *Client) routeMessage(msg *transport.MessagePayload) {
	c.mu.Lock()
	selfID := c.options.SelfID
	callback := c.messageCallback
	c.mu.Unlock()

	if msg.SenderID == selfID && msg.LocalID != "" {
		c.tracker.Reconcile(msg.LocalID, msg.ServerID)
		if q := c.queueHolding(msg.LocalID); q != nil {
			q.Ack(msg.LocalID, msg.ServerID, transport.StatusSent)
		}
		c.tracker.ApplyStatus(msg.LocalID, transport.StatusSent)
		return
	}

	if callback != nil {
		callback(*msg)
	}
}

func (c *Client) routeStatus(status *transport.StatusPayload) {
	c.tracker.ApplyStatus(status.MessageID, status.Status)
	if q := c.queueHolding(status.MessageID); q != nil {
		q.Ack(status.MessageID, "", status.Status)
	}
}

// flushAll runs on every successful connect. In-flight sends from the dead
// channel are requeued first: their acks can no longer arrive.
func (c *Client) flushAll() {
	for _, q := range c.snapshotQueues() {
		q.RequeueInFlight()
		q.Flush()
	}
}

// queueFor returns the conversation's queue, creating it on first use.
func (c *Client) queueFor(conversationKey string) (*queue.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q, ok := c.queues[conversationKey]; ok {
		return q, nil
	}
	q, err := c.buildQueueLocked(conversationKey)
	if err != nil {
		return nil, err
	}
	c.queues[conversationKey] = q
	return q, nil
}

// buildQueueLocked wires one conversation queue. Caller holds the lock.
func (c *Client) buildQueueLocked(conversationKey string) (*queue.Queue, error) {
	scoped := &scopedStore{shared: c.store, conversationKey: conversationKey}
	sender := &trackingSender{manager: c.manager, tracker: c.tracker}
	q, err := queue.New(scoped, sender, queue.Config{
		MaxSize:     c.options.MaxQueueSize,
		MaxAttempts: c.options.MaxSendAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("build queue for %s: %w", conversationKey, err)
	}
	q.OnEvent(func(event queue.Event) {
		if event.Type == queue.EventFailed {
			c.tracker.ApplyStatus(event.Message.LocalID, transport.StatusFailed)
		}
		c.mu.Lock()
		callback := c.queueEventCallback
		c.mu.Unlock()
		if callback != nil {
			callback(conversationKey, event)
		}
	})
	return q, nil
}

// restoreQueues rebuilds a queue for every conversation with persisted
// messages, so they flush on the first connect without any send call.
func (c *Client) restoreQueues() error {
	persisted, err := c.store.parent.Load()
	if err != nil {
		return fmt.Errorf("restore queues: %w", err)
	}

	seen := make(map[string]bool)
	for _, msg := range persisted {
		key := msg.Payload.ConversationKey
		if !seen[key] {
			seen[key] = true
			if _, err := c.queueFor(key); err != nil {
				return err
			}
		}
		c.tracker.TrackOptimistic(msg.LocalID)
		if msg.Status == transport.StatusFailed {
			c.tracker.ApplyStatus(msg.LocalID, transport.StatusFailed)
		}
	}
	return nil
}

func (c *Client) queueHolding(id string) *queue.Queue {
	for _, q := range c.snapshotQueues() {
		if _, ok := q.Get(id); ok {
			return q
		}
	}
	return nil
}

func (c *Client) snapshotQueues() []*queue.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*queue.Queue, 0, len(c.queues))
	for _, q := range c.queues {
		out = append(out, q)
	}
	return out
}

// trackingSender decorates the connection manager so a successful message
// write moves the tracker to Sending. Typing and status frames pass through
// untouched.
type trackingSender struct {
	manager *connection.Manager
	tracker *delivery.Tracker
}

func (s *trackingSender) Send(frame *transport.Frame) error {
	err := s.manager.Send(frame)
	if err == nil && frame.Type == transport.FrameMessage && frame.Message.LocalID != "" {
		s.tracker.MarkSending(frame.Message.LocalID)
	}
	return err
}

// sharedStore serializes access to the one backing store that all
// conversation-scoped views write through.
type sharedStore struct {
	mu     sync.Mutex
	parent queue.Store
}

// scopedStore presents the slice of the backing store belonging to one
// conversation, so each queue persists independently without clobbering the
// others.
type scopedStore struct {
	shared          *sharedStore
	conversationKey string
}

// Load implements queue.Store.
func (s *scopedStore) Load() ([]queue.Message, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	all, err := s.shared.parent.Load()
	if err != nil {
		return nil, err
	}
	var mine []queue.Message
	for _, msg := range all {
		if msg.Payload.ConversationKey == s.conversationKey {
			mine = append(mine, msg)
		}
	}
	return mine, nil
}

// Save implements queue.Store.
func (s *scopedStore) Save(messages []queue.Message) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	all, err := s.shared.parent.Load()
	if err != nil {
		return err
	}
	merged := make([]queue.Message, 0, len(all)+len(messages))
	for _, msg := range all {
		if msg.Payload.ConversationKey != s.conversationKey {
			merged = append(merged, msg)
		}
	}
	merged = append(merged, messages...)
	return s.shared.parent.Save(merged)
}
