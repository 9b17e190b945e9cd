package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plately/chatcore/transport"
)

// State represents the connection lifecycle state.
type State uint8

const (
	// StateDisconnected means no transport is active and nothing is
	// scheduled. Initial state, and terminal after exhaustion or an
	// intentional disconnect.
	StateDisconnected State = iota
	// StateConnecting means a handshake is in progress.
	StateConnecting
	// StateConnected means the transport is live and heartbeats run.
	StateConnected
	// StateReconnecting means a backoff timer is armed for the next
	// attempt.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

var (
	// ErrNotConnected indicates a send while the transport is down. The
	// message queue relies on this to hold messages for a later flush.
	ErrNotConnected = errors.New("not connected")
	// ErrAuthRequired indicates no valid credential was available. Fatal
	// to the connect attempt; never retried automatically.
	ErrAuthRequired = errors.New("no valid credential available")
)

// CredentialProvider supplies the bearer token for the transport handshake.
// Implemented by the embedding application's auth layer.
type CredentialProvider interface {
	// Token returns the current bearer token, or an error if none is
	// available.
	Token() (string, error)
	// Valid reports whether the token is still usable.
	Valid(token string) bool
}

// Config holds the connection tuning knobs.
type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts uint
}

// StateHandler observes state transitions.
type StateHandler func(state State)

// FrameHandler receives inbound frames other than heartbeats.
type FrameHandler func(frame *transport.Frame)

// Manager owns one transport and drives the connection state machine. All
// mutable state is guarded by a single mutex; timers fire on their own
// goroutines and re-enter through the same lock. A generation counter
// invalidates timers that were pending when Disconnect ran.
type Manager struct {
	mu          sync.Mutex
	config      Config
	transport   transport.Transport
	credentials CredentialProvider
	backoff     Backoff

	state         State
	attempt       uint
	generation    uint64
	pendingStates []State
	notifying     bool

	heartbeatTimer *time.Timer
	ackTimer       *time.Timer
	reconnectTimer *time.Timer
	connectCancel  context.CancelFunc

	lastHeartbeatSentAt time.Time
	lastHeartbeatAckAt  time.Time

	stateHandler     StateHandler
	frameHandler     FrameHandler
	connectedHandler func()
	exhaustedHandler func()
}

// NewManager creates a manager over the given transport.
func NewManager(tr transport.Transport, config Config) *Manager {
	return &Manager{
		config:    config,
		transport: tr,
		backoff:   Backoff{Base: config.ReconnectBase, Cap: config.ReconnectCap},
		state:     StateDisconnected,
	}
}

// OnStateChange registers the state transition callback.
func (m *Manager) OnStateChange(handler StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateHandler = handler
}

// OnFrame registers the inbound frame callback. Ping and pong frames are
// consumed by the manager and never reach this handler.
func (m *Manager) OnFrame(handler FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameHandler = handler
}

// OnConnected registers a callback fired after every successful connect,
// including reconnects. The orchestrator wires the queue flush here.
func (m *Manager) OnConnected(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedHandler = handler
}

// OnExhausted registers a callback fired once when the reconnection loop
// gives up. The manager stays disconnected until Connect is called again.
func (m *Manager) OnExhausted(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhaustedHandler = handler
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the current reconnection attempt counter.
func (m *Manager) Attempt() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastHeartbeatAck returns when the most recent pong arrived.
func (m *Manager) LastHeartbeatAck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeartbeatAckAt
}

// Connect establishes the transport. No-op when already connected or a
// connect is in flight. A missing or invalid credential fails fast with
// ErrAuthRequired; a transport failure schedules a reconnection attempt and
// is also returned to the caller.
func (m *Manager) Connect(ctx context.Context, credentials CredentialProvider) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.credentials = credentials
	gen := m.generation
	ctx, cancel := context.WithCancel(ctx)
	m.connectCancel = cancel
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notifyStates()

	return m.dial(ctx, gen)
}

// dial performs one handshake attempt. Caller must have moved the state to
// Connecting under the given generation.
func (m *Manager) dial(ctx context.Context, gen uint64) error {
	defer func() {
		m.mu.Lock()
		m.connectCancel = nil
		m.mu.Unlock()
	}()

	token, err := m.fetchToken()
	if err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		m.notifyStates()
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	m.transport.SetMessageHandler(m.handleInbound)
	m.transport.SetCloseHandler(m.handleClose)

	if err := m.transport.Open(ctx, m.config.URL, header); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.dial",
			"url":      m.config.URL,
			"error":    err.Error(),
		}).Warn("Transport open failed")
		m.scheduleReconnect(gen)
		return fmt.Errorf("open transport: %w", err)
	}

	m.mu.Lock()
	if m.generation != gen {
		// Disconnect raced the handshake; drop the fresh channel.
		m.mu.Unlock()
		_ = m.transport.Close(transport.CloseNormal)
		return nil
	}
	m.attempt = 0
	m.lastHeartbeatAckAt = time.Now()
	m.setStateLocked(StateConnected)
	m.armHeartbeatLocked(gen)
	connected := m.connectedHandler
	m.mu.Unlock()
	m.notifyStates()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.dial",
		"url":      m.config.URL,
	}).Info("Connection established")

	if connected != nil {
		connected()
	}
	return nil
}

func (m *Manager) fetchToken() (string, error) {
	m.mu.Lock()
	credentials := m.credentials
	m.mu.Unlock()

	if credentials == nil {
		return "", ErrAuthRequired
	}
	token, err := credentials.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	if token == "" || !credentials.Valid(token) {
		return "", ErrAuthRequired
	}
	return token, nil
}

// Disconnect closes the transport cleanly and cancels every pending timer
// before returning. The reconnection loop is not triggered.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	m.stopTimersLocked()
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
	wasActive := m.state == StateConnected
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.notifyStates()

	if wasActive {
		if err := m.transport.Close(transport.CloseNormal); err != nil && !errors.Is(err, transport.ErrNotOpen) {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Disconnect",
				"error":    err.Error(),
			}).Debug("Transport close failed")
		}
	}
}

// Send writes one frame. Returns ErrNotConnected while the transport is down.
func (m *Manager) Send(frame *transport.Frame) error {
	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	data, err := transport.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := m.transport.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// handleInbound routes one raw frame. Malformed frames are logged and
// dropped; the connection stays up.
func (m *Manager) handleInbound(data []byte) {
	frame, err := transport.Parse(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.handleInbound",
			"error":    err.Error(),
		}).Warn("Dropping malformed frame")
		return
	}

	switch frame.Type {
	case transport.FramePing:
		if err := m.Send(transport.NewPongFrame()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.handleInbound",
				"error":    err.Error(),
			}).Debug("Pong reply failed")
		}
	case transport.FramePong:
		m.handlePong()
	default:
		m.mu.Lock()
		handler := m.frameHandler
		m.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

func (m *Manager) handlePong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return
	}
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
	m.lastHeartbeatAckAt = time.Now()
	m.armHeartbeatLocked(m.generation)
}

// handleClose reacts to the transport dropping. A clean close code means an
// intentional disconnect and never triggers reconnection.
func (m *Manager) handleClose(code int, reason string) {
	m.mu.Lock()
	if m.state != StateConnected {
		// Stale notification from a channel we already abandoned.
		m.mu.Unlock()
		return
	}
	gen := m.generation
	m.stopTimersLocked()
	m.mu.Unlock()

	if code == transport.CloseNormal {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.notifyStates()
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.handleClose",
		"code":     code,
		"reason":   reason,
	}).Warn("Connection lost")
	m.scheduleReconnect(gen)
}

// scheduleReconnect arms the backoff timer for the next attempt, or surfaces
// exhaustion once the attempt budget is spent.
func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	m.attempt++
	if m.attempt > m.config.MaxReconnectAttempts {
		m.setStateLocked(StateDisconnected)
		exhausted := m.exhaustedHandler
		attempts := m.attempt
		m.mu.Unlock()
		m.notifyStates()

		logrus.WithFields(logrus.Fields{
			"function": "Manager.scheduleReconnect",
			"attempts": attempts - 1,
		}).Error("Reconnection attempts exhausted")
		if exhausted != nil {
			exhausted()
		}
		return
	}

	delay := m.backoff.Delay(m.attempt)
	m.setStateLocked(StateReconnecting)
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnect(gen) })
	attempt := m.attempt
	m.mu.Unlock()
	m.notifyStates()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.scheduleReconnect",
		"attempt":  attempt,
		"delay":    delay,
	}).Info("Reconnection scheduled")
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	ctx, cancel := context.WithCancel(context.Background())
	m.connectCancel = cancel
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notifyStates()

	if err := m.dial(ctx, gen); err != nil && errors.Is(err, ErrAuthRequired) {
		// Credential went away mid-session; reconnection cannot help.
		logrus.WithFields(logrus.Fields{
			"function": "Manager.reconnect",
		}).Error("Credential no longer valid, abandoning reconnection")
	}
}

// armHeartbeatLocked schedules the next ping. Caller holds the lock.
func (m *Manager) armHeartbeatLocked(gen uint64) {
	if m.config.HeartbeatInterval <= 0 {
		return
	}
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
	}
	m.heartbeatTimer = time.AfterFunc(m.config.HeartbeatInterval, func() { m.sendHeartbeat(gen) })
}

func (m *Manager) sendHeartbeat(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.lastHeartbeatSentAt = time.Now()
	if m.ackTimer != nil {
		m.ackTimer.Stop()
	}
	m.ackTimer = time.AfterFunc(m.config.HeartbeatTimeout, func() { m.heartbeatExpired(gen) })
	m.mu.Unlock()

	if err := m.Send(transport.NewPingFrame()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.sendHeartbeat",
			"error":    err.Error(),
		}).Warn("Heartbeat write failed")
		m.forceReconnect(gen)
	}
}

// heartbeatExpired fires when no pong arrived inside the timeout. The
// transport is forced closed and the reconnection loop takes over.
func (m *Manager) heartbeatExpired(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.heartbeatExpired",
		"timeout":  m.config.HeartbeatTimeout,
	}).Warn("Heartbeat ack missed, forcing reconnect")
	m.forceReconnect(gen)
}

// forceReconnect tears the current channel down and enters the backoff loop
// directly, without waiting for the close notification. The reconnect is
// scheduled first so the close notification for the dying channel finds the
// state already moved on and ignores it.
func (m *Manager) forceReconnect(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.mu.Unlock()

	m.scheduleReconnect(gen)

	if err := m.transport.Close(transport.CloseAbnormal); err != nil && !errors.Is(err, transport.ErrNotOpen) {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.forceReconnect",
			"error":    err.Error(),
		}).Debug("Transport close failed")
	}
}

// stopTimersLocked cancels the heartbeat, ack wait, and reconnect timers.
// Caller holds the lock.
func (m *Manager) stopTimersLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// setStateLocked transitions the state and queues the observer notification.
// Caller holds the lock and must call notifyStates after releasing it.
func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	m.pendingStates = append(m.pendingStates, state)
}

// notifyStates drains queued state transitions to the observer, in order and
// without holding the lock, so observers may call back into the manager. Only
// one goroutine drains at a time; others (including re-entrant calls from a
// handler) leave their states queued for the active drainer.
func (m *Manager) notifyStates() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true
	for len(m.pendingStates) > 0 {
		state := m.pendingStates[0]
		m.pendingStates = m.pendingStates[1:]
		handler := m.stateHandler
		m.mu.Unlock()

		if handler != nil {
			handler(state)
		}
		m.mu.Lock()
	}
	m.notifying = false
	m.mu.Unlock()
}
