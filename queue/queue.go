package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plately/chatcore/connection"
	"github.com/plately/chatcore/transport"
)

var (
	// ErrNotFound indicates no queued message with the given ID.
	ErrNotFound = errors.New("message not found in queue")
	// ErrNotFailed indicates a retry on a message that has not failed.
	ErrNotFailed = errors.New("message is not in failed state")
)

// Message is one queued outgoing message. Attempts counts sends in the
// current round; TotalAttempts keeps the history across manual retries.
type Message struct {
	LocalID       string                   `json:"localId"`
	ServerID      string                   `json:"serverId,omitempty"`
	Payload       transport.MessagePayload `json:"payload"`
	EnqueuedAt    time.Time                `json:"enqueuedAt"`
	Attempts      uint                     `json:"attempts"`
	TotalAttempts uint                     `json:"totalAttempts"`
	Status        transport.Status         `json:"status"`
}

// Sender writes a frame to the live connection. Satisfied by
// *connection.Manager; returns connection.ErrNotConnected while the
// transport is down.
type Sender interface {
	Send(frame *transport.Frame) error
}

// EventType classifies queue events.
type EventType uint8

const (
	// EventFailed means a message exhausted its send attempts and will
	// not be retried automatically.
	EventFailed EventType = iota
	// EventEvicted means a message was dropped to make room. The only
	// path where a message disappears without reaching Failed first.
	EventEvicted
)

func (t EventType) String() string {
	switch t {
	case EventFailed:
		return "failed"
	case EventEvicted:
		return "evicted"
	}
	return fmt.Sprintf("event(%d)", uint8(t))
}

// Event reports a terminal queue outcome for one message.
type Event struct {
	Type    EventType
	Message Message
}

// EventHandler observes queue events.
type EventHandler func(event Event)

// Config holds the queue bounds.
type Config struct {
	// MaxSize bounds the number of queued messages.
	MaxSize int
	// MaxAttempts bounds sends per message before it is marked Failed.
	MaxAttempts uint
}

// Queue is a durable FIFO of outgoing messages for one conversation stream.
type Queue struct {
	mu      sync.Mutex
	entries []*Message
	store   Store
	sender  Sender
	config  Config
	handler EventHandler
}

// New creates a queue over the given store and sender, restoring any
// persisted messages. Messages that were mid-send when the process died are
// reset to Pending so they get resent (delivery is at-least-once).
func New(store Store, sender Sender, config Config) (*Queue, error) {
	restored, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue store: %w", err)
	}

	q := &Queue{store: store, sender: sender, config: config}
	for i := range restored {
		msg := restored[i]
		if msg.Status == transport.StatusSending {
			msg.Status = transport.StatusPending
		}
		q.entries = append(q.entries, &msg)
	}

	if len(q.entries) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "queue.New",
			"restored": len(q.entries),
		}).Info("Restored queued messages from store")
	}
	return q, nil
}

// OnEvent registers the event callback.
func (q *Queue) OnEvent(handler EventHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

// Enqueue appends a message and immediately attempts a flush. The assigned
// local ID is returned; it stays stable for the message's lifetime.
func (q *Queue) Enqueue(payload transport.MessagePayload) (string, error) {
	if payload.LocalID == "" {
		payload.LocalID = uuid.NewString()
	}

	msg := &Message{
		LocalID:    payload.LocalID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		Status:     transport.StatusPending,
	}

	q.mu.Lock()
	var events []Event
	backup := q.entries
	if q.config.MaxSize > 0 && len(q.entries) >= q.config.MaxSize {
		backup = append([]*Message(nil), q.entries...)
		events = append(events, q.evictLocked())
	}
	q.entries = append(q.entries, msg)
	if err := q.persistLocked(); err != nil {
		// The store kept its previous contents, so the eviction is undone
		// with the append: no message was dropped and no event fires.
		q.entries = backup
		q.mu.Unlock()
		return "", err
	}
	q.mu.Unlock()

	q.emit(events)
	q.Flush()
	return msg.LocalID, nil
}

// Flush sends queued messages in FIFO order. The pass stops at the first
// message that cannot be sent, so a blocked head never gets skipped.
func (q *Queue) Flush() {
	q.mu.Lock()
	var events []Event
	dirty := false
	for _, msg := range q.entries {
		if msg.Status != transport.StatusPending {
			continue
		}

		frame := transport.NewMessageFrame(msg.Payload)
		err := q.sender.Send(frame)
		if err == nil {
			msg.Status = transport.StatusSending
			msg.TotalAttempts++
			dirty = true
			continue
		}

		if errors.Is(err, connection.ErrNotConnected) {
			// Not an attempt; the message waits for the next flush.
			break
		}

		msg.Attempts++
		msg.TotalAttempts++
		dirty = true
		logrus.WithFields(logrus.Fields{
			"function": "Queue.Flush",
			"local_id": msg.LocalID,
			"attempts": msg.Attempts,
			"error":    err.Error(),
		}).Warn("Send failed")

		if msg.Attempts >= q.config.MaxAttempts {
			msg.Status = transport.StatusFailed
			events = append(events, Event{Type: EventFailed, Message: *msg})
		}
		break
	}
	if dirty {
		if err := q.persistLocked(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Queue.Flush",
				"error":    err.Error(),
			}).Warn("Persisting queue state failed")
		}
	}
	q.mu.Unlock()

	q.emit(events)
}

// Ack applies a server acknowledgment addressed by local or server ID. Once
// the status reaches Sent the message has left the client's responsibility
// and is removed from the durable store.
func (q *Queue) Ack(id string, serverID string, status transport.Status) {
	q.mu.Lock()
	idx := q.findLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	msg := q.entries[idx]
	if serverID != "" {
		msg.ServerID = serverID
	}
	msg.Status = status

	if status >= transport.StatusSent {
		q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	}
	if err := q.persistLocked(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Queue.Ack",
			"error":    err.Error(),
		}).Warn("Persisting queue state failed")
	}
	q.mu.Unlock()
}

// Retry requeues a Failed message. The current attempt counter resets; the
// total stays for history.
func (q *Queue) Retry(localID string) error {
	q.mu.Lock()
	idx := q.findLocked(localID)
	if idx < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}
	msg := q.entries[idx]
	if msg.Status != transport.StatusFailed {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, localID, msg.Status)
	}
	msg.Status = transport.StatusPending
	msg.Attempts = 0
	if err := q.persistLocked(); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.Flush()
	return nil
}

// RequeueInFlight resets Sending messages back to Pending. Called after a
// reconnect, when acknowledgments for writes on the old channel can no
// longer arrive; the messages are resent (delivery is at-least-once, the
// server deduplicates on the local ID).
func (q *Queue) RequeueInFlight() {
	q.mu.Lock()
	defer q.mu.Unlock()

	dirty := false
	for _, msg := range q.entries {
		if msg.Status == transport.StatusSending {
			msg.Status = transport.StatusPending
			dirty = true
		}
	}
	if dirty {
		if err := q.persistLocked(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Queue.RequeueInFlight",
				"error":    err.Error(),
			}).Warn("Persisting queue state failed")
		}
	}
}

// Discard removes a message regardless of status.
func (q *Queue) Discard(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.findLocked(localID)
	if idx < 0 {
		return ErrNotFound
	}
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	return q.persistLocked()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Messages returns a snapshot of the queue in FIFO order.
func (q *Queue) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.entries))
	for i, msg := range q.entries {
		out[i] = *msg
	}
	return out
}

// Get returns a snapshot of one queued message.
func (q *Queue) Get(localID string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.findLocked(localID)
	if idx < 0 {
		return Message{}, false
	}
	return *q.entries[idx], true
}

// evictLocked drops the oldest Failed entry, or the oldest entry overall.
// Caller holds the lock.
func (q *Queue) evictLocked() Event {
	idx := 0
	for i, msg := range q.entries {
		if msg.Status == transport.StatusFailed {
			idx = i
			break
		}
	}
	victim := *q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)

	logrus.WithFields(logrus.Fields{
		"function": "Queue.evictLocked",
		"local_id": victim.LocalID,
		"status":   victim.Status,
	}).Warn("Queue full, evicting oldest entry")
	return Event{Type: EventEvicted, Message: victim}
}

func (q *Queue) findLocked(id string) int {
	for i, msg := range q.entries {
		if msg.LocalID == id || (msg.ServerID != "" && msg.ServerID == id) {
			return i
		}
	}
	return -1
}

func (q *Queue) persistLocked() error {
	snapshot := make([]Message, len(q.entries))
	for i, msg := range q.entries {
		snapshot[i] = *msg
	}
	if err := q.store.Save(snapshot); err != nil {
		return fmt.Errorf("save queue store: %w", err)
	}
	return nil
}

func (q *Queue) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	handler := q.handler
	q.mu.Unlock()
	if handler == nil {
		return
	}
	for _, event := range events {
		handler(event)
	}
}
