package delivery

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plately/chatcore/transport"
)

// Entry is the tracked state of one message.
type Entry struct {
	LocalID   string
	ServerID  string
	Status    transport.Status
	UpdatedAt time.Time

	sendingSince  time.Time
	stallNotified bool
}

// StatusHandler observes applied status changes.
type StatusHandler func(localID, serverID string, status transport.Status)

// StallHandler is notified once per send when a message sits in Sending past
// the stall timeout.
type StallHandler func(localID string)

// Config holds the tracker tuning knobs.
type Config struct {
	// StallTimeout is how long a message may sit in Sending before the
	// stall handler fires.
	StallTimeout time.Duration
	// SweepInterval is how often stalled messages are looked for.
	SweepInterval time.Duration
}

// Tracker maintains the delivery status state machine for in-flight
// messages. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	byServer map[string]string
	config   Config

	statusHandler StatusHandler
	stallHandler  StallHandler

	running  bool
	stopChan chan struct{}
}

// NewTracker creates an empty tracker.
func NewTracker(config Config) *Tracker {
	return &Tracker{
		entries:  make(map[string]*Entry),
		byServer: make(map[string]string),
		config:   config,
	}
}

// OnStatusChange registers the status observer.
func (t *Tracker) OnStatusChange(handler StatusHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusHandler = handler
}

// OnStall registers the stall observer.
func (t *Tracker) OnStall(handler StallHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stallHandler = handler
}

// Start launches the stall sweep loop.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || t.config.SweepInterval <= 0 {
		return
	}
	t.running = true
	t.stopChan = make(chan struct{})
	go t.sweepLoop(t.stopChan)
}

// Stop halts the sweep loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopChan)
}

// TrackOptimistic registers a message as Pending for immediate display,
// before any server response exists.
func (t *Tracker) TrackOptimistic(localID string) {
	t.mu.Lock()
	if _, exists := t.entries[localID]; exists {
		t.mu.Unlock()
		return
	}
	t.entries[localID] = &Entry{
		LocalID:   localID,
		Status:    transport.StatusPending,
		UpdatedAt: time.Now(),
	}
	handler := t.statusHandler
	t.mu.Unlock()

	if handler != nil {
		handler(localID, "", transport.StatusPending)
	}
}

// MarkSending records that the message was written to the wire and starts
// the stall clock.
func (t *Tracker) MarkSending(localID string) {
	t.mu.Lock()
	entry, ok := t.entries[localID]
	applied := ok && entry.Status <= transport.StatusSending
	if applied {
		entry.Status = transport.StatusSending
		entry.UpdatedAt = time.Now()
		entry.sendingSince = entry.UpdatedAt
		entry.stallNotified = false
	}
	handler := t.statusHandler
	t.mu.Unlock()

	// An ack can land before the write confirmation; observers must never
	// see the status move backwards.
	if applied && handler != nil {
		handler(localID, "", transport.StatusSending)
	}
}

// Reconcile binds the server-assigned ID to the local one. From then on
// status updates addressed by either ID reach the same entry.
func (t *Tracker) Reconcile(localID, serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[localID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":  "Tracker.Reconcile",
			"local_id":  localID,
			"server_id": serverID,
		}).Warn("Reconcile for untracked message")
		return
	}
	entry.ServerID = serverID
	t.byServer[serverID] = localID
}

// ApplyStatus applies a server-reported status change. Regressive updates
// are ignored: reordered frames must not move a message backwards.
func (t *Tracker) ApplyStatus(id string, status transport.Status) {
	t.mu.Lock()
	entry := t.lookupLocked(id)
	if entry == nil {
		t.mu.Unlock()
		return
	}

	if !allowed(entry.Status, status) {
		logrus.WithFields(logrus.Fields{
			"function": "Tracker.ApplyStatus",
			"local_id": entry.LocalID,
			"current":  entry.Status.String(),
			"update":   status.String(),
		}).Warn("Ignoring out-of-order status update")
		t.mu.Unlock()
		return
	}

	entry.Status = status
	entry.UpdatedAt = time.Now()
	localID, serverID := entry.LocalID, entry.ServerID
	handler := t.statusHandler
	t.mu.Unlock()

	if handler != nil {
		handler(localID, serverID, status)
	}
}

// ApplyReadReceipt marks a message Read.
func (t *Tracker) ApplyReadReceipt(id string) {
	t.ApplyStatus(id, transport.StatusRead)
}

// ResetForRetry returns a Failed message to Pending. Only a user-initiated
// retry may leave the Failed state.
func (t *Tracker) ResetForRetry(localID string) {
	t.mu.Lock()
	entry, ok := t.entries[localID]
	if !ok || entry.Status != transport.StatusFailed {
		t.mu.Unlock()
		return
	}
	entry.Status = transport.StatusPending
	entry.UpdatedAt = time.Now()
	entry.stallNotified = false
	handler := t.statusHandler
	t.mu.Unlock()

	if handler != nil {
		handler(localID, "", transport.StatusPending)
	}
}

// Status returns the current status of a message by either ID.
func (t *Tracker) Status(id string) (transport.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.lookupLocked(id)
	if entry == nil {
		return 0, false
	}
	return entry.Status, true
}

// Entry returns a snapshot of one tracked message by either ID.
func (t *Tracker) Entry(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.lookupLocked(id)
	if entry == nil {
		return Entry{}, false
	}
	return *entry, true
}

// Forget drops a message from tracking, e.g. after a discard.
func (t *Tracker) Forget(localID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[localID]
	if !ok {
		return
	}
	if entry.ServerID != "" {
		delete(t.byServer, entry.ServerID)
	}
	delete(t.entries, localID)
}

// allowed reports whether the status machine permits cur -> next. The chain
// only advances; Failed is reachable from Pending/Sending and terminal.
func allowed(cur, next transport.Status) bool {
	if cur == transport.StatusFailed {
		return false
	}
	if next == transport.StatusFailed {
		return cur <= transport.StatusSending
	}
	return next > cur
}

func (t *Tracker) lookupLocked(id string) *Entry {
	if entry, ok := t.entries[id]; ok {
		return entry
	}
	if localID, ok := t.byServer[id]; ok {
		return t.entries[localID]
	}
	return nil
}

func (t *Tracker) sweepLoop(stopChan chan struct{}) {
	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep flags messages stuck in Sending past the stall timeout, once per
// send attempt.
func (t *Tracker) sweep() {
	now := time.Now()

	t.mu.Lock()
	var stalled []string
	for _, entry := range t.entries {
		if entry.Status != transport.StatusSending || entry.stallNotified {
			continue
		}
		if now.Sub(entry.sendingSince) > t.config.StallTimeout {
			entry.stallNotified = true
			stalled = append(stalled, entry.LocalID)
		}
	}
	handler := t.stallHandler
	t.mu.Unlock()

	if handler == nil {
		return
	}
	for _, localID := range stalled {
		logrus.WithFields(logrus.Fields{
			"function": "Tracker.sweep",
			"local_id": localID,
			"timeout":  t.config.StallTimeout,
		}).Warn("Message delivery stalled")
		handler(localID)
	}
}
