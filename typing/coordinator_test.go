package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plately/chatcore/transport"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []*transport.Frame
}

func (r *recordingSender) Send(frame *transport.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordingSender) typingFrames() []*transport.TypingPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*transport.TypingPayload
	for _, frame := range r.frames {
		if frame.Type == transport.FrameTyping {
			out = append(out, frame.Typing)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		SelfID:        "alice",
		QuietPeriod:   40 * time.Millisecond,
		Timeout:       60 * time.Millisecond,
		SweepInterval: 15 * time.Millisecond,
	}
}

type remoteEvent struct {
	peerID   string
	isTyping bool
}

type remoteRecorder struct {
	mu     sync.Mutex
	events []remoteEvent
}

func (r *remoteRecorder) handler(peerID, conversationKey string, isTyping bool) {
	r.mu.Lock()
	r.events = append(r.events, remoteEvent{peerID: peerID, isTyping: isTyping})
	r.mu.Unlock()
}

func (r *remoteRecorder) all() []remoteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]remoteEvent, len(r.events))
	copy(out, r.events)
	return out
}

func TestDebounceEmitsOneStartOneStop(t *testing.T) {
	sender := &recordingSender{}
	c := NewCoordinator(sender, testConfig())

	// A burst of keystrokes inside the quiet window.
	for i := 0; i < 5; i++ {
		c.NotifyTyping("alice:bob")
		time.Sleep(5 * time.Millisecond)
	}

	frames := sender.typingFrames()
	require.Len(t, frames, 1, "burst must emit exactly one start frame")
	assert.True(t, frames[0].IsTyping)
	assert.Equal(t, "alice", frames[0].PeerID)
	assert.Equal(t, "alice:bob", frames[0].ConversationKey)

	// The quiet timer lapses and exactly one stop goes out.
	require.Eventually(t, func() bool {
		return len(sender.typingFrames()) == 2
	}, time.Second, 5*time.Millisecond)
	frames = sender.typingFrames()
	assert.False(t, frames[1].IsTyping)

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, sender.typingFrames(), 2, "no extra frames after the stop")
}

func TestKeystrokeResetsQuietTimer(t *testing.T) {
	sender := &recordingSender{}
	c := NewCoordinator(sender, testConfig())

	c.NotifyTyping("alice:bob")
	time.Sleep(25 * time.Millisecond)
	c.NotifyTyping("alice:bob") // inside the window, timer restarts

	time.Sleep(25 * time.Millisecond)
	// 50ms after the first call, but only 25ms after the second: still open.
	assert.Len(t, sender.typingFrames(), 1)
}

func TestStopTypingImmediateStop(t *testing.T) {
	sender := &recordingSender{}
	c := NewCoordinator(sender, testConfig())

	c.NotifyTyping("alice:bob")
	c.StopTyping("alice:bob")

	frames := sender.typingFrames()
	require.Len(t, frames, 2)
	assert.True(t, frames[0].IsTyping)
	assert.False(t, frames[1].IsTyping)

	// Quiet timer was cancelled; nothing else fires.
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, sender.typingFrames(), 2)
}

func TestStopTypingWithoutStartIsSilent(t *testing.T) {
	sender := &recordingSender{}
	c := NewCoordinator(sender, testConfig())

	c.StopTyping("alice:bob")
	assert.Empty(t, sender.typingFrames())
}

func TestConversationsDebounceIndependently(t *testing.T) {
	sender := &recordingSender{}
	c := NewCoordinator(sender, testConfig())

	c.NotifyTyping("alice:bob")
	c.NotifyTyping("alice:carol")

	frames := sender.typingFrames()
	require.Len(t, frames, 2)
	assert.NotEqual(t, frames[0].ConversationKey, frames[1].ConversationKey)
}

func TestRemoteSignalLifecycle(t *testing.T) {
	sender := &recordingSender{}
	c := NewCoordinator(sender, testConfig())
	rec := &remoteRecorder{}
	c.OnRemoteChange(rec.handler)

	c.HandleRemote(&transport.TypingPayload{PeerID: "bob", ConversationKey: "alice:bob", IsTyping: true})
	assert.Equal(t, []string{"bob"}, c.TypingPeers("alice:bob"))

	// A refresh extends the signal without another event.
	c.HandleRemote(&transport.TypingPayload{PeerID: "bob", ConversationKey: "alice:bob", IsTyping: true})
	assert.Len(t, rec.all(), 1)

	c.HandleRemote(&transport.TypingPayload{PeerID: "bob", ConversationKey: "alice:bob", IsTyping: false})
	assert.Empty(t, c.TypingPeers("alice:bob"))

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, remoteEvent{peerID: "bob", isTyping: true}, events[0])
	assert.Equal(t, remoteEvent{peerID: "bob", isTyping: false}, events[1])
}

func TestRemoteSignalExpires(t *testing.T) {
	sender := &recordingSender{}
	c := NewCoordinator(sender, testConfig())
	rec := &remoteRecorder{}
	c.OnRemoteChange(rec.handler)

	c.Start()
	defer c.Stop()

	c.HandleRemote(&transport.TypingPayload{PeerID: "bob", ConversationKey: "alice:bob", IsTyping: true})

	// No stop frame ever arrives; the sweep must synthesize one.
	require.Eventually(t, func() bool {
		events := rec.all()
		return len(events) == 2 && !events[1].isTyping
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, c.TypingPeers("alice:bob"))
}

func TestRefreshKeepsRemoteSignalAlive(t *testing.T) {
	sender := &recordingSender{}
	c := NewCoordinator(sender, testConfig())
	rec := &remoteRecorder{}
	c.OnRemoteChange(rec.handler)

	c.Start()
	defer c.Stop()

	c.HandleRemote(&transport.TypingPayload{PeerID: "bob", ConversationKey: "alice:bob", IsTyping: true})
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		c.HandleRemote(&transport.TypingPayload{PeerID: "bob", ConversationKey: "alice:bob", IsTyping: true})
	}

	assert.Equal(t, []string{"bob"}, c.TypingPeers("alice:bob"))
	for _, event := range rec.all() {
		assert.True(t, event.isTyping, "refreshed signal must never expire")
	}
}

func TestStopCancelsQuietTimers(t *testing.T) {
	sender := &recordingSender{}
	c := NewCoordinator(sender, testConfig())

	c.NotifyTyping("alice:bob")
	c.Stop()

	time.Sleep(80 * time.Millisecond)
	frames := sender.typingFrames()
	assert.Len(t, frames, 1, "no stop frame may fire after shutdown")
}
