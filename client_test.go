package chatcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plately/chatcore/connection"
	"github.com/plately/chatcore/queue"
	"github.com/plately/chatcore/transport"
)

type fakeCredentials struct {
	token string
	err   error
}

func (f *fakeCredentials) Token() (string, error) { return f.token, f.err }
func (f *fakeCredentials) Valid(string) bool      { return true }

func testOptions(mock *transport.MockTransport, store queue.Store) *Options {
	options := NewOptions()
	options.URL = "ws://chat.test/ws"
	options.SelfID = "alice"
	options.Transport = mock
	options.Store = store
	options.ReconnectBase = 10 * time.Millisecond
	options.ReconnectCap = 40 * time.Millisecond
	options.MaxReconnectAttempts = 3
	options.MaxSendAttempts = 2
	options.TypingQuietPeriod = 30 * time.Millisecond
	options.TypingTimeout = 60 * time.Millisecond
	options.TypingSweepInterval = 15 * time.Millisecond
	options.StallTimeout = 50 * time.Millisecond
	options.StallSweepInterval = 15 * time.Millisecond
	return options
}

func newTestClient(t *testing.T) (*Client, *transport.MockTransport) {
	t.Helper()
	mock := transport.NewMockTransport()
	client := New(testOptions(mock, queue.NewMemoryStore()))
	require.NoError(t, client.Initialize(context.Background(), &fakeCredentials{token: "tok"}))
	t.Cleanup(client.Shutdown)
	return client, mock
}

// statusLog records delivery status callbacks per local ID.
type statusLog struct {
	mu      sync.Mutex
	entries map[string][]transport.Status
}

func newStatusLog(client *Client) *statusLog {
	log := &statusLog{entries: make(map[string][]transport.Status)}
	client.OnMessageStatus(func(localID, serverID string, status transport.Status) {
		log.mu.Lock()
		log.entries[localID] = append(log.entries[localID], status)
		log.mu.Unlock()
	})
	return log
}

func (l *statusLog) statuses(localID string) []transport.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]transport.Status, len(l.entries[localID]))
	copy(out, l.entries[localID])
	return out
}

func sentFrames(mock *transport.MockTransport) []*transport.Frame {
	var out []*transport.Frame
	for _, frame := range mock.WrittenFrames() {
		if frame.Type == transport.FrameMessage {
			out = append(out, frame)
		}
	}
	return out
}

func TestSendMessageAcknowledged(t *testing.T) {
	client, mock := newTestClient(t)
	log := newStatusLog(client)

	localID, err := client.SendMessage("alice:bob", "bob", "hello")
	require.NoError(t, err)
	require.NotEmpty(t, localID)

	frames := sentFrames(mock)
	require.Len(t, frames, 1)
	assert.Equal(t, localID, frames[0].Message.LocalID)
	assert.Equal(t, "hello", frames[0].Message.Content)
	assert.Equal(t, "alice", frames[0].Message.SenderID)

	// Server echo closes the optimistic loop.
	echo := *frames[0].Message
	echo.ServerID = "srv-1"
	require.NoError(t, mock.InjectFrame(transport.NewMessageFrame(echo)))

	status, ok := client.MessageStatus(localID)
	require.True(t, ok)
	assert.Equal(t, transport.StatusSent, status)
	assert.Empty(t, client.QueuedMessages("alice:bob"))
	assert.Equal(t, []transport.Status{
		transport.StatusPending,
		transport.StatusSending,
		transport.StatusSent,
	}, log.statuses(localID))

	// Later receipts arrive by server ID.
	require.NoError(t, mock.InjectFrame(transport.NewStatusFrame("srv-1", transport.StatusDelivered)))
	require.NoError(t, mock.InjectFrame(transport.NewStatusFrame("srv-1", transport.StatusRead)))

	status, ok = client.MessageStatus("srv-1")
	require.True(t, ok)
	assert.Equal(t, transport.StatusRead, status)
}

func TestRegressiveStatusIgnored(t *testing.T) {
	client, mock := newTestClient(t)

	localID, err := client.SendMessage("alice:bob", "bob", "hi")
	require.NoError(t, err)

	echo := *sentFrames(mock)[0].Message
	echo.ServerID = "srv-1"
	require.NoError(t, mock.InjectFrame(transport.NewMessageFrame(echo)))
	require.NoError(t, mock.InjectFrame(transport.NewStatusFrame("srv-1", transport.StatusRead)))
	require.NoError(t, mock.InjectFrame(transport.NewStatusFrame("srv-1", transport.StatusDelivered)))

	status, ok := client.MessageStatus(localID)
	require.True(t, ok)
	assert.Equal(t, transport.StatusRead, status)
}

func TestOfflineMessagesFlushOnReconnect(t *testing.T) {
	client, mock := newTestClient(t)

	mock.InjectClose(transport.CloseAbnormal, "gone")
	mock.Reset()

	first, err := client.SendMessage("alice:bob", "bob", "first")
	require.NoError(t, err)
	second, err := client.SendMessage("alice:bob", "bob", "second")
	require.NoError(t, err)
	require.Len(t, client.QueuedMessages("alice:bob"), 2)

	require.Eventually(t, func() bool {
		return len(sentFrames(mock)) == 2
	}, time.Second, 5*time.Millisecond, "queued messages not flushed after reconnect")

	frames := sentFrames(mock)
	assert.Equal(t, first, frames[0].Message.LocalID)
	assert.Equal(t, second, frames[1].Message.LocalID)
}

func TestSendFailureSurfacesFailedStatus(t *testing.T) {
	client, mock := newTestClient(t)
	log := newStatusLog(client)

	var events []queue.Event
	var eventsMu sync.Mutex
	client.OnQueueEvent(func(conversationKey string, event queue.Event) {
		eventsMu.Lock()
		events = append(events, event)
		eventsMu.Unlock()
	})

	mock.WriteErr = errors.New("broken pipe")
	localID, err := client.SendMessage("alice:bob", "bob", "doomed")
	require.NoError(t, err)

	// MaxSendAttempts is 2: the enqueue flush burns one attempt, the flush
	// triggered by the next send burns the other.
	followUp, err := client.SendMessage("alice:bob", "bob", "behind it")
	require.NoError(t, err)

	status, ok := client.MessageStatus(localID)
	require.True(t, ok)
	assert.Equal(t, transport.StatusFailed, status)

	eventsMu.Lock()
	require.NotEmpty(t, events)
	assert.Equal(t, queue.EventFailed, events[len(events)-1].Type)
	assert.Equal(t, localID, events[len(events)-1].Message.LocalID)
	eventsMu.Unlock()
	assert.Contains(t, log.statuses(localID), transport.StatusFailed)

	// The user asks for another try on a healthy connection; the message
	// behind it flushes too, in order.
	mock.WriteErr = nil
	mock.Reset()
	require.NoError(t, client.RetryMessage(localID))
	frames := sentFrames(mock)
	require.Len(t, frames, 2)
	assert.Equal(t, localID, frames[0].Message.LocalID)
	assert.Equal(t, followUp, frames[1].Message.LocalID)

	status, ok = client.MessageStatus(localID)
	require.True(t, ok)
	assert.Equal(t, transport.StatusSending, status)
}

func TestDiscardMessage(t *testing.T) {
	client, mock := newTestClient(t)

	mock.InjectClose(transport.CloseAbnormal, "gone")
	localID, err := client.SendMessage("alice:bob", "bob", "nevermind")
	require.NoError(t, err)

	require.NoError(t, client.DiscardMessage(localID))
	assert.Empty(t, client.QueuedMessages("alice:bob"))
	_, ok := client.MessageStatus(localID)
	assert.False(t, ok)

	assert.ErrorIs(t, client.DiscardMessage(localID), ErrUnknownMessage)
}

func TestIncomingMessageDelivered(t *testing.T) {
	client, mock := newTestClient(t)

	received := make(chan transport.MessagePayload, 1)
	client.OnMessage(func(msg transport.MessagePayload) { received <- msg })

	require.NoError(t, mock.InjectFrame(transport.NewMessageFrame(transport.MessagePayload{
		ServerID:        "srv-9",
		SenderID:        "bob",
		RecipientID:     "alice",
		ConversationKey: "alice:bob",
		Content:         "hey",
	})))

	select {
	case msg := <-received:
		assert.Equal(t, "bob", msg.SenderID)
		assert.Equal(t, "hey", msg.Content)
	case <-time.After(time.Second):
		t.Fatal("incoming message not delivered")
	}
}

func TestTypingBurstDebounced(t *testing.T) {
	client, mock := newTestClient(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, client.SetTyping("alice:bob", true))
	}

	typingFrames := func() []*transport.Frame {
		var out []*transport.Frame
		for _, frame := range mock.WrittenFrames() {
			if frame.Type == transport.FrameTyping {
				out = append(out, frame)
			}
		}
		return out
	}

	require.Eventually(t, func() bool {
		return len(typingFrames()) == 2
	}, time.Second, 5*time.Millisecond, "expected one start and one quiet-period stop")

	frames := typingFrames()
	assert.True(t, frames[0].Typing.IsTyping)
	assert.False(t, frames[1].Typing.IsTyping)
	assert.Equal(t, "alice", frames[0].Typing.PeerID)
}

func TestSendMessageStopsTyping(t *testing.T) {
	client, mock := newTestClient(t)

	require.NoError(t, client.SetTyping("alice:bob", true))
	_, err := client.SendMessage("alice:bob", "bob", "done typing")
	require.NoError(t, err)

	var stops int
	for _, frame := range mock.WrittenFrames() {
		if frame.Type == transport.FrameTyping && !frame.Typing.IsTyping {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestRemoteTypingExpires(t *testing.T) {
	client, mock := newTestClient(t)

	type change struct {
		peerID   string
		isTyping bool
	}
	changes := make(chan change, 4)
	client.OnTyping(func(peerID, conversationKey string, isTyping bool) {
		changes <- change{peerID, isTyping}
	})

	require.NoError(t, mock.InjectFrame(transport.NewTypingFrame("bob", "alice:bob", true)))

	select {
	case got := <-changes:
		assert.Equal(t, change{"bob", true}, got)
	case <-time.After(time.Second):
		t.Fatal("typing start not delivered")
	}
	assert.Equal(t, []string{"bob"}, client.TypingPeers("alice:bob"))

	// No refresh, no explicit stop: the sweep synthesizes one.
	select {
	case got := <-changes:
		assert.Equal(t, change{"bob", false}, got)
	case <-time.After(time.Second):
		t.Fatal("synthetic typing stop not delivered")
	}
	assert.Empty(t, client.TypingPeers("alice:bob"))
}

func TestMarkRead(t *testing.T) {
	client, mock := newTestClient(t)

	require.NoError(t, client.MarkRead("srv-42"))

	var found bool
	for _, frame := range mock.WrittenFrames() {
		if frame.Type == transport.FrameStatus && frame.Status.MessageID == "srv-42" {
			assert.Equal(t, transport.StatusRead, frame.Status.Status)
			found = true
		}
	}
	assert.True(t, found, "read receipt frame not written")
}

func TestMarkReadOfflineFails(t *testing.T) {
	client, mock := newTestClient(t)

	mock.InjectClose(transport.CloseAbnormal, "gone")
	err := client.MarkRead("srv-42")
	assert.ErrorIs(t, err, connection.ErrNotConnected)
}

func TestQueuedMessagesSurviveRestart(t *testing.T) {
	store := queue.NewMemoryStore()

	mock := transport.NewMockTransport()
	mock.OpenErr = errors.New("network down")
	first := New(testOptions(mock, store))
	require.NoError(t, first.Initialize(context.Background(), &fakeCredentials{token: "tok"}))

	localID, err := first.SendMessage("alice:bob", "bob", "hold this")
	require.NoError(t, err)
	first.Shutdown()

	// Fresh session over the same store: the message flushes on connect.
	mock2 := transport.NewMockTransport()
	second := New(testOptions(mock2, store))
	require.NoError(t, second.Initialize(context.Background(), &fakeCredentials{token: "tok"}))
	t.Cleanup(second.Shutdown)

	require.Eventually(t, func() bool {
		frames := sentFrames(mock2)
		return len(frames) == 1 && frames[0].Message.LocalID == localID
	}, time.Second, 5*time.Millisecond, "persisted message not resent")
}

func TestDeliveryStallNotifies(t *testing.T) {
	client, _ := newTestClient(t)

	stalled := make(chan string, 1)
	client.OnDeliveryStalled(func(localID string) { stalled <- localID })

	localID, err := client.SendMessage("alice:bob", "bob", "into the void")
	require.NoError(t, err)

	// Written but never acknowledged.
	select {
	case got := <-stalled:
		assert.Equal(t, localID, got)
	case <-time.After(time.Second):
		t.Fatal("stall notification not fired")
	}

	status, ok := client.MessageStatus(localID)
	require.True(t, ok)
	assert.Equal(t, transport.StatusSending, status, "stall must not change the status")
}

func TestOperationsBeforeInitialize(t *testing.T) {
	client := New(testOptions(transport.NewMockTransport(), queue.NewMemoryStore()))

	_, err := client.SendMessage("alice:bob", "bob", "too soon")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, client.SetTyping("alice:bob", true), ErrNotInitialized)
	assert.ErrorIs(t, client.MarkRead("srv-1"), ErrNotInitialized)
	assert.Equal(t, connection.StateDisconnected, client.ConnectionState())
}

func TestReconnectionExhaustedForwarded(t *testing.T) {
	mock := transport.NewMockTransport()
	options := testOptions(mock, queue.NewMemoryStore())
	options.MaxReconnectAttempts = 1
	client := New(options)
	require.NoError(t, client.Initialize(context.Background(), &fakeCredentials{token: "tok"}))
	t.Cleanup(client.Shutdown)

	exhausted := make(chan struct{}, 1)
	client.OnReconnectionExhausted(func() { exhausted <- struct{}{} })

	mock.OpenErr = errors.New("network down")
	mock.InjectClose(transport.CloseAbnormal, "gone")

	select {
	case <-exhausted:
	case <-time.After(time.Second):
		t.Fatal("exhausted callback not fired")
	}
	assert.Equal(t, connection.StateDisconnected, client.ConnectionState())
}
