package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades incoming connections and echoes every text frame.
type echoServer struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	headers  []http.Header
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketOpenWriteEcho(t *testing.T) {
	srv := &echoServer{}
	server := httptest.NewServer(srv)
	defer server.Close()

	tr := NewWebSocketTransport()

	received := make(chan []byte, 1)
	tr.SetMessageHandler(func(data []byte) { received <- data })
	tr.SetCloseHandler(func(code int, reason string) {})

	header := http.Header{}
	header.Set("Authorization", "Bearer tok-123")
	require.NoError(t, tr.Open(context.Background(), wsURL(server), header))
	defer tr.Close(CloseNormal)

	require.NoError(t, tr.Write([]byte(`{"type":"ping"}`)))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"ping"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.headers, 1)
	assert.Equal(t, "Bearer tok-123", srv.headers[0].Get("Authorization"))
}

func TestWebSocketOpenTwice(t *testing.T) {
	server := httptest.NewServer(&echoServer{})
	defer server.Close()

	tr := NewWebSocketTransport()
	require.NoError(t, tr.Open(context.Background(), wsURL(server), nil))
	defer tr.Close(CloseNormal)

	assert.ErrorIs(t, tr.Open(context.Background(), wsURL(server), nil), ErrAlreadyOpen)
}

func TestWebSocketWriteWhenClosed(t *testing.T) {
	tr := NewWebSocketTransport()
	assert.ErrorIs(t, tr.Write([]byte("x")), ErrNotOpen)
	assert.ErrorIs(t, tr.Close(CloseNormal), ErrNotOpen)
}

func TestWebSocketDialFailure(t *testing.T) {
	tr := NewWebSocketTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.Error(t, tr.Open(ctx, "ws://127.0.0.1:1/nope", nil))
}

func TestWebSocketServerCloseFiresHandler(t *testing.T) {
	// Server drops the connection abnormally right after upgrade.
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	tr := NewWebSocketTransport()
	closed := make(chan int, 1)
	tr.SetCloseHandler(func(code int, reason string) { closed <- code })

	require.NoError(t, tr.Open(context.Background(), wsURL(server), nil))

	select {
	case code := <-closed:
		assert.NotEqual(t, CloseNormal, code)
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not invoked")
	}
}

func TestWebSocketLocalCloseIsNormal(t *testing.T) {
	server := httptest.NewServer(&echoServer{})
	defer server.Close()

	tr := NewWebSocketTransport()
	closed := make(chan int, 1)
	tr.SetCloseHandler(func(code int, reason string) { closed <- code })

	require.NoError(t, tr.Open(context.Background(), wsURL(server), nil))
	require.NoError(t, tr.Close(CloseNormal))

	select {
	case code := <-closed:
		assert.Equal(t, CloseNormal, code)
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not invoked")
	}
}
