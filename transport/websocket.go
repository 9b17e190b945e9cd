package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

// WebSocketTransport implements Transport over a WebSocket connection.
// A single read loop goroutine delivers inbound frames in arrival order;
// writes are serialized by a mutex.
type WebSocketTransport struct {
	mu             sync.Mutex
	conn           *websocket.Conn
	dialer         *websocket.Dialer
	messageHandler MessageHandler
	closeHandler   CloseHandler
	closed         bool
}

// NewWebSocketTransport creates a transport using the default dialer.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{dialer: websocket.DefaultDialer}
}

// SetMessageHandler implements Transport.SetMessageHandler.
func (t *WebSocketTransport) SetMessageHandler(handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// SetCloseHandler implements Transport.SetCloseHandler.
func (t *WebSocketTransport) SetCloseHandler(handler CloseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// Open implements Transport.Open. The context bounds the WebSocket handshake.
func (t *WebSocketTransport) Open(ctx context.Context, url string, header http.Header) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return ErrAlreadyOpen
	}
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "WebSocketTransport.Open",
		"url":      url,
	}).Info("Opening WebSocket connection")

	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

// Write implements Transport.Write.
func (t *WebSocketTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotOpen
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close implements Transport.Close. A close frame with the given code is sent
// before the underlying connection is torn down.
func (t *WebSocketTransport) Close(code int) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.closed = true
	t.mu.Unlock()

	if conn == nil {
		return ErrNotOpen
	}

	deadline := time.Now().Add(writeTimeout)
	message := websocket.FormatCloseMessage(code, "")
	if err := conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "WebSocketTransport.Close",
			"error":    err.Error(),
		}).Debug("Close frame write failed, tearing down anyway")
	}
	return conn.Close()
}

// readLoop pumps inbound frames until the connection dies. It fires the close
// handler exactly once, with the close code extracted from the read error.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleReadError(conn, err)
			return
		}

		t.mu.Lock()
		handler := t.messageHandler
		t.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

func (t *WebSocketTransport) handleReadError(conn *websocket.Conn, err error) {
	t.mu.Lock()
	intentional := t.closed
	if t.conn == conn {
		t.conn = nil
	}
	closeHandler := t.closeHandler
	t.mu.Unlock()

	// Close() already tore the connection down; the read error is just the
	// loop noticing. Surface intentional closes as CloseNormal.
	code := CloseAbnormal
	reason := err.Error()
	if closeErr, ok := err.(*websocket.CloseError); ok {
		code = closeErr.Code
		reason = closeErr.Text
	}
	if intentional {
		code = CloseNormal
	}

	logrus.WithFields(logrus.Fields{
		"function": "WebSocketTransport.readLoop",
		"code":     code,
		"reason":   reason,
	}).Info("WebSocket connection closed")

	if closeHandler != nil {
		closeHandler(code, reason)
	}
}
