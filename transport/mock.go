package transport

import (
	"context"
	"net/http"
	"sync"
)

// MockTransport implements Transport for testing. Written frames are
// recorded; inbound frames and closes are injected by the test.
type MockTransport struct {
	mu             sync.Mutex
	open           bool
	written        [][]byte
	messageHandler MessageHandler
	closeHandler   CloseHandler

	// OpenErr, when set, is returned by Open.
	OpenErr error
	// WriteErr, when set, is returned by Write.
	WriteErr error
	// OpenDelay, when set, blocks Open until the context is done or the
	// channel is closed by the test.
	OpenDelay chan struct{}
}

// NewMockTransport creates an unopened mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Open implements Transport.Open.
func (m *MockTransport) Open(ctx context.Context, url string, header http.Header) error {
	if m.OpenDelay != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.OpenDelay:
		}
	}
	if m.OpenErr != nil {
		return m.OpenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return ErrAlreadyOpen
	}
	m.open = true
	return nil
}

// Write implements Transport.Write.
func (m *MockTransport) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	if m.WriteErr != nil {
		return m.WriteErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.written = append(m.written, buf)
	return nil
}

// Close implements Transport.Close. The close handler is not invoked for
// intentional closes, matching a clean local shutdown.
func (m *MockTransport) Close(code int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNotOpen
	}
	m.open = false
	return nil
}

// SetMessageHandler implements Transport.SetMessageHandler.
func (m *MockTransport) SetMessageHandler(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageHandler = handler
}

// SetCloseHandler implements Transport.SetCloseHandler.
func (m *MockTransport) SetCloseHandler(handler CloseHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeHandler = handler
}

// IsOpen reports whether the transport is currently open.
func (m *MockTransport) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Written returns a copy of all raw frames written so far.
func (m *MockTransport) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// WrittenFrames parses and returns all written frames, skipping any that do
// not parse.
func (m *MockTransport) WrittenFrames() []*Frame {
	var frames []*Frame
	for _, data := range m.Written() {
		if frame, err := Parse(data); err == nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

// Reset discards the recorded writes.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = nil
}

// InjectFrame delivers an encoded frame to the message handler, as if it
// arrived from the peer.
func (m *MockTransport) InjectFrame(frame *Frame) error {
	data, err := Encode(frame)
	if err != nil {
		return err
	}
	m.InjectRaw(data)
	return nil
}

// InjectRaw delivers raw bytes to the message handler.
func (m *MockTransport) InjectRaw(data []byte) {
	m.mu.Lock()
	handler := m.messageHandler
	m.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

// InjectClose simulates the peer closing the channel with the given code.
func (m *MockTransport) InjectClose(code int, reason string) {
	m.mu.Lock()
	m.open = false
	handler := m.closeHandler
	m.mu.Unlock()
	if handler != nil {
		handler(code, reason)
	}
}
