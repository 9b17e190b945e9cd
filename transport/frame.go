package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType tags the wire envelope.
type FrameType string

const (
	// FrameMessage carries a chat message.
	FrameMessage FrameType = "message"
	// FrameTyping carries a typing indicator.
	FrameTyping FrameType = "typing"
	// FrameStatus carries a delivery-status update.
	FrameStatus FrameType = "status"
	// FramePing is an application-level heartbeat probe.
	FramePing FrameType = "ping"
	// FramePong answers a ping.
	FramePong FrameType = "pong"
)

// Status is the delivery state of a message. The ordering is significant:
// states only ever advance (Pending < Sending < Sent < Delivered < Read),
// with Failed as an explicit terminal state outside the ordering.
type Status uint8

const (
	// StatusPending means the message is queued and has not been written.
	StatusPending Status = iota
	// StatusSending means the message was written but not acknowledged.
	StatusSending
	// StatusSent means the server acknowledged receipt.
	StatusSent
	// StatusDelivered means the recipient's device received the message.
	StatusDelivered
	// StatusRead means the recipient read the message.
	StatusRead
	// StatusFailed means sending was abandoned after repeated failures.
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalJSON encodes the status as its wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("cannot marshal %s", s)
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a wire status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", name)
}

// MessagePayload is the body of a "message" frame. Outbound frames carry
// LocalID so the server can echo it back in the acknowledgment; the server
// assigns ServerID on first receipt.
type MessagePayload struct {
	LocalID         string    `json:"localId,omitempty"`
	ServerID        string    `json:"serverId,omitempty"`
	SenderID        string    `json:"senderId"`
	RecipientID     string    `json:"recipientId"`
	ConversationKey string    `json:"conversationKey"`
	Content         string    `json:"content"`
	SentAt          time.Time `json:"sentAt"`
}

// TypingPayload is the body of a "typing" frame.
type TypingPayload struct {
	PeerID          string `json:"peerId"`
	ConversationKey string `json:"conversationKey"`
	IsTyping        bool   `json:"isTyping"`
}

// StatusPayload is the body of a "status" frame. MessageID may be either the
// client-generated local ID or the server-assigned ID.
type StatusPayload struct {
	MessageID string `json:"messageId"`
	Status    Status `json:"status"`
}

// Frame is the decoded wire envelope. Exactly one payload field matching Type
// is non-nil; ping and pong frames have no payload.
type Frame struct {
	Type    FrameType
	Message *MessagePayload
	Typing  *TypingPayload
	Status  *StatusPayload
}

type envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Parse decodes a raw frame into the tagged union. Unrecognized frame types
// return an error wrapping ErrUnknownFrame.
func Parse(data []byte) (*Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	frame := &Frame{Type: env.Type}
	switch env.Type {
	case FrameMessage:
		frame.Message = &MessagePayload{}
		if err := json.Unmarshal(env.Payload, frame.Message); err != nil {
			return nil, fmt.Errorf("malformed message payload: %w", err)
		}
	case FrameTyping:
		frame.Typing = &TypingPayload{}
		if err := json.Unmarshal(env.Payload, frame.Typing); err != nil {
			return nil, fmt.Errorf("malformed typing payload: %w", err)
		}
	case FrameStatus:
		frame.Status = &StatusPayload{}
		if err := json.Unmarshal(env.Payload, frame.Status); err != nil {
			return nil, fmt.Errorf("malformed status payload: %w", err)
		}
	case FramePing, FramePong:
		// No payload.
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
	return frame, nil
}

// Encode serializes a frame for the wire.
func Encode(frame *Frame) ([]byte, error) {
	env := envelope{Type: frame.Type}

	var payload interface{}
	switch frame.Type {
	case FrameMessage:
		payload = frame.Message
	case FrameTyping:
		payload = frame.Typing
	case FrameStatus:
		payload = frame.Status
	case FramePing, FramePong:
		payload = nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, frame.Type)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", frame.Type, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// NewMessageFrame wraps a message payload in a frame.
func NewMessageFrame(payload MessagePayload) *Frame {
	return &Frame{Type: FrameMessage, Message: &payload}
}

// NewTypingFrame builds a typing indicator frame.
func NewTypingFrame(peerID, conversationKey string, isTyping bool) *Frame {
	return &Frame{Type: FrameTyping, Typing: &TypingPayload{
		PeerID:          peerID,
		ConversationKey: conversationKey,
		IsTyping:        isTyping,
	}}
}

// NewStatusFrame builds a delivery-status frame.
func NewStatusFrame(messageID string, status Status) *Frame {
	return &Frame{Type: FrameStatus, Status: &StatusPayload{
		MessageID: messageID,
		Status:    status,
	}}
}

// NewPingFrame builds a heartbeat probe.
func NewPingFrame() *Frame { return &Frame{Type: FramePing} }

// NewPongFrame builds a heartbeat answer.
func NewPongFrame() *Frame { return &Frame{Type: FramePong} }
