// Package transport defines the wire protocol and the byte-level channel
// abstraction used by the chatcore messaging stack.
//
// # Overview
//
// The package has two halves. The first is the [Transport] interface, a thin
// bidirectional channel with open/write/close primitives and inbound
// callbacks. The production implementation is [WebSocketTransport]; tests use
// [MockTransport]. The second half is the wire envelope: every frame on the
// channel is a JSON object with a type tag and a payload, decoded exactly once
// at this boundary into the [Frame] tagged union so downstream components
// never re-interpret raw bytes.
//
// # Frame kinds
//
//   - "message": a chat message ([MessagePayload])
//   - "typing":  a typing indicator ([TypingPayload])
//   - "status":  a delivery-status update ([StatusPayload])
//   - "ping" / "pong": application-level heartbeat, no payload
//
// A frame with an unrecognized type fails to parse with [ErrUnknownFrame];
// callers are expected to log and drop it without tearing down the channel.
package transport
