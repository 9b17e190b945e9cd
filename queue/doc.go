// Package queue guarantees outgoing messages survive disconnects and process
// restarts.
//
// # Overview
//
// [Queue] is a durable FIFO of not-yet-acknowledged outgoing messages. Every
// mutation is written through a [Store]; [FileStore] persists to a JSON file
// with atomic replace, [MemoryStore] backs tests and ephemeral sessions.
//
// Flushing is strictly in order: a head-of-line message that cannot be sent
// stops the pass so conversational order is preserved. Callers that want
// unrelated conversations delivered independently run one Queue per
// conversation.
//
// A message leaves the queue only when its status reaches Sent or higher, or
// when the caller discards it. The queue is bounded: inserting past the limit
// evicts the oldest Failed entry if one exists, otherwise the oldest entry,
// and reports the eviction through the event callback so the loss is never
// silent.
package queue
