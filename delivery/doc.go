// Package delivery is the single source of truth for a message's lifecycle
// status.
//
// [Tracker] keeps one entry per in-flight message, keyed by the
// client-generated local ID and, once the server acknowledges, by the
// server-assigned ID as well. Status updates only move forward
// (Pending < Sending < Sent < Delivered < Read); a stale or duplicated frame
// that would move a message backwards is logged and ignored. Failed is
// reachable only from Pending or Sending and is left only by an explicit
// retry.
//
// A periodic sweep flags messages stuck in Sending past the stall timeout.
// The stall signal is a prompt for the caller, not a verdict: marking a
// message Failed stays the queue's decision after its attempt budget runs
// out.
package delivery
