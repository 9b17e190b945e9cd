// Package typing turns the high-frequency local "user is editing" signal
// into low-frequency network chatter, and turns network typing frames into a
// clean view of who is typing.
//
// Outbound, [Coordinator.NotifyTyping] sends one start frame and arms a
// quiet timer; further keystrokes inside the window only reset the timer.
// When the window lapses, or [Coordinator.StopTyping] is called on send or
// blur, a single stop frame goes out.
//
// Inbound, remote signals live in an in-memory map and are never persisted.
// A periodic sweep expires entries that are not refreshed inside the typing
// timeout and emits a synthetic stop event, so subscribers never poll for
// expiry and a peer that silently disappears still stops "typing".
package typing
