// Package connection maintains the live transport channel for a messaging
// session.
//
// # Overview
//
// [Manager] owns exactly one [transport.Transport] and drives the connection
// state machine:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connecting -> ...
//
// While connected it runs an application-level heartbeat (ping frame, bounded
// wait for the pong). A missed heartbeat or an abnormal close enters the
// reconnection loop: exponential backoff with jitter, capped delay, bounded
// attempt count. Exhausting the attempts surfaces a terminal event and stops;
// only an explicit Connect call resumes. A clean Disconnect cancels every
// pending timer before returning, so nothing can fire afterwards.
//
// Credentials come from a [CredentialProvider]; a missing or invalid token is
// a fatal connect-time error, never retried.
package connection
