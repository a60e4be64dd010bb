// Package sessions owns the table of open agent sessions. A session binds
// one authenticated SSE stream to the workspace policy snapshot taken when
// the stream opened, and serializes the messages posted for it.
//
// Layers & Roles
//
//	Transport -> authenticates, opens the stream, posts raw messages
//	Manager   -> sole owner of the session table (open / dispatch / close)
//	Session   -> per-connection view: identity, policy, guarded writes
//	Handler   -> protocol layer invoked for each posted message
//
// # Lifecycle
//
// A session moves Connecting -> Open -> Closed. Open runs the transport's
// announce callback while the session is Connecting and only then inserts it
// into the table, so a session that fails to announce never becomes
// visible. Closed is terminal and reached exactly once, through Close,
// Shutdown, cancellation of the stream context or a failed write. Removal from
// the table happens under the same lock Dispatch holds, so no message is
// queued to a session after it is torn down.
//
// # Ordering
//
// Each session owns a bounded inbox drained by a single worker goroutine, so
// messages posted to one session are handled strictly in receipt order.
// Different sessions proceed independently.
package sessions
