// Package negotiation implements the connection handshake that runs
// before a connection starts carrying calls.
//
// Both sides exchange a fixed hello consisting of the protocol magic and
// a version byte. The client sends first; the server validates the
// client's hello before answering with its own, so a stray TCP client
// never receives bytes from a calrpc server. The handshake runs on its
// own goroutine over a socket that is not yet registered with any
// poller, bounded by the deadline the reactor hands in. Validation of
// peer identity beyond the protocol itself (authentication, TLS) is out
// of scope here; the negotiator interface accepts alternative
// implementations for that.
package negotiation
