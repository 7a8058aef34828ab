// Package wire defines the binary on-the-wire format of the transport.
//
// Every message travels as a frame: a 4 byte big endian length prefix
// followed by that many payload bytes. The payload itself starts with a
// length prefixed header (RequestHeader on the server direction,
// ResponseHeader on the client direction) followed by the message body
// and, for responses, optional sidecar regions addressed by offsets in
// the header.
//
// The package is pure data plumbing: it never touches sockets and has no
// internal state, so all functions are safe for concurrent use.
package wire
