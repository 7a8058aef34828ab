// Package sock provides the non-blocking TCP socket primitives the
// reactors are built on.
//
// Reactors multiplex many connections on a single goroutine, so every
// socket handed to them must be non-blocking: reads and writes return
// immediately with a would-block error instead of parking the goroutine.
// This rules out net.Conn (whose deadlines park goroutines in the runtime
// poller) and is why the package works with raw file descriptors.
//
// The package has three parts:
//   - ISocket / IListener: the platform independent surface consumed by
//     the reactor, negotiation and messenger packages
//   - a Linux implementation on golang.org/x/sys/unix (non-blocking
//     connect, accept4, writev, poll based deadline waits)
//   - a stub for other platforms that fails at construction time
package sock
