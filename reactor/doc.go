// Package reactor implements the event-driven connection core of the
// transport: a fixed pool of single goroutine event loops that own TCP
// connections, multiplex socket readiness, enforce message framing, and
// drive the lifecycle of inbound and outbound calls.
//
// Each Reactor pairs a thread-safe front door with one ReactorThread, a
// goroutine running an edge-triggered poll loop. Everything a thread owns
// (connections, timers, in-flight call registries) is touched only from
// that goroutine, which removes the need for per-connection locking.
// Cross goroutine interaction happens exclusively through the explicit
// entry points on Reactor: task scheduling, outbound call submission,
// delayed task cancellation, and shutdown.
//
// Main components:
//
//   - Reactor: thread-safe façade. Schedules tasks onto the loop, queues
//     outbound calls, runs synchronous introspection via
//     RunOnReactorThread, and coordinates shutdown.
//
//   - ReactorThread: the event loop itself. Owns the poller, the
//     connection maps, the timer heap, and the outbound call queue.
//
//   - Connection: one socket peer with a NEGOTIATING/OPEN/CLOSING state
//     machine, owned by exactly one ReactorThread for its whole life.
//
//   - ConnectionContext: framing layer on a connection. Slices the byte
//     stream into frames, dispatches them in arrival order, and keeps the
//     registry of in-flight inbound calls with duplicate id detection.
//
//   - InboundCall / OutboundCall: per request lifecycle on the server and
//     client side respectively, both with exactly-once completion.
//
//   - DelayedTask: deferred work with cooperative cross goroutine
//     cancellation arbitrated by an exclusive done flag.
package reactor
