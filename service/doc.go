// Package service provides the consuming pipeline for inbound calls: a
// bounded worker pool in front of a method registry. Reactor goroutines
// hand parsed calls to the pool and return to their event loops
// immediately; workers look up the registered handler and produce the
// response.
//
// The package focuses on:
//   - Decoupling request processing from the reactor event loops
//   - Bounding the amount of admitted but unprocessed work
//   - Enforcing client deadlines before any handler work is spent
//   - Exposing processing statistics without locking the hot path
//
// Key Components:
//
//   - ICall: The slice of an inbound call the pool works with. Satisfied
//     by the reactor's inbound call type; tests substitute their own.
//
//   - Handler: One method implementation. Receives the call, returns the
//     response body or an error. The pool turns the return value into the
//     wire response, so handlers never touch serialization.
//
//   - Pool: The worker pool itself. Implements the reactor's inbound
//     handler interface, so a pool can be passed directly to a reactor or
//     messenger at construction.
//
// Admission Control:
//
//	The queue between reactors and workers is bounded. A full queue
//	rejects the call with an error response instead of blocking the
//	reactor goroutine; a call whose client deadline expired while it
//	waited is answered with a timeout without invoking its handler. Once
//	the pool is closing, new calls are rejected but everything already
//	admitted is still processed before Close returns.
//
// Usage:
//
//	pool := service.NewPool(cfg)
//	pool.Register("echo", "ping", func(call service.ICall) ([]byte, error) {
//		return call.Body(), nil
//	})
//	// hand the pool to the transport as its inbound handler, then:
//	pool.Close()
package service
