// Package poll wraps the kernel's readiness notification facility behind
// a small interface the reactors drive their event loops with.
//
// The Linux implementation uses epoll in edge-triggered mode with an
// eventfd for cross goroutine wakeups. Edge-triggered delivery means a
// readiness event is reported once per state change, so consumers must
// drain sockets until they would block before polling again.
//
// All methods except Wake must be called from the single goroutine that
// owns the poller; Wake may be called from anywhere.
package poll
