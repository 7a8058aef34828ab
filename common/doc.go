// Package common provides core data structures and utilities shared across
// the calrpc transport layer. It defines the transport configuration,
// the status error kinds used on every failure path, and the custom
// logging implementation used by all other packages.
//
// The package focuses on:
//   - Configuration for reactors, connections and the service pool
//   - Status errors: typed error kinds (network, corruption, shutdown,
//     timeout, aborted) with wrap helpers and kind predicates
//   - Custom logging implementation integrated with Dragonboat's logger
//
// Key Components:
//
//   - Config: Comprehensive configuration for the transport, including
//     reactor counts, framing limits, timer granularities, call tracing
//     thresholds, and service pool sizing. DefaultConfig returns values
//     suitable for production use.
//
//   - Status errors: All failures produced by the transport wrap one of
//     the exported sentinel errors so callers can branch on the kind
//     with errors.Is regardless of the wrapping depth.
//
//   - Logger: Custom logging implementation that integrates with
//     Dragonboat's logging system while providing consistent formatting
//     across the application.
package common
