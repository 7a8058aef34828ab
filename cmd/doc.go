// Package cmd implements the command-line interface for the calrpc
// transport. It provides a hierarchical command structure with operations
// for running a server and calling into one as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring a calrpc server
//   - call: Commands for sending calls to a running server (invoke, ping, status, perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See calrpc -help for a list of all commands.
package cmd
