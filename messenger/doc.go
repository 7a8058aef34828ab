// Package messenger provides the top level transport facade: a fixed set
// of reactors, an acceptor feeding them inbound connections, the outbound
// call API, and an optional HTTP admin endpoint.
//
// The package focuses on:
//   - Owning reactor lifecycle, so callers start and stop one object
//   - Spreading connections over the reactors deterministically
//   - Keeping the data path free of any listener or HTTP machinery
//   - Surfacing transport state for operators without touching the loops
//
// Key Components:
//
//   - Messenger: The facade itself. Created with a config and an inbound
//     handler, it starts one event loop per configured reactor, each with
//     the default connection handshake installed.
//
//   - Acceptor: A single goroutine waiting on the listening socket. Each
//     accepted connection is handed to a reactor round robin; the reactor
//     negotiates and owns it from there.
//
//   - Outbound routing: Every connection identity hashes to exactly one
//     reactor, so repeated calls to the same peer reuse one connection and
//     all of its state stays on one goroutine.
//
//   - Admin endpoint: When configured, an HTTP listener serving Prometheus
//     metrics under /metrics, a JSON dump of in flight calls under /rpcz,
//     and the standard pprof handlers under /debug/pprof/.
//
// Usage:
//
//	pool := service.NewPool(cfg)
//	pool.Register("echo", "ping", echoHandler)
//
//	m, err := messenger.New(cfg, pool)
//	if err != nil { ... }
//	if err := m.Listen("0.0.0.0:7450"); err != nil { ... }
//
//	body, _, err := m.Call(
//		reactor.ConnectionId{Remote: "10.0.0.7:7450"},
//		"echo", "ping", []byte("hello"), 5*time.Second,
//	)
//
//	m.Shutdown()
package messenger
