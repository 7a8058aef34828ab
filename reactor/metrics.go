package reactor

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Counters
// --------------------------------------------------------------------------

// threadMetrics holds the per-reactor counters, exported under the
// reactor label on the shared metrics endpoint
type threadMetrics struct {
	connectionsAccepted  *metrics.Counter
	connectionsCreated   *metrics.Counter
	connectionsDestroyed *metrics.Counter
	inboundCalls         *metrics.Counter
	outboundCalls        *metrics.Counter
	callTimeouts         *metrics.Counter
}

func newThreadMetrics(name string) *threadMetrics {
	counter := func(metric string) *metrics.Counter {
		return metrics.GetOrCreateCounter(fmt.Sprintf(`calrpc_%s_total{reactor=%q}`, metric, name))
	}
	return &threadMetrics{
		connectionsAccepted:  counter("connections_accepted"),
		connectionsCreated:   counter("connections_created"),
		connectionsDestroyed: counter("connections_destroyed"),
		inboundCalls:         counter("inbound_calls"),
		outboundCalls:        counter("outbound_calls"),
		callTimeouts:         counter("call_timeouts"),
	}
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// ReactorMetrics is a point-in-time snapshot of one event loop
type ReactorMetrics struct {
	Name                  string `json:"name"`
	NumServerConnections  int    `json:"num_server_connections"`
	NumClientConnections  int    `json:"num_client_connections"`
	NumWaitingConnections int    `json:"num_waiting_connections"`
	NumScheduledTasks     int    `json:"num_scheduled_tasks"`
}

// CallDump describes one in-flight inbound call
type CallDump struct {
	CallID        uint64 `json:"call_id"`
	Service       string `json:"service"`
	Method        string `json:"method"`
	State         string `json:"state"`
	ElapsedMillis int64  `json:"elapsed_millis"`
}

// ConnectionDump describes one connection with its in-flight work
type ConnectionDump struct {
	Remote           string     `json:"remote"`
	Direction        string     `json:"direction"`
	State            string     `json:"state"`
	LastActivity     time.Time  `json:"last_activity"`
	InFlightCalls    []CallDump `json:"in_flight_calls,omitempty"`
	AwaitingResponse []uint64   `json:"awaiting_response,omitempty"`
}

// ReactorDump describes every connection of one event loop
type ReactorDump struct {
	Name        string           `json:"name"`
	Connections []ConnectionDump `json:"connections,omitempty"`
}
