package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Transport configuration struct
// --------------------------------------------------------------------------

// Config holds all configuration parameters for the transport layer.
// A Config value is treated as immutable once handed to a Messenger:
// it is copied by value into every reactor and never written afterwards,
// so the same value may be shared across any number of goroutines.
type Config struct {
	// Name is used as a prefix for reactor names and log output
	Name string

	// Reactor parameters
	NumReactors            int
	CoarseTimerGranularity time.Duration
	ConnectionKeepalive    time.Duration

	// Framing parameters
	MaxMessageSize int
	ReadBufferSize int

	// Connection establishment
	ConnectTimeout     time.Duration
	NegotiationTimeout time.Duration
	TCPNoDelay         bool

	// Call tracing
	SlowCallThreshold  time.Duration
	ForceTraceAllCalls bool

	// Service pool parameters
	ServiceWorkers     int
	ServiceQueueLength int

	// HTTP admin endpoint (metrics, rpcz, pprof), disabled when empty
	AdminEndpoint string

	// Logging configuration
	LogLevel string
}

// DefaultConfig returns a Config with defaults suitable for production use.
func DefaultConfig() Config {
	return Config{
		Name:                   "calrpc",
		NumReactors:            4,
		CoarseTimerGranularity: 100 * time.Millisecond,
		ConnectionKeepalive:    65 * time.Second,
		MaxMessageSize:         8 * 1024 * 1024,
		ReadBufferSize:         64 * 1024,
		ConnectTimeout:         15 * time.Second,
		NegotiationTimeout:     15 * time.Second,
		TCPNoDelay:             true,
		SlowCallThreshold:      10 * time.Second,
		ForceTraceAllCalls:     false,
		ServiceWorkers:         16,
		ServiceQueueLength:     1024,
		AdminEndpoint:          "",
		LogLevel:               "info",
	}
}

// Validate checks the configuration for values the transport cannot run with
func (c *Config) Validate() error {
	if c.NumReactors < 1 {
		return fmt.Errorf("config: NumReactors must be at least 1, got %d", c.NumReactors)
	}
	if c.CoarseTimerGranularity <= 0 {
		return fmt.Errorf("config: CoarseTimerGranularity must be positive, got %v", c.CoarseTimerGranularity)
	}
	if c.MaxMessageSize < 1 {
		return fmt.Errorf("config: MaxMessageSize must be at least 1 byte, got %d", c.MaxMessageSize)
	}
	if c.ReadBufferSize < 1 {
		return fmt.Errorf("config: ReadBufferSize must be at least 1 byte, got %d", c.ReadBufferSize)
	}
	if c.ServiceWorkers < 1 {
		return fmt.Errorf("config: ServiceWorkers must be at least 1, got %d", c.ServiceWorkers)
	}
	if c.ServiceQueueLength < 1 {
		return fmt.Errorf("config: ServiceQueueLength must be at least 1, got %d", c.ServiceQueueLength)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Reactor settings
	addSection("Reactors")
	addField("Name", c.Name)
	addField("Reactor Count", strconv.Itoa(c.NumReactors))
	addField("Timer Granularity", c.CoarseTimerGranularity.String())
	addField("Keepalive", c.ConnectionKeepalive.String())

	// Framing
	addSection("Framing")
	addField("Max Message Size", fmt.Sprintf("%d bytes", c.MaxMessageSize))
	addField("Read Buffer Size", fmt.Sprintf("%d bytes", c.ReadBufferSize))

	// Connection establishment
	addSection("Connections")
	addField("Connect Timeout", c.ConnectTimeout.String())
	addField("Negotiation Timeout", c.NegotiationTimeout.String())
	addField("TCP NoDelay", fmt.Sprintf("%t", c.TCPNoDelay))

	// Tracing
	addSection("Call Tracing")
	addField("Slow Call Threshold", c.SlowCallThreshold.String())
	addField("Force Trace All", fmt.Sprintf("%t", c.ForceTraceAllCalls))

	// Service pool
	addSection("Service Pool")
	addField("Workers", strconv.Itoa(c.ServiceWorkers))
	addField("Queue Length", strconv.Itoa(c.ServiceQueueLength))

	// Admin endpoint
	if c.AdminEndpoint != "" {
		addSection("Admin Endpoint")
		addField("Endpoint", c.AdminEndpoint)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
