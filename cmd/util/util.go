package util

import (
	"strings"
	"time"

	"github.com/calderadb/calrpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupTransportFlags adds the common transport flags to a command
func SetupTransportFlags(cmd *cobra.Command) {
	key := "reactors"
	cmd.PersistentFlags().Int(key, 4, WrapString("Number of reactor threads. Each reactor runs its own event loop and owns a share of all connections"))

	key = "max-message-size"
	cmd.PersistentFlags().Int(key, 8, WrapString("Maximum size of a single RPC frame (in MB). Frames larger than this cause the connection to be closed"))

	key = "read-buffer"
	cmd.PersistentFlags().Int(key, 64, WrapString("The size of the per-connection read buffer (in KB)"))

	key = "connect-timeout"
	cmd.PersistentFlags().Int(key, 15, WrapString("How long to wait for an outbound TCP connect to complete (in seconds)"))

	key = "negotiation-timeout"
	cmd.PersistentFlags().Int(key, 15, WrapString("How long a new connection may spend in the protocol handshake before it is destroyed (in seconds)"))

	key = "keepalive"
	cmd.PersistentFlags().Int(key, 65, WrapString("Connections idle for longer than this are closed (in seconds). Set to 0 to keep idle connections open forever"))

	key = "timer-granularity"
	cmd.PersistentFlags().Int(key, 100, WrapString("Resolution of call timeouts and delayed tasks (in milliseconds). Smaller values give more precise timeouts at the cost of more reactor wakeups"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY on all connections"))

	key = "slow-call-threshold"
	cmd.PersistentFlags().Int(key, 10, WrapString("Inbound calls that take longer than this are logged with their full event trace (in seconds)"))

	key = "force-trace"
	cmd.PersistentFlags().Bool(key, false, WrapString("Log the full event trace of every call, not just slow ones"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitEnv initializes configuration from environment variables
func InitEnv() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("calrpc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetTransportConfig reads transport configuration from viper
func GetTransportConfig(name string) common.Config {
	conf := common.DefaultConfig()

	conf.Name = name
	conf.NumReactors = viper.GetInt("reactors")
	conf.MaxMessageSize = viper.GetInt("max-message-size") * 1024 * 1024
	conf.ReadBufferSize = viper.GetInt("read-buffer") * 1024
	conf.ConnectTimeout = time.Duration(viper.GetInt("connect-timeout")) * time.Second
	conf.NegotiationTimeout = time.Duration(viper.GetInt("negotiation-timeout")) * time.Second
	conf.ConnectionKeepalive = time.Duration(viper.GetInt("keepalive")) * time.Second
	conf.CoarseTimerGranularity = time.Duration(viper.GetInt("timer-granularity")) * time.Millisecond
	conf.TCPNoDelay = viper.GetBool("tcp-nodelay")
	conf.SlowCallThreshold = time.Duration(viper.GetInt("slow-call-threshold")) * time.Second
	conf.ForceTraceAllCalls = viper.GetBool("force-trace")
	conf.LogLevel = viper.GetString("log-level")

	return conf
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
