package call

import (
	"time"

	"github.com/calderadb/calrpc/cmd/util"
	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/messenger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	client *messenger.Messenger

	// CallCommands represents the call command group
	CallCommands = &cobra.Command{
		Use:               "call",
		Short:             "Send RPC calls to a calrpc server",
		PersistentPreRunE: setupClient,
		PersistentPostRun: teardownClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitEnv)

	// Add common transport flags to the call command
	util.SetupTransportFlags(CallCommands)

	CallCommands.PersistentFlags().Int("timeout", 10, util.WrapString("The timeout in seconds for a single call. Set to 0 to wait forever"))

	// Add subcommands
	CallCommands.AddCommand(invokeCmd)
	CallCommands.AddCommand(pingCmd)
	CallCommands.AddCommand(statusCmd)
	CallCommands.AddCommand(perfTestCmd)
}

// setupClient creates the messenger all subcommands send through
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Get client configuration
	config := util.GetTransportConfig("calrpc-cli")
	common.InitLoggers(config.LogLevel)

	// Create the client messenger (no inbound handler, outbound only)
	var err error
	client, err = messenger.New(config, nil)

	return err
}

// teardownClient shuts the messenger down after the subcommand finished
func teardownClient(_ *cobra.Command, _ []string) {
	if client != nil {
		client.Shutdown()
	}
}

// callTimeout returns the configured per-call timeout
func callTimeout() time.Duration {
	return time.Duration(viper.GetInt("timeout")) * time.Second
}
