package cmd

import (
	"fmt"
	"os"

	"github.com/calderadb/calrpc/cmd/call"
	"github.com/calderadb/calrpc/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "calrpc",
		Short: "RPC transport for CalderaDB",
		Long: fmt.Sprintf(`calrpc (v%s)

The network transport of the CalderaDB distributed key-value store:
reactor event loops, length-prefixed framing and call dispatch over TCP.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of calrpc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("calrpc v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(call.CallCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
