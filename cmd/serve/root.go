package serve

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/calderadb/calrpc/cmd/util"
	"github.com/calderadb/calrpc/common"
	"github.com/calderadb/calrpc/messenger"
	"github.com/calderadb/calrpc/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.Config{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a calrpc server",
		Long:    `Start a calrpc server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is CALRPC_<flag> (e.g. CALRPC_REACTORS=8)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitEnv)

	// add the shared transport flags
	util.SetupTransportFlags(ServeCmd)

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:7490", util.WrapString("The address on which the server will listen for RPC connections"))

	key = "admin-endpoint"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("The address on which the HTTP admin endpoint (/metrics, /rpcz, /debug/pprof) will listen. Disabled when empty"))

	key = "service-workers"
	ServeCmd.PersistentFlags().Int(key, 16, util.WrapString("Number of worker goroutines that execute inbound calls"))

	key = "service-queue"
	ServeCmd.PersistentFlags().Int(key, 1024, util.WrapString("Length of the inbound call queue. Calls arriving while the queue is full are rejected"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts it to the transport configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig = util.GetTransportConfig("calrpc")
	serveCmdConfig.ServiceWorkers = viper.GetInt("service-workers")
	serveCmdConfig.ServiceQueueLength = viper.GetInt("service-queue")
	serveCmdConfig.AdminEndpoint = viper.GetString("admin-endpoint")

	return serveCmdConfig.Validate()
}

// run starts the calrpc server and blocks until it is interrupted
func run(_ *cobra.Command, _ []string) error {
	// configure log levels before anything starts logging
	common.InitLoggers(serveCmdConfig.LogLevel)

	// create the service pool and register the built-in methods
	pool := service.NewPool(serveCmdConfig)
	if err := registerBuiltins(pool); err != nil {
		return err
	}

	// create the messenger with the pool as the inbound call sink
	m, err := messenger.New(serveCmdConfig, pool)
	if err != nil {
		return err
	}

	// start listening
	endpoint := viper.GetString("endpoint")
	if err := m.Listen(endpoint); err != nil {
		m.Shutdown()
		return err
	}

	fmt.Println(serveCmdConfig.String())
	fmt.Printf("listening on %s\n", m.Addr())
	if addr := m.AdminAddr(); addr != "" {
		fmt.Printf("admin endpoint on http://%s\n", addr)
	}

	// block until interrupted
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down...")
	m.Shutdown()
	pool.Close()

	return nil
}

// registerBuiltins adds the methods every calrpc server answers:
// echo.ping echoes the request body, server.status returns the
// aggregated reactor metrics as JSON.
func registerBuiltins(pool *service.Pool) error {
	if err := pool.Register("echo", "ping", func(call service.ICall) ([]byte, error) {
		return call.Body(), nil
	}); err != nil {
		return err
	}

	return pool.Register("server", "status", func(call service.ICall) ([]byte, error) {
		return json.Marshal(struct {
			Methods []string            `json:"methods"`
			Pool    service.PoolMetrics `json:"pool"`
		}{
			Methods: pool.Methods(),
			Pool:    pool.Metrics(),
		})
	})
}
