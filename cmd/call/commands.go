package call

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calderadb/calrpc/cmd/util"
	"github.com/calderadb/calrpc/reactor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	invokeCmd = &cobra.Command{
		Use:   "invoke [address] [service] [method] [payload]",
		Short: "Invokes a method on a remote server",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 4 {
				payload = []byte(args[3])
			}
			connID := reactor.ConnectionId{Remote: args[0]}
			body, sidecars, err := client.Call(connID, args[1], args[2], payload, callTimeout())
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", body)
			for i, sidecar := range sidecars {
				fmt.Printf("sidecar %d: %s\n", i, sidecar)
			}
			return nil
		},
	}
	pingCmd = &cobra.Command{
		Use:   "ping [address]",
		Short: "Measures the round trip time to a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := viper.GetInt("count")
			interval := time.Duration(viper.GetInt("interval")) * time.Millisecond
			connID := reactor.ConnectionId{Remote: args[0]}

			var minRtt, maxRtt, total time.Duration
			received := 0
			for seq := 0; seq < count; seq++ {
				start := time.Now()
				_, _, err := client.Call(connID, "echo", "ping", nil, callTimeout())
				rtt := time.Since(start)

				if err != nil {
					fmt.Printf("ping %s: seq=%d error: %v\n", args[0], seq, err)
				} else {
					fmt.Printf("ping %s: seq=%d time=%v\n", args[0], seq, rtt)
					received++
					total += rtt
					if minRtt == 0 || rtt < minRtt {
						minRtt = rtt
					}
					if rtt > maxRtt {
						maxRtt = rtt
					}
				}

				if seq < count-1 {
					time.Sleep(interval)
				}
			}

			fmt.Printf("\n%d sent, %d received\n", count, received)
			if received > 0 {
				fmt.Printf("rtt min=%v avg=%v max=%v\n", minRtt, total/time.Duration(received), maxRtt)
			}
			if received < count {
				return fmt.Errorf("%d of %d pings failed", count-received, count)
			}
			return nil
		},
	}
	statusCmd = &cobra.Command{
		Use:   "status [address]",
		Short: "Queries a server for its registered methods and pool statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connID := reactor.ConnectionId{Remote: args[0]}
			body, _, err := client.Call(connID, "server", "status", nil, callTimeout())
			if err != nil {
				return err
			}

			// pretty-print the JSON response
			var out bytes.Buffer
			if err := json.Indent(&out, body, "", "  "); err != nil {
				fmt.Printf("%s\n", body)
				return nil
			}
			fmt.Println(out.String())
			return nil
		},
	}
)

func init() {
	// add flags
	key := "count"
	pingCmd.Flags().Int(key, 5, util.WrapString("Number of pings to send"))

	key = "interval"
	pingCmd.Flags().Int(key, 1000, util.WrapString("Time between pings (in milliseconds)"))
}
