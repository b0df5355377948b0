package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/mscluster/pkg/api"
	"github.com/cuemby/mscluster/pkg/client"
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Talk to peers through a running management server",
}

var clusterExecCmd = &cobra.Command{
	Use:   "exec PEER PAYLOAD",
	Short: "Run a payload on a peer and print the result",
	Long: `Run a payload on a peer through the cluster service of the local
management server and print the result.

Examples:
  # Check that management server 2 dispatches requests
  mscluster cluster exec 2 hello

  # Send a command to a named dispatcher
  mscluster cluster exec 2 '{"cmd":"sync"}' --dispatcher agent --agent-id 17`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dispatcher, _ := cmd.Flags().GetString("dispatcher")
		agentID, _ := cmd.Flags().GetInt64("agent-id")
		stopOnError, _ := cmd.Flags().GetBool("stop-on-error")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if timeout <= 0 {
			timeout = cfg.Cluster.RequestTimeout
		}

		c, err := client.NewClient(cfg.API.Addr)
		if err != nil {
			return err
		}

		// The admin call outlives the remote timeout so the server reports it
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout+5*time.Second)
		defer cancel()

		result, err := c.Exec(ctx, api.ExecRequest{
			Peer:        args[0],
			Dispatcher:  dispatcher,
			AgentID:     agentID,
			Payload:     args[1],
			StopOnError: stopOnError,
			TimeoutMs:   timeout.Milliseconds(),
		})
		if err != nil {
			return err
		}

		fmt.Println(result)
		return nil
	},
}

var clusterPingCmd = &cobra.Command{
	Use:   "ping PEER",
	Short: "Check that a peer's cluster service answers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		c, err := client.NewClient(cfg.API.Addr)
		if err != nil {
			return err
		}

		start := time.Now()
		if err := c.Ping(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("ping %s failed: %w", args[0], err)
		}
		fmt.Printf("✓ %s answered in %s\n", args[0], time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterExecCmd)
	clusterCmd.AddCommand(clusterPingCmd)

	clusterExecCmd.Flags().String("dispatcher", "", "Dispatcher to run the payload (default: the server's default dispatcher)")
	clusterExecCmd.Flags().Int64("agent-id", 0, "Agent the payload targets")
	clusterExecCmd.Flags().Bool("stop-on-error", false, "Ask the dispatcher to stop at the first failing command")
	clusterExecCmd.Flags().Duration("timeout", 0, "How long to wait for the result (default: cluster.request_timeout)")
}
