package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cuemby/mscluster/pkg/api"
	"github.com/cuemby/mscluster/pkg/client"
	"github.com/cuemby/mscluster/pkg/config"
	"github.com/cuemby/mscluster/pkg/events"
	"github.com/cuemby/mscluster/pkg/heartbeat"
	"github.com/cuemby/mscluster/pkg/log"
	"github.com/cuemby/mscluster/pkg/manager"
	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/storage"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the clean leave after a signal
const shutdownTimeout = 30 * time.Second

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run and inspect management servers",
}

var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this management server",
	Long: `Start a management server.

The server registers in the peer registry under a new run id, starts the
cluster service and the heartbeat loop, and serves the admin API. It leaves
the cluster cleanly on SIGINT or SIGTERM.

If the server detects that it has been isolated it exits with status 219.
Run it under a supervisor that restarts it.`,
	RunE: runNodeStart,
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List management servers in the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")

		c, err := client.NewClient(cfg.API.Addr)
		if err != nil {
			return err
		}
		nodes, self, err := c.ListNodes(cmd.Context(), all)
		if err != nil {
			return err
		}

		printNodes(nodes, self)
		return nil
	},
}

var nodeRemoveCmd = &cobra.Command{
	Use:   "remove MSID",
	Short: "Remove a Down management server from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msid, err := types.ParsePeerName(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		c, err := client.NewClient(cfg.API.Addr)
		if err != nil {
			return err
		}
		if err := c.RemoveNode(cmd.Context(), msid); err != nil {
			return fmt.Errorf("failed to remove management server %d: %w", msid, err)
		}

		fmt.Printf("✓ Management server %d removed\n", msid)
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeStartCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeRemoveCmd)

	nodeListCmd.Flags().Bool("all", false, "Include removed management servers")
}

func runNodeStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := log.WithNodeID(cfg.Node.MsID)
	metrics.SetVersion(cfg.Node.Version)

	store, err := storage.Open(cfg.StorageOptions())
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentRegistry, false, err.Error())
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	mgr, err := manager.NewManager(managerConfig(cfg, store, broker))
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	apiServer := api.NewServer(mgr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			return fmt.Errorf("admin API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logEvents(gctx, broker)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), mgr.Stop(shutdownCtx))
	})

	return g.Wait()
}

func managerConfig(cfg *config.Config, store storage.Store, broker *events.Broker) *manager.Config {
	return &manager.Config{
		MsID:        cfg.Node.MsID,
		Name:        cfg.Node.Name,
		Version:     cfg.Node.Version,
		ServiceIP:   cfg.Cluster.ServiceIP,
		ServicePort: cfg.Cluster.ServicePort,
		Heartbeat: heartbeat.Config{
			Interval:       cfg.Cluster.HeartbeatInterval,
			Threshold:      cfg.Cluster.HeartbeatThreshold,
			PingBeforeDown: cfg.Cluster.PingBeforeDown,
		},
		RequestTimeout:    cfg.Cluster.RequestTimeout,
		PingTimeout:       cfg.Cluster.PingTimeout,
		Workers:           cfg.Cluster.Workers,
		DefaultDispatcher: cfg.Cluster.DefaultDispatcher,
		Store:             store,
		Broker:            broker,
	}
}

// logEvents writes cluster events to the log until ctx is done.
// Alerts are logged at warn level so operators see them.
func logEvents(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	logger := log.WithComponent("events")

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			entry := logger.Debug()
			if ev.IsAlert() {
				entry = logger.Warn()
			}
			entry.Str("type", string(ev.Type)).Str("event_id", ev.ID).Interface("metadata", ev.Metadata).Msg(ev.Message)
		case <-ctx.Done():
			return
		}
	}
}

func printNodes(nodes []*types.ManagementServerNode, self int64) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MSID\tNAME\tADDRESS\tSTATE\tRUN ID\tLAST HEARTBEAT\tALERTS\tVERSION")
	for _, n := range nodes {
		id := strconv.FormatInt(n.MsID, 10)
		if n.MsID == self {
			id += " *"
		}
		state := string(n.State)
		if n.IsRemoved() {
			state = "Removed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			id, n.Name, n.ServiceAddr(), state, n.RunID,
			n.LastUpdate.Format(time.RFC3339), n.AlertCount, n.Version)
	}
	_ = w.Flush()
}
