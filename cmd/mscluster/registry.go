package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/mscluster/pkg/log"
	"github.com/cuemby/mscluster/pkg/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Serve the peer registry",
}

var registryServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a local registry to management servers using the remote backend",
	Long: `Serve a bolt or badger registry over gRPC.

Management servers configured with storage.backend=remote and
storage.registry_addr pointing here share this registry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Storage.Backend == storage.BackendRemote {
			return fmt.Errorf("registry serve needs a local backend, not %q", cfg.Storage.Backend)
		}
		if err := cfg.ValidateStorage(); err != nil {
			return err
		}
		listen, _ := cmd.Flags().GetString("listen")
		readOnly, _ := cmd.Flags().GetBool("read-only")

		store, err := storage.Open(cfg.StorageOptions())
		if err != nil {
			return fmt.Errorf("failed to open registry: %w", err)
		}
		defer store.Close()

		server := storage.NewRegistryServer(store, storage.RegistryServerOptions{ReadOnly: readOnly})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.Start(listen)
		})
		g.Go(func() error {
			<-gctx.Done()
			logger := log.WithComponent("registry")
			logger.Info().Msg("Shutting down")
			server.Stop()
			return nil
		})
		return g.Wait()
	},
}

func init() {
	registryCmd.AddCommand(registryServeCmd)

	registryServeCmd.Flags().String("listen", "127.0.0.1:9300", "Address to serve the registry on")
	registryServeCmd.Flags().Bool("read-only", false, "Reject registry writes")
}
