package main

import (
	"fmt"
	"os"

	"github.com/cuemby/mscluster/pkg/config"
	"github.com/cuemby/mscluster/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mscluster",
	Short: "mscluster - management server cluster coordination",
	Long: `mscluster keeps a fleet of management servers aware of each other.

Each management server registers in a shared peer registry, heartbeats
periodically, marks silent peers Down and fences itself when it can no
longer prove it is alive. Peers run commands on each other through the
cluster service.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mscluster version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to a YAML configuration file")
	flags.Int64("msid", 0, "Management server id")
	flags.String("name", "", "Management server name")
	flags.String("service-ip", "", "IP address peers use to reach the cluster service")
	flags.Int("service-port", 0, "Cluster service port")
	flags.String("backend", "", "Registry backend: bolt, badger or remote")
	flags.String("data-dir", "", "Registry data directory")
	flags.String("registry-addr", "", "Address of the registry server for the remote backend")
	flags.String("api-addr", "", "Admin API address")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig resolves the configuration for cmd and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if cfg.Node.Version == "dev" {
		cfg.Node.Version = Version
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
		Output:     os.Stderr,
	})
	return cfg, nil
}
