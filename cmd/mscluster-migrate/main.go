package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/mscluster/pkg/log"
	"github.com/cuemby/mscluster/pkg/storage"
	"github.com/cuemby/mscluster/pkg/types"
)

var (
	fromDir    = flag.String("from", "/var/lib/mscluster", "Data directory of the bolt registry to read")
	toDir      = flag.String("to", "/var/lib/mscluster/badger", "Data directory of the badger registry to write")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the bolt registry before migration (default: <from>/registry.db.backup)")
)

// stats counts the rows copied by migrate
type stats struct {
	Nodes      int
	PeerStates int
}

func main() {
	flag.Parse()
	log.Init(log.Config{Level: log.InfoLevel, Output: os.Stderr})
	logger := log.WithComponent("migrate")

	logger.Info().Str("from", *fromDir).Str("to", *toDir).Bool("dry_run", *dryRun).Msg("Migrating registry from bolt to badger")

	dbPath := filepath.Join(*fromDir, storage.BoltFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		logger.Fatal().Str("path", dbPath).Msg("Bolt registry not found")
	}

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		if err := copyFile(dbPath, backupFile); err != nil {
			logger.Fatal().Err(err).Msg("Failed to create backup")
		}
		logger.Info().Str("backup", backupFile).Msg("Backup created")
	}

	src, err := storage.NewBoltStore(*fromDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open bolt registry")
	}
	defer src.Close()

	var dst *storage.BadgerStore
	if !*dryRun {
		dst, err = storage.NewBadgerStore(*toDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open badger registry")
		}
		defer dst.Close()
	}

	st, err := migrate(context.Background(), src, dst)
	if err != nil {
		logger.Fatal().Err(err).Msg("Migration failed")
	}

	if *dryRun {
		logger.Info().Int("nodes", st.Nodes).Int("peer_states", st.PeerStates).Msg("Dry run completed, no changes made")
		return
	}
	logger.Info().Int("nodes", st.Nodes).Int("peer_states", st.PeerStates).
		Msgf("Migration completed; set storage.backend=badger and storage.data_dir=%s", *toDir)
}

// migrate copies every node row, removed ones included, and every peer view
// from src to dst. A nil dst only counts what would be copied.
func migrate(ctx context.Context, src storage.Store, dst *storage.BadgerStore) (stats, error) {
	var st stats

	nodes, err := src.ListNodes(ctx, true)
	if err != nil {
		return st, fmt.Errorf("failed to list nodes: %w", err)
	}

	for _, node := range nodes {
		if dst != nil {
			if err := dst.RestoreNode(ctx, node); err != nil {
				return st, fmt.Errorf("failed to copy node %d: %w", node.MsID, err)
			}
		}
		st.Nodes++

		views, err := src.ListPeerStates(ctx, node.MsID)
		if err != nil {
			return st, fmt.Errorf("failed to list peer states of node %d: %w", node.MsID, err)
		}
		for _, ps := range views {
			if dst != nil {
				if err := dst.UpdatePeerState(ctx, ps); err != nil {
					return st, fmt.Errorf("failed to copy peer state %s→%s: %w",
						types.PeerNameOf(ps.OwnerMsID), types.PeerNameOf(ps.PeerMsID), err)
				}
			}
			st.PeerStates++
		}
	}
	return st, nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
