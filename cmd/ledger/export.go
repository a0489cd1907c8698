package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"voting-ledger/config"
	"voting-ledger/service"
	"voting-ledger/storage"
)

func exportChain(ctx context.Context, cfg *config.Config, electionID string, force bool, logger *slog.Logger) (string, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return "", err
	}
	defer store.Close()

	svc := service.NewVotingService(store, service.WithLogger(logger))
	result, err := svc.Chain(ctx, electionID)
	if err != nil {
		return "", err
	}
	if !result.Valid && !force {
		return "", fmt.Errorf("refusing to export broken chain (block %d: %s), use --force", result.BrokenAt, result.Reason)
	}

	snapshots, err := storage.NewSnapshotStore(cfg.Snapshot.Dir, cfg.Snapshot.Keep, logger)
	if err != nil {
		return "", err
	}
	return snapshots.Save(result.ElectionID, result.Blocks)
}

func exportCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "export <election-id>",
		Short: "Write an election's chain to a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCmd(cmd)
			if err != nil {
				return err
			}
			path, err := exportChain(cmd.Context(), cfg, args[0], force, cliLogger(cfg))
			if err != nil {
				return err
			}
			pterm.Success.Printfln("exported chain to %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "export even if the chain fails verification")
	return cmd
}
