package main

import (
	"context"
	"log/slog"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"voting-ledger/config"
	"voting-ledger/service"
)

func reconcileRun(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.SweepResult, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return service.SweepResult{}, err
	}
	defer store.Close()

	svc := service.NewVotingService(store,
		service.WithLogger(logger),
		service.WithOperationTimeout(cfg.Ledger.OperationTimeout),
	)
	return service.NewReconciler(svc, 0).Sweep(ctx)
}

func reconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Append missing blocks for votes stored without one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCmd(cmd)
			if err != nil {
				return err
			}
			result, err := reconcileRun(cmd.Context(), cfg, cliLogger(cfg))
			if err != nil {
				return err
			}
			if result.Failed > 0 {
				pterm.Warning.Printfln("found %d orphan votes, repaired %d, failed %d", result.Orphans, result.Repaired, result.Failed)
				return nil
			}
			pterm.Success.Printfln("found %d orphan votes, repaired %d", result.Orphans, result.Repaired)
			return nil
		},
	}
	return cmd
}
