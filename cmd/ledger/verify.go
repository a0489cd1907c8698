package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"voting-ledger/blockchain"
	"voting-ledger/config"
	"voting-ledger/service"
	"voting-ledger/storage"
)

// cliLogger keeps one-shot commands quiet on stdout, where their report goes.
func cliLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn
	if globalFlags.debug || cfg.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16]
}

func renderVerification(v *blockchain.Verification) (string, error) {
	data := pterm.TableData{
		{"Index", "Voter hash", "Candidate", "Position", "Previous hash", "Hash", "Timestamp"},
	}
	for _, b := range v.Blocks {
		data = append(data, []string{
			strconv.FormatInt(b.Index, 10),
			shortHash(b.VoterHash),
			b.CandidateID,
			b.PositionID,
			shortHash(b.PreviousHash),
			shortHash(b.Hash),
			b.Timestamp.UTC().Format("2006-01-02 15:04:05.000"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

func reportVerification(w io.Writer, v *blockchain.Verification) error {
	table, err := renderVerification(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)
	if !v.Valid {
		pterm.Error.Printfln("election %s: chain broken at block %d (%s)", v.ElectionID, v.BrokenAt, v.Reason)
		return fmt.Errorf("chain integrity violation at block %d", v.BrokenAt)
	}
	pterm.Success.Printfln("election %s: %d blocks verified", v.ElectionID, len(v.Blocks))
	return nil
}

func verifySnapshot(path string, logger *slog.Logger) (*blockchain.Verification, error) {
	snapshot, err := storage.LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	return blockchain.NewVerifier(nil, logger).VerifyBlocks(snapshot.ElectionID, snapshot.Blocks), nil
}

// verifyLatest checks the newest exported snapshot of an election.
func verifyLatest(cfg *config.Config, electionID string, logger *slog.Logger) (*blockchain.Verification, error) {
	snapshots, err := storage.NewSnapshotStore(cfg.Snapshot.Dir, cfg.Snapshot.Keep, logger)
	if err != nil {
		return nil, err
	}
	snapshot, err := snapshots.Latest(electionID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, fmt.Errorf("no snapshot of election %s in %s", electionID, cfg.Snapshot.Dir)
	}
	return blockchain.NewVerifier(nil, logger).VerifyBlocks(snapshot.ElectionID, snapshot.Blocks), nil
}

func verifyStored(ctx context.Context, cfg *config.Config, electionID string, logger *slog.Logger) (*blockchain.Verification, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	svc := service.NewVotingService(store, service.WithLogger(logger))
	return svc.Chain(ctx, electionID)
}

func verifyCommand() *cobra.Command {
	var (
		file   string
		latest bool
	)
	cmd := &cobra.Command{
		Use:   "verify [election-id]",
		Short: "Recompute and check an election's chain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCmd(cmd)
			if err != nil {
				return err
			}
			logger := cliLogger(cfg)

			var result *blockchain.Verification
			switch {
			case file != "":
				result, err = verifySnapshot(file, logger)
			case latest && len(args) == 1:
				result, err = verifyLatest(cfg, args[0], logger)
			case latest:
				return errors.New("--latest needs an election id")
			case len(args) == 1:
				result, err = verifyStored(cmd.Context(), cfg, args[0], logger)
			default:
				return errors.New("an election id or --file is required")
			}
			if err != nil {
				return err
			}
			return reportVerification(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "verify an exported snapshot instead of the database")
	cmd.Flags().BoolVar(&latest, "latest", false, "verify the election's newest snapshot instead of the database")
	return cmd
}
