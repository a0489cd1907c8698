package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"voting-ledger/config"
	"voting-ledger/receipt"
	"voting-ledger/service"
	"voting-ledger/storage"
)

var errNoConfig = errors.New("no config found in context")

func configFromCmd(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return nil, errNoConfig
	}
	return cfg, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (*storage.Store, error) {
	store, err := storage.Open(storage.Config{
		Driver:       cfg.Database.Driver,
		DataDir:      cfg.Database.DataDir,
		DSN:          cfg.Database.DSN,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Name,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return store, nil
}

// openLedger wires the store and voting service from config. registry may be
// nil for one-shot commands that do not export metrics.
func openLedger(cfg *config.Config, logger *slog.Logger, registry prometheus.Registerer) (*storage.Store, *service.VotingService, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithOperationTimeout(cfg.Ledger.OperationTimeout),
		service.WithAppendRetries(cfg.Ledger.AppendRetries),
	}
	if registry != nil {
		opts = append(opts, service.WithPromRegistry(registry))
	}
	if cfg.Receipt.Enabled {
		signer, err := receipt.LoadOrGenerate(cfg.Receipt.KeyFile)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		logger.Info("receipt signing enabled", "signer", signer.Address())
		opts = append(opts, service.WithSigner(signer))
	}

	return store, service.NewVotingService(store, opts...), nil
}
