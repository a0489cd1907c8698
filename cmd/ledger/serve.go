package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"voting-ledger/api"
	"voting-ledger/config"
	"voting-ledger/service"
)

func serveRun(cfg *config.Config) error {
	logger := commonRun(cfg)
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	store, svc, err := openLedger(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer store.Close()

	reconciler := service.NewReconciler(svc, cfg.Ledger.ReconcileInterval)
	// close any gap left by an earlier crash before taking traffic
	if result, err := reconciler.Sweep(context.Background()); err != nil {
		logger.Error("startup reconciliation failed", "error", err)
	} else if result.Orphans > 0 {
		logger.Warn("startup reconciliation", "orphans", result.Orphans, "repaired", result.Repaired, "failed", result.Failed)
	}
	reconciler.Start()
	defer reconciler.Stop()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf("%s:%d", cfg.API.BindAddr, cfg.Metrics.Port)
		logger.Info("serving prometheus metrics on "+addr, "component", programName)
		metricsServer := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 60 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(
					fmt.Sprintf("failed to start metrics listener: %s", err),
					"component", programName,
				)
				os.Exit(1)
			}
		}()
		defer metricsServer.Close()
	}

	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	server := api.NewServer(api.Config{
		BindAddr:    cfg.API.BindAddr,
		Port:        cfg.API.Port,
		VoterHeader: cfg.API.VoterHeader,
	}, svc, store, logger)
	return server.Serve(signalCtx)
}

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := configFromCmd(cmd)
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			if err := serveRun(cfg); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
		},
	}
	return cmd
}
