package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ArionMiles/receiptd/internal/daemon"
	"github.com/ArionMiles/receiptd/internal/plugins"
)

func newRunCommand(configPath *string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the ingestion daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), *configPath, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "exit once every source has finished and the queue is drained")

	return cmd
}

func runDaemon(ctx context.Context, configPath string, once bool) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Setup context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	c, err := daemon.Build(ctx, cfg, plugins.Default(), plugins.Env{HTTPClient: oauthClient(cfg, false)}, logger)
	if err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	defer c.Close()

	return daemon.New(c, daemon.Options{Once: once}, logger).Run(ctx)
}
