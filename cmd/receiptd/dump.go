package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ArionMiles/receiptd/internal/plugins"
	"github.com/ArionMiles/receiptd/pkg/api"
	"github.com/ArionMiles/receiptd/pkg/config"
	jsonwriter "github.com/ArionMiles/receiptd/pkg/writer/json"
)

func newDumpCommand(configPath *string) *cobra.Command {
	var (
		source  string
		outPath string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Capture messages from a source as relay envelopes without ingesting them",
		Long: "Dump reads one source and writes every message as a JSON line that the relay source\n" +
			"can replay. Nothing is acknowledged, so mails stay unread and bot updates are not consumed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" && outPath != "-" {
				f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
				if err != nil {
					return fmt.Errorf("opening output: %w", err)
				}
				defer f.Close()
				w = f
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			n, err := dumpSource(ctx, cfg, plugins.Default(), source, limit, jsonwriter.New(w))
			fmt.Fprintf(cmd.ErrOrStderr(), "Dumped %d messages from %s\n", n, source)
			return err
		},
	}

	cmd.Flags().StringVar(&source, "source", "gmail", "source plugin to read")
	cmd.Flags().StringVar(&outPath, "out", "-", "output file, '-' for stdout")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many messages (0 reads until the source ends)")

	return cmd
}

func dumpSource(ctx context.Context, cfg config.Config, registry *plugins.Registry, source string, limit int, w *jsonwriter.Writer) (int, error) {
	reader, err := registry.CreateReader(source, plugins.Env{Config: cfg, HTTPClient: oauthClient(cfg, false)}, nil)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan *api.RawMessage, 100)
	readDone := make(chan error, 1)
	go func() {
		readDone <- reader.Read(ctx, out, make(chan string))
	}()

	var writeErr error
	for msg := range out {
		if writeErr != nil || (limit > 0 && w.Count() >= limit) {
			continue
		}
		if writeErr = w.Write(msg); writeErr != nil {
			cancel()
			continue
		}
		if limit > 0 && w.Count() >= limit {
			cancel()
		}
	}

	err = <-readDone
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return w.Count(), errors.Join(writeErr, err)
}
