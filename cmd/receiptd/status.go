package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ArionMiles/receiptd/internal/daemon"
	"github.com/ArionMiles/receiptd/pkg/client"
	"github.com/ArionMiles/receiptd/pkg/config"
	"github.com/ArionMiles/receiptd/pkg/logging"
)

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check configuration, storage and source readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), *configPath, cmd.OutOrStdout())
		},
	}
}

// runStatus prints one line per check. It only returns an error when the
// configuration cannot be loaded at all.
func runStatus(ctx context.Context, configPath string, w io.Writer) error {
	fmt.Fprintln(w, "=== receiptd Status ===")
	fmt.Fprintln(w)

	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(w, "Config: ✗ %v\n", err)
		return err
	}

	allGood := true
	fail := func(format string, args ...any) {
		fmt.Fprintf(w, "✗ "+format+"\n", args...)
		allGood = false
	}

	fmt.Fprint(w, "Config: ")
	if err := cfg.Validate(); err != nil {
		fail("%v", err)
	} else {
		fmt.Fprintln(w, "✓ Valid")
	}

	fmt.Fprint(w, "Fallback parser: ")
	if cfg.FallbackConfigured() {
		fmt.Fprintf(w, "✓ %s\n", cfg.GeminiModel)
	} else {
		fmt.Fprintln(w, "⚠ Not configured (regex only, unmatched messages are retained as unparseable)")
	}

	fmt.Fprintf(w, "Store (%s): ", cfg.StoreBackend)
	if cfg.StoreBackend != config.BackendPostgres {
		fmt.Fprintln(w, "⚠ In memory, nothing survives a restart")
	} else {
		checkDatabase(ctx, cfg, w, fail)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Sources:")
	for _, name := range cfg.SourceList() {
		fmt.Fprintf(w, "  %s: ", name)
		if err := checkSource(cfg, name); err != nil {
			fail("%v", err)
		} else {
			fmt.Fprintln(w, "✓ Ready")
		}
	}

	fmt.Fprintln(w)
	if allGood {
		fmt.Fprintln(w, "Status: ✓ Ready to run")
	} else {
		fmt.Fprintln(w, "Status: ✗ Configuration issues detected")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above, then run 'receiptd status' again.")
	}
	logger.Debug("status check finished", "ok", allGood)
	return nil
}

func checkDatabase(ctx context.Context, cfg config.Config, w io.Writer, fail func(string, ...any)) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	quiet := logging.New(logging.FromStrings("ERROR", cfg.LogFormat))
	backend, err := daemon.OpenBackend(ctx, cfg, quiet)
	if err != nil {
		fail("%v", err)
		return
	}
	defer backend.Close()

	counts, err := backend.Store.Counts(ctx)
	if err != nil {
		fail("%v", err)
		return
	}
	mappings, err := backend.Store.ActiveMappings(ctx)
	if err != nil {
		fail("%v", err)
		return
	}
	fmt.Fprintf(w, "✓ Connected (%d persisted, %d unparseable, %d dead-lettered, %d mappings)\n",
		counts.Persisted, counts.Unparseable, counts.DeadLettered, len(mappings))
	if len(mappings) == 0 {
		fmt.Fprintln(w, "  ⚠ Operator table is empty, run 'receiptd mappings seed'")
	}
}

func checkSource(cfg config.Config, name string) error {
	switch name {
	case "telegram":
		if cfg.TelegramBotToken == "" {
			return fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
		}
	case "relay":
		if cfg.RelayPath != "" && cfg.RelayPath != "-" {
			if _, err := os.Stat(cfg.RelayPath); err != nil {
				return err
			}
		}
	case "mbox":
		if _, err := os.Stat(cfg.MboxPath); err != nil {
			return err
		}
	case "gmail":
		if _, err := os.Stat(cfg.GmailCredentialsFile); err != nil {
			return fmt.Errorf("credentials file: %w", err)
		}
		if !client.TokenExists(cfg.GmailTokenFile) {
			return fmt.Errorf("no OAuth token at %s (run 'receiptd setup')", cfg.GmailTokenFile)
		}
	default:
		return fmt.Errorf("unknown source")
	}
	return nil
}
