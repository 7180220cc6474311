// Command receiptd ingests payment notifications into a transaction ledger.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/ArionMiles/receiptd/pkg/client"
	"github.com/ArionMiles/receiptd/pkg/config"
	"github.com/ArionMiles/receiptd/pkg/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "receiptd",
		Short: "Ingest bank and wallet notifications into a transaction ledger",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "JSON config file; environment variables override it")

	rootCmd.AddCommand(
		newRunCommand(&configPath),
		newParseCommand(&configPath),
		newMappingsCommand(&configPath),
		newStatusCommand(&configPath),
		newSetupCommand(&configPath),
		newDumpCommand(&configPath),
	)

	return rootCmd
}

// loadConfig loads configuration and installs the configured logger as the default.
func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.Setup(logging.FromStrings(cfg.LogLevel, cfg.LogFormat))
	return cfg, logger, nil
}

// oauthClient returns a factory for Google API clients using the configured credentials.
func oauthClient(cfg config.Config, interactive bool) func(scopes ...string) (*http.Client, error) {
	return func(scopes ...string) (*http.Client, error) {
		c, err := client.New(client.Config{
			SecretFile:  cfg.GmailCredentialsFile,
			TokenFile:   cfg.GmailTokenFile,
			Interactive: interactive,
		}, scopes...)
		if err != nil && !interactive && !errors.Is(err, client.ErrNoToken) {
			return nil, fmt.Errorf("%w (run 'receiptd setup')", err)
		}
		return c, err
	}
}
