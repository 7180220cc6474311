package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ArionMiles/receiptd/internal/plugins"
	"github.com/ArionMiles/receiptd/pkg/client"
)

func newSetupCommand(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Authorize mailbox access for the gmail source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(*configPath, force, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "discard the cached token and authorize again")

	return cmd
}

// runSetup handles the OAuth setup flow.
func runSetup(configPath string, force bool, w io.Writer) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "=== receiptd Setup ===")
	fmt.Fprintln(w)

	secretsPath := cfg.GmailCredentialsFile
	if _, err := os.Stat(secretsPath); os.IsNotExist(err) {
		return fmt.Errorf("credentials file not found: %s\n\nTo get your credentials:\n"+
			"1. Go to https://console.cloud.google.com/apis/credentials\n"+
			"2. Create an OAuth 2.0 Client ID (Desktop application)\n"+
			"3. Download the JSON file and save it as '%s'", secretsPath, secretsPath)
	}

	tokenFile := cfg.GmailTokenFile
	if !force && client.TokenExists(tokenFile) {
		fmt.Fprintf(w, "Already authenticated! Token file exists: %s\n", tokenFile)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "To re-authenticate, run: receiptd setup --force")
		return nil
	}

	if force {
		if err := os.Remove(tokenFile); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove existing token", "error", err)
		}
		fmt.Fprintln(w, "Forcing re-authentication...")
		fmt.Fprintln(w)
	}

	scopes, err := plugins.Default().GetAllScopes("gmail")
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Required permissions:")
	fmt.Fprintln(w, "  - Gmail: read notification mails and mark them as read once queued")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Starting authentication...")
	fmt.Fprintln(w)

	if _, err := oauthClient(cfg, true)(scopes...); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Setup Complete ===")
	fmt.Fprintf(w, "Token saved to: %s\n", tokenFile)
	fmt.Fprintln(w, "Add gmail to SOURCES and run 'receiptd run'.")
	return nil
}
