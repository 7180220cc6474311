package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ArionMiles/receiptd/internal/daemon"
	"github.com/ArionMiles/receiptd/pkg/config"
	"github.com/ArionMiles/receiptd/pkg/mapper"
)

func newMappingsCommand(configPath *string) *cobra.Command {
	mappingsCmd := &cobra.Command{
		Use:   "mappings",
		Short: "Manage the operator mapping table",
	}
	mappingsCmd.AddCommand(
		newMappingsSeedCommand(configPath),
		newMappingsImportCommand(configPath),
		newMappingsListCommand(configPath),
	)
	return mappingsCmd
}

func newMappingsSeedCommand(configPath *string) *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the built-in operator table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(store daemon.Store) error {
				rows := mapper.DefaultMappings()
				if replace {
					if err := store.ReplaceMappings(cmd.Context(), rows); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Replaced operator table with %d built-in mappings\n", len(rows))
					return nil
				}
				added, err := store.UpsertMappings(cmd.Context(), rows)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d mappings (%d new)\n", len(rows), added)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "drop every existing mapping first")

	return cmd
}

func newMappingsImportCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import 'OPERATOR — APPLICATION' lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening import file: %w", err)
			}
			defer f.Close()

			rows, stats, err := mapper.ParseImport(f)
			if err != nil {
				return err
			}

			return withStore(cmd.Context(), *configPath, func(store daemon.Store) error {
				added, err := store.UpsertMappings(cmd.Context(), rows)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d mappings (%d new, %d lines skipped)\n", stats.Imported, added, stats.Skipped)
				return nil
			})
		},
	}
}

func newMappingsListCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print active mappings in resolution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(store daemon.Store) error {
				return listMappings(cmd.Context(), store, cmd.OutOrStdout())
			})
		},
	}
}

func listMappings(ctx context.Context, store daemon.Store, w io.Writer) error {
	rows, err := store.ActiveMappings(ctx)
	if err != nil {
		return err
	}
	snapshot := mapper.NewSnapshot(rows, time.Now())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATTERN\tAPPLICATION\tP2P\tPRIORITY")
	for _, r := range snapshot.Rules() {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\n", r.Pattern, r.ApplicationName, r.IsP2P, r.Priority)
	}
	return tw.Flush()
}

// withStore opens the durable store. The mapping table only lives in postgres.
func withStore(ctx context.Context, configPath string, fn func(daemon.Store) error) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.BackendPostgres {
		return errors.New("mappings are kept in the database; set STORE_BACKEND=postgres and DATABASE_URL")
	}

	backend, err := daemon.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	return fn(backend.Store)
}
