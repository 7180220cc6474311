package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ArionMiles/receiptd/internal/daemon"
	"github.com/ArionMiles/receiptd/internal/worker"
	"github.com/ArionMiles/receiptd/pkg/api"
	"github.com/ArionMiles/receiptd/pkg/mapper"
	"github.com/ArionMiles/receiptd/pkg/parser/regex"
)

func newParseCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "parse [FILE|-]",
		Short: "Parse one notification and print the result without storing it",
		Long: "Parse reads a single notification text from FILE, or stdin when FILE is omitted or '-',\n" +
			"runs it through the parser chain and the built-in operator table, and prints JSON.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			text, err := readInput(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			parser, err := daemon.NewParser(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			resolver := mapper.NewSnapshot(mapper.DefaultMappings(), time.Now())

			return parseText(cmd.Context(), parser, resolver, text, cmd.OutOrStdout())
		},
	}
}

func readInput(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), nil
}

type parseResult struct {
	*api.ParsedTransaction
	ApplicationMapped string            `json:"application_mapped,omitempty"`
	IsP2P             bool              `json:"is_p2p"`
	Channel           api.SourceChannel `json:"channel"`
}

func parseText(ctx context.Context, parser worker.Parser, resolver worker.Resolver, text string, w io.Writer) error {
	parsed, err := parser.Parse(ctx, text)
	if err != nil {
		return err
	}

	res := parseResult{
		ParsedTransaction: parsed,
		Channel:           regex.InferChannel(text),
	}
	if m, ok := resolver.Resolve(parsed.OperatorRaw); ok {
		res.ApplicationMapped = m.ApplicationName
		res.IsP2P = m.IsP2P
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
