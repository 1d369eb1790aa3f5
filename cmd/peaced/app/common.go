// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/peace-protocol/pkg/config"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/logger"
)

// Output formats of the listing commands.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// AddFormatFlag adds a --format flag accepting json or text.
func AddFormatFlag(cmd *cobra.Command, formatVar *string) {
	cmd.Flags().StringVar(formatVar, "format", FormatText,
		fmt.Sprintf("Output format (%s)", strings.Join([]string{FormatJSON, FormatText}, ", ")))
}

// ValidateFormat returns a PreRunE rejecting unknown formats.
func ValidateFormat(formatVar *string) func(*cobra.Command, []string) error {
	return func(*cobra.Command, []string) error {
		if *formatVar != FormatJSON && *formatVar != FormatText {
			return fmt.Errorf("invalid format %q, must be one of: json, text", *formatVar)
		}
		return nil
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// loadConfig loads the config named by --config with flag and environment
// overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithViper(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured store. The maintenance commands warn on the
// memory backend since nothing they change outlives the process.
func openStore(ctx context.Context, cfg *config.Config, maintenance bool) (kv.Store, error) {
	if maintenance && (cfg.Store.Type == "" || cfg.Store.Type == kv.TypeMemory) {
		logger.Warnw("the memory store is not persistent, changes are discarded on exit")
	}
	store, err := kv.New(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	return store, nil
}

func closeStore(store kv.Store) {
	if err := store.Close(); err != nil {
		logger.Warnw("failed to close store", "error", err)
	}
}

// renderTable writes rows as a bordered, left-aligned table.
func renderTable(w io.Writer, headers []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
