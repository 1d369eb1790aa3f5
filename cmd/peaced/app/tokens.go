// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stacklok/peace-protocol/pkg/config"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/peace/tokens"
)

func newTokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage the bearer tokens of this site",
		Long: `Manage the ordered bearer tokens of this site. The first token is active and is
the one handed to peers; every token in the list is accepted.`,
	}

	var format string
	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List the tokens, active first",
		Args:    cobra.NoArgs,
		PreRunE: ValidateFormat(&format),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTokens(cmd.Context(), func(ctx context.Context, s *tokens.Store) error {
				list, err := s.List(ctx)
				if err != nil {
					return err
				}
				if format == FormatJSON {
					return printJSON(cmd.OutOrStdout(), list)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				_, _ = fmt.Fprintln(w, "POSITION\tTOKEN")
				for i, token := range list {
					position := fmt.Sprint(i)
					if i == 0 {
						position = "active"
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\n", position, token)
				}
				return w.Flush()
			})
		},
	}
	AddFormatFlag(listCmd, &format)

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Append a new random token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTokens(cmd.Context(), func(ctx context.Context, s *tokens.Store) error {
				token, err := s.Generate(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
				return err
			})
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Move the active token to the end of the list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTokens(cmd.Context(), func(ctx context.Context, s *tokens.Store) error {
				if err := s.Rotate(ctx); err != nil {
					return err
				}
				active, err := s.Active(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "active token: %s\n", active)
				return err
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <token>",
		Short: "Remove a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTokens(cmd.Context(), func(ctx context.Context, s *tokens.Store) error {
				return s.Delete(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(listCmd, generateCmd, rotateCmd, deleteCmd)
	return cmd
}

// withTokens opens the configured store and runs fn on an initialized token
// store.
func withTokens(ctx context.Context, fn func(context.Context, *tokens.Store) error) error {
	return withStore(ctx, func(cfg *config.Config, store kv.Store) error {
		s := tokens.NewStore(store, cfg.SiteURL)
		if err := s.Init(ctx); err != nil {
			return err
		}
		return fn(ctx, s)
	})
}

func withStore(ctx context.Context, fn func(*config.Config, kv.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeStore(store)
	return fn(cfg, store)
}
