// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/stacklok/peace-protocol/pkg/config"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/peace/bans"
	"github.com/stacklok/peace-protocol/pkg/peace/session"
)

func newBansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bans",
		Short: "Manage banned users",
		Long: `Manage the users banned from this site. Banned users cannot take part in a
handshake or send peace, whichever site they act for.`,
	}

	var format string
	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List banned users",
		Args:    cobra.NoArgs,
		PreRunE: ValidateFormat(&format),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(_ *config.Config, store kv.Store) error {
				list, err := bans.NewList(store, clock.RealClock{}).List(cmd.Context())
				if err != nil {
					return err
				}
				if format == FormatJSON {
					return printJSON(cmd.OutOrStdout(), list)
				}
				if len(list) == 0 {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "No banned users")
					return err
				}
				rows := make([][]string, 0, len(list))
				for _, b := range list {
					rows = append(rows, []string{b.UserID, b.Reason, b.BannedAt.Format(time.RFC3339)})
				}
				return renderTable(cmd.OutOrStdout(), []string{"User", "Reason", "Since"}, rows)
			})
		},
	}
	AddFormatFlag(listCmd, &format)

	var reason string
	addCmd := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Ban a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == session.AdminID {
				return errors.New("the administrator cannot be banned")
			}
			return withStore(cmd.Context(), func(_ *config.Config, store kv.Store) error {
				return bans.NewList(store, clock.RealClock{}).Ban(cmd.Context(), args[0], reason)
			})
		},
	}
	addCmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the ban")

	removeCmd := &cobra.Command{
		Use:   "remove <user-id>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *config.Config, store kv.Store) error {
				return bans.NewList(store, clock.RealClock{}).Unban(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(listCmd, addCmd, removeCmd)
	return cmd
}
