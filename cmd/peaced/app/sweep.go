// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/peace-protocol/pkg/api"
	"github.com/stacklok/peace-protocol/pkg/config"
	"github.com/stacklok/peace-protocol/pkg/kv"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired codes, identities and pending handshakes",
		Long: `Deletes expired authorization and exchange codes, expired federated identities
and abandoned handshake requests. A running server sweeps on its own; this
command is for maintenance windows.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withStore(ctx, func(cfg *config.Config, store kv.Store) error {
				svc, err := api.NewServices(ctx, cfg, store)
				if err != nil {
					return err
				}
				res, err := svc.Orchestrator.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}
