// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/peace-protocol/pkg/versions"
)

// newVersionCmd creates a new version command
func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of peaced",
		Long:  `Display detailed version information about peaced, including version number, git commit, build date, and Go version.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "peaced %s\n", info.Version)
			_, _ = fmt.Fprintf(w, "Commit: %s\n", info.Commit)
			_, _ = fmt.Fprintf(w, "Built: %s\n", info.BuildDate)
			_, _ = fmt.Fprintf(w, "Go version: %s\n", info.GoVersion)
			_, _ = fmt.Fprintf(w, "Platform: %s\n", info.Platform)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}
