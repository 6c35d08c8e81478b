// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the tool's signing keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate <platform-id>",
		Short: "Issue a new tool key for a platform and retire the current one",
		Long: `Issue a new tool key for a platform registration. The retired key stays in
the published JWKS for the configured keys.rotationGrace so tokens the
platform already verified keep working.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				p, err := s.registry.RotateKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Platform %s now signs with kid %s\n", p.ID, p.KeyID)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "jwks",
		Short: "Print the tool's public JWKS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				jwks, err := s.keys.PublicJWKS(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(jwks)
			})
		},
	})
	return cmd
}
