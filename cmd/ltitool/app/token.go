// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/stacklok/ltitool/pkg/lti"
)

func newTokenCmd() *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token <platform-id>",
		Short: "Obtain a service access token from a platform",
		Long: `Request an OAuth2 client-credentials token from a platform's token endpoint,
authenticating with a client assertion signed by the tool key. Tokens are
cached in storage until shortly before they expire.

Without --scope the AGS and NRPS scopes are requested.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(scopes) == 0 {
				scopes = lti.ServiceScopes()
			}
			return withServices(cmd.Context(), func(s *services) error {
				p, err := s.registry.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				tok, err := s.tokens.Token(cmd.Context(), p, scopes)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tok)
			})
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scope to request (repeatable)")
	return cmd
}
