// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/stacklok/ltitool/pkg/lti/platform"
)

type platformRegisterFlags struct {
	url           string
	clientID      string
	name          string
	authEndpoint  string
	tokenEndpoint string
	jwksURL       string
	rsaKeyFile    string
	deploymentIDs []string
	activate      bool
}

func newPlatformCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Manage registered LMS platforms",
	}
	cmd.AddCommand(newPlatformRegisterCmd())
	cmd.AddCommand(newPlatformListCmd())
	cmd.AddCommand(newPlatformActivationCmd("activate", "Trust logins and launches from a platform", true))
	cmd.AddCommand(newPlatformActivationCmd("deactivate", "Stop trusting a platform without deleting it", false))
	cmd.AddCommand(newPlatformDeleteCmd())
	return cmd
}

func newPlatformRegisterCmd() *cobra.Command {
	var flags platformRegisterFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a platform manually",
		Long: `Register a platform from the values its administrator provides. The
platform's key is either its JWKS URL (--jwks-url) or a PEM public key file
(--rsa-key-file). A tool key pair is generated for the registration.

New platforms are inactive unless --activate is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := flags.spec()
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(s *services) error {
				p, err := s.registry.Register(cmd.Context(), spec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered platform %s (kid %s, active %t)\n", p.ID, p.KeyID, p.Active)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flags.url, "url", "", "Platform issuer URL")
	cmd.Flags().StringVar(&flags.clientID, "client-id", "", "Client id the platform assigned to the tool")
	cmd.Flags().StringVar(&flags.name, "name", "", "Display name of the platform")
	cmd.Flags().StringVar(&flags.authEndpoint, "auth-endpoint", "", "Platform OIDC authorization endpoint")
	cmd.Flags().StringVar(&flags.tokenEndpoint, "token-endpoint", "", "Platform OAuth2 token endpoint")
	cmd.Flags().StringVar(&flags.jwksURL, "jwks-url", "", "Platform JWKS URL")
	cmd.Flags().StringVar(&flags.rsaKeyFile, "rsa-key-file", "", "Path to the platform's PEM public key")
	cmd.Flags().StringSliceVar(&flags.deploymentIDs, "deployment-id", nil, "Accepted deployment id (repeatable)")
	cmd.Flags().BoolVar(&flags.activate, "activate", false, "Activate the platform immediately")
	for _, name := range []string{"url", "client-id", "name", "auth-endpoint", "token-endpoint"} {
		_ = cmd.MarkFlagRequired(name)
	}
	cmd.MarkFlagsOneRequired("jwks-url", "rsa-key-file")
	cmd.MarkFlagsMutuallyExclusive("jwks-url", "rsa-key-file")
	return cmd
}

func (f *platformRegisterFlags) spec() (platform.Spec, error) {
	spec := platform.Spec{
		URL:           f.url,
		ClientID:      f.clientID,
		Name:          f.name,
		AuthEndpoint:  f.authEndpoint,
		TokenEndpoint: f.tokenEndpoint,
		DeploymentIDs: f.deploymentIDs,
		Active:        f.activate,
	}
	if f.rsaKeyFile != "" {
		pem, err := os.ReadFile(filepath.Clean(f.rsaKeyFile))
		if err != nil {
			return platform.Spec{}, fmt.Errorf("failed to read platform key: %w", err)
		}
		spec.AuthConfig = platform.AuthConfig{Method: platform.AuthMethodRSAKey, Key: string(pem)}
	} else {
		spec.AuthConfig = platform.AuthConfig{Method: platform.AuthMethodJWKSet, Key: f.jwksURL}
	}
	if err := spec.Validate(); err != nil {
		return platform.Spec{}, err
	}
	return spec, nil
}

func newPlatformListCmd() *cobra.Command {
	var issuer string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered platforms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				var (
					platforms []*platform.Platform
					err       error
				)
				if issuer != "" {
					platforms, err = s.registry.Get(cmd.Context(), issuer, "")
				} else {
					platforms, err = s.registry.List(cmd.Context())
				}
				if err != nil {
					return err
				}
				return renderPlatforms(cmd.OutOrStdout(), platforms)
			})
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "", "Only list platforms with this issuer")
	return cmd
}

// renderPlatforms prints platforms as a table.
func renderPlatforms(w io.Writer, platforms []*platform.Platform) error {
	if len(platforms) == 0 {
		fmt.Fprintln(w, "No platforms registered.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader([]string{"ID", "Name", "Issuer", "Client ID", "Auth", "Active", "Key ID"}),
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
		tablewriter.WithAlignment(tw.MakeAlign(7, tw.AlignLeft)),
	)

	for _, p := range platforms {
		if err := table.Append([]string{
			p.ID,
			p.Name,
			p.URL,
			p.ClientID,
			string(p.AuthConfig.Method),
			strconv.FormatBool(p.Active),
			p.KeyID,
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func newPlatformActivationCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <platform-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				var err error
				if active {
					err = s.registry.Activate(cmd.Context(), args[0])
				} else {
					err = s.registry.Deactivate(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Platform %s %sd\n", args[0], use)
				return nil
			})
		},
	}
}

func newPlatformDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <platform-id>",
		Short: "Delete a platform and its tool keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				if err := s.registry.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Platform %s deleted\n", args[0])
				return nil
			})
		},
	}
}
