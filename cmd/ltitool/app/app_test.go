// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/ltitool/pkg/lti/platform"
	"github.com/stacklok/ltitool/pkg/versions"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
tool:
  loginUrl: https://tool.example/login
  launchUrl: https://tool.example/launch
  jwksUrl: https://tool.example/keys
storage:
  type: sqlite
  sqlite:
    path: %s
telemetry:
  metricsEnabled: false
`, filepath.Join(dir, "ltitool.db"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestPlatformLifecycle(t *testing.T) { //nolint:paralleltest // viper flag bindings are global
	cfg := writeTestConfig(t)
	id := platform.ID("https://lms.example", "client-1")

	out, err := run(t, "--config", cfg, "platform", "register",
		"--url", "https://lms.example",
		"--client-id", "client-1",
		"--name", "Example LMS",
		"--auth-endpoint", "https://lms.example/auth",
		"--token-endpoint", "https://lms.example/token",
		"--jwks-url", "https://lms.example/jwks",
		"--deployment-id", "deploy-1",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Registered platform "+id)
	assert.Contains(t, out, "active false")

	out, err = run(t, "--config", cfg, "platform", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "Example LMS")
	assert.Contains(t, out, "JWK_SET")

	out, err = run(t, "--config", cfg, "platform", "activate", id)
	require.NoError(t, err)
	assert.Contains(t, out, "activated")

	out, err = run(t, "--config", cfg, "platform", "list", "--issuer", "https://lms.example")
	require.NoError(t, err)
	assert.Contains(t, out, "true")

	jwks := func() []map[string]any {
		t.Helper()
		out, err := run(t, "--config", cfg, "keys", "jwks")
		require.NoError(t, err)
		var set struct {
			Keys []map[string]any `json:"keys"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &set))
		return set.Keys
	}
	require.Len(t, jwks(), 1)

	out, err = run(t, "--config", cfg, "keys", "rotate", id)
	require.NoError(t, err)
	assert.Contains(t, out, "now signs with kid")
	assert.Len(t, jwks(), 2, "the retired key stays published during the grace window")

	_, err = run(t, "--config", cfg, "platform", "register",
		"--url", "https://lms.example",
		"--client-id", "client-1",
		"--name", "Example LMS",
		"--auth-endpoint", "https://lms.example/auth",
		"--token-endpoint", "https://lms.example/token",
		"--jwks-url", "https://lms.example/jwks",
	)
	require.ErrorContains(t, err, "PLATFORM_ALREADY_REGISTERED")

	_, err = run(t, "--config", cfg, "platform", "delete", id)
	require.NoError(t, err)
	out, err = run(t, "--config", cfg, "platform", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No platforms registered.")
	assert.Empty(t, jwks())

	_, err = run(t, "--config", cfg, "platform", "deactivate", id)
	require.ErrorContains(t, err, "PLATFORM_NOT_FOUND")
}

func TestPlatformRegister_FlagValidation(t *testing.T) { //nolint:paralleltest // viper flag bindings are global
	cfg := writeTestConfig(t)
	base := []string{"--config", cfg, "platform", "register",
		"--url", "https://lms.example",
		"--client-id", "client-1",
		"--name", "Example LMS",
		"--auth-endpoint", "https://lms.example/auth",
		"--token-endpoint", "https://lms.example/token",
	}

	_, err := run(t, base...)
	require.ErrorContains(t, err, "jwks-url")

	_, err = run(t, append(base, "--jwks-url", "https://lms.example/jwks", "--rsa-key-file", "key.pem")...)
	require.Error(t, err)

	_, err = run(t, append(base, "--rsa-key-file", filepath.Join(t.TempDir(), "absent.pem"))...)
	require.ErrorContains(t, err, "failed to read platform key")
}

func TestPlatformRegisterFlags_Spec(t *testing.T) {
	t.Parallel()
	keyFile := filepath.Join(t.TempDir(), "platform.pem")
	require.NoError(t, os.WriteFile(keyFile, []byte("-----BEGIN PUBLIC KEY-----\nMIIB\n-----END PUBLIC KEY-----\n"), 0600))

	flags := platformRegisterFlags{
		url:           "https://lms.example",
		clientID:      "client-1",
		name:          "Example LMS",
		authEndpoint:  "https://lms.example/auth",
		tokenEndpoint: "https://lms.example/token",
		rsaKeyFile:    keyFile,
		activate:      true,
	}
	spec, err := flags.spec()
	require.NoError(t, err)
	assert.Equal(t, platform.AuthMethodRSAKey, spec.AuthConfig.Method)
	assert.True(t, strings.HasPrefix(spec.AuthConfig.Key, "-----BEGIN PUBLIC KEY-----"))
	assert.True(t, spec.Active)

	flags.rsaKeyFile = ""
	flags.jwksURL = "ftp://lms.example/jwks"
	_, err = flags.spec()
	require.ErrorContains(t, err, "INVALID_PLATFORM_CONFIG")
}

func TestRenderPlatforms_Empty(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	require.NoError(t, renderPlatforms(&out, nil))
	assert.Equal(t, "No platforms registered.\n", out.String())
}

func TestVersionCmd(t *testing.T) { //nolint:paralleltest // viper flag bindings are global
	out, err := run(t, "version", "--json")
	require.NoError(t, err)
	var info versions.VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, versions.GetVersionInfo(), info)

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ltitool ")
	assert.Contains(t, out, "Go version: ")
}
