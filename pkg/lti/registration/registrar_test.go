// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/lti"
	"github.com/stacklok/ltitool/pkg/lti/platform"
	"github.com/stacklok/ltitool/pkg/lti/registration"
	"github.com/stacklok/ltitool/pkg/storage"
)

type countingKeys struct {
	generated atomic.Int64
}

func (k *countingKeys) GenerateKeyPair(context.Context, string, string) (string, error) {
	return fmt.Sprintf("kid-%d", k.generated.Add(1)), nil
}

func (*countingKeys) Rotate(context.Context, string, string) (string, error) { return "", nil }
func (*countingKeys) DeleteKey(context.Context, string) error { return nil }
func (*countingKeys) DeleteKeys(context.Context, string, string) error { return nil }

// fakeLMS serves an OpenID configuration and a registration endpoint.
type fakeLMS struct {
	srv *httptest.Server

	mutate         func(*registration.OpenIDConfiguration)
	configStatus   int
	registerStatus int
	omitClientID   bool

	mu            sync.Mutex
	registrations int
	request       registration.ClientRequest
	authorization string
}

func newFakeLMS(t *testing.T) *fakeLMS {
	t.Helper()
	lms := &fakeLMS{configStatus: http.StatusOK, registerStatus: http.StatusCreated}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		if lms.configStatus != http.StatusOK {
			w.WriteHeader(lms.configStatus)
			return
		}
		cfg := registration.OpenIDConfiguration{
			Issuer:                lms.srv.URL,
			AuthorizationEndpoint: lms.srv.URL + "/auth",
			TokenEndpoint:         lms.srv.URL + "/token",
			JWKSURI:               lms.srv.URL + "/jwks",
			RegistrationEndpoint:  lms.srv.URL + "/register",
			ScopesSupported:       []string{"openid", lti.ScopeAGSScore, lti.ScopeNRPSMembership},
			PlatformConfiguration: &registration.PlatformConfiguration{ProductFamilyCode: "moodle"},
		}
		if lms.mutate != nil {
			lms.mutate(&cfg)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cfg)
	})
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		lms.mu.Lock()
		defer lms.mu.Unlock()
		lms.registrations++
		lms.authorization = r.Header.Get("Authorization")
		var req registration.ClientRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		lms.request = req

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(lms.registerStatus)
		resp := registration.ClientResponse{
			ClientName:        lms.request.ClientName,
			ToolConfiguration: lms.request.ToolConfiguration,
		}
		if !lms.omitClientID {
			resp.ClientID = fmt.Sprintf("client-%d", lms.registrations)
		}
		resp.ToolConfiguration.DeploymentID = "deploy-1"
		_ = json.NewEncoder(w).Encode(resp)
	})
	lms.srv = httptest.NewServer(mux)
	t.Cleanup(lms.srv.Close)
	return lms
}

func (l *fakeLMS) configURL() string {
	return l.srv.URL + "/.well-known/openid-configuration"
}

func (l *fakeLMS) lastRequest() (registration.ClientRequest, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.request, l.authorization
}

func testTool() registration.Tool {
	return registration.Tool{
		Name:             "Quiz Tool",
		Description:      "Quizzes for courses",
		LoginURL:         "https://tool.example/login",
		LaunchURL:        "https://tool.example/launch",
		JWKSURL:          "https://tool.example/keys",
		DeepLinkingURL:   "https://tool.example/deeplink",
		CustomParameters: map[string]string{"course": "$Context.id"},
	}
}

type harness struct {
	lms       *fakeLMS
	keys      *countingKeys
	registry  *platform.Registry
	registrar *registration.Registrar
}

func newHarness(t *testing.T, tool registration.Tool) *harness {
	t.Helper()
	repo := storage.NewMemoryRepository(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = repo.Close() })

	h := &harness{lms: newFakeLMS(t), keys: &countingKeys{}}
	h.registry = platform.NewRegistry(repo, h.keys)
	h.registrar = registration.NewRegistrar(tool, h.registry, h.lms.srv.Client())
	return h
}

func TestRegistrar_Register(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	h := newHarness(t, testTool())

	script, err := h.registrar.Register(ctx, h.lms.configURL(), "reg-token", nil)
	require.NoError(t, err)
	assert.Equal(t, registration.CloseScript, script)

	req, auth := h.lms.lastRequest()
	assert.Equal(t, "Bearer reg-token", auth)
	want := registration.ClientRequest{
		ApplicationType:         "web",
		ResponseTypes:           []string{"id_token"},
		GrantTypes:              []string{"implicit", "client_credentials"},
		InitiateLoginURI:        "https://tool.example/login",
		RedirectURIs:            []string{"https://tool.example/launch", "https://tool.example/deeplink"},
		ClientName:              "Quiz Tool",
		JWKSURI:                 "https://tool.example/keys",
		TokenEndpointAuthMethod: "private_key_jwt",
		Scope:                   lti.ScopeAGSScore + " " + lti.ScopeNRPSMembership,
		ToolConfiguration: registration.ToolConfiguration{
			Domain:           "tool.example",
			Description:      "Quizzes for courses",
			TargetLinkURI:    "https://tool.example/launch",
			CustomParameters: map[string]string{"course": "$Context.id"},
			Claims:           registration.DefaultClaims(),
			Messages: []registration.Message{
				{Type: lti.MessageTypeResourceLink, TargetLinkURI: "https://tool.example/launch"},
				{Type: lti.MessageTypeDeepLinking, TargetLinkURI: "https://tool.example/deeplink", Label: "Quiz Tool"},
			},
		},
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("registration request mismatch (-want +got):\n%s", diff)
	}

	platforms, err := h.registry.Get(ctx, h.lms.srv.URL, "client-1")
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	p := platforms[0]
	assert.Equal(t, "moodle", p.Name)
	assert.Equal(t, h.lms.srv.URL+"/auth", p.AuthEndpoint)
	assert.Equal(t, h.lms.srv.URL+"/token", p.TokenEndpoint)
	assert.Equal(t, platform.AuthConfig{Method: platform.AuthMethodJWKSet, Key: h.lms.srv.URL + "/jwks"}, p.AuthConfig)
	assert.Equal(t, []string{"deploy-1"}, p.DeploymentIDs)
	assert.Equal(t, "kid-1", p.KeyID)
	assert.False(t, p.Active, "platforms wait for activation unless autoActivate is set")
}

func TestRegistrar_Overrides(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	h := newHarness(t, testTool())

	_, err := h.registrar.Register(ctx, h.lms.configURL(), "", &registration.Tool{
		Name:             "Per Course Tool",
		CustomParameters: map[string]string{"section": "$CourseSection.id"},
		AutoActivate:     true,
	})
	require.NoError(t, err)

	req, auth := h.lms.lastRequest()
	assert.Empty(t, auth)
	assert.Equal(t, "Per Course Tool", req.ClientName)
	assert.Equal(t, "https://tool.example/login", req.InitiateLoginURI)
	assert.Equal(t, map[string]string{"course": "$Context.id", "section": "$CourseSection.id"}, req.ToolConfiguration.CustomParameters)

	p, err := h.registry.GetByID(ctx, platform.ID(h.lms.srv.URL, "client-1"))
	require.NoError(t, err)
	assert.True(t, p.Active)

	// Overrides apply to one registration only.
	_, err = h.registrar.Register(ctx, h.lms.configURL(), "", nil)
	require.NoError(t, err)
	req, _ = h.lms.lastRequest()
	assert.Equal(t, "Quiz Tool", req.ClientName)
	assert.Equal(t, map[string]string{"course": "$Context.id"}, req.ToolConfiguration.CustomParameters)

	p, err = h.registry.GetByID(ctx, platform.ID(h.lms.srv.URL, "client-2"))
	require.NoError(t, err)
	assert.False(t, p.Active)
}

func TestRegistrar_ScopesWithoutAdvertisement(t *testing.T) {
	t.Parallel()
	tool := testTool()
	tool.DeepLinkingURL = ""
	h := newHarness(t, tool)
	h.lms.mutate = func(cfg *registration.OpenIDConfiguration) {
		cfg.ScopesSupported = nil
		cfg.PlatformConfiguration = nil
	}

	_, err := h.registrar.Register(t.Context(), h.lms.configURL(), "", nil)
	require.NoError(t, err)

	req, _ := h.lms.lastRequest()
	assert.Equal(t, strings.Join(lti.ServiceScopes(), " "), req.Scope)
	assert.Equal(t, []string{"https://tool.example/launch"}, req.RedirectURIs)
	require.Len(t, req.ToolConfiguration.Messages, 1)
	assert.Equal(t, lti.MessageTypeResourceLink, req.ToolConfiguration.Messages[0].Type)

	platforms, err := h.registry.List(t.Context())
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	assert.Equal(t, h.lms.srv.Listener.Addr().String(), platforms[0].Name, "name falls back to the issuer host")
}

func TestRegistrar_AlreadyRegistered(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	h := newHarness(t, testTool())

	existing, err := h.registry.Register(ctx, platform.Spec{
		URL:           h.lms.srv.URL,
		ClientID:      "client-1",
		Name:          "Existing",
		AuthEndpoint:  h.lms.srv.URL + "/auth",
		TokenEndpoint: h.lms.srv.URL + "/token",
		AuthConfig:    platform.AuthConfig{Method: platform.AuthMethodJWKSet, Key: h.lms.srv.URL + "/jwks"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, h.keys.generated.Load())

	_, err = h.registrar.Register(ctx, h.lms.configURL(), "", nil)
	require.ErrorIs(t, err, lterrors.ErrPlatformAlreadyRegistered)
	assert.EqualValues(t, 1, h.keys.generated.Load(), "no key pair is generated for a duplicate")

	got, err := h.registry.GetByID(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Existing", got.Name)
	assert.Empty(t, got.DeploymentIDs)
}

func TestRegistrar_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		configURL func(l *fakeLMS) string
		setup     func(l *fakeLMS)
		kind      lterrors.Kind
	}{
		{
			name:      "missing configuration URL",
			configURL: func(*fakeLMS) string { return "" },
			kind:      lterrors.KindMissingOpenIDConfig,
		},
		{
			name:      "relative configuration URL",
			configURL: func(*fakeLMS) string { return "/.well-known/openid-configuration" },
			kind:      lterrors.KindInvalidPlatformConfig,
		},
		{
			name:  "configuration not found",
			setup: func(l *fakeLMS) { l.configStatus = http.StatusNotFound },
			kind:  lterrors.KindInvalidPlatformConfig,
		},
		{
			name: "configuration without jwks_uri",
			setup: func(l *fakeLMS) {
				l.mutate = func(cfg *registration.OpenIDConfiguration) { cfg.JWKSURI = "" }
			},
			kind: lterrors.KindInvalidPlatformConfig,
		},
		{
			name: "configuration without registration endpoint",
			setup: func(l *fakeLMS) {
				l.mutate = func(cfg *registration.OpenIDConfiguration) { cfg.RegistrationEndpoint = "" }
			},
			kind: lterrors.KindInvalidPlatformConfig,
		},
		{
			name: "plain HTTP registration endpoint",
			setup: func(l *fakeLMS) {
				l.mutate = func(cfg *registration.OpenIDConfiguration) { cfg.RegistrationEndpoint = "http://lms.example/register" }
			},
			kind: lterrors.KindInvalidPlatformConfig,
		},
		{
			name:  "registration rejected",
			setup: func(l *fakeLMS) { l.registerStatus = http.StatusBadRequest },
			kind:  lterrors.KindRegistrationFailed,
		},
		{
			name:  "response without client_id",
			setup: func(l *fakeLMS) { l.omitClientID = true },
			kind:  lterrors.KindRegistrationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, testTool())
			if tt.setup != nil {
				tt.setup(h.lms)
			}
			configURL := h.lms.configURL()
			if tt.configURL != nil {
				configURL = tt.configURL(h.lms)
			}

			script, err := h.registrar.Register(t.Context(), configURL, "", nil)
			require.Error(t, err)
			assert.Empty(t, script)
			assert.Equal(t, tt.kind, lterrors.KindOf(err))

			platforms, err := h.registry.List(t.Context())
			require.NoError(t, err)
			assert.Empty(t, platforms)
			assert.Zero(t, h.keys.generated.Load())
		})
	}
}
