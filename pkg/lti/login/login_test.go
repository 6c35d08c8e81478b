// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package login_test

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/lti/login"
	"github.com/stacklok/ltitool/pkg/lti/platform"
	"github.com/stacklok/ltitool/pkg/lti/platform/mocks"
	"github.com/stacklok/ltitool/pkg/lti/statestore"
	"github.com/stacklok/ltitool/pkg/storage"
)

const issuer = "https://lms.example"

func activePlatform(clientID string, deployments ...string) *platform.Platform {
	return &platform.Platform{
		ID:            platform.ID(issuer, clientID),
		URL:           issuer,
		ClientID:      clientID,
		Name:          "Example LMS",
		AuthEndpoint:  issuer + "/auth",
		TokenEndpoint: issuer + "/token",
		DeploymentIDs: deployments,
		Active:        true,
	}
}

func newStates(t *testing.T) *statestore.Store {
	t.Helper()
	repo := storage.NewMemoryRepository()
	t.Cleanup(func() { _ = repo.Close() })
	return statestore.New(repo)
}

func TestParseRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		values  url.Values
		wantErr bool
	}{
		{
			name: "complete",
			values: url.Values{
				"iss": {issuer}, "login_hint": {"u1"}, "target_link_uri": {"https://tool.example/launch"},
				"client_id": {"c1"}, "lti_deployment_id": {"d1"}, "lti_message_hint": {"hint"},
			},
		},
		{name: "missing iss", values: url.Values{"login_hint": {"u1"}, "target_link_uri": {"https://tool.example"}}, wantErr: true},
		{name: "missing login_hint", values: url.Values{"iss": {issuer}, "target_link_uri": {"https://tool.example"}}, wantErr: true},
		{name: "missing target_link_uri", values: url.Values{"iss": {issuer}, "login_hint": {"u1"}}, wantErr: true},
		{name: "empty", values: url.Values{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, err := login.ParseRequest(tt.values)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, lterrors.KindMissingLoginParameters, lterrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, login.Request{
				Issuer:        issuer,
				LoginHint:     "u1",
				TargetLinkURI: "https://tool.example/launch",
				ClientID:      "c1",
				DeploymentID:  "d1",
				MessageHint:   "hint",
			}, req)
		})
	}
}

func TestInitiator_PreservesTargetQuery(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	ctrl := gomock.NewController(t)
	lookup := mocks.NewMockLookup(ctrl)
	states := newStates(t)

	lookup.EXPECT().Get(gomock.Any(), issuer, "").Return([]*platform.Platform{activePlatform("c1")}, nil)

	initiator := login.NewInitiator(lookup, states, login.Config{})
	redirect, err := initiator.Initiate(ctx, login.Request{
		Issuer:        issuer,
		LoginHint:     "u1",
		TargetLinkURI: "https://tool.example/launch?course=42",
		MessageHint:   "resource-7",
	})
	require.NoError(t, err)

	assert.Equal(t, "https", redirect.URL.Scheme)
	assert.Equal(t, "lms.example", redirect.URL.Host)
	assert.Equal(t, "/auth", redirect.URL.Path)

	q := redirect.URL.Query()
	assert.Equal(t, "id_token", q.Get("response_type"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, "none", q.Get("prompt"))
	assert.Equal(t, "c1", q.Get("client_id"))
	assert.Equal(t, "u1", q.Get("login_hint"))
	assert.Equal(t, "resource-7", q.Get("lti_message_hint"))
	assert.Equal(t, "https://tool.example/launch", q.Get("redirect_uri"))
	assert.Equal(t, redirect.State, q.Get("state"))
	assert.Equal(t, redirect.Nonce, q.Get("nonce"))
	assert.NotEmpty(t, redirect.Nonce)
	assert.Equal(t, "https://tool.example/launch", redirect.TargetLinkURI)

	st, err := states.State(ctx, redirect.State)
	require.NoError(t, err)
	assert.Equal(t, url.Values{"course": {"42"}}, st.Query)
	assert.Equal(t, issuer, st.Issuer)

	// The nonce is not recorded until a launch presents it.
	require.NoError(t, states.UseNonce(ctx, redirect.Nonce, time.Now()))
}

func TestInitiator_Cookie(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	lookup := mocks.NewMockLookup(ctrl)
	lookup.EXPECT().Get(gomock.Any(), issuer, "c1").Return([]*platform.Platform{activePlatform("c1")}, nil)

	initiator := login.NewInitiator(lookup, newStates(t), login.Config{
		RedirectURI: "https://tool.example/lti/launch",
		Cookie: login.CookieConfig{
			TTL:      90 * time.Second,
			Secure:   true,
			SameSite: http.SameSiteNoneMode,
			Domain:   "tool.example",
		},
	})
	redirect, err := initiator.Initiate(t.Context(), login.Request{
		Issuer: issuer, LoginHint: "u1", TargetLinkURI: "https://tool.example/launch", ClientID: "c1",
	})
	require.NoError(t, err)

	c := redirect.Cookie
	assert.Equal(t, "state"+redirect.State, c.Name)
	assert.Equal(t, issuer, c.Value)
	assert.Equal(t, 90, c.MaxAge)
	assert.True(t, c.Secure)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteNoneMode, c.SameSite)
	assert.Equal(t, "tool.example", c.Domain)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, "https://tool.example/lti/launch", redirect.URL.Query().Get("redirect_uri"))

	got, ok := login.StateFromCookies([]*http.Cookie{{Name: "other", Value: "x"}, c}, redirect.State)
	require.True(t, ok)
	assert.Equal(t, issuer, got)

	_, ok = login.StateFromCookies([]*http.Cookie{c}, "different")
	assert.False(t, ok)

	expired := initiator.ExpireStateCookie(redirect.State)
	assert.Equal(t, c.Name, expired.Name)
	assert.Negative(t, expired.MaxAge)
}

func TestInitiator_PlatformResolution(t *testing.T) {
	t.Parallel()

	inactive := activePlatform("c1")
	inactive.Active = false

	tests := []struct {
		name            string
		req             login.Request
		found           []*platform.Platform
		lookupErr       error
		allowFirstMatch bool
		wantKind        lterrors.Kind
		wantClientID    string
	}{
		{
			name:     "unregistered",
			wantKind: lterrors.KindUnregisteredPlatform,
		},
		{
			name:     "inactive",
			found:    []*platform.Platform{inactive},
			wantKind: lterrors.KindPlatformNotActivated,
		},
		{
			name:     "shared issuer without hints",
			found:    []*platform.Platform{activePlatform("c1"), activePlatform("c2")},
			wantKind: lterrors.KindAmbiguousPlatform,
		},
		{
			name:         "shared issuer narrowed by deployment",
			req:          login.Request{DeploymentID: "d2"},
			found:        []*platform.Platform{activePlatform("c1", "d1"), activePlatform("c2", "d2")},
			wantClientID: "c2",
		},
		{
			name:     "shared issuer with unknown deployment",
			req:      login.Request{DeploymentID: "d9"},
			found:    []*platform.Platform{activePlatform("c1", "d1"), activePlatform("c2", "d2")},
			wantKind: lterrors.KindAmbiguousPlatform,
		},
		{
			name:            "shared issuer first match allowed",
			found:           []*platform.Platform{activePlatform("c1"), activePlatform("c2")},
			allowFirstMatch: true,
			wantClientID:    "c1",
		},
		{
			name:      "lookup failure",
			lookupErr: errors.New("storage down"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			lookup := mocks.NewMockLookup(ctrl)
			lookup.EXPECT().Get(gomock.Any(), issuer, "").Return(tt.found, tt.lookupErr)

			req := tt.req
			req.Issuer = issuer
			req.LoginHint = "u1"
			req.TargetLinkURI = "https://tool.example/launch"

			initiator := login.NewInitiator(lookup, newStates(t), login.Config{AllowFirstMatch: tt.allowFirstMatch})
			redirect, err := initiator.Initiate(t.Context(), req)

			switch {
			case tt.lookupErr != nil:
				require.ErrorIs(t, err, tt.lookupErr)
			case tt.wantKind != "":
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, lterrors.KindOf(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantClientID, redirect.Platform.ClientID)
				assert.Equal(t, tt.wantClientID, redirect.URL.Query().Get("client_id"))
			}
		})
	}
}

func TestInitiator_KeepsAuthEndpointQuery(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	lookup := mocks.NewMockLookup(ctrl)
	p := activePlatform("c1")
	p.AuthEndpoint = issuer + "/auth?tenant=blue"
	lookup.EXPECT().Get(gomock.Any(), issuer, "").Return([]*platform.Platform{p}, nil)

	redirect, err := login.NewInitiator(lookup, newStates(t), login.Config{}).Initiate(t.Context(), login.Request{
		Issuer: issuer, LoginHint: "u1", TargetLinkURI: "https://tool.example/launch",
	})
	require.NoError(t, err)
	assert.Equal(t, "blue", redirect.URL.Query().Get("tenant"))
	assert.Equal(t, "openid", redirect.URL.Query().Get("scope"))
}

func TestInitiator_RejectsRelativeTarget(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	lookup := mocks.NewMockLookup(ctrl)
	lookup.EXPECT().Get(gomock.Any(), issuer, "").Return([]*platform.Platform{activePlatform("c1")}, nil)

	_, err := login.NewInitiator(lookup, newStates(t), login.Config{}).Initiate(t.Context(), login.Request{
		Issuer: issuer, LoginHint: "u1", TargetLinkURI: "/launch",
	})
	assert.Equal(t, lterrors.KindMissingLoginParameters, lterrors.KindOf(err))
}
