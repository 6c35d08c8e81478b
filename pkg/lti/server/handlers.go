// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"time"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/lti/launch"
	"github.com/stacklok/ltitool/pkg/lti/login"
)

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.metrics.RecordLogin(r.Context(), err)
		WriteError(w, r, formError(err, lterrors.KindMissingLoginParameters))
		return
	}
	req, err := login.ParseRequest(r.Form)
	if err != nil {
		h.metrics.RecordLogin(r.Context(), err)
		WriteError(w, r, err)
		return
	}
	redirect, err := h.c.Login.Initiate(r.Context(), req)
	h.metrics.RecordLogin(r.Context(), err)
	if err != nil {
		h.platformError(w, r, err)
		return
	}
	http.SetCookie(w, redirect.Cookie)
	http.Redirect(w, r, redirect.URL.String(), http.StatusFound)
}

func (h *Handler) handleLaunch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := r.ParseForm(); err != nil {
		h.metrics.RecordLaunch(r.Context(), err, time.Since(start))
		WriteError(w, r, formError(err, lterrors.KindMissingIDToken))
		return
	}
	req := launch.RequestFromHTTP(r)
	lc, err := h.c.Launch.Validate(r.Context(), req)
	h.metrics.RecordLaunch(r.Context(), err, time.Since(start))
	if err != nil {
		switch lterrors.KindOf(err) {
		case lterrors.KindStateMismatch, lterrors.KindInvalidToken, lterrors.KindNonceReplayed, lterrors.KindMissingIDToken:
			h.callback(h.callbacks.OnInvalidToken)(w, r, err)
		default:
			h.platformError(w, r, err)
		}
		return
	}

	http.SetCookie(w, h.c.Login.ExpireStateCookie(req.State))
	if h.callbacks.OnLaunch != nil {
		h.callbacks.OnLaunch(w, r, lc)
		return
	}
	writeJSON(w, http.StatusOK, lc)
}

// platformError routes registry failures to their callbacks.
func (h *Handler) platformError(w http.ResponseWriter, r *http.Request, err error) {
	switch lterrors.KindOf(err) {
	case lterrors.KindUnregisteredPlatform, lterrors.KindPlatformNotFound:
		h.callback(h.callbacks.OnUnregisteredPlatform)(w, r, err)
	case lterrors.KindPlatformNotActivated:
		h.callback(h.callbacks.OnInactivePlatform)(w, r, err)
	default:
		WriteError(w, r, err)
	}
}

func (*Handler) callback(cb func(http.ResponseWriter, *http.Request, error)) func(http.ResponseWriter, *http.Request, error) {
	if cb == nil {
		return WriteError
	}
	return cb
}

func (h *Handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.c.Keys.PublicJWKS(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.metrics.RecordJWKS(r.Context())
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	writeJSON(w, http.StatusOK, jwks)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	script, err := h.c.Registrar.Register(r.Context(), q.Get("openid_configuration"), q.Get("registration_token"), nil)
	h.metrics.RecordRegistration(r.Context(), err)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(script)); err != nil {
		logger.Debugw("failed to write registration response", "error", err)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			logger.Warnw("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, ErrorEnvelope{
				Status:  http.StatusServiceUnavailable,
				Error:   "UNAVAILABLE",
				Details: ErrorDetails{Message: "storage is unavailable"},
			})
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// formError keeps a body-limit error intact and reports other parse
// failures as kind.
func formError(err error, kind lterrors.Kind) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return err
	}
	return lterrors.Wrap(kind, "malformed form body", err)
}
