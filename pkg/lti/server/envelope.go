// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/logger"
)

// ErrorEnvelope is the JSON body of every error response.
type ErrorEnvelope struct {
	Status  int          `json:"status"`
	Error   string       `json:"error"`
	Details ErrorDetails `json:"details"`
}

// ErrorDetails carries the human-readable part of an error response.
type ErrorDetails struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// envelopeFor maps err to a response. Server errors get a generic message
// so storage and transport details stay in the log.
func envelopeFor(err error) ErrorEnvelope {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return ErrorEnvelope{
			Status:  http.StatusRequestEntityTooLarge,
			Error:   "REQUEST_TOO_LARGE",
			Details: ErrorDetails{Message: "request body is too large"},
		}
	}

	kind := lterrors.KindOf(err)
	status := lterrors.HTTPStatus(kind)
	if kind == "" {
		kind = lterrors.KindInternal
	}
	env := ErrorEnvelope{Status: status, Error: string(kind)}
	if status >= http.StatusInternalServerError {
		env.Details.Message = http.StatusText(status)
		return env
	}

	var e *lterrors.Error
	if errors.As(err, &e) {
		env.Details.Message = e.Message
		env.Details.Reason = string(e.Reason)
	}
	return env
}

// WriteError writes the error envelope for err. Applications can call it
// from their callbacks.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	env := envelopeFor(err)
	if env.Status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "path", r.URL.Path, "status", env.Status, "error", err)
	}
	writeJSON(w, env.Status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}
