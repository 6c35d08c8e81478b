// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = httperr.WithCode(
		errors.New("record not found"),
		http.StatusNotFound,
	)

	// ErrAlreadyExists is returned when an insert collides with a live record.
	ErrAlreadyExists = httperr.WithCode(
		errors.New("record already exists"),
		http.StatusConflict,
	)

	// ErrInvalidRecord is returned for records without a key.
	ErrInvalidRecord = errors.New("record key is required")

	// ErrExpiredRecord is returned when an inserted record has already
	// expired. Nothing is stored.
	ErrExpiredRecord = errors.New("record is already expired")
)
