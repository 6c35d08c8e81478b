// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package platform

import "context"

//go:generate mockgen -destination=mocks/mock_lookup.go -package=mocks -source=lookup.go Lookup

// Lookup resolves registered platforms. The login, launch and access token
// components depend on it rather than on the Registry.
type Lookup interface {
	// Get returns the platforms registered for issuer. With a clientID at most
	// one is returned. Without one every platform sharing the issuer is
	// returned and the caller picks.
	Get(ctx context.Context, issuer, clientID string) ([]*Platform, error)

	// GetByID returns a single platform or a PLATFORM_NOT_FOUND error.
	GetByID(ctx context.Context, id string) (*Platform, error)
}
