// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accesstoken

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

//go:generate mockgen -destination=mocks/mock_signer.go -package=mocks -source=signer.go Signer

// Signer signs client assertions with the tool key of a platform
// registration. keys.Manager implements it.
type Signer interface {
	SignForPlatform(ctx context.Context, platformURL, clientID string, claims jwt.Claims) (string, error)
}
