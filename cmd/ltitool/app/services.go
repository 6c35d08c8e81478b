// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/viper"

	"github.com/stacklok/ltitool/pkg/config"
	"github.com/stacklok/ltitool/pkg/logger"
	"github.com/stacklok/ltitool/pkg/lti/accesstoken"
	"github.com/stacklok/ltitool/pkg/lti/keys"
	"github.com/stacklok/ltitool/pkg/lti/launch"
	"github.com/stacklok/ltitool/pkg/lti/login"
	"github.com/stacklok/ltitool/pkg/lti/platform"
	"github.com/stacklok/ltitool/pkg/lti/registration"
	"github.com/stacklok/ltitool/pkg/lti/statestore"
	"github.com/stacklok/ltitool/pkg/storage"
	"github.com/stacklok/ltitool/pkg/storage/factory"
)

// encryptionKeyEnv is read through viper as LTITOOL_ENCRYPTION_KEY.
const encryptionKeyEnv = "encryption_key"

const storageOpenAttempts = 5

// loadConfig reads the file named by --config and applies environment
// overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if key := viper.GetString(encryptionKeyEnv); key != "" {
		cfg.Storage.EncryptionKey = key
	}
	return cfg, nil
}

// services are the LTI components built over one repository.
type services struct {
	cfg        *config.Config
	repo       storage.Repository
	httpClient *http.Client
	keys       *keys.Manager
	registry   *platform.Registry
	states     *statestore.Store
	login      *login.Initiator
	launch     *launch.Validator
	tokens     *accesstoken.Cache
	registrar  *registration.Registrar
}

func newServices(ctx context.Context, cfg *config.Config) (*services, error) {
	repo, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	httpClient, err := cfg.HTTPClient()
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}

	s := &services{cfg: cfg, repo: repo, httpClient: httpClient}
	s.keys = keys.NewManager(repo,
		keys.WithKeySize(cfg.Keys.Size),
		keys.WithRotationGrace(cfg.Keys.RotationGrace),
	)
	s.registry = platform.NewRegistry(repo, s.keys)
	s.states = statestore.New(repo,
		statestore.WithStateTTL(cfg.Login.StateTTL),
		statestore.WithNonceTTL(cfg.Launch.NonceTTL),
	)
	s.login = login.NewInitiator(s.registry, s.states, cfg.LoginConfig())

	jwks := launch.NewJWKSCache(httpClient,
		launch.WithJWKSCacheTTL(cfg.Launch.JWKSCacheTTL),
		launch.WithJWKSFetchTimeout(cfg.Launch.JWKSFetchTimeout),
	)
	s.launch = launch.NewValidator(s.registry, s.states, launch.NewPlatformKeyResolver(jwks), cfg.LaunchConfig())
	s.tokens = accesstoken.NewCache(repo, s.keys, httpClient,
		accesstoken.WithRefreshMargin(cfg.AccessToken.RefreshMargin),
		accesstoken.WithRequestTimeout(cfg.AccessToken.RequestTimeout),
	)
	s.registrar = registration.NewRegistrar(cfg.Tool, s.registry, httpClient)
	return s, nil
}

// openStorage retries the backend connection so the tool can start before
// Redis is reachable.
func openStorage(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	operation := func() (storage.Repository, error) {
		return factory.New(ctx, cfg)
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	repo, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(storageOpenAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnw("storage is not ready, retrying", "type", string(cfg.Type), "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return repo, nil
}

// healthCheck probes the repository with a read that matches nothing.
func (s *services) healthCheck(ctx context.Context) error {
	_, err := s.repo.Get(ctx, storage.SetPlatformStatus, storage.ByKey("healthz"))
	return err
}

func (s *services) Close() error {
	return s.repo.Close()
}

// withServices loads the configuration, builds the services, runs fn and
// closes the repository.
func withServices(ctx context.Context, fn func(*services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warnw("failed to close storage", "error", err)
		}
	}()
	return fn(s)
}
