// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
	"github.com/stacklok/ltitool/pkg/telemetry"
)

func collect(t *testing.T, reader sdkmetric.Reader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	assert.Equal(t, telemetry.OutcomeSuccess, telemetry.Outcome(nil))
	assert.Equal(t, telemetry.OutcomeRejected, telemetry.Outcome(lterrors.New(lterrors.KindStateMismatch, "bad state")))
	assert.Equal(t, telemetry.OutcomeError, telemetry.Outcome(errors.New("storage offline")))
	assert.Equal(t, telemetry.OutcomeError, telemetry.Outcome(lterrors.New(lterrors.KindInternal, "boom")))
}

func TestMetrics_Record(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	reader := sdkmetric.NewManualReader()
	m, err := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	m.RecordLaunch(ctx, nil, 20*time.Millisecond)
	m.RecordLaunch(ctx, lterrors.InvalidToken(lterrors.ReasonTokenExpired, "expired", nil), time.Millisecond)
	m.RecordLogin(ctx, nil)
	m.RecordRegistration(ctx, lterrors.New(lterrors.KindPlatformAlreadyRegistered, "dup"))
	m.RecordJWKS(ctx)
	m.RecordJWKS(ctx)

	data := collect(t, reader)

	launches, ok := data["lti.launch.requests"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, launches.DataPoints, 2)
	byOutcome := map[string]metricdata.DataPoint[int64]{}
	for _, dp := range launches.DataPoints {
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		byOutcome[outcome.AsString()] = dp
	}
	assert.EqualValues(t, 1, byOutcome[telemetry.OutcomeSuccess].Value)
	rejected := byOutcome[telemetry.OutcomeRejected]
	assert.EqualValues(t, 1, rejected.Value)
	reason, ok := rejected.Attributes.Value(attribute.Key("reason"))
	require.True(t, ok)
	assert.Equal(t, string(lterrors.ReasonTokenExpired), reason.AsString())

	duration, ok := data["lti.launch.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range duration.DataPoints {
		count += dp.Count
	}
	assert.EqualValues(t, 2, count)

	jwks, ok := data["lti.jwks.requests"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, jwks.DataPoints, 1)
	assert.EqualValues(t, 2, jwks.DataPoints[0].Value)

	assert.Contains(t, data, "lti.login.requests")
	assert.Contains(t, data, "lti.registration.requests")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()
	var m *telemetry.Metrics
	assert.NotPanics(t, func() {
		m.RecordLogin(t.Context(), nil)
		m.RecordLaunch(t.Context(), nil, time.Second)
		m.RecordRegistration(t.Context(), nil)
		m.RecordJWKS(t.Context())
	})
}

func TestNewProvider_Prometheus(t *testing.T) { //nolint:paralleltest // installs otel globals
	cfg := telemetry.DefaultConfig()
	cfg.IncludeRuntimeMetrics = true
	cfg.ResourceAttributes = "team=lti"

	p, err := telemetry.NewProvider(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	require.NotNil(t, p.PrometheusHandler())

	m, err := telemetry.NewMetrics(p.MeterProvider())
	require.NoError(t, err)
	m.RecordLogin(t.Context(), nil)

	rec := httptest.NewRecorder()
	p.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "lti_login_requests")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewProvider_Disabled(t *testing.T) { //nolint:paralleltest // installs otel globals
	cfg := telemetry.DefaultConfig()
	cfg.MetricsEnabled = false

	p, err := telemetry.NewProvider(t.Context(), cfg)
	require.NoError(t, err)
	assert.Nil(t, p.PrometheusHandler())
	require.NoError(t, p.Shutdown(t.Context()))
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := telemetry.DefaultConfig()
	cfg.SamplingRate = -1

	_, err := telemetry.NewProvider(t.Context(), cfg)
	require.Error(t, err)
}
