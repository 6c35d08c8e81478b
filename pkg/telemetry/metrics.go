// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	lterrors "github.com/stacklok/ltitool/pkg/errors"
)

const meterName = "github.com/stacklok/ltitool"

// Outcome values of the "outcome" attribute.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics records LTI flow counters. A nil *Metrics records nothing.
type Metrics struct {
	logins         metric.Int64Counter
	launches       metric.Int64Counter
	launchDuration metric.Float64Histogram
	registrations  metric.Int64Counter
	jwksRequests   metric.Int64Counter
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error
	if m.logins, err = meter.Int64Counter("lti.login.requests",
		metric.WithDescription("OIDC login initiations by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create login counter: %w", err)
	}
	if m.launches, err = meter.Int64Counter("lti.launch.requests",
		metric.WithDescription("Launch validations by outcome, kind and reason")); err != nil {
		return nil, fmt.Errorf("failed to create launch counter: %w", err)
	}
	if m.launchDuration, err = meter.Float64Histogram("lti.launch.duration",
		metric.WithDescription("Launch validation latency"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create launch histogram: %w", err)
	}
	if m.registrations, err = meter.Int64Counter("lti.registration.requests",
		metric.WithDescription("Dynamic registrations by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create registration counter: %w", err)
	}
	if m.jwksRequests, err = meter.Int64Counter("lti.jwks.requests",
		metric.WithDescription("Tool JWKS documents served")); err != nil {
		return nil, fmt.Errorf("failed to create jwks counter: %w", err)
	}
	return m, nil
}

// Outcome classifies err for the outcome attribute. Typed rejections are
// "rejected"; untyped and INTERNAL failures are "error".
func Outcome(err error) string {
	switch kind := lterrors.KindOf(err); {
	case err == nil:
		return OutcomeSuccess
	case kind == "" || kind == lterrors.KindInternal:
		return OutcomeError
	default:
		return OutcomeRejected
	}
}

func outcomeAttrs(err error) metric.MeasurementOption {
	attrs := []attribute.KeyValue{attribute.String("outcome", Outcome(err))}
	if err != nil {
		attrs = append(attrs, attribute.String("kind", string(lterrors.KindOf(err))))
		if reason := lterrors.ReasonOf(err); reason != "" {
			attrs = append(attrs, attribute.String("reason", string(reason)))
		}
	}
	return metric.WithAttributes(attrs...)
}

// RecordLogin counts a login initiation.
func (m *Metrics) RecordLogin(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.logins.Add(ctx, 1, outcomeAttrs(err))
}

// RecordLaunch counts a launch validation and its latency.
func (m *Metrics) RecordLaunch(ctx context.Context, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	opt := outcomeAttrs(err)
	m.launches.Add(ctx, 1, opt)
	m.launchDuration.Record(ctx, elapsed.Seconds(), opt)
}

// RecordRegistration counts a dynamic registration.
func (m *Metrics) RecordRegistration(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.registrations.Add(ctx, 1, outcomeAttrs(err))
}

// RecordJWKS counts a served JWKS document.
func (m *Metrics) RecordJWKS(ctx context.Context) {
	if m == nil {
		return
	}
	m.jwksRequests.Add(ctx, 1)
}
