// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry metrics and traces for the tool:
// a Prometheus scrape handler, optional OTLP export, and the LTI counters.
package telemetry

import (
	"fmt"
	"strings"

	"github.com/stacklok/ltitool/pkg/versions"
)

// Config holds the telemetry settings.
type Config struct {
	// MetricsEnabled exposes Prometheus metrics on MetricsPath.
	MetricsEnabled bool `yaml:"metricsEnabled"`

	// MetricsPath is where the server mounts the Prometheus handler.
	MetricsPath string `yaml:"metricsPath,omitempty"`

	// IncludeRuntimeMetrics adds Go runtime and process collectors.
	IncludeRuntimeMetrics bool `yaml:"includeRuntimeMetrics,omitempty"`

	// ServiceName and ServiceVersion identify the process in exported data.
	ServiceName    string `yaml:"serviceName,omitempty"`
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// ResourceAttributes is a comma-separated key=value list added to the
	// telemetry resource.
	ResourceAttributes string `yaml:"resourceAttributes,omitempty"`

	// OTLPEndpoint is a collector host:port. Empty disables OTLP export.
	OTLPEndpoint string            `yaml:"otlpEndpoint,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	Insecure     bool              `yaml:"insecure,omitempty"`

	// TracingEnabled exports spans to OTLPEndpoint.
	TracingEnabled bool    `yaml:"tracingEnabled,omitempty"`
	SamplingRate   float64 `yaml:"samplingRate,omitempty"`
}

// DefaultConfig returns Prometheus metrics on /metrics and no OTLP export.
func DefaultConfig() Config {
	return Config{
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
		ServiceName:    "ltitool",
		ServiceVersion: versions.GetVersionInfo().Version,
		SamplingRate:   0.05,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.MetricsEnabled && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("telemetry metricsPath %q must start with /", c.MetricsPath)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("telemetry samplingRate must be between 0.0 and 1.0, got %v", c.SamplingRate)
	}
	if c.TracingEnabled && c.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry tracing requires otlpEndpoint")
	}
	if _, err := ParseCustomAttributes(c.ResourceAttributes); err != nil {
		return fmt.Errorf("invalid telemetry resourceAttributes: %w", err)
	}
	return nil
}
