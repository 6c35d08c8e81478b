// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger holds the process-wide ltitool logger.
package logger

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

const (
	unstructuredLogsEnv = "UNSTRUCTURED_LOGS"

	// maskKeep is how many leading characters Mask leaves readable.
	maskKeep = 6
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(logging.New())
}

// Get returns the current logger.
func Get() *slog.Logger {
	return singleton.Load()
}

func Debugw(msg string, keysAndValues ...any) {
	Get().Debug(msg, keysAndValues...)
}

func Info(msg string) {
	Get().Info(msg)
}

func Infow(msg string, keysAndValues ...any) {
	Get().Info(msg, keysAndValues...)
}

func Warn(msg string) {
	Get().Warn(msg)
}

func Warnw(msg string, keysAndValues ...any) {
	Get().Warn(msg, keysAndValues...)
}

// Errorf is used for CLI setup failures that have no structured context.
func Errorf(msg string, args ...any) {
	Get().Error(fmt.Sprintf(msg, args...))
}

func Errorw(msg string, keysAndValues ...any) {
	Get().Error(msg, keysAndValues...)
}

// NewLogr adapts the logger for the OpenTelemetry SDK.
func NewLogr() logr.Logger {
	return logr.FromSlogHandler(Get().Handler())
}

// Mask shortens a single-use secret (state, nonce, jti) to a loggable prefix.
func Mask(value string) string {
	if len(value) <= maskKeep {
		return "***"
	}
	return value[:maskKeep] + "***"
}

// Initialize configures the logger from UNSTRUCTURED_LOGS and the "debug"
// viper flag.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv is Initialize with an injectable environment reader.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option
	if unstructuredLogsWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if viper.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}
	singleton.Store(logging.New(opts...))
}

// unstructuredLogsWithEnv defaults to text output when the variable is unset
// or unparsable.
func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructured, err := strconv.ParseBool(envReader.Getenv(unstructuredLogsEnv))
	if err != nil {
		return true
	}
	return unstructured
}
