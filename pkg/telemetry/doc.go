// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry metrics for peaced, exported in the
// Prometheus text format on the /metrics endpoint and optionally pushed to an
// OTLP/HTTP collector.
//
// Protocol components receive a *Metrics and call its Record methods; a nil
// *Metrics records nothing.
package telemetry
