// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability exposes execution lifecycle metrics through the
// OpenTelemetry SDK with a Prometheus exporter. The exporter registers in
// the default Prometheus registry, so the HTTP layer serves it with the
// standard promhttp handler.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the metric instruments. With enabled=false it returns
// an inert recorder whose methods are no-ops.
func InitMetrics(enabled bool) (*PrometheusMetrics, error) {
	if !enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("atp")

	pauses, err := meter.Int64Counter(
		"atp_pauses_total",
		metric.WithDescription("Total executions paused for a callback"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pauses counter: %w", err)
	}

	resumes, err := meter.Int64Counter(
		"atp_resumes_total",
		metric.WithDescription("Total paused executions resumed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resumes counter: %w", err)
	}

	expired, err := meter.Int64Counter(
		"atp_expired_total",
		metric.WithDescription("Total paused executions garbage-collected by max pause duration"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expired counter: %w", err)
	}

	executions, err := meter.Int64Counter(
		"atp_executions_total",
		metric.WithDescription("Total execution runs by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executions counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"atp_execution_duration_seconds",
		metric.WithDescription("Sandbox run duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &PrometheusMetrics{
		pausesTotal:     pauses,
		resumesTotal:    resumes,
		expiredTotal:    expired,
		executionsTotal: executions,
		duration:        duration,
	}, nil
}

// PrometheusMetrics records execution lifecycle counters. The zero value is
// a no-op recorder. It satisfies the state store's Metrics sink.
type PrometheusMetrics struct {
	pausesTotal     metric.Int64Counter
	resumesTotal    metric.Int64Counter
	expiredTotal    metric.Int64Counter
	executionsTotal metric.Int64Counter
	duration        metric.Float64Histogram
}

func (m *PrometheusMetrics) IncPauses() {
	if m == nil || m.pausesTotal == nil {
		return
	}
	m.pausesTotal.Add(context.Background(), 1)
}

func (m *PrometheusMetrics) IncResumes() {
	if m == nil || m.resumesTotal == nil {
		return
	}
	m.resumesTotal.Add(context.Background(), 1)
}

func (m *PrometheusMetrics) IncExpired() {
	if m == nil || m.expiredTotal == nil {
		return
	}
	m.expiredTotal.Add(context.Background(), 1)
}

// RecordExecution counts one finished sandbox run with its terminal status
// and duration.
func (m *PrometheusMetrics) RecordExecution(ctx context.Context, status string, seconds float64) {
	if m == nil || m.executionsTotal == nil || m.duration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.executionsTotal.Add(ctx, 1, attrs)
	m.duration.Record(ctx, seconds, attrs)
}
