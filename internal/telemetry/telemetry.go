/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package telemetry records invalidation latency and pass outcomes as
// OpenTelemetry metrics, structured logs and optional product analytics.
package telemetry

import (
	"context"
	"time"

	"github.com/blnkfinance/contentsync/model"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "contentsync"

// Capturer is the part of the PostHog client used here.
type Capturer interface {
	Enqueue(posthog.Message) error
}

type Telemetry struct {
	latency    metric.Float64Histogram
	passes     metric.Int64Counter
	failed     metric.Int64Counter
	analytics  Capturer
	distinctID string
}

// New registers the instruments on provider. analytics may be nil.
func New(provider metric.MeterProvider, analytics Capturer, distinctID string) (*Telemetry, error) {
	meter := provider.Meter(meterName)

	latency, err := meter.Float64Histogram("contentsync.invalidation.latency",
		metric.WithDescription("Time from a record change to its invalidation in a sink"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	passes, err := meter.Int64Counter("contentsync.passes",
		metric.WithDescription("Invalidation passes by outcome"),
	)
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("contentsync.record_types.failed",
		metric.WithDescription("Record types returned to the dirty set after a failed pass"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		latency:    latency,
		passes:     passes,
		failed:     failed,
		analytics:  analytics,
		distinctID: distinctID,
	}, nil
}

func (t *Telemetry) RecordLatency(ctx context.Context, consumer model.ConsumerKind, recordType string, latency time.Duration) {
	t.latency.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.String("consumer", string(consumer)),
		attribute.String("record_type", recordType),
	))
}

func (t *Telemetry) PassCompleted(ctx context.Context, report model.PassReport) {
	outcome := passOutcome(report)
	t.passes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	failed, records := 0, 0
	for _, c := range report.Consumers {
		records += c.Records
		failed += len(c.Failed)
		if len(c.Failed) > 0 {
			t.failed.Add(ctx, int64(len(c.Failed)), metric.WithAttributes(attribute.String("consumer", string(c.Consumer))))
		}
	}

	fields := logrus.Fields{
		"outcome":            outcome,
		"duration":           report.Duration.String(),
		"records":            records,
		"failed_types":       failed,
		"metadata_refreshed": report.MetadataRefreshed,
	}
	if outcome == "succeeded" {
		logrus.WithFields(fields).Info("invalidation pass completed")
	} else {
		logrus.WithFields(fields).Warn("invalidation pass completed")
	}

	if t.analytics == nil || outcome == "skipped" {
		return
	}
	if err := t.analytics.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      "invalidation_pass",
		Properties: posthog.NewProperties().
			Set("outcome", outcome).
			Set("records", records).
			Set("failed_types", failed).
			Set("duration_ms", report.Duration.Milliseconds()),
	}); err != nil {
		logrus.WithError(err).Debug("failed to enqueue pass analytics")
	}
}

// Heartbeat reports liveness every interval until ctx is done.
func (t *Telemetry) Heartbeat(ctx context.Context, interval time.Duration) {
	if t.analytics == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if err := t.analytics.Enqueue(posthog.Capture{
					DistinctId: t.distinctID,
					Event:      "server_heartbeat",
					Properties: map[string]interface{}{"timestamp": now.UTC()},
				}); err != nil {
					logrus.Printf("Failed to send heartbeat: %v", err)
				}
			}
		}
	}()
}

func passOutcome(report model.PassReport) string {
	switch {
	case report.Skipped:
		return "skipped"
	case report.Aborted:
		return "aborted"
	}
	for _, c := range report.Consumers {
		if len(c.Failed) > 0 {
			return "partial"
		}
	}
	return "succeeded"
}
