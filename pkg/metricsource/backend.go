// Package metricsource reads the rolling metrics the safety gates, health
// gate evaluator, and verification engine all need from a metrics backend,
// grounded on the teacher's pkg/platform/monitoring Prometheus client shape
// (instant/range query naming) but wired to the real prometheus/client_golang
// api+api/v1 packages rather than a hand-rolled HTTP client.
package metricsource

import (
	"context"
	"time"
)

// Sample is one point of a range-query result.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Backend is the minimal query surface every subsystem builds on: a scalar
// instant query and a range query, both parameterized by raw PromQL so
// callers own their own query templates.
type Backend interface {
	// Instant evaluates query at the current time. found is false when the
	// query returned an empty result vector (e.g. no data for a new
	// service), which callers must distinguish from a zero value.
	Instant(ctx context.Context, query string) (value float64, found bool, err error)

	// RangeQuery evaluates query over [start, end] at step resolution.
	RangeQuery(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error)

	// HealthCheck reports whether the backend is reachable and serving.
	HealthCheck(ctx context.Context) error
}
