package metricsource

import (
	"context"
	"fmt"
	"time"
)

// Templates holds the PromQL query templates a deployment wires up for each
// named metric. Every template is expanded as fmt.Sprintf(template, service,
// windowSeconds, service, windowSeconds); a template that needs fewer of
// these picks them with explicit argument indexes (e.g. %[1]s, %[2]d).
// Operators own the actual PromQL; this package only evaluates it.
type Templates struct {
	ErrorRatePct        string // e.g. `100 * sum(rate(http_requests_total{service="%s",code=~"5.."}[%ds])) / sum(rate(http_requests_total{service="%s"}[%ds]))`
	P95LatencyMs        string
	P99LatencyMs        string
	CPUSaturationPct    string
	MemorySaturationPct string
	RequestRatePerSec   string
}

// QuerySource adapts a Backend plus a set of named query Templates into the
// narrow, purpose-named metric accessors pkg/safety, pkg/healthgate, and
// pkg/verify each depend on — so none of them need to know PromQL exists.
type QuerySource struct {
	backend   Backend
	templates Templates
}

// New builds a QuerySource.
func New(backend Backend, templates Templates) *QuerySource {
	return &QuerySource{backend: backend, templates: templates}
}

func (s *QuerySource) query(ctx context.Context, template, service string, window time.Duration) (float64, error) {
	value, _, err := s.queryFound(ctx, template, service, window)
	return value, err
}

// queryFound is query's found-aware counterpart: callers that must
// distinguish "no data yet" (found=false) from a genuine zero value use this
// directly instead of query, which collapses the two.
func (s *QuerySource) queryFound(ctx context.Context, template, service string, window time.Duration) (float64, bool, error) {
	if template == "" {
		return 0, false, fmt.Errorf("metricsource: no query template configured for this metric")
	}
	query := fmt.Sprintf(template, service, int(window.Seconds()), service, int(window.Seconds()))
	return s.backend.Instant(ctx, query)
}

// ErrorRatePct satisfies pkg/safety.MetricSource for the error-budget gate.
func (s *QuerySource) ErrorRatePct(ctx context.Context, service string, window time.Duration) (float64, error) {
	return s.query(ctx, s.templates.ErrorRatePct, service, window)
}

// P95LatencyMs is the p95 request latency over window, for the health gate's
// latency-regression check.
func (s *QuerySource) P95LatencyMs(ctx context.Context, service string, window time.Duration) (float64, error) {
	return s.query(ctx, s.templates.P95LatencyMs, service, window)
}

// P99LatencyMs is the p99 request latency over window.
func (s *QuerySource) P99LatencyMs(ctx context.Context, service string, window time.Duration) (float64, error) {
	return s.query(ctx, s.templates.P99LatencyMs, service, window)
}

// CPUSaturationPct is CPU usage as a percentage of the service's request/limit.
func (s *QuerySource) CPUSaturationPct(ctx context.Context, service string, window time.Duration) (float64, error) {
	return s.query(ctx, s.templates.CPUSaturationPct, service, window)
}

// MemorySaturationPct is memory usage as a percentage of the service's
// request/limit.
func (s *QuerySource) MemorySaturationPct(ctx context.Context, service string, window time.Duration) (float64, error) {
	return s.query(ctx, s.templates.MemorySaturationPct, service, window)
}

// RequestRatePerSec is the current request rate, for request-rate-drop
// detection (health gate treats a sudden drop as a possible silent failure).
func (s *QuerySource) RequestRatePerSec(ctx context.Context, service string, window time.Duration) (float64, error) {
	return s.query(ctx, s.templates.RequestRatePerSec, service, window)
}

// Series fetches a raw range of samples for an arbitrary PromQL expression,
// used by pkg/verify for bootstrap confidence intervals and stability
// analysis where a single scalar isn't enough.
func (s *QuerySource) Series(ctx context.Context, promql string, start, end time.Time, step time.Duration) ([]Sample, error) {
	return s.backend.RangeQuery(ctx, promql, start, end, step)
}

// HealthCheck delegates to the underlying backend.
func (s *QuerySource) HealthCheck(ctx context.Context) error {
	return s.backend.HealthCheck(ctx)
}

// Sample fetches a named gate metric for service and reports
// whether any data was found, for pkg/healthgate's "no data → UNKNOWN" rule
// (spec §4.7 "if no data, status UNKNOWN"). name is one of the healthgate
// gate names (error_rate, p95_latency, p99_latency, cpu_saturation,
// memory_saturation, request_rate).
func (s *QuerySource) Sample(ctx context.Context, name, service string, window time.Duration) (float64, bool, error) {
	template, ok := map[string]string{
		"error_rate":        s.templates.ErrorRatePct,
		"p95_latency":       s.templates.P95LatencyMs,
		"p99_latency":       s.templates.P99LatencyMs,
		"cpu_saturation":    s.templates.CPUSaturationPct,
		"memory_saturation": s.templates.MemorySaturationPct,
		"request_rate":      s.templates.RequestRatePerSec,
	}[name]
	if !ok {
		return 0, false, fmt.Errorf("metricsource: unknown gate metric %q", name)
	}
	return s.queryFound(ctx, template, service, window)
}
