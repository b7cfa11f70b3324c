package metricsource

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sony/gobreaker"

	apperrors "github.com/selfheal/controlplane/internal/errors"
)

// PrometheusBackend is the production Backend, grounded on the teacher's
// NewPrometheusClient/GetResourceMetrics/GetMetricsHistory shape but built on
// prometheus/client_golang's api+api/v1 packages instead of hand-rolled HTTP,
// with instant and range queries each behind a circuit breaker (spec §7
// "BackendUnavailable"); HealthCheck does not go through a breaker.
type PrometheusBackend struct {
	client  api.Client
	promAPI promv1.API
	timeout time.Duration
	logger  logr.Logger

	instantBreaker *gobreaker.CircuitBreaker[float64]
	rangeBreaker   *gobreaker.CircuitBreaker[[]Sample]
}

// Option configures a PrometheusBackend at construction.
type Option func(*PrometheusBackend)

func WithLogger(logger logr.Logger) Option { return func(b *PrometheusBackend) { b.logger = logger } }

// WithBreakerSettings overrides the default circuit breaker tuning shared by
// both the instant and range query breakers.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(b *PrometheusBackend) {
		b.instantBreaker = gobreaker.NewCircuitBreaker[float64](st)
		st.Name = st.Name + "-range"
		b.rangeBreaker = gobreaker.NewCircuitBreaker[[]Sample](st)
	}
}

// NewPrometheusBackend dials endpoint (e.g. "http://prometheus:9090").
func NewPrometheusBackend(endpoint string, timeout time.Duration, opts ...Option) (*PrometheusBackend, error) {
	client, err := api.NewClient(api.Config{Address: endpoint})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "build prometheus client")
	}

	b := &PrometheusBackend{
		client:  client,
		promAPI: promv1.NewAPI(client),
		timeout: timeout,
		logger:  logr.Discard(),
	}
	defaultSettings := gobreaker.Settings{
		Name:        "metricsource-instant",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	b.instantBreaker = gobreaker.NewCircuitBreaker[float64](defaultSettings)
	rangeSettings := defaultSettings
	rangeSettings.Name = "metricsource-range"
	b.rangeBreaker = gobreaker.NewCircuitBreaker[[]Sample](rangeSettings)

	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *PrometheusBackend) Instant(ctx context.Context, query string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	value, err := b.instantBreaker.Execute(func() (float64, error) {
		val, warnings, err := b.promAPI.Query(ctx, query, time.Now())
		if err != nil {
			return 0, err
		}
		for _, w := range warnings {
			b.logger.V(1).Info("prometheus query warning", "warning", w, "query", query)
		}
		vector, ok := val.(model.Vector)
		if !ok {
			return 0, fmt.Errorf("unexpected instant-query result type %T", val)
		}
		if len(vector) == 0 {
			return 0, errNoData
		}
		return float64(vector[0].Value), nil
	})
	if err == errNoData {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, fmt.Sprintf("prometheus instant query %q", query))
	}
	return value, true, nil
}

func (b *PrometheusBackend) RangeQuery(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	samples, err := b.rangeBreaker.Execute(func() ([]Sample, error) {
		val, warnings, err := b.promAPI.QueryRange(ctx, query, promv1.Range{Start: start, End: end, Step: step})
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			b.logger.V(1).Info("prometheus range query warning", "warning", w, "query", query)
		}
		matrix, ok := val.(model.Matrix)
		if !ok {
			return nil, fmt.Errorf("unexpected range-query result type %T", val)
		}
		var out []Sample
		for _, stream := range matrix {
			for _, pair := range stream.Values {
				out = append(out, Sample{Timestamp: pair.Timestamp.Time(), Value: float64(pair.Value)})
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, fmt.Sprintf("prometheus range query %q", query))
	}
	return samples, nil
}

func (b *PrometheusBackend) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	u := b.client.URL("/-/healthy", nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "build prometheus health check request")
	}
	resp, _, err := b.client.Do(ctx, req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "prometheus health check")
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.New(apperrors.ErrorTypeBackendUnavailable, fmt.Sprintf("health check failed with status %d", resp.StatusCode))
	}
	return nil
}

var errNoData = fmt.Errorf("no data")
