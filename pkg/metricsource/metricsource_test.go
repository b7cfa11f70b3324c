package metricsource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestMetricSource(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "MetricSource Suite")
}

type fakeBackend struct {
	instantValue float64
	instantFound bool
	instantErr   error
	lastQuery    string
	series       []Sample
	seriesErr    error
}

func (f *fakeBackend) Instant(ctx context.Context, query string) (float64, bool, error) {
	f.lastQuery = query
	return f.instantValue, f.instantFound, f.instantErr
}

func (f *fakeBackend) RangeQuery(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error) {
	f.lastQuery = query
	return f.series, f.seriesErr
}

func (f *fakeBackend) HealthCheck(ctx context.Context) error { return nil }

var _ = Describe("QuerySource", func() {
	var (
		backend *fakeBackend
		source  *QuerySource
	)

	BeforeEach(func() {
		backend = &fakeBackend{instantValue: 1.25, instantFound: true}
		source = New(backend, Templates{
			ErrorRatePct: `100 * sum(rate(http_requests_total{service="%s",code=~"5.."}[%ds])) / sum(rate(http_requests_total{service="%s"}[%ds]))`,
		})
	})

	It("substitutes service and window into the configured template", func() {
		rate, err := source.ErrorRatePct(context.Background(), "payment-service", 5*time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(rate).To(Equal(1.25))
		Expect(backend.lastQuery).To(ContainSubstring(`service="payment-service"`))
		Expect(backend.lastQuery).To(ContainSubstring(`[300s]`))
	})

	It("errors when no template is configured for a metric", func() {
		_, err := source.P95LatencyMs(context.Background(), "new-service", time.Minute)
		Expect(err).To(HaveOccurred())
	})

	It("returns zero, not an error, when the backend has no data yet", func() {
		backend.instantFound = false
		rate, err := source.ErrorRatePct(context.Background(), "new-service", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(rate).To(Equal(0.0))
	})

	It("passes an arbitrary PromQL expression straight through for Series", func() {
		backend.series = []Sample{{Timestamp: time.Unix(0, 0), Value: 42}}
		samples, err := source.Series(context.Background(), `up{job="orchestrator"}`, time.Now(), time.Now(), time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(samples).To(HaveLen(1))
		Expect(backend.lastQuery).To(Equal(`up{job="orchestrator"}`))
	})
})

var _ = Describe("PrometheusBackend", func() {
	It("parses an instant vector query response", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/api/v1/query"))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"data": map[string]any{
					"resultType": "vector",
					"result": []map[string]any{
						{"metric": map[string]string{"service": "payment-service"}, "value": []any{1700000000, "2.5"}},
					},
				},
			})
		}))
		defer server.Close()

		backend, err := NewPrometheusBackend(server.URL, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())

		value, found, err := backend.Instant(context.Background(), `up`)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(value).To(Equal(2.5))
	})

	It("treats an empty result vector as found=false, not an error", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"data":   map[string]any{"resultType": "vector", "result": []map[string]any{}},
			})
		}))
		defer server.Close()

		backend, err := NewPrometheusBackend(server.URL, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())

		_, found, err := backend.Instant(context.Background(), `up{service="new-service"}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	It("reports a non-200 health check as an error", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		backend, err := NewPrometheusBackend(server.URL, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())

		err = backend.HealthCheck(context.Background())
		Expect(err).To(HaveOccurred())
	})
})
