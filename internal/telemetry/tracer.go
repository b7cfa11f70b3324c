package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the orchestrator's named tracer from otel's global
// provider. cmd/orchestratord does not install a provider, so spans are
// no-ops unless the embedding process calls otel.SetTracerProvider; packages
// only ever depend on this accessor, never on a concrete provider, so tests
// get the no-op provider for free.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/selfheal/controlplane/orchestrator")
}
