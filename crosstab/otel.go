package crosstab

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var tracer = otel.Tracer("github.com/grenzgaenger/freshness/crosstab")

var propagator = propagation.TraceContext{}
