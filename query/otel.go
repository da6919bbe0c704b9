package query

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/grenzgaenger/freshness/query")
