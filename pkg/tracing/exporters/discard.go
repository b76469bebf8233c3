package exporters

import (
	"context"

	"go.opentelemetry.io/otel/sdk/trace"
)

// DiscardExporter drops spans. Used when OTLP export is disabled so span and
// trace ids still reach logs and error responses.
type DiscardExporter struct{}

func (DiscardExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	return nil
}

func (DiscardExporter) Shutdown(ctx context.Context) error {
	return nil
}
