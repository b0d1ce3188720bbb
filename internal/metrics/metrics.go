package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/appetiteclub/kds"

// Counter is a named monotonic counter. A zero Counter is a no-op.
type Counter struct {
	c metric.Int64Counter
}

// NewCounter registers a counter on the global meter provider, which is a
// no-op until a provider is installed.
func NewCounter(name, description string) Counter {
	c, err := otel.Meter(meterName).Int64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return Counter{}
	}
	return Counter{c: c}
}

func (c Counter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	if c.c == nil {
		return
	}
	c.c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
