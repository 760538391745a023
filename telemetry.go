package crypto

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/group-crypto"

type telemetry struct {
	tracer      trace.Tracer
	hits        metric.Int64Counter
	fetches     metric.Int64Counter
	fetchErrors metric.Int64Counter
	operations  metric.Int64Counter
}

func newTelemetry(o *options) (*telemetry, error) {
	meter := o.meterProvider.Meter(instrumentationName)

	hits, err := meter.Int64Counter("groupcrypto.cache.hits",
		metric.WithDescription("Key cache lookups served from a ready entry."))
	if err != nil {
		return nil, err
	}
	fetches, err := meter.Int64Counter("groupcrypto.cache.fetches",
		metric.WithDescription("Key server fetches issued by the key cache."))
	if err != nil {
		return nil, err
	}
	fetchErrors, err := meter.Int64Counter("groupcrypto.cache.fetch_errors",
		metric.WithDescription("Key server fetches that failed."))
	if err != nil {
		return nil, err
	}
	operations, err := meter.Int64Counter("groupcrypto.group.operations",
		metric.WithDescription("Group encrypt and decrypt operations."))
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:      o.tracerProvider.Tracer(instrumentationName),
		hits:        hits,
		fetches:     fetches,
		fetchErrors: fetchErrors,
		operations:  operations,
	}, nil
}

func (t *telemetry) cacheHit(ctx context.Context, cache string) {
	t.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
}

func (t *telemetry) startFetch(ctx context.Context, cache, id string) (context.Context, trace.Span) {
	t.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
	return t.tracer.Start(ctx, "KeyCache.fetch", trace.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("id", id),
	))
}

func (t *telemetry) endFetch(ctx context.Context, span trace.Span, cache string, err error) {
	if err != nil {
		t.fetchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
	}
	endSpan(span, err)
}

func (t *telemetry) startOp(ctx context.Context, op, groupID string) (context.Context, trace.Span) {
	t.operations.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	return t.tracer.Start(ctx, "Group."+op, trace.WithAttributes(attribute.String("group.id", groupID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
