package crypto

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Client or a KeyCache.
type Option func(*options)

type options struct {
	logger         logrus.FieldLogger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	primitives     Primitives
	negativeTTL    time.Duration
	negativeSize   int
	err            error // deferred validation error from options
}

func newOptions(opts []Option) (*options, error) {
	o := &options{
		logger:         defaultLogger(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		primitives:     NewAEADPrimitives(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.err != nil {
		return nil, o.err
	}
	return o, nil
}

func defaultLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func (o *options) fail(err error) {
	if o.err == nil {
		o.err = err
	}
}

// WithLogger sets the logger. Cache fetches are logged at debug level and
// fetch failures at warn level.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		if logger == nil {
			o.fail(fmt.Errorf("%w: logger is nil", ErrInvalidConfig))
			return
		}
		o.logger = logger
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp == nil {
			o.fail(fmt.Errorf("%w: tracer provider is nil", ErrInvalidConfig))
			return
		}
		o.tracerProvider = tp
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp == nil {
			o.fail(fmt.Errorf("%w: meter provider is nil", ErrInvalidConfig))
			return
		}
		o.meterProvider = mp
	}
}

// WithPrimitives replaces the byte-level transforms. Defaults to AEADPrimitives.
func WithPrimitives(p Primitives) Option {
	return func(o *options) {
		if p == nil {
			o.fail(fmt.Errorf("%w: primitives are nil", ErrInvalidConfig))
			return
		}
		o.primitives = p
	}
}

// WithNegativeCache remembers ErrNotFound results for ttl, keeping at most size
// IDs per cache. Other failures are never remembered. Disabled by default.
func WithNegativeCache(ttl time.Duration, size int) Option {
	return func(o *options) {
		if ttl <= 0 || size <= 0 {
			o.fail(fmt.Errorf("%w: negative cache needs a positive ttl and size", ErrInvalidConfig))
			return
		}
		o.negativeTTL = ttl
		o.negativeSize = size
	}
}
