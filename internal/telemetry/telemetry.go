package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Telemetry owns the process-wide tracer and meter providers.
//
// The meter provider exists whenever Prometheus is on, so OTEL instruments
// land on /metrics next to the client_golang collectors. OTLP export of
// spans and metrics is added only when Enabled. A failing exporter marks the
// instance degraded; the service keeps running.
type Telemetry struct {
	config *Config
	logger *zap.Logger

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	degraded []string
}

// New builds and installs the global providers.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telemetry{config: cfg, logger: logger}

	res, err := newResource(cfg)
	if err != nil {
		t.degrade("resource", err)
		return t, nil
	}

	var readers []sdkmetric.Reader
	if cfg.Prometheus {
		r, err := newPrometheusReader(cfg)
		if err != nil {
			t.degrade("prometheus bridge", err)
		} else {
			readers = append(readers, r)
		}
	}

	if cfg.Enabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			t.degrade("tracer provider", err)
		} else {
			t.tracerProvider = tp
			otel.SetTracerProvider(tp)
		}

		if cfg.Metrics.Enabled {
			r, err := newOTLPReader(ctx, cfg)
			if err != nil {
				t.degrade("otlp metrics", err)
			} else {
				readers = append(readers, r)
			}
		}

		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	if len(readers) > 0 {
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, sdkmetric.WithReader(r))
		}
		t.meterProvider = sdkmetric.NewMeterProvider(opts...)
		otel.SetMeterProvider(t.meterProvider)
	}
	return t, nil
}

func (t *Telemetry) degrade(component string, err error) {
	t.degraded = append(t.degraded, component)
	t.logger.Warn("telemetry degraded", zap.String("component", component), zap.Error(err))
}

// Degraded lists the components that failed to start.
func (t *Telemetry) Degraded() []string {
	if t == nil {
		return nil
	}
	return t.degraded
}

// IsEnabled reports whether OTLP export is on and the tracer started.
func (t *Telemetry) IsEnabled() bool {
	return t != nil && t.config != nil && t.config.Enabled && t.tracerProvider != nil
}

// LoggerProvider returns the global OTEL log provider for the zap bridge,
// or nil when export is off. Records reach a collector only if the embedding
// program installed an SDK log provider.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if !t.IsEnabled() {
		return nil
	}
	return global.GetLoggerProvider()
}

// Shutdown flushes and stops the providers, bounded by the configured
// timeout when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
