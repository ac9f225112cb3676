package action

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// config содержит неэкспортируемую конфигурацию диспетчера.
type config struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator
	middlewares    []Middleware
}

// Option определяет тип для функциональных опций диспетчера.
type Option func(*config)

// WithLogger устанавливает логгер. nil отключает логирование.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracerProvider устанавливает провайдер трассировки.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = provider
	}
}

// WithMeterProvider устанавливает провайдер метрик.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = provider
	}
}

// WithPropagator устанавливает механизм извлечения контекста трассировки из Envelope.Metadata.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(c *config) {
		c.propagator = propagator
	}
}

// WithMiddleware добавляет middleware после стандартных (логирование, метрики, трассировка).
func WithMiddleware(mw ...Middleware) Option {
	return func(c *config) {
		c.middlewares = append(c.middlewares, mw...)
	}
}
