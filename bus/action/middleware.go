package action

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/goccy/go-reflect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/x-research-team/dtx-wiki/bus/action"
	instrumentationVersion = "0.1.0"
	metricKeyPrefix        = "messaging."
)

// Middleware определяет интерфейс для middleware диспетчера.
type Middleware interface {
	Wrap(next Provider) Provider
}

// MiddlewareFunc является адаптером, позволяющим использовать обычные функции как middleware.
type MiddlewareFunc func(next Provider) Provider

// Wrap реализует интерфейс Middleware.
func (f MiddlewareFunc) Wrap(next Provider) Provider {
	return f(next)
}

// loggingMiddleware реализует Middleware для логирования действий.
type loggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware создает новое middleware для логирования.
func NewLoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		return &noopMiddleware{}
	}
	return &loggingMiddleware{
		logger: logger,
	}
}

// Wrap оборачивает провайдер для добавления логирования.
func (m *loggingMiddleware) Wrap(next Provider) Provider {
	return &loggingProvider{
		next:   next,
		logger: m.logger,
	}
}

// loggingProvider - это обертка над провайдером, которая добавляет логирование.
type loggingProvider struct {
	next   Provider
	logger *slog.Logger
}

// Dispatch логирует получение конверта и отказ, если он произошел.
func (p *loggingProvider) Dispatch(ctx context.Context, env Envelope) (result Payload, err error) {
	p.logger.Debug("получен конверт",
		slog.String("action", string(env.Action)),
		slog.String("envelope_id", env.ID.String()),
	)

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		if err == nil {
			p.logger.Debug("действие выполнено",
				slog.String("action", string(env.Action)),
				slog.String("envelope_id", env.ID.String()),
				slog.Duration("duration", duration),
			)
			return
		}

		f := toFailure(err)
		level := slog.LevelWarn
		if f.Code == DbError {
			level = slog.LevelError
		}
		p.logger.Log(ctx, level, "отказ в выполнении действия",
			slog.String("action", string(env.Action)),
			slog.String("envelope_id", env.ID.String()),
			slog.String("code", f.Code.String()),
			slog.Any("error", err),
			slog.Duration("duration", duration),
		)
	}()

	return p.next.Dispatch(ctx, env)
}

// Register логирует и регистрирует обработчик.
func (p *loggingProvider) Register(name Name, handler Handler) (err error) {
	handlerName := getHandlerName(handler)
	p.logger.Info("регистрация обработчика действия",
		slog.String("action", string(name)),
		slog.String("handler_name", handlerName),
	)
	defer func() {
		if err != nil {
			p.logger.Error("ошибка регистрации обработчика",
				slog.String("action", string(name)),
				slog.String("handler_name", handlerName),
				slog.Any("error", err),
			)
		}
	}()
	return p.next.Register(name, handler)
}

// Shutdown делегирует вызов следующему провайдеру в цепочке.
func (p *loggingProvider) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

// metricsMiddleware реализует Middleware для сбора метрик OpenTelemetry.
type metricsMiddleware struct {
	dispatchCounter     metric.Int64Counter
	processDurationHist metric.Float64Histogram
}

// NewMetricsMiddleware создает новое middleware для сбора метрик.
func NewMetricsMiddleware(provider metric.MeterProvider) Middleware {
	if provider == nil {
		return &noopMiddleware{}
	}

	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	dispatchCounter, err := meter.Int64Counter(
		metricKeyPrefix+"dispatch.count",
		metric.WithDescription("Количество обработанных конвертов"),
		metric.WithUnit("{envelopes}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик dispatch.count: %v", err))
	}

	processDurationHist, err := meter.Float64Histogram(
		metricKeyPrefix+"process.duration",
		metric.WithDescription("Длительность обработки действия"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму process.duration: %v", err))
	}

	return &metricsMiddleware{
		dispatchCounter:     dispatchCounter,
		processDurationHist: processDurationHist,
	}
}

// Wrap оборачивает провайдер для добавления сбора метрик.
func (m *metricsMiddleware) Wrap(next Provider) Provider {
	return &metricsProvider{
		next:                next,
		dispatchCounter:     m.dispatchCounter,
		processDurationHist: m.processDurationHist,
	}
}

// metricsProvider - это обертка над провайдером, которая собирает метрики.
type metricsProvider struct {
	next                Provider
	dispatchCounter     metric.Int64Counter
	processDurationHist metric.Float64Histogram
}

// Dispatch собирает метрики и выполняет действие.
func (p *metricsProvider) Dispatch(ctx context.Context, env Envelope) (result Payload, err error) {
	startTime := time.Now()
	result, err = p.next.Dispatch(ctx, env)
	duration := float64(time.Since(startTime).Microseconds()) / 1000

	status := "success"
	if err != nil {
		status = toFailure(err).Code.String()
	}

	attrs := metric.WithAttributes(
		attribute.String("action", string(env.Action)),
		attribute.String("status", status),
	)
	p.dispatchCounter.Add(ctx, 1, attrs)
	p.processDurationHist.Record(ctx, duration, attrs)

	return result, err
}

// Register делегирует вызов.
func (p *metricsProvider) Register(name Name, handler Handler) error {
	return p.next.Register(name, handler)
}

// Shutdown делегирует вызов.
func (p *metricsProvider) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

// tracingMiddleware реализует Middleware для распределенной трассировки OpenTelemetry.
type tracingMiddleware struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingMiddleware создает новое middleware для трассировки.
func NewTracingMiddleware(tp trace.TracerProvider, p propagation.TextMapPropagator) Middleware {
	if tp == nil {
		return &noopMiddleware{}
	}

	if p == nil {
		p = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}

	return &tracingMiddleware{
		tracer: tp.Tracer(
			instrumentationName,
			trace.WithInstrumentationVersion(instrumentationVersion),
		),
		propagator: p,
	}
}

// Wrap оборачивает провайдер для добавления логики трассировки.
func (m *tracingMiddleware) Wrap(next Provider) Provider {
	return &tracingProvider{
		next:       next,
		tracer:     m.tracer,
		propagator: m.propagator,
	}
}

// tracingProvider - это обертка над провайдером, которая управляет спанами трассировки.
type tracingProvider struct {
	next       Provider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Dispatch извлекает контекст трассировки из метаданных конверта и открывает спан обработки.
func (p *tracingProvider) Dispatch(ctx context.Context, env Envelope) (result Payload, err error) {
	if env.Metadata != nil {
		ctx = p.propagator.Extract(ctx, propagation.MapCarrier(env.Metadata))
	}

	name := string(env.Action)
	if name == "" {
		name = "unknown"
	}

	ctx, span := p.tracer.Start(ctx, name+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.message.id", env.ID.String()),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, toFailure(err).Code.String())
		}
		span.End()
	}()

	return p.next.Dispatch(ctx, env)
}

// Register оборачивает обработчик дочерним спаном.
func (p *tracingProvider) Register(name Name, handler Handler) error {
	if handler == nil {
		return p.next.Register(name, nil)
	}
	wrappedHandler := func(ctx context.Context, payload Payload) (Payload, error) {
		ctx, span := p.tracer.Start(ctx, string(name)+" handle", trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()

		result, err := handler(ctx, payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result, err
	}
	return p.next.Register(name, wrappedHandler)
}

// Shutdown делегирует вызов.
func (p *tracingProvider) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

// Inject записывает контекст трассировки из ctx в метаданные конверта.
// Используется отправляющей стороной перед передачей конверта в шину.
func Inject(ctx context.Context, propagator propagation.TextMapPropagator, env *Envelope) {
	if propagator == nil {
		return
	}
	if env.Metadata == nil {
		env.Metadata = make(map[string]string)
	}
	propagator.Inject(ctx, propagation.MapCarrier(env.Metadata))
}

// applyMiddlewares применяет цепочку middleware к базовому провайдеру.
func applyMiddlewares(provider Provider, middlewares ...Middleware) Provider {
	p := provider
	for i := len(middlewares) - 1; i >= 0; i-- {
		p = middlewares[i].Wrap(p)
	}
	return p
}

// noopMiddleware представляет собой пустое middleware.
type noopMiddleware struct{}

// Wrap просто возвращает следующий провайдер без изменений.
func (m *noopMiddleware) Wrap(next Provider) Provider {
	return next
}

// getHandlerName извлекает имя обработчика.
func getHandlerName(handler any) string {
	v := reflect.ValueOf(handler)
	if v.Kind() == reflect.Func {
		if pc := v.Pointer(); pc != 0 {
			if f := runtime.FuncForPC(pc); f != nil {
				return f.Name()
			}
		}
	}
	return reflect.TypeOf(handler).String()
}
