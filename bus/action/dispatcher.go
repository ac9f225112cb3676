package action

import (
	"context"
	"log/slog"
)

// Dispatcher маршрутизирует конверты к обработчикам через цепочку middleware.
// Экземпляр создается один раз при старте процесса и передается явно.
type Dispatcher struct {
	provider Provider
	cfg      *config
}

// NewDispatcher создает новый, готовый к использованию экземпляр диспетчера.
func NewDispatcher(opts ...Option) *Dispatcher {
	cfg := &config{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	allMiddlewares := []Middleware{
		NewLoggingMiddleware(cfg.logger),
		NewMetricsMiddleware(cfg.meterProvider),
		NewTracingMiddleware(cfg.tracerProvider, cfg.propagator),
	}
	allMiddlewares = append(allMiddlewares, cfg.middlewares...)

	return &Dispatcher{
		provider: applyMiddlewares(newLocalProvider(), allMiddlewares...),
		cfg:      cfg,
	}
}

// Register связывает публичное действие с обработчиком. Повторная регистрация
// и непубличные действия отклоняются.
func (d *Dispatcher) Register(name Name, handler Handler) error {
	return d.provider.Register(name, handler)
}

// Dispatch выполняет конверт. Ошибка всегда имеет тип *Failure.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) (Payload, error) {
	result, err := d.provider.Dispatch(ctx, env)
	if err != nil {
		return nil, toFailure(err)
	}
	return result, nil
}

// Shutdown корректно завершает работу диспетчера.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.provider.Shutdown(ctx)
}
