// Команда wikidb поднимает хранилище страниц вики и обслуживает запросы,
// поступающие построчно в формате JSON на stdin. Ответы пишутся в stdout,
// журнал в stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/x-research-team/dtx-wiki/bus/action"
	"github.com/x-research-team/dtx-wiki/bus/channel"
	"github.com/x-research-team/dtx-wiki/catalog"
	"github.com/x-research-team/dtx-wiki/config"
	"github.com/x-research-team/dtx-wiki/storage"
	_ "github.com/x-research-team/dtx-wiki/storage/postgres"
	_ "github.com/x-research-team/dtx-wiki/storage/sqlite"
	"github.com/x-research-team/dtx-wiki/telemetry"
	"github.com/x-research-team/dtx-wiki/wiki"
)

const (
	serviceName     = "wikidb"
	shutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "wikidb: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}

	a, err := start(ctx, cfg, logger, tel)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}

	serveErr := serve(ctx, a.bus, cfg.Queue, stdin, stdout, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if total, err := tel.Counter(shutdownCtx, "messaging.dispatch.count"); err == nil {
		logger.Info("обработано конвертов", slog.Int64("total", total))
	}
	stopErr := a.stop(shutdownCtx)
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ошибка остановки телеметрии", slog.Any("error", err))
	}

	return errors.Join(serveErr, stopErr)
}

// parseConfig читает окружение, затем флаги, переопределяющие его значения.
func parseConfig(args []string) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.StringVar(&cfg.URL, "url", cfg.URL, "строка подключения PostgreSQL или путь к файлу SQLite")
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "драйвер хранилища: sqlite или postgres")
	fs.IntVar(&cfg.MaxPoolSize, "pool-size", cfg.MaxPoolSize, "максимальное число соединений")
	fs.StringVar(&cfg.QueriesFile, "queries", cfg.QueriesFile, "файл .properties с SQL-запросами")
	fs.StringVar(&cfg.Queue, "queue", cfg.Queue, "адрес очереди диспетчера")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "число воркеров доставки (0: горутина на конверт)")
	fs.IntVar(&cfg.MaxInFlight, "max-in-flight", cfg.MaxInFlight, "лимит одновременно обрабатываемых конвертов (0: без ограничения)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "уровень логирования")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "формат логов: text или json")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// app - запущенный набор компонентов процесса.
type app struct {
	bus        *channel.Bus
	dispatcher *action.Dispatcher
	pool       storage.Pool
	unregister func()
}

// start открывает хранилище, создает схему и подключает диспетчер к очереди.
// Любая ошибка здесь фатальна для процесса.
func start(ctx context.Context, cfg config.Config, logger *slog.Logger, tel *telemetry.Telemetry) (*app, error) {
	queries, err := catalog.Load(cfg.QueriesFile, cfg.Driver)
	if err != nil {
		return nil, err
	}

	pool, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return nil, err
	}

	svc := wiki.NewService(queries, pool, wiki.WithLogger(logger))
	if err := svc.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	opts := []action.Option{action.WithLogger(logger)}
	if tel != nil {
		opts = append(opts,
			action.WithMeterProvider(tel.MeterProvider),
			action.WithTracerProvider(tel.TracerProvider),
			action.WithPropagator(tel.Propagator),
		)
	}
	d := action.NewDispatcher(opts...)
	if err := svc.Register(d); err != nil {
		pool.Close()
		return nil, err
	}

	busOpts := []channel.Option{channel.WithLogger(logger)}
	if cfg.Workers > 0 {
		busOpts = append(busOpts, channel.WithWorkerPool(cfg.Workers, cfg.QueueSize))
	}
	if cfg.MaxInFlight > 0 {
		busOpts = append(busOpts, channel.WithMaxInFlight(cfg.MaxInFlight))
	}
	bus := channel.NewBus(busOpts...)
	unregister, err := bus.Consume(cfg.Queue, d.Dispatch)
	if err != nil {
		pool.Close()
		return nil, err
	}

	// Проверка всей цепочки шина -> диспетчер -> хранилище до приема запросов.
	pages, err := wiki.NewClient(bus, cfg.Queue).Pages(ctx)
	if err != nil {
		unregister()
		_ = bus.Shutdown(context.Background())
		pool.Close()
		return nil, fmt.Errorf("проверка очереди '%s' не прошла: %w", cfg.Queue, err)
	}

	logger.Info("wikidb запущен",
		slog.String("driver", cfg.Driver),
		slog.String("queue", cfg.Queue),
		slog.Int("max_pool_size", cfg.MaxPoolSize),
		slog.Int("workers", cfg.Workers),
		slog.Int("max_in_flight", cfg.MaxInFlight),
		slog.Int("pages", len(pages)),
		slog.String("queries", queries.Source()),
	)

	return &app{bus: bus, dispatcher: d, pool: pool, unregister: unregister}, nil
}

// stop дожидается конвертов в обработке и освобождает пул.
func (a *app) stop(ctx context.Context) error {
	a.unregister()
	busErr := a.bus.Shutdown(ctx)
	dispatcherErr := a.dispatcher.Shutdown(ctx)
	a.pool.Close()
	return errors.Join(busErr, dispatcherErr)
}
