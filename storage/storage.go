// Package storage определяет контракт ограниченного пула соединений с
// реляционным хранилищем. Конкретные драйверы (storage/postgres,
// storage/sqlite) регистрируют себя через Register, по аналогии с database/sql.
package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// DefaultMaxPoolSize - размер пула по умолчанию.
	DefaultMaxPoolSize = 30
)

var (
	// ErrUnavailable является корнем ошибок открытия хранилища.
	ErrUnavailable = errors.New("хранилище недоступно")
	// ErrUniqueViolation оборачивает нарушение ограничения уникальности,
	// независимо от драйвера.
	ErrUniqueViolation = errors.New("нарушено ограничение уникальности")
)

// UnavailableError возвращается, когда хранилище не удалось открыть при старте.
type UnavailableError struct {
	Driver string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("хранилище '%s' недоступно: %v", e.Driver, e.Err)
}

// Is позволяет сопоставлять UnavailableError с ErrUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Rows - курсор по результату запроса.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier выполняет один SQL-запрос на арендованном соединении.
type Querier interface {
	// Exec выполняет запрос, не возвращающий строк, и возвращает число затронутых строк.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// Query выполняет запрос и возвращает курсор. Курсор нужно закрыть
	// до возврата из функции, переданной в WithConn.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Stats - снимок состояния пула.
type Stats struct {
	MaxConns  int
	InUse     int
	Idle      int
	WaitCount int64
}

// Pool - ограниченный пул соединений.
type Pool interface {
	// WithConn арендует соединение (ожидая, пока оно освободится), вызывает fn
	// и возвращает соединение в пул при любом исходе, включая панику.
	// Ожидание соединения прерывается отменой ctx; уже начатый запрос - нет.
	WithConn(ctx context.Context, fn func(ctx context.Context, q Querier) error) error

	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error

	// Stats возвращает текущее состояние пула.
	Stats() Stats

	// Close закрывает все соединения пула.
	Close()
}

// Config - параметры открытия пула.
type Config struct {
	Driver      string
	URL         string
	MaxPoolSize int
}

// OpenFunc открывает пул конкретного драйвера.
type OpenFunc func(ctx context.Context, cfg Config) (Pool, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]OpenFunc)
)

// Register делает драйвер доступным через Open. Повторная регистрация
// одного имени приводит к панике, как в database/sql.
func Register(name string, open OpenFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if open == nil {
		panic("storage: функция открытия драйвера равна nil")
	}
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("storage: драйвер '%s' уже зарегистрирован", name))
	}
	drivers[name] = open
}

// Drivers возвращает отсортированный список зарегистрированных драйверов.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open открывает пул выбранного драйвера и проверяет соединение.
// Любая ошибка возвращается как *UnavailableError.
func Open(ctx context.Context, cfg Config) (Pool, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = DefaultMaxPoolSize
	}

	driversMu.RLock()
	open, ok := drivers[name]
	driversMu.RUnlock()

	if !ok {
		return nil, &UnavailableError{Driver: cfg.Driver, Err: fmt.Errorf("драйвер не зарегистрирован (доступны: %s)", strings.Join(Drivers(), ", "))}
	}

	pool, err := open(ctx, cfg)
	if err != nil {
		var unavailable *UnavailableError
		if errors.As(err, &unavailable) {
			return nil, err
		}
		return nil, &UnavailableError{Driver: name, Err: err}
	}
	return pool, nil
}
