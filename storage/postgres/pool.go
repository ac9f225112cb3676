// Package postgres реализует storage.Pool поверх pgxpool.
// Импорт пакета регистрирует драйвер "postgres".
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/x-research-team/dtx-wiki/storage"
)

// uniqueViolation - код SQLSTATE нарушения ограничения уникальности.
const uniqueViolation = "23505"

func init() {
	storage.Register(storage.DriverPostgres, func(ctx context.Context, cfg storage.Config) (storage.Pool, error) {
		return Open(ctx, cfg)
	})
}

// Pool представляет собой реализацию storage.Pool для PostgreSQL.
type Pool struct {
	pool *pgxpool.Pool
}

// Open создает пул соединений не больше cfg.MaxPoolSize и проверяет доступность базы.
func Open(ctx context.Context, cfg storage.Config) (*Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, &storage.UnavailableError{Driver: storage.DriverPostgres, Err: fmt.Errorf("не удалось разобрать строку подключения: %w", err)}
	}
	if cfg.MaxPoolSize > 0 {
		pcfg.MaxConns = int32(cfg.MaxPoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, &storage.UnavailableError{Driver: storage.DriverPostgres, Err: fmt.Errorf("не удалось создать пул: %w", err)}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &storage.UnavailableError{Driver: storage.DriverPostgres, Err: fmt.Errorf("не удалось открыть соединение: %w", err)}
	}

	return &Pool{pool: pool}, nil
}

// WithConn арендует соединение и возвращает его в пул после выполнения fn.
func (p *Pool) WithConn(ctx context.Context, fn func(context.Context, storage.Querier) error) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("не удалось получить соединение из пула: %w", err)
	}
	defer conn.Release()

	// Отказ вызывающей стороны не прерывает уже начатый запрос.
	return fn(context.WithoutCancel(ctx), querier{q: conn})
}

// Ping проверяет доступность базы.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Stats возвращает состояние pgxpool.
func (p *Pool) Stats() storage.Stats {
	st := p.pool.Stat()
	return storage.Stats{
		MaxConns:  int(st.MaxConns()),
		InUse:     int(st.AcquiredConns()),
		Idle:      int(st.IdleConns()),
		WaitCount: st.EmptyAcquireCount(),
	}
}

// Close закрывает пул.
func (p *Pool) Close() {
	p.pool.Close()
}

// querier адаптирует Querier к storage.Querier.
type querier struct {
	q Querier
}

func (w querier) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := w.q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}

func (w querier) Query(ctx context.Context, sql string, args ...any) (storage.Rows, error) {
	rows, err := w.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err)
	}
	return rows, nil
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %w", storage.ErrUniqueViolation, err)
	}
	return err
}

var _ storage.Pool = (*Pool)(nil)
