// Package sqlite реализует storage.Pool поверх database/sql и modernc.org/sqlite.
// Импорт пакета регистрирует драйвер "sqlite".
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/x-research-team/dtx-wiki/storage"
)

// pragmas применяются к каждому новому соединению пула.
const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

func init() {
	storage.Register(storage.DriverSQLite, func(ctx context.Context, cfg storage.Config) (storage.Pool, error) {
		return Open(ctx, cfg)
	})
}

// Pool - пул соединений SQLite.
type Pool struct {
	db *sql.DB
}

// Open открывает базу по пути или URI из cfg.URL.
func Open(ctx context.Context, cfg storage.Config) (*Pool, error) {
	dsn, err := buildDSN(cfg.URL)
	if err != nil {
		return nil, &storage.UnavailableError{Driver: storage.DriverSQLite, Err: err}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &storage.UnavailableError{Driver: storage.DriverSQLite, Err: fmt.Errorf("open sqlite db: %w", err)}
	}

	size := cfg.MaxPoolSize
	if size <= 0 {
		size = storage.DefaultMaxPoolSize
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &storage.UnavailableError{Driver: storage.DriverSQLite, Err: fmt.Errorf("ping sqlite db: %w", err)}
	}

	return &Pool{db: db}, nil
}

func buildDSN(url string) (string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", errors.New("storage path is required")
	}

	path, query, _ := strings.Cut(url, "?")
	if path == ":memory:" {
		// Все соединения пула должны видеть одну и ту же базу в памяти.
		url = memoryURL()
		if query != "" {
			url += "&" + query
		}
		path = url
	}
	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create storage dir: %w", err)
			}
		}
	}

	if strings.Contains(url, "?") {
		return url + "&" + pragmas, nil
	}
	return url + "?" + pragmas, nil
}

// memoryURL возвращает адрес базы в памяти, общей для всех соединений
// одного пула и изолированной от других пулов процесса.
func memoryURL() string {
	return "file:/wikidb-" + uuid.NewString() + "?vfs=memdb"
}

// WithConn арендует *sql.Conn и закрывает его (возвращает в пул) после fn.
func (p *Pool) WithConn(ctx context.Context, fn func(context.Context, storage.Querier) error) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("не удалось получить соединение из пула: %w", err)
	}
	defer conn.Close()

	return fn(context.WithoutCancel(ctx), querier{conn: conn})
}

// Ping проверяет доступность базы.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stats возвращает состояние database/sql пула.
func (p *Pool) Stats() storage.Stats {
	st := p.db.Stats()
	return storage.Stats{
		MaxConns:  st.MaxOpenConnections,
		InUse:     st.InUse,
		Idle:      st.Idle,
		WaitCount: st.WaitCount,
	}
}

// Close закрывает базу.
func (p *Pool) Close() {
	_ = p.db.Close()
}

type querier struct {
	conn *sql.Conn
}

func (q querier) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (q querier) Query(ctx context.Context, query string, args ...any) (storage.Rows, error) {
	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	return sqlRows{Rows: rows}, nil
}

// sqlRows приводит *sql.Rows к storage.Rows.
type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}

func translate(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", storage.ErrUniqueViolation, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

var _ storage.Pool = (*Pool)(nil)
