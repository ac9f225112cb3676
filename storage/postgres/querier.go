package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier определяет интерфейс, который абстрагирует выполнение SQL-запросов.
// Он совместим как с *pgxpool.Conn, так и с pgx.Tx, что позволяет выполнять
// запросы каталога как на арендованном соединении, так и внутри транзакции.
type Querier interface {
	// Exec выполняет SQL-запрос, который не возвращает строк.
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)

	// Query выполняет SQL-запрос и возвращает результат в виде pgx.Rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}
