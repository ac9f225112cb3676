package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-wiki/storage"
	"github.com/x-research-team/dtx-wiki/storage/sqlite"
)

func openTestPool(t *testing.T, size int) *sqlite.Pool {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nested", "wiki.db")
	pool, err := sqlite.Open(context.Background(), storage.Config{URL: path, MaxPoolSize: size})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	err = pool.WithConn(context.Background(), func(ctx context.Context, q storage.Querier) error {
		_, err := q.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT UNIQUE NOT NULL)")
		return err
	})
	require.NoError(t, err)
	return pool
}

func insert(ctx context.Context, pool storage.Pool, name string) error {
	return pool.WithConn(ctx, func(ctx context.Context, q storage.Querier) error {
		_, err := q.Exec(ctx, "INSERT INTO items (name) VALUES (?)", name)
		return err
	})
}

func TestOpen_EmptyPath(t *testing.T) {
	t.Parallel()

	_, err := sqlite.Open(context.Background(), storage.Config{URL: "  "})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestOpen_ThroughRegistry(t *testing.T) {
	t.Parallel()

	pool, err := storage.Open(context.Background(), storage.Config{
		Driver:      storage.DriverSQLite,
		URL:         filepath.Join(t.TempDir(), "wiki.db"),
		MaxPoolSize: 4,
	})
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pool.Ping(context.Background()))
	assert.Equal(t, 4, pool.Stats().MaxConns)
}

func TestPool_ExecAndQuery(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, 2)
	ctx := context.Background()

	require.NoError(t, insert(ctx, pool, "Alpha"))
	require.NoError(t, insert(ctx, pool, "Beta"))

	var names []string
	err := pool.WithConn(ctx, func(ctx context.Context, q storage.Querier) error {
		rows, err := q.Query(ctx, "SELECT name FROM items ORDER BY id")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Beta"}, names)

	var affected int64
	err = pool.WithConn(ctx, func(ctx context.Context, q storage.Querier) error {
		var err error
		affected, err = q.Exec(ctx, "DELETE FROM items WHERE id = ?", 9999)
		return err
	})
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestPool_UniqueViolation(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, 2)
	ctx := context.Background()

	require.NoError(t, insert(ctx, pool, "Alpha"))

	err := insert(ctx, pool, "Alpha")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUniqueViolation)
}

func TestPool_Exhaustion(t *testing.T) {
	t.Parallel()

	const size = 2
	pool := openTestPool(t, size)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		maxSeen int
		inUse   int
	)

	workers := size * 5
	errs := make(chan error, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			errs <- pool.WithConn(context.Background(), func(ctx context.Context, q storage.Querier) error {
				mu.Lock()
				inUse++
				maxSeen = max(maxSeen, inUse)
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inUse--
				mu.Unlock()
				return nil
			})
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("операции не завершились: пул заблокирован")
	}

	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, maxSeen, size, "одновременно арендовано больше соединений, чем размер пула")
	assert.Equal(t, 0, pool.Stats().InUse)
}

func TestPool_WaitAbandoned(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, 1)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = pool.WithConn(context.Background(), func(context.Context, storage.Querier) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := pool.WithConn(ctx, func(context.Context, storage.Querier) error {
		called = true
		return nil
	})
	close(release)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called, "функция не должна вызываться без соединения")
}

func TestPool_StatementIgnoresCallerCancel(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	err := pool.WithConn(ctx, func(ctx context.Context, q storage.Querier) error {
		cancel()
		_, err := q.Exec(ctx, "INSERT INTO items (name) VALUES (?)", "Late")
		return err
	})
	require.NoError(t, err)

	err = pool.WithConn(context.Background(), func(ctx context.Context, q storage.Querier) error {
		rows, err := q.Query(ctx, "SELECT name FROM items WHERE name = ?", "Late")
		if err != nil {
			return err
		}
		defer rows.Close()
		assert.True(t, rows.Next(), "запрос должен завершиться несмотря на отмену")
		return rows.Err()
	})
	require.NoError(t, err)
}

func TestPool_MemorySharedAcrossConnections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, err := sqlite.Open(ctx, storage.Config{URL: ":memory:", MaxPoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	err = pool.WithConn(ctx, func(ctx context.Context, q storage.Querier) error {
		_, err := q.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT UNIQUE NOT NULL)")
		return err
	})
	require.NoError(t, err)

	// Первая аренда удерживается, поэтому вставка идет через другое соединение.
	err = pool.WithConn(ctx, func(context.Context, storage.Querier) error {
		require.Equal(t, 1, pool.Stats().InUse)
		return insert(ctx, pool, "Alpha")
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, insert(ctx, pool, fmt.Sprintf("item-%d", i)))
		}(i)
	}
	wg.Wait()

	var count int
	err = pool.WithConn(ctx, func(ctx context.Context, q storage.Querier) error {
		rows, err := q.Query(ctx, "SELECT COUNT(*) FROM items")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := rows.Scan(&count); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, 9, count)
}

func TestPool_MemoryPoolsIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	first, err := sqlite.Open(ctx, storage.Config{URL: ":memory:", MaxPoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(first.Close)

	second, err := sqlite.Open(ctx, storage.Config{URL: ":memory:", MaxPoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(second.Close)

	err = first.WithConn(ctx, func(ctx context.Context, q storage.Querier) error {
		_, err := q.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT UNIQUE NOT NULL)")
		return err
	})
	require.NoError(t, err)

	require.NoError(t, insert(ctx, first, "Alpha"))
	require.Error(t, insert(ctx, second, "Alpha"), "у второго пула своя база без таблицы items")
}
