package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-wiki/storage"
)

type fakePool struct {
	cfg storage.Config
}

func (p *fakePool) WithConn(ctx context.Context, fn func(context.Context, storage.Querier) error) error {
	return fn(ctx, nil)
}

func (p *fakePool) Ping(context.Context) error { return nil }

func (p *fakePool) Stats() storage.Stats { return storage.Stats{MaxConns: p.cfg.MaxPoolSize} }

func (p *fakePool) Close() {}

func init() {
	storage.Register("fake", func(_ context.Context, cfg storage.Config) (storage.Pool, error) {
		return &fakePool{cfg: cfg}, nil
	})
	storage.Register("broken", func(context.Context, storage.Config) (storage.Pool, error) {
		return nil, errors.New("connection refused")
	})
}

func TestOpen_DefaultPoolSize(t *testing.T) {
	t.Parallel()

	pool, err := storage.Open(context.Background(), storage.Config{Driver: " FAKE "})
	require.NoError(t, err)
	assert.Equal(t, storage.DefaultMaxPoolSize, pool.Stats().MaxConns)
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := storage.Open(context.Background(), storage.Config{Driver: "hsqldb"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Contains(t, err.Error(), "fake")
}

func TestOpen_DriverFailure(t *testing.T) {
	t.Parallel()

	_, err := storage.Open(context.Background(), storage.Config{Driver: "broken", MaxPoolSize: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	var unavailable *storage.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "broken", unavailable.Driver)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRegister_Duplicate(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		storage.Register("fake", func(context.Context, storage.Config) (storage.Pool, error) { return nil, nil })
	})
	assert.Contains(t, storage.Drivers(), "fake")
}
