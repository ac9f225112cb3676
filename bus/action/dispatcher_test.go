package action_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-wiki/bus/action"
)

// countingHandler считает вызовы и возвращает заданный результат.
type countingHandler struct {
	calls  atomic.Int32
	result action.Payload
	err    error
}

func (h *countingHandler) handle(_ context.Context, _ action.Payload) (action.Payload, error) {
	h.calls.Add(1)
	return h.result, h.err
}

// newDispatcher регистрирует обработчик на все публичные действия.
func newDispatcher(t *testing.T, h *countingHandler) *action.Dispatcher {
	t.Helper()

	d := action.NewDispatcher(action.WithLogger(nil))
	for _, name := range action.Names() {
		require.NoError(t, d.Register(name, h.handle), "регистрация '%s' не должна вызывать ошибку", name)
	}
	return d
}

func requireFailure(t *testing.T, err error, code action.Code) *action.Failure {
	t.Helper()

	require.Error(t, err)
	f, ok := action.AsFailure(err)
	require.True(t, ok, "ошибка должна иметь тип *action.Failure, получено %T", err)
	assert.Equal(t, code, f.Code)
	return f
}

func TestDispatcher_Success(t *testing.T) {
	t.Parallel()

	h := &countingHandler{result: action.Payload{"pages": []string{"Alpha"}}}
	d := newDispatcher(t, h)

	result, err := d.Dispatch(context.Background(), action.NewEnvelope(action.AllPages, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha"}, result["pages"])
	assert.Equal(t, int32(1), h.calls.Load(), "обработчик должен быть вызван ровно один раз")
}

func TestDispatcher_NilResultBecomesEmptyPayload(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, &countingHandler{})

	result, err := d.Dispatch(context.Background(), action.NewEnvelope(action.DeletePage, action.Payload{"id": 1}))
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestDispatcher_NoActionSpecified(t *testing.T) {
	t.Parallel()

	h := &countingHandler{}
	d := newDispatcher(t, h)

	_, err := d.Dispatch(context.Background(), action.Envelope{Payload: action.Payload{"page": "Home"}})
	f := requireFailure(t, err, action.NoActionSpecified)
	assert.Equal(t, "No action header specified", f.Message)
	assert.Zero(t, h.calls.Load(), "обработчик не должен вызываться")
}

func TestDispatcher_BadAction(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		action action.Name
	}{
		{name: "неизвестное действие", action: "drop-pages"},
		{name: "внутреннее действие", action: action.EnsureSchema},
		{name: "регистр имеет значение", action: "ALL-PAGES"},
	}

	h := &countingHandler{}
	d := newDispatcher(t, h)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), action.NewEnvelope(tc.action, nil))
			f := requireFailure(t, err, action.BadAction)
			assert.Contains(t, f.Message, string(tc.action), "сообщение должно содержать исходное значение")
		})
	}
	assert.Zero(t, h.calls.Load(), "обработчик не должен вызываться")
}

func TestDispatcher_UnregisteredPublicAction(t *testing.T) {
	t.Parallel()

	d := action.NewDispatcher(action.WithLogger(nil))

	_, err := d.Dispatch(context.Background(), action.NewEnvelope(action.GetPage, nil))
	requireFailure(t, err, action.BadAction)
}

func TestDispatcher_HandlerErrorBecomesDbError(t *testing.T) {
	t.Parallel()

	cause := errors.New("no such table: pages")
	d := newDispatcher(t, &countingHandler{err: cause})

	_, err := d.Dispatch(context.Background(), action.NewEnvelope(action.CreatePage, nil))
	f := requireFailure(t, err, action.DbError)
	assert.Equal(t, cause.Error(), f.Message)
	assert.ErrorIs(t, err, cause, "исходная причина должна сохраняться в цепочке")
}

func TestDispatcher_HandlerFailurePassesThrough(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, &countingHandler{err: action.Fail(action.DbError, "constraint")})

	_, err := d.Dispatch(context.Background(), action.NewEnvelope(action.SavePage, nil))
	f := requireFailure(t, err, action.DbError)
	assert.Equal(t, "constraint", f.Message)
}

func TestDispatcher_HandlerPanic(t *testing.T) {
	t.Parallel()

	d := action.NewDispatcher(action.WithLogger(nil))
	require.NoError(t, d.Register(action.GetPage, func(context.Context, action.Payload) (action.Payload, error) {
		panic("boom")
	}))

	_, err := d.Dispatch(context.Background(), action.NewEnvelope(action.GetPage, nil))
	f := requireFailure(t, err, action.DbError)
	assert.Contains(t, f.Message, "boom")
}

func TestDispatcher_Register(t *testing.T) {
	t.Parallel()

	h := &countingHandler{}

	t.Run("повторная регистрация", func(t *testing.T) {
		t.Parallel()

		d := action.NewDispatcher(action.WithLogger(nil))
		require.NoError(t, d.Register(action.AllPages, h.handle))

		err := d.Register(action.AllPages, h.handle)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "уже зарегистрирован")
	})

	t.Run("непубличное действие", func(t *testing.T) {
		t.Parallel()

		d := action.NewDispatcher(action.WithLogger(nil))
		err := d.Register(action.EnsureSchema, h.handle)
		require.Error(t, err)
		assert.Contains(t, err.Error(), string(action.EnsureSchema))
	})

	t.Run("nil обработчик", func(t *testing.T) {
		t.Parallel()

		d := action.NewDispatcher(action.WithLogger(nil))
		require.Error(t, d.Register(action.AllPages, nil))
	})
}

func TestDispatcher_CustomMiddleware(t *testing.T) {
	t.Parallel()

	var seen []action.Name
	mw := action.MiddlewareFunc(func(next action.Provider) action.Provider {
		return &recordingProvider{Provider: next, seen: &seen}
	})

	d := action.NewDispatcher(action.WithLogger(nil), action.WithMiddleware(mw))
	require.NoError(t, d.Register(action.AllPages, (&countingHandler{}).handle))

	_, err := d.Dispatch(context.Background(), action.NewEnvelope(action.AllPages, nil))
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), action.Envelope{})
	require.Error(t, err)

	assert.Equal(t, []action.Name{action.AllPages, ""}, seen)
}

type recordingProvider struct {
	action.Provider
	seen *[]action.Name
}

func (p *recordingProvider) Dispatch(ctx context.Context, env action.Envelope) (action.Payload, error) {
	*p.seen = append(*p.seen, env.Action)
	return p.Provider.Dispatch(ctx, env)
}

func TestCode_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, int(action.NoActionSpecified))
	assert.Equal(t, 1, int(action.BadAction))
	assert.Equal(t, 2, int(action.DbError))
	assert.Equal(t, "DB_ERROR", action.DbError.String())
	assert.Equal(t, "CODE(7)", action.Code(7).String())
}
