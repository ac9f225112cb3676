// Package channel реализует внутрипроцессную асинхронную шину запрос/ответ.
// Отправитель кладет конверт на именованный адрес и получает future, в
// которое доставляется ровно один результат: полезная нагрузка ответа или
// типизированный отказ.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/x-research-team/dtx-wiki/bus/action"
)

var (
	// ErrNoConsumer возвращается при отправке на адрес без потребителя.
	ErrNoConsumer = errors.New("на адресе нет потребителя")
	// ErrClosed возвращается при отправке в остановленную шину.
	ErrClosed = errors.New("шина остановлена")
)

// Handler обрабатывает конверт, пришедший на адрес.
type Handler func(ctx context.Context, env action.Envelope) (action.Payload, error)

// Result - единственный исход обработки конверта.
type Result struct {
	EnvelopeID uuid.UUID
	Payload    action.Payload
	Err        error
}

// Bus - потокобезопасная шина с адресной доставкой «точка-точка».
type Bus struct {
	consumers map[string]*consumer
	mu        sync.RWMutex
	closed    bool
	inFlight  sync.WaitGroup
	slots     chan struct{}
	pool      *workerPool
	cfg       *config
}

type consumer struct {
	id      string
	address string
	handler Handler
}

// NewBus создает новую шину.
func NewBus(opts ...Option) *Bus {
	cfg := &config{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	b := &Bus{
		consumers: make(map[string]*consumer),
		cfg:       cfg,
	}
	if cfg.maxInFlight > 0 {
		b.slots = make(chan struct{}, cfg.maxInFlight)
	}
	if cfg.workers > 0 {
		b.pool = newWorkerPool(cfg.workers, cfg.queueSize)
		b.pool.run(func(t task) {
			b.deliver(t.ctx, t.c, t.env, t.out)
		})
	}
	return b
}

// Consume регистрирует единственного потребителя адреса.
// Возвращает функцию для отмены регистрации.
func (b *Bus) Consume(address string, handler Handler) (unregister func(), err error) {
	if address == "" {
		return nil, fmt.Errorf("адрес не может быть пустым")
	}
	if handler == nil {
		return nil, fmt.Errorf("обработчик для адреса '%s' равен nil", address)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, exists := b.consumers[address]; exists {
		return nil, fmt.Errorf("потребитель для адреса '%s' уже зарегистрирован", address)
	}

	c := &consumer{id: uuid.NewString(), address: address, handler: handler}
	b.consumers[address] = c
	b.cfg.logger.Info("зарегистрирован потребитель", slog.String("address", address))

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if cur, ok := b.consumers[address]; ok && cur.id == c.id {
			delete(b.consumers, address)
		}
	}, nil
}

// Send отправляет конверт и сразу возвращает future. Канал результата
// получает ровно одно значение и затем закрывается. Если задан лимит
// одновременно обрабатываемых конвертов или пул воркеров с ограниченной
// очередью, Send ждет свободного места (ожидание прерывается отменой ctx).
func (b *Bus) Send(ctx context.Context, address string, env action.Envelope) (<-chan Result, error) {
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	// Обработчик получает собственные копии: отправитель может менять свои карты после Send.
	env.Payload = maps.Clone(env.Payload)
	env.Metadata = maps.Clone(env.Metadata)

	if b.slots != nil {
		select {
		case b.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.releaseSlot()
		return nil, ErrClosed
	}
	c, ok := b.consumers[address]
	if !ok {
		b.mu.RUnlock()
		b.releaseSlot()
		b.cfg.logger.Warn("нет потребителя для адреса",
			slog.String("address", address),
			slog.String("envelope_id", env.ID.String()),
		)
		return nil, fmt.Errorf("%w: '%s'", ErrNoConsumer, address)
	}
	b.inFlight.Add(1)
	b.mu.RUnlock()

	out := make(chan Result, 1)
	if b.pool == nil {
		go b.deliver(context.WithoutCancel(ctx), c, env, out)
		return out, nil
	}

	t := task{ctx: context.WithoutCancel(ctx), c: c, env: env, out: out}
	if err := b.pool.enqueue(ctx, t); err != nil {
		b.inFlight.Done()
		b.releaseSlot()
		return nil, err
	}
	return out, nil
}

// Request отправляет конверт и ждет ответа. Если ctx отменяется раньше,
// возвращается ctx.Err(), а обработка конверта продолжается, и ее результат
// отбрасывается.
func (b *Bus) Request(ctx context.Context, address string, env action.Envelope) (action.Payload, error) {
	future, err := b.Send(ctx, address, env)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-future:
		return res.Payload, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown запрещает новые отправки и ждет завершения конвертов в обработке.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	// Пул воркеров останавливается после завершения обработки, даже если
	// ctx истек раньше и Shutdown уже вернул ошибку.
	done := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		if b.pool != nil {
			b.pool.stop()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("не дождались завершения обработки конвертов: %w", ctx.Err())
	}
}

// deliver выполняет обработчик и кладет в out ровно один результат.
func (b *Bus) deliver(ctx context.Context, c *consumer, env action.Envelope, out chan<- Result) {
	defer b.inFlight.Done()
	defer b.releaseSlot()

	res := Result{EnvelopeID: env.ID}
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.cfg.logger.Error("паника при обработке конверта",
					slog.String("address", c.address),
					slog.String("envelope_id", env.ID.String()),
					slog.Any("panic", r),
				)
				res.Payload = nil
				res.Err = action.Fail(action.DbError, fmt.Sprintf("паника при обработке конверта: %v", r))
			}
		}()
		res.Payload, res.Err = c.handler(ctx, env)
	}()

	out <- res
	close(out)
}

func (b *Bus) releaseSlot() {
	if b.slots != nil {
		<-b.slots
	}
}
