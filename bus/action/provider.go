package action

import (
	"context"
	"fmt"
	"sync"
)

// Provider определяет контракт для сменных механизмов диспетчеризации действий.
type Provider interface {
	// Dispatch проверяет конверт и выполняет соответствующий обработчик.
	Dispatch(ctx context.Context, env Envelope) (Payload, error)

	// Register связывает действие с обработчиком.
	Register(name Name, handler Handler) error

	// Shutdown корректно завершает работу провайдера.
	Shutdown(ctx context.Context) error
}

// localProvider - это локальная, внутрипроцессная реализация провайдера
// со статической таблицей обработчиков.
type localProvider struct {
	handlers map[Name]Handler
	mu       sync.RWMutex
}

// newLocalProvider создает новый экземпляр локального провайдера.
func newLocalProvider() *localProvider {
	return &localProvider{
		handlers: make(map[Name]Handler),
	}
}

// Dispatch применяет правило перехода: нет действия -> NoActionSpecified,
// неизвестное действие -> BadAction, иначе ровно один вызов обработчика.
// Диспетчер не повторяет обработчики и не обращается к хранилищу сам.
func (p *localProvider) Dispatch(ctx context.Context, env Envelope) (result Payload, err error) {
	if env.Action == "" {
		return nil, Fail(NoActionSpecified, "No action header specified")
	}

	p.mu.RLock()
	handler, ok := p.handlers[env.Action]
	p.mu.RUnlock()

	if !ok || !env.Action.Public() {
		return nil, Fail(BadAction, "Bad action: "+string(env.Action))
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &Failure{Code: DbError, Message: fmt.Sprintf("обработчик действия '%s' завершился паникой: %v", env.Action, r)}
		}
	}()

	payload := env.Payload
	if payload == nil {
		payload = Payload{}
	}

	result, err = handler(ctx, payload)
	if err != nil {
		return nil, toFailure(err)
	}
	if result == nil {
		result = Payload{}
	}
	return result, nil
}

// Register регистрирует обработчик для публичного действия.
func (p *localProvider) Register(name Name, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("обработчик для действия '%s' равен nil", name)
	}
	if !name.Public() {
		return fmt.Errorf("действие '%s' не входит в набор публичных действий", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.handlers[name]; exists {
		return fmt.Errorf("обработчик для действия '%s' уже зарегистрирован", name)
	}

	p.handlers[name] = handler
	return nil
}

// Shutdown в данной реализации не выполняет никаких действий.
func (p *localProvider) Shutdown(ctx context.Context) error {
	return nil
}
