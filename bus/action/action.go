// Package action реализует диспетчер действий хранилища страниц: конверт
// запроса (имя действия и полезная нагрузка) проверяется, маршрутизируется
// по статической таблице обработчиков, а результат или типизированный отказ
// возвращается вызывающей стороне.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Name - идентификатор действия из закрытого набора.
type Name string

const (
	AllPages   Name = "all-pages"
	GetPage    Name = "get-page"
	CreatePage Name = "create-page"
	SavePage   Name = "save-page"
	DeletePage Name = "delete-page"

	// EnsureSchema выполняется только при старте и не принимается из канала.
	EnsureSchema Name = "ensure-schema"
)

var public = map[Name]struct{}{
	AllPages:   {},
	GetPage:    {},
	CreatePage: {},
	SavePage:   {},
	DeletePage: {},
}

// Public сообщает, может ли действие приходить от внешних клиентов.
func (n Name) Public() bool {
	_, ok := public[n]
	return ok
}

// Names возвращает публичные действия в стабильном порядке.
func Names() []Name {
	return []Name{AllPages, GetPage, CreatePage, SavePage, DeletePage}
}

// ErrMissingField возвращается при отсутствии обязательного поля нагрузки.
var ErrMissingField = errors.New("отсутствует обязательное поле")

// Payload - именованные поля запроса или ответа.
type Payload map[string]any

// String возвращает значение первого присутствующего ключа из keys.
// Это позволяет принимать синонимы полей, например "page" и "name".
func (p Payload) String(keys ...string) (string, bool) {
	for _, key := range keys {
		v, ok := p[key]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			return s, true
		case fmt.Stringer:
			return s.String(), true
		default:
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

// RequireString аналогичен String, но возвращает ошибку при отсутствии всех ключей.
func (p Payload) RequireString(keys ...string) (string, error) {
	s, ok := p.String(keys...)
	if !ok {
		return "", fmt.Errorf("%w '%s'", ErrMissingField, strings.Join(keys, "' / '"))
	}
	return s, nil
}

// Int64 читает целое число. Принимаются числа Go, json.Number и десятичные строки.
func (p Payload) Int64(key string) (int64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w '%s'", ErrMissingField, key)
	}

	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("поле '%s' должно быть целым числом, получено %v", key, n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("поле '%s' должно быть целым числом: %w", key, err)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("поле '%s' должно быть целым числом: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("поле '%s' имеет неподдерживаемый тип %T", key, v)
	}
}

// Envelope - единица работы для диспетчера.
type Envelope struct {
	// ID коррелирует запрос с ответом; шина присваивает его, если он пуст.
	ID uuid.UUID
	// Action может быть пустым: такой конверт отклоняется с NoActionSpecified.
	Action  Name
	Payload Payload
	// Metadata переносит контекст трассировки.
	Metadata map[string]string
}

// NewEnvelope создает конверт с новым идентификатором.
func NewEnvelope(name Name, payload Payload) Envelope {
	if payload == nil {
		payload = Payload{}
	}
	return Envelope{
		ID:       uuid.New(),
		Action:   name,
		Payload:  payload,
		Metadata: make(map[string]string),
	}
}

// Handler выполняет одно действие над полезной нагрузкой конверта.
type Handler func(ctx context.Context, payload Payload) (Payload, error)

// Ack - подтверждение для изменяющих действий.
func Ack() Payload {
	return Payload{"status": "ok"}
}
