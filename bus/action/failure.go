package action

import (
	"errors"
	"fmt"
)

// Code - числовой код отказа, видимый клиентам.
type Code int

const (
	NoActionSpecified Code = iota
	BadAction
	DbError
)

func (c Code) String() string {
	switch c {
	case NoActionSpecified:
		return "NO_ACTION_SPECIFIED"
	case BadAction:
		return "BAD_ACTION"
	case DbError:
		return "DB_ERROR"
	default:
		return fmt.Sprintf("CODE(%d)", int(c))
	}
}

// Failure - типизированный отказ, доставляемый вместо ответа.
type Failure struct {
	Code    Code
	Message string
	// Err хранит исходную причину для errors.Is/errors.As внутри процесса.
	Err error
}

// Fail создает отказ с кодом и сообщением.
func Fail(code Code, message string) *Failure {
	return &Failure{Code: code, Message: message}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure извлекает *Failure из цепочки ошибок.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// toFailure приводит ошибку обработчика к отказу. Все, что не является
// *Failure, считается ошибкой выполнения запроса.
func toFailure(err error) *Failure {
	if f, ok := AsFailure(err); ok {
		return f
	}
	return &Failure{Code: DbError, Message: err.Error(), Err: err}
}
