// Package apperr описывает типизированные ошибки тулкита захвата.
package apperr

import (
	"errors"
	"fmt"
)

// Kind классифицирует ошибку для внешней границы (ответы API, коды статуса)
type Kind string

const (
	KindPermissionDenied      Kind = "permission_denied"
	KindDeviceUnavailable     Kind = "device_unavailable"
	KindRecognizerUnavailable Kind = "recognizer_unavailable"
	KindIO                    Kind = "io_error"
	KindAlreadyActive         Kind = "already_active"
	KindNotInitialized        Kind = "not_initialized"
	KindInternal              Kind = "internal"
)

// Сентинелы для errors.Is
var (
	ErrPermissionDenied      = &Error{Kind: KindPermissionDenied}
	ErrDeviceUnavailable     = &Error{Kind: KindDeviceUnavailable}
	ErrRecognizerUnavailable = &Error{Kind: KindRecognizerUnavailable}
	ErrIO                    = &Error{Kind: KindIO}
	ErrAlreadyActive         = &Error{Kind: KindAlreadyActive}
	ErrNotInitialized        = &Error{Kind: KindNotInitialized}
	ErrInternal              = &Error{Kind: KindInternal}
)

// Error - ошибка с классом, операцией и причиной
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает только класс ошибки, поэтому errors.Is(err, ErrIO) работает для любой операции
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New создаёт ошибку заданного класса
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf создаёт ошибку заданного класса с форматированной причиной
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf возвращает класс ошибки; для неклассифицированных ошибок - KindInternal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
