package replication

import (
	"errors"
	"fmt"

	"github.com/annel0/zonesync/internal/protocol"
	"github.com/annel0/zonesync/internal/zone"
)

var (
	ErrNoPermission  = errors.New("replication: нет прав на изменение")
	ErrNotFound      = errors.New("replication: объект не найден")
	ErrInvalidData   = errors.New("replication: некорректные данные")
	ErrNotReplicated = errors.New("replication: у объекта нет сетевого идентификатора")
	ErrUnknownRole   = errors.New("replication: неизвестная роль")
	ErrNoAuthority   = errors.New("replication: не задан сервер сессии")
	ErrClosed        = errors.New("replication: сессия закрыта")
)

// ProtocolError - отказ в обработке запроса. Code уходит запросившему в Ack.
type ProtocolError struct {
	Code protocol.Result
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func noPermission(user zone.UserID) error {
	return &ProtocolError{Code: protocol.ResultNoPermission, Err: fmt.Errorf("%w: пользователь %d", ErrNoPermission, user)}
}

func notFound(format string, args ...interface{}) error {
	return &ProtocolError{Code: protocol.ResultNotFound, Err: fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))}
}

func invalidData(err error) error {
	return &ProtocolError{Code: protocol.ResultInvalidData, Err: fmt.Errorf("%w: %v", ErrInvalidData, err)}
}

// resultOf возвращает код для Ack; ошибки вне протокола считаются некорректными данными
func resultOf(err error) protocol.Result {
	if err == nil {
		return protocol.ResultSuccess
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return protocol.ResultInvalidData
}

// errorOf восстанавливает ошибку из кода, полученного в Ack
func errorOf(r protocol.Result) error {
	switch r {
	case protocol.ResultSuccess:
		return nil
	case protocol.ResultNoPermission:
		return &ProtocolError{Code: r, Err: ErrNoPermission}
	case protocol.ResultNotFound:
		return &ProtocolError{Code: r, Err: ErrNotFound}
	default:
		return &ProtocolError{Code: r, Err: ErrInvalidData}
	}
}
