package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind классифицирует сетевые ошибки для политики повторов.
// Диспетчеризация retry идёт по тегу, а не по тексту сообщения.
type ErrorKind int

const (
	// KindCorruption повреждение потока: неверная длина кадра,
	// несовпадение размера полезной нагрузки. Фатально для соединения.
	KindCorruption ErrorKind = iota
	// KindConnClosed соединение закрыто удалённой стороной посреди кадра
	KindConnClosed
	// KindTimeout операция не уложилась в таймаут
	KindTimeout
	// KindRetriesExhausted превышен лимит повторов для одного запроса
	KindRetriesExhausted
)

// String возвращает строковое представление типа ошибки
func (k ErrorKind) String() string {
	switch k {
	case KindCorruption:
		return "corruption"
	case KindConnClosed:
		return "connection closed"
	case KindTimeout:
		return "timeout"
	case KindRetriesExhausted:
		return "retries exhausted"
	default:
		return "unknown"
	}
}

// NetError сетевая ошибка с тегом класса
type NetError struct {
	Kind ErrorKind
	Op   string // Операция, на которой произошла ошибка
	Err  error  // Исходная ошибка, может быть nil
}

// Error реализует интерфейс error
func (e *NetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap возвращает исходную ошибку
func (e *NetError) Unwrap() error {
	return e.Err
}

// Corruption создаёт ошибку повреждения потока
func Corruption(op string, err error) *NetError {
	return &NetError{Kind: KindCorruption, Op: op, Err: err}
}

// ConnClosed создаёт ошибку закрытого соединения
func ConnClosed(op string, err error) *NetError {
	return &NetError{Kind: KindConnClosed, Op: op, Err: err}
}

// RetriesExhausted создаёт ошибку исчерпания повторов
func RetriesExhausted(op string, err error) *NetError {
	return &NetError{Kind: KindRetriesExhausted, Op: op, Err: err}
}

// IsKind проверяет, имеет ли ошибка указанный тег
func IsKind(err error, kind ErrorKind) bool {
	var ne *NetError
	if errors.As(err, &ne) {
		return ne.Kind == kind
	}
	return false
}

// IsRecoverable сообщает, имеет ли смысл переподключение и повтор.
// Повреждение потока и обрыв соединения лечатся реконнектом,
// исчерпание повторов — нет.
func IsRecoverable(err error) bool {
	var ne *NetError
	if errors.As(err, &ne) {
		return ne.Kind == KindCorruption || ne.Kind == KindConnClosed || ne.Kind == KindTimeout
	}
	return false
}
