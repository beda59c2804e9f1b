package service

import (
	"errors"
	"fmt"
)

// Kind задает категорию ошибки. По ней транспорт выбирает код ответа,
// а клиент решает, есть ли смысл повторять запрос.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindForbidden
	KindConflict
	KindNotFound
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindForbidden:
		return "ForbiddenError"
	case KindConflict:
		return "ConflictError"
	case KindNotFound:
		return "NotFoundError"
	case KindUpstream:
		return "UpstreamError"
	default:
		return "InternalError"
	}
}

type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	// Исходная причина, наружу не отдается
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает по виду и сообщению, поэтому errors.Is находит
// sentinel даже после оборачивания с другой причиной.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: kind == KindUpstream}
}

// with возвращает копию sentinel с причиной.
func (e *Error) with(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

var (
	ErrInsufficientData    = newError(KindValidation, "insufficient data")
	ErrUnknownStatus       = newError(KindValidation, "unknown order status")
	ErrInvalidOrder        = newError(KindValidation, "invalid order")
	ErrInvalidAmount       = newError(KindValidation, "amount must be positive")
	ErrPaymentNotCompleted = newError(KindValidation, "payment not completed")
	ErrUnsupportedAmount   = newError(KindValidation, "unsupported payment amount")
	ErrPaymentMismatch     = newError(KindValidation, "payment does not match expected channel")

	ErrNotOrderParty = newError(KindForbidden, "user is not a party to the order")
	ErrRoleForbidden = newError(KindForbidden, "user role does not permit this status change")
	ErrPaymentOwner  = newError(KindForbidden, "payment owner does not match current user")

	ErrIllegalTransition       = newError(KindConflict, "current state does not permit this change")
	ErrConcurrentChange        = newError(KindConflict, "order was changed concurrently, reload and retry")
	ErrPaymentAlreadyProcessed = newError(KindConflict, "payment already processed")
	ErrPaymentInProgress       = newError(KindConflict, "payment verification already in progress")
	ErrInsufficientFunds       = newError(KindConflict, "insufficient funds")

	ErrOrderNotFound = newError(KindNotFound, "order not found")

	ErrUpstream = newError(KindUpstream, "payment provider request failed")

	ErrInternal       = newError(KindInternal, "internal error")
	ErrStorageTimeout = &Error{Kind: KindInternal, Message: "storage timeout", Retryable: true}
)

// KindOf возвращает категорию ошибки. Все, что не *Error, считается внутренней ошибкой.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable сообщает, можно ли безопасно повторить запрос.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Message возвращает текст ошибки для клиента без внутренних подробностей.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}

func internal(format string, args ...any) *Error {
	return ErrInternal.with(fmt.Errorf(format, args...))
}
