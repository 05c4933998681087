// Package apperror определяет классификацию ошибок платёжного сервиса.
// HTTP-обработчики сопоставляют вид ошибки со статусом ответа.
package apperror

import (
	"errors"
	"fmt"

	"github.com/expertshub/payment-relay/internal/repository"
)

// Сентинельные виды ошибок для errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAccountNotActivated = errors.New("account not activated")
	ErrNonZeroBalance      = errors.New("non-zero balance")
	ErrNotFound            = errors.New("not found")
	ErrProcessor           = errors.New("processor error")
	ErrStorage             = errors.New("storage error")
)

// AppError несёт машинно-читаемый вид ошибки и человеко-читаемое сообщение.
type AppError struct {
	Err     error
	Message string
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation возвращает ошибку некорректного или отсутствующего поля запроса.
func Validation(message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
	}
}

// InsufficientFunds возвращает ошибку нехватки средств с точными суммами.
func InsufficientFunds(availableCents, requestedCents int64) *AppError {
	return &AppError{
		Err: ErrInsufficientFunds,
		Message: fmt.Sprintf("insufficient funds: available %d, requested %d",
			availableCents, requestedCents),
	}
}

// AccountNotActivated возвращает ошибку неактивированного счёта с указанием
// непройденной проверки.
func AccountNotActivated(failedCheck string) *AppError {
	return &AppError{
		Err:     ErrAccountNotActivated,
		Message: fmt.Sprintf("account is not fully activated: %s", failedCheck),
	}
}

// NonZeroBalance возвращает ошибку удаления счёта с остатком средств.
func NonZeroBalance(availableCents, pendingCents int64) *AppError {
	return &AppError{
		Err: ErrNonZeroBalance,
		Message: fmt.Sprintf("cannot delete account with remaining balance: available %d, pending %d; withdraw all funds first",
			availableCents, pendingCents),
	}
}

// NotFound возвращает ошибку отсутствия сущности.
func NotFound(resource string, id any) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found: %v", resource, id),
	}
}

// Processor оборачивает ошибку внешнего платёжного процессора.
func Processor(err error) *AppError {
	return &AppError{
		Err:     ErrProcessor,
		Message: fmt.Sprintf("payment processor: %v", err),
	}
}

// Storage оборачивает ошибку хранилища.
func Storage(err error) *AppError {
	return &AppError{
		Err:     ErrStorage,
		Message: fmt.Sprintf("storage: %v", err),
	}
}

// Kind возвращает строковый код вида ошибки для тела ответа API.
// Сентинели репозитория, которые сервис отдаёт как есть, классифицируются
// наравне с собственными видами пакета.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, repository.ErrEscrowAmountMismatch),
		errors.Is(err, repository.ErrNoParties),
		errors.Is(err, repository.ErrEmptyUpdate):
		return "validation_error"
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, repository.ErrInsufficientBalance):
		return "insufficient_funds"
	case errors.Is(err, ErrAccountNotActivated):
		return "account_not_activated"
	case errors.Is(err, ErrNonZeroBalance):
		return "non_zero_balance"
	case errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrEscrowConflict),
		errors.Is(err, repository.ErrStatusConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound),
		errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrTransactionNotFound),
		errors.Is(err, repository.ErrProjectNotFound):
		return "not_found"
	case errors.Is(err, ErrProcessor):
		return "processor_error"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	}
	return "internal_error"
}
