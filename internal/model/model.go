// Package model содержит доменные сущности платёжного сервиса.
package model

import "time"

// UserType определяет роль пользователя на площадке.
type UserType string

const (
	UserTypeClient     UserType = "client"
	UserTypeFreelancer UserType = "freelancer"
)

// AccountStatus описывает состояние учётной записи пользователя.
type AccountStatus string

const (
	AccountStatusPending   AccountStatus = "pending"
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
)

// User представляет клиента или фрилансера площадки.
// BalanceCents хранит платформенный баланс клиента; для фрилансера
// достоверный баланс находится у платёжного процессора и запрашивается вживую.
type User struct {
	ID                     int64
	Email                  string
	UserType               UserType
	FirstName              string
	LastName               string
	StripeCustomerID       *string
	StripeConnectAccountID *string
	AccountStatus          AccountStatus
	OnboardingCompleted    bool
	BalanceCents           int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// TransactionType описывает вид денежного движения.
type TransactionType string

const (
	TransactionTypeDeposit  TransactionType = "deposit"
	TransactionTypeTransfer TransactionType = "transfer"
	TransactionTypePayout   TransactionType = "payout"
	TransactionTypeRefund   TransactionType = "refund"
)

// TransactionStatus описывает статус обработки транзакции.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCanceled  TransactionStatus = "canceled"
)

// CanTransition сообщает, допустим ли переход статуса транзакции.
// Разрешены только переходы из pending; остальные статусы конечны.
func CanTransition(from, to TransactionStatus) bool {
	if from != TransactionStatusPending {
		return false
	}
	switch to {
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCanceled:
		return true
	}
	return false
}

// Metadata содержит произвольные структурированные данные транзакции.
// Сериализуется в JSON только на границе хранилища.
type Metadata map[string]any

// Transaction представляет одно денежное движение. Завершённая транзакция
// неизменяема и никогда не удаляется.
// FromUserID == nil означает внешний источник (депозит картой),
// ToUserID == nil — внешнее назначение (выплата на банковский счёт).
type Transaction struct {
	ID                  int64
	Type                TransactionType
	FromUserID          *int64
	ToUserID            *int64
	AmountCents         int64
	StripeTransactionID *string
	Status              TransactionStatus
	Description         string
	Metadata            Metadata
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ProjectStatus описывает этап жизненного цикла проекта.
type ProjectStatus string

const (
	ProjectStatusOpen       ProjectStatus = "open"
	ProjectStatusAssigned   ProjectStatus = "assigned"
	ProjectStatusInProgress ProjectStatus = "in_progress"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusCanceled   ProjectStatus = "canceled"
)

// Project связывает эскроу-средства клиента с работой фрилансера.
// EscrowTransactionID указывает на транзакцию, удерживающую средства.
type Project struct {
	ID                  int64
	ClientID            int64
	FreelancerID        *int64
	Title               string
	Description         string
	AmountCents         int64
	Status              ProjectStatus
	EscrowTransactionID *int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Balance содержит доступные и ожидающие средства счёта у процессора в центах.
// Выводить можно только доступные средства.
type Balance struct {
	AvailableCents int64 `json:"available_cents"`
	PendingCents   int64 `json:"pending_cents"`
}
