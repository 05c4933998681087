// Package service реализует бизнес-логику платёжного сервиса: учёт
// транзакций, эскроу, проверку балансов и жизненный цикл счетов.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/expertshub/payment-relay/internal/apperror"
	"github.com/expertshub/payment-relay/internal/model"
	"github.com/expertshub/payment-relay/internal/processor"
	"github.com/expertshub/payment-relay/internal/repository"
	"github.com/expertshub/payment-relay/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Все компоненты ходят в хранилище только через этот контракт, чтобы
// дисциплина блокировок оставалась в одном месте.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByConnectAccount(ctx context.Context, accountID string) (*model.User, error)
	UpdateUser(ctx context.Context, id int64, patch repository.UserPatch) error
	UnlinkConnectAccount(ctx context.Context, id int64) error
	GetUsersByType(ctx context.Context, userType model.UserType) ([]model.User, error)
	CreateTransaction(ctx context.Context, t *model.Transaction) (int64, error)
	GetTransactionByID(ctx context.Context, id int64) (*model.Transaction, error)
	GetTransactionsByUser(ctx context.Context, userID int64, typeFilter *model.TransactionType) ([]model.Transaction, error)
	ResolveTransaction(ctx context.Context, id int64, status model.TransactionStatus, stripeTransactionID *string) error
	SetTransactionExternalID(ctx context.Context, id int64, stripeTransactionID string) error
	GetStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error)
	CreateProject(ctx context.Context, p *model.Project) (int64, error)
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	UpdateProject(ctx context.Context, id int64, patch repository.ProjectPatch) error
	ConfirmDeposit(ctx context.Context, transactionID int64) (*model.Transaction, error)
	PlaceEscrow(ctx context.Context, projectID int64, amountCents int64) (int64, error)
	ReleaseEscrow(ctx context.Context, projectID int64) (int64, error)
	CancelProject(ctx context.Context, projectID int64, refundBasisPoints int) (int64, error)
}

// ProcessorClient описывает возможности внешнего платёжного процессора.
type ProcessorClient interface {
	CreateConnectAccount(ctx context.Context, email, businessType string) (string, error)
	CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
	CreateDepositSession(ctx context.Context, amountCents int64, successURL, cancelURL string) (string, string, error)
	RetrieveAccount(ctx context.Context, accountID string) (*processor.Account, error)
	RetrieveBalance(ctx context.Context, accountID string) (*processor.AccountBalance, error)
	CreateTransfer(ctx context.Context, amountCents int64, destinationAccountID string, metadata map[string]string) (*processor.Transfer, error)
	RetrieveTransfer(ctx context.Context, transferID string) (*processor.Transfer, error)
	CreatePayout(ctx context.Context, amountCents int64, method, accountID string) (*processor.Payout, error)
	RetrievePayout(ctx context.Context, accountID, payoutID string) (*processor.Payout, error)
	ListAccounts(ctx context.Context) ([]processor.Account, error)
	DeleteAccount(ctx context.Context, accountID string) (bool, error)
}

// Options задаёт параметры поведения сервиса.
type Options struct {
	FrontendURL       string
	RefundBasisPoints int
	ReconcileInterval time.Duration
}

const (
	// pendingStaleAfter — возраст pending-транзакции, после которого сверка
	// начинает опрашивать процессор.
	pendingStaleAfter = 10 * time.Minute
	// pendingAbandonAfter — возраст pending-транзакции без внешнего
	// идентификатора, после которого она признаётся failed.
	pendingAbandonAfter = time.Hour

	reconcileBatchSize = 100
)

// Service содержит бизнес-логику платёжного сервиса.
type Service struct {
	repo   Repository
	proc   ProcessorClient
	logger *zap.Logger
	opts   Options
}

// NewService создаёт сервис с указанным репозиторием и клиентом процессора.
func NewService(repo Repository, proc ProcessorClient, logger *zap.Logger, opts Options) *Service {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 30 * time.Second
	}
	if opts.RefundBasisPoints == 0 {
		opts.RefundBasisPoints = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:   repo,
		proc:   proc,
		logger: logger,
		opts:   opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser создаёт локального пользователя указанной роли.
func (s *Service) RegisterUser(ctx context.Context, email string, userType model.UserType, firstName, lastName string) (*model.User, error) {
	if !validation.IsValidEmail(email) {
		return nil, apperror.Validation("a valid email is required")
	}
	if userType != model.UserTypeClient && userType != model.UserTypeFreelancer {
		return nil, apperror.Validation("user_type must be client or freelancer")
	}

	u := &model.User{
		Email:     email,
		UserType:  userType,
		FirstName: firstName,
		LastName:  lastName,
	}

	id, err := s.repo.CreateUser(ctx, u)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, err
		}
		return nil, apperror.Storage(err)
	}

	return s.repo.GetUserByID(ctx, id)
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, apperror.Storage(err)
	}
	return u, nil
}

// GetFreelancers возвращает всех фрилансеров.
func (s *Service) GetFreelancers(ctx context.Context) ([]model.User, error) {
	return s.repo.GetUsersByType(ctx, model.UserTypeFreelancer)
}

// GetClients возвращает всех клиентов.
func (s *Service) GetClients(ctx context.Context) ([]model.User, error) {
	return s.repo.GetUsersByType(ctx, model.UserTypeClient)
}

// GetUserTransactions возвращает транзакции пользователя, новые первыми.
func (s *Service) GetUserTransactions(ctx context.Context, userID int64, typeFilter *model.TransactionType) ([]model.Transaction, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.GetTransactionsByUser(ctx, userID, typeFilter)
}

// ConnectAccountResult описывает результат координированной регистрации счёта.
type ConnectAccountResult struct {
	UserID        int64
	AccountID     string
	OnboardingURL string
}

// RegisterConnectAccount создаёт подключённый счёт фрилансера и сразу
// запрашивает ссылку онбординга. Шаги координируются здесь: при сбое ошибка
// называет отказавший шаг, а уже созданный счёт сохраняется за пользователем.
func (s *Service) RegisterConnectAccount(ctx context.Context, email, businessType string) (*ConnectAccountResult, error) {
	if !validation.IsValidEmail(email) {
		return nil, apperror.Validation("a valid email is required")
	}

	u, err := s.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, repository.ErrUserNotFound) {
		u, err = s.RegisterUser(ctx, email, model.UserTypeFreelancer, "", "")
	}
	if err != nil {
		return nil, err
	}

	if u.UserType != model.UserTypeFreelancer {
		return nil, apperror.Validation("connect accounts are created for freelancers only")
	}

	accountID := ""
	if u.StripeConnectAccountID != nil {
		accountID = *u.StripeConnectAccountID
	} else {
		accountID, err = s.proc.CreateConnectAccount(ctx, email, businessType)
		if err != nil {
			return nil, apperror.Processor(fmt.Errorf("create account step: %w", err))
		}

		if err := s.repo.UpdateUser(ctx, u.ID, repository.UserPatch{StripeConnectAccountID: &accountID}); err != nil {
			return nil, apperror.Storage(fmt.Errorf("link account step: %w", err))
		}
	}

	url, err := s.proc.CreateOnboardingLink(ctx, accountID, s.opts.FrontendURL+"/reauth", s.opts.FrontendURL+"/return")
	if err != nil {
		return nil, apperror.Processor(fmt.Errorf("onboarding link step: %w", err))
	}

	return &ConnectAccountResult{
		UserID:        u.ID,
		AccountID:     accountID,
		OnboardingURL: url,
	}, nil
}

// OnboardingLink запрашивает свежую ссылку онбординга для существующего счёта.
// Ссылка одноразовая и ограничена по времени, поэтому выдаётся заново по запросу.
func (s *Service) OnboardingLink(ctx context.Context, accountID string) (string, error) {
	if accountID == "" {
		return "", apperror.Validation("accountId is required")
	}

	url, err := s.proc.CreateOnboardingLink(ctx, accountID, s.opts.FrontendURL+"/reauth", s.opts.FrontendURL+"/return")
	if err != nil {
		return "", apperror.Processor(err)
	}
	return url, nil
}

// SyncAccountStatus сверяет активацию счёта с процессором и обновляет
// локальный статус. Счёт активен, только когда выполнены все три условия:
// charges_enabled, payouts_enabled и активная возможность переводов.
func (s *Service) SyncAccountStatus(ctx context.Context, accountID string) (*processor.Account, error) {
	account, err := s.proc.RetrieveAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, processor.ErrNotFound) {
			return nil, apperror.NotFound("connect account", accountID)
		}
		return nil, apperror.Processor(err)
	}

	u, err := s.repo.GetUserByConnectAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return account, nil
		}
		return nil, apperror.Storage(err)
	}

	if account.FullyActivated() && u.AccountStatus == model.AccountStatusPending {
		active := model.AccountStatusActive
		onboarded := true
		if err := s.repo.UpdateUser(ctx, u.ID, repository.UserPatch{
			AccountStatus:       &active,
			OnboardingCompleted: &onboarded,
		}); err != nil {
			return nil, apperror.Storage(err)
		}
	}

	return account, nil
}

// CreateDeposit создаёт платёжную сессию пополнения баланса клиента.
// Pending-транзакция записывается до обращения к процессору, чтобы сессия
// всегда была привязана к локальной записи.
func (s *Service) CreateDeposit(ctx context.Context, clientID int64, amountCents int64) (string, int64, error) {
	if !validation.IsPositiveAmount(amountCents) {
		return "", 0, apperror.Validation("amount must be positive")
	}

	u, err := s.GetUser(ctx, clientID)
	if err != nil {
		return "", 0, err
	}
	if u.UserType != model.UserTypeClient {
		return "", 0, apperror.Validation("deposits are available to clients only")
	}
	if u.AccountStatus == model.AccountStatusSuspended {
		return "", 0, apperror.Validation("account is suspended")
	}

	txID, err := s.repo.CreateTransaction(ctx, &model.Transaction{
		Type:        model.TransactionTypeDeposit,
		ToUserID:    &clientID,
		AmountCents: amountCents,
		Status:      model.TransactionStatusPending,
		Description: "platform balance deposit",
		Metadata:    model.Metadata{"source": "checkout"},
	})
	if err != nil {
		return "", 0, apperror.Storage(err)
	}

	sessionID, checkoutURL, err := s.proc.CreateDepositSession(ctx, amountCents, s.opts.FrontendURL, s.opts.FrontendURL)
	if err != nil {
		s.finalizeAfterProcessor(ctx, txID, err)
		return "", 0, apperror.Processor(err)
	}

	if err := s.repo.SetTransactionExternalID(ctx, txID, sessionID); err != nil {
		return "", 0, apperror.Storage(err)
	}

	return checkoutURL, txID, nil
}

// ConfirmDeposit фиксирует оплату сессии: депозит завершается и средства
// зачисляются на платформенный баланс клиента.
func (s *Service) ConfirmDeposit(ctx context.Context, transactionID int64) (*model.Transaction, error) {
	t, err := s.repo.ConfirmDeposit(ctx, transactionID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTransactionNotFound):
			return nil, apperror.NotFound("transaction", transactionID)
		case errors.Is(err, repository.ErrStatusConflict):
			return nil, err
		}
		return nil, apperror.Storage(err)
	}
	return t, nil
}

// checkDestinationActivated выполняет три подпроверки активации счёта
// и возвращает AccountNotActivated с именем первой непройденной.
func (s *Service) checkDestinationActivated(ctx context.Context, accountID string) (*processor.Account, error) {
	account, err := s.proc.RetrieveAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, processor.ErrNotFound) {
			return nil, apperror.NotFound("connect account", accountID)
		}
		return nil, apperror.Processor(err)
	}

	switch {
	case !account.ChargesEnabled:
		return nil, apperror.AccountNotActivated("charges_enabled")
	case account.TransfersCapability != "active":
		return nil, apperror.AccountNotActivated("transfers capability")
	case !account.PayoutsEnabled:
		return nil, apperror.AccountNotActivated("payouts_enabled")
	}

	return account, nil
}

// TransferFunds переводит средства платформы на подключённый счёт фрилансера.
// Последовательность строго двухфазная: локальная pending-запись, внешний
// вызов, затем фиксация исхода второй локальной записью.
func (s *Service) TransferFunds(ctx context.Context, amountCents int64, destinationAccountID, description string) (*model.Transaction, error) {
	if !validation.IsPositiveAmount(amountCents) {
		return nil, apperror.Validation("amount must be positive")
	}
	if destinationAccountID == "" {
		return nil, apperror.Validation("connectedAccountId is required")
	}

	u, err := s.repo.GetUserByConnectAccount(ctx, destinationAccountID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperror.NotFound("connect account", destinationAccountID)
		}
		return nil, apperror.Storage(err)
	}
	if u.AccountStatus == model.AccountStatusSuspended {
		return nil, apperror.Validation("account is suspended")
	}

	if _, err := s.checkDestinationActivated(ctx, destinationAccountID); err != nil {
		return nil, err
	}

	if description == "" {
		description = "platform transfer"
	}

	// Платформенный перевод не списывает средств ни с одного клиента,
	// обе стороны записываются на получателя.
	txID, err := s.repo.CreateTransaction(ctx, &model.Transaction{
		Type:        model.TransactionTypeTransfer,
		FromUserID:  &u.ID,
		ToUserID:    &u.ID,
		AmountCents: amountCents,
		Status:      model.TransactionStatusPending,
		Description: description,
		Metadata:    model.Metadata{"transfer_type": "platform_to_user"},
	})
	if err != nil {
		return nil, apperror.Storage(err)
	}

	transfer, err := s.proc.CreateTransfer(ctx, amountCents, destinationAccountID, map[string]string{
		"transfer_type": "platform_to_user",
	})
	if err != nil {
		s.finalizeAfterProcessor(ctx, txID, err)
		return nil, apperror.Processor(err)
	}

	if err := s.repo.ResolveTransaction(ctx, txID, model.TransactionStatusCompleted, &transfer.ID); err != nil {
		return nil, apperror.Storage(err)
	}

	return s.repo.GetTransactionByID(ctx, txID)
}

// AccountBalance возвращает баланс подключённого счёта у процессора.
// Для фрилансеров источник истины — процессор, локально баланс не кэшируется.
func (s *Service) AccountBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	if accountID == "" {
		return nil, apperror.Validation("accountId is required")
	}

	balance, err := s.proc.RetrieveBalance(ctx, accountID)
	if err != nil {
		if errors.Is(err, processor.ErrNotFound) {
			return nil, apperror.NotFound("connect account", accountID)
		}
		return nil, apperror.Processor(err)
	}

	return &model.Balance{
		AvailableCents: balance.TotalAvailableCents(),
		PendingCents:   balance.TotalPendingCents(),
	}, nil
}

// CreatePayout создаёт выплату с подключённого счёта на банковский счёт.
// Сверка баланса — быстрый отказ: сравнение только с доступными средствами,
// ожидающие не снимаются. Финальное слово остаётся за процессором.
func (s *Service) CreatePayout(ctx context.Context, amountCents int64, method, accountID string) (*model.Transaction, error) {
	if !validation.IsPositiveAmount(amountCents) {
		return nil, apperror.Validation("amount must be positive")
	}
	if accountID == "" {
		return nil, apperror.Validation("connectedAccountId is required")
	}
	if method == "" {
		method = "standard"
	}

	u, err := s.repo.GetUserByConnectAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperror.NotFound("connect account", accountID)
		}
		return nil, apperror.Storage(err)
	}
	if u.AccountStatus == model.AccountStatusSuspended {
		return nil, apperror.Validation("account is suspended")
	}

	balance, err := s.proc.RetrieveBalance(ctx, accountID)
	if err != nil {
		return nil, apperror.Processor(err)
	}

	available := balance.TotalAvailableCents()
	if amountCents > available {
		return nil, apperror.InsufficientFunds(available, amountCents)
	}

	txID, err := s.repo.CreateTransaction(ctx, &model.Transaction{
		Type:        model.TransactionTypePayout,
		FromUserID:  &u.ID,
		AmountCents: amountCents,
		Status:      model.TransactionStatusPending,
		Description: "withdrawal to bank account",
		Metadata:    model.Metadata{"payout_type": "user_withdrawal", "method": method},
	})
	if err != nil {
		return nil, apperror.Storage(err)
	}

	payout, err := s.proc.CreatePayout(ctx, amountCents, method, accountID)
	if err != nil {
		s.finalizeAfterProcessor(ctx, txID, err)
		return nil, apperror.Processor(err)
	}

	if err := s.repo.ResolveTransaction(ctx, txID, model.TransactionStatusCompleted, &payout.ID); err != nil {
		return nil, apperror.Storage(err)
	}

	return s.repo.GetTransactionByID(ctx, txID)
}

// DeleteAccount удаляет подключённый счёт. Удаление разрешено только при
// нулевых доступных и ожидающих средствах; иначе возвращаются точные суммы.
// Локальная строка пользователя не удаляется, связь со счётом очищается.
func (s *Service) DeleteAccount(ctx context.Context, accountID string) (bool, error) {
	if accountID == "" {
		return false, apperror.Validation("accountId is required")
	}

	balance, err := s.proc.RetrieveBalance(ctx, accountID)
	if err != nil {
		if errors.Is(err, processor.ErrNotFound) {
			return false, apperror.NotFound("connect account", accountID)
		}
		return false, apperror.Processor(err)
	}

	available := balance.TotalAvailableCents()
	pending := balance.TotalPendingCents()
	if available > 0 || pending > 0 {
		return false, apperror.NonZeroBalance(available, pending)
	}

	deleted, err := s.proc.DeleteAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, processor.ErrNotFound) {
			return false, apperror.NotFound("connect account", accountID)
		}
		return false, apperror.Processor(err)
	}

	u, err := s.repo.GetUserByConnectAccount(ctx, accountID)
	if err == nil {
		if err := s.repo.UnlinkConnectAccount(ctx, u.ID); err != nil {
			return deleted, apperror.Storage(err)
		}
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return deleted, apperror.Storage(err)
	}

	return deleted, nil
}

// ListAccounts возвращает все подключённые счета процессора.
func (s *Service) ListAccounts(ctx context.Context) ([]processor.Account, error) {
	accounts, err := s.proc.ListAccounts(ctx)
	if err != nil {
		return nil, apperror.Processor(err)
	}
	return accounts, nil
}

// TransferHistory возвращает переводы и выплаты пользователя, привязанного
// к подключённому счёту, по данным локального журнала.
func (s *Service) TransferHistory(ctx context.Context, accountID string) (transfers, payouts []model.Transaction, err error) {
	u, err := s.repo.GetUserByConnectAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, nil, apperror.NotFound("connect account", accountID)
		}
		return nil, nil, apperror.Storage(err)
	}

	all, err := s.repo.GetTransactionsByUser(ctx, u.ID, nil)
	if err != nil {
		return nil, nil, apperror.Storage(err)
	}

	for _, t := range all {
		switch t.Type {
		case model.TransactionTypeTransfer:
			transfers = append(transfers, t)
		case model.TransactionTypePayout:
			payouts = append(payouts, t)
		}
	}

	return transfers, payouts, nil
}

// CreateProject создаёт проект клиента в статусе open.
func (s *Service) CreateProject(ctx context.Context, clientID int64, title, description string, amountCents int64) (*model.Project, error) {
	if title == "" {
		return nil, apperror.Validation("title is required")
	}
	if !validation.IsPositiveAmount(amountCents) {
		return nil, apperror.Validation("amount must be positive")
	}

	u, err := s.GetUser(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if u.UserType != model.UserTypeClient {
		return nil, apperror.Validation("projects are created by clients only")
	}

	id, err := s.repo.CreateProject(ctx, &model.Project{
		ClientID:    clientID,
		Title:       title,
		Description: description,
		AmountCents: amountCents,
	})
	if err != nil {
		return nil, apperror.Storage(err)
	}

	return s.repo.GetProject(ctx, id)
}

// GetProject возвращает проект по идентификатору.
func (s *Service) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	p, err := s.repo.GetProject(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			return nil, apperror.NotFound("project", id)
		}
		return nil, apperror.Storage(err)
	}
	return p, nil
}

// AssignFreelancer закрепляет фрилансера за проектом.
func (s *Service) AssignFreelancer(ctx context.Context, projectID, freelancerID int64) error {
	u, err := s.GetUser(ctx, freelancerID)
	if err != nil {
		return err
	}
	if u.UserType != model.UserTypeFreelancer {
		return apperror.Validation("only freelancers can be assigned to projects")
	}

	if err := s.repo.UpdateProject(ctx, projectID, repository.ProjectPatch{FreelancerID: &freelancerID}); err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			return apperror.NotFound("project", projectID)
		}
		return apperror.Storage(err)
	}
	return nil
}

// PlaceEscrow помещает средства клиента в эскроу проекта. Списание баланса,
// создание удерживающей транзакции и перевод проекта в assigned атомарны.
func (s *Service) PlaceEscrow(ctx context.Context, projectID int64, amountCents int64) (*model.Transaction, error) {
	if !validation.IsPositiveAmount(amountCents) {
		return nil, apperror.Validation("amount must be positive")
	}

	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	client, err := s.GetUser(ctx, p.ClientID)
	if err != nil {
		return nil, err
	}
	if client.AccountStatus == model.AccountStatusSuspended {
		return nil, apperror.Validation("client account is suspended")
	}

	escrowTxID, err := s.repo.PlaceEscrow(ctx, projectID, amountCents)
	if err != nil {
		var insufficient *repository.InsufficientBalanceError
		switch {
		case errors.As(err, &insufficient):
			// Суммы берутся из ошибки репозитория: там они прочитаны под
			// блокировкой строки, а client выше мог устареть.
			return nil, apperror.InsufficientFunds(insufficient.AvailableCents, insufficient.RequestedCents)
		case errors.Is(err, repository.ErrInsufficientBalance):
			return nil, apperror.InsufficientFunds(client.BalanceCents, amountCents)
		case errors.Is(err, repository.ErrEscrowConflict),
			errors.Is(err, repository.ErrEscrowAmountMismatch):
			return nil, err
		case errors.Is(err, repository.ErrProjectNotFound):
			return nil, apperror.NotFound("project", projectID)
		}
		return nil, apperror.Storage(err)
	}

	return s.repo.GetTransactionByID(ctx, escrowTxID)
}

// ReleaseEscrow выплачивает удержанные средства фрилансеру завершённого
// проекта. Сначала фиксируется локальный результат, затем вызывается
// процессор; исход вызова записывается второй локальной транзакцией.
func (s *Service) ReleaseEscrow(ctx context.Context, projectID int64) (*model.Transaction, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.FreelancerID == nil {
		return nil, apperror.Validation("project has no assigned freelancer")
	}

	freelancer, err := s.GetUser(ctx, *p.FreelancerID)
	if err != nil {
		return nil, err
	}
	if freelancer.AccountStatus == model.AccountStatusSuspended {
		return nil, apperror.Validation("freelancer account is suspended")
	}
	if freelancer.StripeConnectAccountID == nil {
		return nil, apperror.AccountNotActivated("no connect account")
	}

	if _, err := s.checkDestinationActivated(ctx, *freelancer.StripeConnectAccountID); err != nil {
		return nil, err
	}

	releaseTxID, err := s.repo.ReleaseEscrow(ctx, projectID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrEscrowConflict), errors.Is(err, repository.ErrStatusConflict):
			return nil, err
		case errors.Is(err, repository.ErrProjectNotFound):
			return nil, apperror.NotFound("project", projectID)
		}
		return nil, apperror.Storage(err)
	}

	transfer, err := s.proc.CreateTransfer(ctx, p.AmountCents, *freelancer.StripeConnectAccountID, map[string]string{
		"transfer_type": "escrow_release",
	})
	if err != nil {
		s.finalizeAfterProcessor(ctx, releaseTxID, err)
		return nil, apperror.Processor(err)
	}

	if err := s.repo.ResolveTransaction(ctx, releaseTxID, model.TransactionStatusCompleted, &transfer.ID); err != nil {
		return nil, apperror.Storage(err)
	}

	return s.repo.GetTransactionByID(ctx, releaseTxID)
}

// CancelProject отменяет проект и возвращает клиенту удержанные средства
// согласно настроенной доле возврата.
func (s *Service) CancelProject(ctx context.Context, projectID int64) (*model.Project, error) {
	_, err := s.repo.CancelProject(ctx, projectID, s.opts.RefundBasisPoints)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrEscrowConflict), errors.Is(err, repository.ErrStatusConflict):
			return nil, err
		case errors.Is(err, repository.ErrProjectNotFound):
			return nil, apperror.NotFound("project", projectID)
		}
		return nil, apperror.Storage(err)
	}

	return s.repo.GetProject(ctx, projectID)
}

// finalizeAfterProcessor записывает исход неудачного внешнего вызова.
// Таймаут оставляет транзакцию в pending для последующей сверки: угадывать
// статус нельзя, процессор мог успеть исполнить операцию.
func (s *Service) finalizeAfterProcessor(ctx context.Context, txID int64, callErr error) {
	if isTimeout(callErr) {
		s.logger.Warn("processor call timed out, transaction left pending for reconciliation",
			zap.Int64("transactionID", txID))
		return
	}

	if err := s.repo.ResolveTransaction(ctx, txID, model.TransactionStatusFailed, nil); err != nil {
		s.logger.Error("failed to mark transaction failed",
			zap.Int64("transactionID", txID), zap.Error(err))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StartReconciliation запускает фоновую сверку зависших pending-транзакций
// с состоянием процессора.
func (s *Service) StartReconciliation(ctx context.Context) {
	if s.proc == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(s.opts.ReconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcilePass(ctx)
			}
		}
	}()
}

func (s *Service) reconcilePass(ctx context.Context) {
	stale, err := s.repo.GetStalePendingTransactions(ctx, time.Now().Add(-pendingStaleAfter), reconcileBatchSize)
	if err != nil {
		s.logger.Error("reconciliation: select stale transactions", zap.Error(err))
		return
	}

	for _, t := range stale {
		if internal, ok := t.Metadata["internal"].(bool); ok && internal {
			// Внутренние удержания живут в pending до release или cancel.
			continue
		}

		if t.StripeTransactionID == nil {
			// Внешний вызов так и не вернул идентификатор: спустя предельный
			// срок транзакция признаётся неудавшейся.
			if time.Since(t.CreatedAt) > pendingAbandonAfter {
				if err := s.repo.ResolveTransaction(ctx, t.ID, model.TransactionStatusFailed, nil); err != nil {
					s.logger.Error("reconciliation: abandon transaction", zap.Int64("transactionID", t.ID), zap.Error(err))
				}
			}
			continue
		}

		status, err := s.externalStatus(ctx, &t)
		if err != nil {
			s.logger.Warn("reconciliation: poll processor",
				zap.Int64("transactionID", t.ID), zap.Error(err))
			continue
		}
		if status == "" {
			continue
		}

		var local model.TransactionStatus
		switch status {
		case "paid", "completed", "settled":
			local = model.TransactionStatusCompleted
		case "failed":
			local = model.TransactionStatusFailed
		case "canceled":
			local = model.TransactionStatusCanceled
		default:
			continue
		}

		if err := s.repo.ResolveTransaction(ctx, t.ID, local, t.StripeTransactionID); err != nil {
			s.logger.Error("reconciliation: resolve transaction",
				zap.Int64("transactionID", t.ID), zap.Error(err))
			continue
		}

		s.logger.Info("reconciliation: transaction settled",
			zap.Int64("transactionID", t.ID), zap.String("status", string(local)))
	}
}

// externalStatus опрашивает процессор о состоянии операции по её типу.
func (s *Service) externalStatus(ctx context.Context, t *model.Transaction) (string, error) {
	switch t.Type {
	case model.TransactionTypeTransfer:
		transfer, err := s.proc.RetrieveTransfer(ctx, *t.StripeTransactionID)
		if err != nil {
			if errors.Is(err, processor.ErrNotFound) {
				return "failed", nil
			}
			return "", err
		}
		return transfer.Status, nil

	case model.TransactionTypePayout:
		if t.FromUserID == nil {
			return "", nil
		}
		u, err := s.repo.GetUserByID(ctx, *t.FromUserID)
		if err != nil || u.StripeConnectAccountID == nil {
			return "", err
		}
		payout, err := s.proc.RetrievePayout(ctx, *u.StripeConnectAccountID, *t.StripeTransactionID)
		if err != nil {
			if errors.Is(err, processor.ErrNotFound) {
				return "failed", nil
			}
			return "", err
		}
		return payout.Status, nil
	}

	return "", nil
}
