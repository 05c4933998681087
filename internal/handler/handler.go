// Package handler содержит HTTP-обработчики API платёжного сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/expertshub/payment-relay/internal/apperror"
	"github.com/expertshub/payment-relay/internal/model"
	"github.com/expertshub/payment-relay/internal/processor"
	"github.com/expertshub/payment-relay/internal/repository"
	"github.com/expertshub/payment-relay/internal/service"
	"github.com/expertshub/payment-relay/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email string, userType model.UserType, firstName, lastName string) (*model.User, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetFreelancers(ctx context.Context) ([]model.User, error)
	GetClients(ctx context.Context) ([]model.User, error)
	GetUserTransactions(ctx context.Context, userID int64, typeFilter *model.TransactionType) ([]model.Transaction, error)
	RegisterConnectAccount(ctx context.Context, email, businessType string) (*service.ConnectAccountResult, error)
	OnboardingLink(ctx context.Context, accountID string) (string, error)
	SyncAccountStatus(ctx context.Context, accountID string) (*processor.Account, error)
	CreateDeposit(ctx context.Context, clientID int64, amountCents int64) (string, int64, error)
	ConfirmDeposit(ctx context.Context, transactionID int64) (*model.Transaction, error)
	TransferFunds(ctx context.Context, amountCents int64, destinationAccountID, description string) (*model.Transaction, error)
	AccountBalance(ctx context.Context, accountID string) (*model.Balance, error)
	CreatePayout(ctx context.Context, amountCents int64, method, accountID string) (*model.Transaction, error)
	DeleteAccount(ctx context.Context, accountID string) (bool, error)
	ListAccounts(ctx context.Context) ([]processor.Account, error)
	TransferHistory(ctx context.Context, accountID string) ([]model.Transaction, []model.Transaction, error)
	CreateProject(ctx context.Context, clientID int64, title, description string, amountCents int64) (*model.Project, error)
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	AssignFreelancer(ctx context.Context, projectID, freelancerID int64) error
	PlaceEscrow(ctx context.Context, projectID int64, amountCents int64) (*model.Transaction, error)
	ReleaseEscrow(ctx context.Context, projectID int64) (*model.Transaction, error)
	CancelProject(ctx context.Context, projectID int64) (*model.Project, error)
}

// Handler реализует HTTP-обработчики API платёжного сервиса.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError сопоставляет вид ошибки со статусом ответа и пишет JSON-тело.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, apperror.ErrValidation),
		errors.Is(err, repository.ErrEscrowAmountMismatch),
		errors.Is(err, repository.ErrNoParties):
		status = http.StatusBadRequest
	case errors.Is(err, apperror.ErrInsufficientFunds),
		errors.Is(err, repository.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, apperror.ErrAccountNotActivated),
		errors.Is(err, apperror.ErrNonZeroBalance),
		errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrEscrowConflict),
		errors.Is(err, repository.ErrStatusConflict):
		status = http.StatusConflict
	case errors.Is(err, apperror.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperror.ErrProcessor):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: err.Error(),
		Code:  apperror.Kind(err),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.Validation(name + " must be a positive integer")
	}
	return id, nil
}

type userResponse struct {
	ID                  int64   `json:"id"`
	Email               string  `json:"email"`
	UserType            string  `json:"user_type"`
	FirstName           string  `json:"first_name,omitempty"`
	LastName            string  `json:"last_name,omitempty"`
	ConnectAccountID    *string `json:"connect_account_id,omitempty"`
	AccountStatus       string  `json:"account_status"`
	OnboardingCompleted bool    `json:"onboarding_completed"`
	Balance             float64 `json:"balance"`
	CreatedAt           string  `json:"created_at"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:                  u.ID,
		Email:               u.Email,
		UserType:            string(u.UserType),
		FirstName:           u.FirstName,
		LastName:            u.LastName,
		ConnectAccountID:    u.StripeConnectAccountID,
		AccountStatus:       string(u.AccountStatus),
		OnboardingCompleted: u.OnboardingCompleted,
		Balance:             validation.CentsToDollars(u.BalanceCents),
		CreatedAt:           u.CreatedAt.Format(time.RFC3339),
	}
}

type transactionResponse struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	FromUserID  *int64         `json:"from_user_id"`
	ToUserID    *int64         `json:"to_user_id"`
	Amount      float64        `json:"amount"`
	Description string         `json:"description,omitempty"`
	ProcessorID *string        `json:"processor_transaction_id,omitempty"`
	Metadata    model.Metadata `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

func toTransactionResponse(t *model.Transaction) transactionResponse {
	return transactionResponse{
		ID:          t.ID,
		Type:        string(t.Type),
		Status:      string(t.Status),
		FromUserID:  t.FromUserID,
		ToUserID:    t.ToUserID,
		Amount:      validation.CentsToDollars(t.AmountCents),
		Description: t.Description,
		ProcessorID: t.StripeTransactionID,
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionResponses(ts []model.Transaction) []transactionResponse {
	resp := make([]transactionResponse, 0, len(ts))
	for i := range ts {
		resp = append(resp, toTransactionResponse(&ts[i]))
	}
	return resp
}

type projectResponse struct {
	ID                  int64   `json:"id"`
	ClientID            int64   `json:"client_id"`
	FreelancerID        *int64  `json:"freelancer_id,omitempty"`
	Title               string  `json:"title"`
	Description         string  `json:"description,omitempty"`
	Amount              float64 `json:"amount"`
	Status              string  `json:"status"`
	EscrowTransactionID *int64  `json:"escrow_transaction_id,omitempty"`
	CreatedAt           string  `json:"created_at"`
}

func toProjectResponse(p *model.Project) projectResponse {
	return projectResponse{
		ID:                  p.ID,
		ClientID:            p.ClientID,
		FreelancerID:        p.FreelancerID,
		Title:               p.Title,
		Description:         p.Description,
		Amount:              validation.CentsToDollars(p.AmountCents),
		Status:              string(p.Status),
		EscrowTransactionID: p.EscrowTransactionID,
		CreatedAt:           p.CreatedAt.Format(time.RFC3339),
	}
}

type registerUserRequest struct {
	Email     string `json:"email"`
	UserType  string `json:"user_type"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// RegisterUser регистрирует нового пользователя платформы.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperror.Validation("invalid request body"))
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.Email, model.UserType(req.UserType), req.FirstName, req.LastName)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// GetUser возвращает пользователя по идентификатору.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	u, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toUserResponse(u))
}

// GetUserTransactions возвращает транзакции пользователя, новые первыми.
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var typeFilter *model.TransactionType
	if raw := r.URL.Query().Get("type"); raw != "" {
		t := model.TransactionType(raw)
		typeFilter = &t
	}

	transactions, err := h.service.GetUserTransactions(r.Context(), id, typeFilter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toTransactionResponses(transactions))
}

// GetFreelancers возвращает всех фрилансеров платформы.
func (h *Handler) GetFreelancers(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, h.service.GetFreelancers)
}

// GetClients возвращает всех клиентов платформы.
func (h *Handler) GetClients(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, h.service.GetClients)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request, list func(context.Context) ([]model.User, error)) {
	users, err := list(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]userResponse, 0, len(users))
	for i := range users {
		resp = append(resp, toUserResponse(&users[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type createConnectAccountRequest struct {
	Email        string `json:"email"`
	BusinessType string `json:"business_type"`
}

type createConnectAccountResponse struct {
	UserID        int64  `json:"user_id"`
	AccountID     string `json:"account_id"`
	OnboardingURL string `json:"onboarding_url"`
}

// CreateConnectAccount создаёт подключённый счёт фрилансера и ссылку онбординга.
func (h *Handler) CreateConnectAccount(w http.ResponseWriter, r *http.Request) {
	var req createConnectAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperror.Validation("invalid request body"))
		return
	}

	res, err := h.service.RegisterConnectAccount(r.Context(), req.Email, req.BusinessType)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, createConnectAccountResponse{
		UserID:        res.UserID,
		AccountID:     res.AccountID,
		OnboardingURL: res.OnboardingURL,
	})
}

type onboardRequest struct {
	AccountID string `json:"accountId"`
}

// OnboardConnectAccount выдаёт свежую одноразовую ссылку онбординга.
func (h *Handler) OnboardConnectAccount(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperror.Validation("invalid request body"))
		return
	}

	url, err := h.service.OnboardingLink(r.Context(), req.AccountID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// SyncAccountStatus сверяет активацию счёта с процессором.
func (h *Handler) SyncAccountStatus(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if accountID == "" {
		h.writeError(w, apperror.Validation("accountId is required"))
		return
	}

	account, err := h.service.SyncAccountStatus(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, account)
}

type checkoutSessionRequest struct {
	ClientID int64   `json:"client_id"`
	Amount   float64 `json:"amount"`
}

type checkoutSessionResponse struct {
	URL           string `json:"url"`
	TransactionID int64  `json:"transaction_id"`
}

// CreateCheckoutSession создаёт платёжную сессию пополнения баланса клиента.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperror.Validation("invalid request body"))
		return
	}

	url, txID, err := h.service.CreateDeposit(r.Context(), req.ClientID, validation.DollarsToCents(req.Amount))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, checkoutSessionResponse{URL: url, TransactionID: txID})
}

// ConfirmDeposit фиксирует оплату сессии и зачисляет средства клиенту.
func (h *Handler) ConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	t, err := h.service.ConfirmDeposit(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

type transferFundsRequest struct {
	Amount             float64 `json:"amount"`
	ConnectedAccountID string  `json:"connectedAccountId"`
	Description        string  `json:"description"`
}

// TransferFunds переводит средства платформы на подключённый счёт.
func (h *Handler) TransferFunds(w http.ResponseWriter, r *http.Request) {
	var req transferFundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperror.Validation("invalid request body"))
		return
	}

	t, err := h.service.TransferFunds(r.Context(), validation.DollarsToCents(req.Amount), req.ConnectedAccountID, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

type balanceResponse struct {
	Available float64 `json:"available"`
	Pending   float64 `json:"pending"`
}

// GetAccountBalance возвращает баланс подключённого счёта у процессора.
func (h *Handler) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if accountID == "" {
		h.writeError(w, apperror.Validation("accountId is required"))
		return
	}

	balance, err := h.service.AccountBalance(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{
		Available: validation.CentsToDollars(balance.AvailableCents),
		Pending:   validation.CentsToDollars(balance.PendingCents),
	})
}

type createPayoutRequest struct {
	Amount             float64 `json:"amount"`
	Method             string  `json:"method"`
	ConnectedAccountID string  `json:"connectedAccountId"`
}

// CreatePayout создаёт выплату с подключённого счёта на банковский счёт.
func (h *Handler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	var req createPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperror.Validation("invalid request body"))
		return
	}

	t, err := h.service.CreatePayout(r.Context(), validation.DollarsToCents(req.Amount), req.Method, req.ConnectedAccountID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

// DeleteAccount удаляет подключённый счёт с нулевым остатком.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if accountID == "" {
		h.writeError(w, apperror.Validation("accountId is required"))
		return
	}

	deleted, err := h.service.DeleteAccount(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// GetConnectedAccounts возвращает все подключённые счета процессора.
func (h *Handler) GetConnectedAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, accounts)
}

type transferHistoryResponse struct {
	Transfers []transactionResponse `json:"transfers"`
	Payouts   []transactionResponse `json:"payouts"`
}

// GetTransferHistory возвращает переводы и выплаты по данным локального журнала.
func (h *Handler) GetTransferHistory(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if accountID == "" {
		h.writeError(w, apperror.Validation("accountId is required"))
		return
	}

	transfers, payouts, err := h.service.TransferHistory(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, transferHistoryResponse{
		Transfers: toTransactionResponses(transfers),
		Payouts:   toTransactionResponses(payouts),
	})
}

type createProjectRequest struct {
	ClientID    int64   `json:"client_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// CreateProject создаёт проект клиента в статусе open.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperror.Validation("invalid request body"))
		return
	}

	p, err := h.service.CreateProject(r.Context(), req.ClientID, req.Title, req.Description, validation.DollarsToCents(req.Amount))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toProjectResponse(p))
}

// GetProject возвращает проект по идентификатору.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	p, err := h.service.GetProject(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toProjectResponse(p))
}

type assignFreelancerRequest struct {
	FreelancerID int64 `json:"freelancer_id"`
}

// AssignFreelancer закрепляет фрилансера за проектом.
func (h *Handler) AssignFreelancer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req assignFreelancerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperror.Validation("invalid request body"))
		return
	}

	if err := h.service.AssignFreelancer(r.Context(), id, req.FreelancerID); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type escrowRequest struct {
	Amount float64 `json:"amount"`
}

// PlaceEscrow помещает средства клиента в эскроу проекта.
func (h *Handler) PlaceEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req escrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperror.Validation("invalid request body"))
		return
	}

	t, err := h.service.PlaceEscrow(r.Context(), id, validation.DollarsToCents(req.Amount))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

// ReleaseEscrow выплачивает удержанные средства фрилансеру проекта.
func (h *Handler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	t, err := h.service.ReleaseEscrow(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

// CancelProject отменяет проект и возвращает удержанные средства клиенту.
func (h *Handler) CancelProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	p, err := h.service.CancelProject(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toProjectResponse(p))
}
