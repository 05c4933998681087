package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/expertshub/payment-relay/internal/apperror"
	"github.com/expertshub/payment-relay/internal/model"
	"github.com/expertshub/payment-relay/internal/processor"
	"github.com/expertshub/payment-relay/internal/repository"
	"github.com/expertshub/payment-relay/internal/service"
)

type stubService struct {
	userResp *model.User
	userErr  error

	usersResp []model.User
	usersErr  error

	transactionsResp []model.Transaction
	transactionsErr  error

	connectResp *service.ConnectAccountResult
	connectErr  error

	onboardingURL string
	onboardingErr error

	accountResp *processor.Account
	accountErr  error

	depositURL      string
	depositTxID     int64
	depositErr      error
	depositGotCents int64

	txResp *model.Transaction
	txErr  error

	transferGotCents int64

	balanceResp *model.Balance
	balanceErr  error

	payoutGotCents int64

	deleted   bool
	deleteErr error

	accountsResp []processor.Account
	accountsErr  error

	historyTransfers []model.Transaction
	historyPayouts   []model.Transaction
	historyErr       error

	projectResp *model.Project
	projectErr  error

	escrowGotCents int64

	assignErr error
}

func (s *stubService) RegisterUser(ctx context.Context, email string, userType model.UserType, firstName, lastName string) (*model.User, error) {
	return s.userResp, s.userErr
}

func (s *stubService) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.userResp, s.userErr
}

func (s *stubService) GetFreelancers(ctx context.Context) ([]model.User, error) {
	return s.usersResp, s.usersErr
}

func (s *stubService) GetClients(ctx context.Context) ([]model.User, error) {
	return s.usersResp, s.usersErr
}

func (s *stubService) GetUserTransactions(ctx context.Context, userID int64, typeFilter *model.TransactionType) ([]model.Transaction, error) {
	return s.transactionsResp, s.transactionsErr
}

func (s *stubService) RegisterConnectAccount(ctx context.Context, email, businessType string) (*service.ConnectAccountResult, error) {
	return s.connectResp, s.connectErr
}

func (s *stubService) OnboardingLink(ctx context.Context, accountID string) (string, error) {
	return s.onboardingURL, s.onboardingErr
}

func (s *stubService) SyncAccountStatus(ctx context.Context, accountID string) (*processor.Account, error) {
	return s.accountResp, s.accountErr
}

func (s *stubService) CreateDeposit(ctx context.Context, clientID int64, amountCents int64) (string, int64, error) {
	s.depositGotCents = amountCents
	return s.depositURL, s.depositTxID, s.depositErr
}

func (s *stubService) ConfirmDeposit(ctx context.Context, transactionID int64) (*model.Transaction, error) {
	return s.txResp, s.txErr
}

func (s *stubService) TransferFunds(ctx context.Context, amountCents int64, destinationAccountID, description string) (*model.Transaction, error) {
	s.transferGotCents = amountCents
	return s.txResp, s.txErr
}

func (s *stubService) AccountBalance(ctx context.Context, accountID string) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) CreatePayout(ctx context.Context, amountCents int64, method, accountID string) (*model.Transaction, error) {
	s.payoutGotCents = amountCents
	return s.txResp, s.txErr
}

func (s *stubService) DeleteAccount(ctx context.Context, accountID string) (bool, error) {
	return s.deleted, s.deleteErr
}

func (s *stubService) ListAccounts(ctx context.Context) ([]processor.Account, error) {
	return s.accountsResp, s.accountsErr
}

func (s *stubService) TransferHistory(ctx context.Context, accountID string) ([]model.Transaction, []model.Transaction, error) {
	return s.historyTransfers, s.historyPayouts, s.historyErr
}

func (s *stubService) CreateProject(ctx context.Context, clientID int64, title, description string, amountCents int64) (*model.Project, error) {
	return s.projectResp, s.projectErr
}

func (s *stubService) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	return s.projectResp, s.projectErr
}

func (s *stubService) AssignFreelancer(ctx context.Context, projectID, freelancerID int64) error {
	return s.assignErr
}

func (s *stubService) PlaceEscrow(ctx context.Context, projectID int64, amountCents int64) (*model.Transaction, error) {
	s.escrowGotCents = amountCents
	return s.txResp, s.txErr
}

func (s *stubService) ReleaseEscrow(ctx context.Context, projectID int64) (*model.Transaction, error) {
	return s.txResp, s.txErr
}

func (s *stubService) CancelProject(ctx context.Context, projectID int64) (*model.Project, error) {
	return s.projectResp, s.projectErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	return NewHandler(svc, logger)
}

func doRequest(t *testing.T, h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()

	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestRegisterUser_Created(t *testing.T) {
	svc := &stubService{
		userResp: &model.User{ID: 7, Email: "c@example.com", UserType: model.UserTypeClient, BalanceCents: 5000},
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/users", registerUserRequest{
		Email:    "c@example.com",
		UserType: "client",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp userResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 7 {
		t.Errorf("id = %d, want 7", resp.ID)
	}
	if resp.Balance != 50.0 {
		t.Errorf("balance = %v, want 50.0 dollars", resp.Balance)
	}
}

func TestRegisterUser_ValidationError(t *testing.T) {
	svc := &stubService{
		userErr: apperror.Validation("a valid email is required"),
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/users", registerUserRequest{Email: "nope"})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if resp := decodeError(t, rec); resp.Code != "validation_error" {
		t.Errorf("code = %q, want validation_error", resp.Code)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	svc := &stubService{
		userErr: apperror.NotFound("user", 99),
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodGet, "/users/99", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if resp := decodeError(t, rec); resp.Code != "not_found" {
		t.Errorf("code = %q, want not_found", resp.Code)
	}
}

func TestGetUser_BadID(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := doRequest(t, h, http.MethodGet, "/users/abc", nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateCheckoutSession_ConvertsDollarsToCents(t *testing.T) {
	svc := &stubService{
		depositURL:  "https://pay.example.com/cs_1",
		depositTxID: 3,
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/create-checkout-session", checkoutSessionRequest{
		ClientID: 1,
		Amount:   100.50,
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if svc.depositGotCents != 10050 {
		t.Errorf("cents = %d, want 10050", svc.depositGotCents)
	}

	var resp checkoutSessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.URL != "https://pay.example.com/cs_1" || resp.TransactionID != 3 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestPlaceEscrow_InsufficientFunds(t *testing.T) {
	svc := &stubService{
		txErr: apperror.InsufficientFunds(5000, 6000),
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/projects/1/escrow", escrowRequest{Amount: 60})

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPaymentRequired)
	}

	resp := decodeError(t, rec)
	if resp.Code != "insufficient_funds" {
		t.Errorf("code = %q, want insufficient_funds", resp.Code)
	}
	if !strings.Contains(resp.Error, "available 5000") {
		t.Errorf("error must carry figures, got %q", resp.Error)
	}
	if svc.escrowGotCents != 6000 {
		t.Errorf("cents = %d, want 6000", svc.escrowGotCents)
	}
}

func TestPlaceEscrow_AmountMismatchCode(t *testing.T) {
	svc := &stubService{
		txErr: repository.ErrEscrowAmountMismatch,
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/projects/1/escrow", escrowRequest{Amount: 25})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if resp := decodeError(t, rec); resp.Code != "validation_error" {
		t.Errorf("code = %q, want validation_error", resp.Code)
	}
}

func TestPlaceEscrow_ConflictCode(t *testing.T) {
	svc := &stubService{
		txErr: repository.ErrEscrowConflict,
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/projects/1/escrow", escrowRequest{Amount: 30})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if resp := decodeError(t, rec); resp.Code != "conflict" {
		t.Errorf("code = %q, want conflict", resp.Code)
	}
}

func TestRegisterUser_DuplicateCode(t *testing.T) {
	svc := &stubService{
		userErr: repository.ErrUserExists,
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/users", registerUserRequest{
		Email:    "dup@example.com",
		UserType: "client",
	})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if resp := decodeError(t, rec); resp.Code != "conflict" {
		t.Errorf("code = %q, want conflict", resp.Code)
	}
}

func TestReleaseEscrow_NotActivated(t *testing.T) {
	svc := &stubService{
		txErr: apperror.AccountNotActivated("payouts_enabled"),
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/projects/1/release", nil)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if resp := decodeError(t, rec); resp.Code != "account_not_activated" {
		t.Errorf("code = %q, want account_not_activated", resp.Code)
	}
}

func TestDeleteAccount_NonZeroBalance(t *testing.T) {
	svc := &stubService{
		deleteErr: apperror.NonZeroBalance(50, 0),
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodDelete, "/delete-account/acct_1", nil)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	resp := decodeError(t, rec)
	if resp.Code != "non_zero_balance" {
		t.Errorf("code = %q, want non_zero_balance", resp.Code)
	}
	if !strings.Contains(resp.Error, "available 50") || !strings.Contains(resp.Error, "pending 0") {
		t.Errorf("error must report exact figures, got %q", resp.Error)
	}
}

func TestGetAccountBalance_ReportsDollars(t *testing.T) {
	svc := &stubService{
		balanceResp: &model.Balance{AvailableCents: 12345, PendingCents: 500},
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodGet, "/account-balance/acct_1", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp balanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Available != 123.45 {
		t.Errorf("available = %v, want 123.45", resp.Available)
	}
	if resp.Pending != 5.0 {
		t.Errorf("pending = %v, want 5.0", resp.Pending)
	}
}

func TestTransferFunds_ProcessorError(t *testing.T) {
	svc := &stubService{
		txErr: apperror.Processor(context.DeadlineExceeded),
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/transfer-funds", transferFundsRequest{
		Amount:             10,
		ConnectedAccountID: "acct_1",
	})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if resp := decodeError(t, rec); resp.Code != "processor_error" {
		t.Errorf("code = %q, want processor_error", resp.Code)
	}
}

func TestCreatePayout_Created(t *testing.T) {
	from := int64(4)
	id := "po_9"
	svc := &stubService{
		txResp: &model.Transaction{
			ID:                  11,
			Type:                model.TransactionTypePayout,
			Status:              model.TransactionStatusCompleted,
			FromUserID:          &from,
			AmountCents:         15000,
			StripeTransactionID: &id,
		},
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/create-payout", createPayoutRequest{
		Amount:             150,
		ConnectedAccountID: "acct_1",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if svc.payoutGotCents != 15000 {
		t.Errorf("cents = %d, want 15000", svc.payoutGotCents)
	}

	var resp transactionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Amount != 150.0 {
		t.Errorf("amount = %v, want 150.0", resp.Amount)
	}
	if resp.ToUserID != nil {
		t.Errorf("payout must have no recipient")
	}
}

func TestTransferHistory_SplitsByType(t *testing.T) {
	svc := &stubService{
		historyTransfers: []model.Transaction{{ID: 1, Type: model.TransactionTypeTransfer}},
		historyPayouts:   []model.Transaction{{ID: 2, Type: model.TransactionTypePayout}},
	}
	h := newTestHandler(t, svc)

	rec := doRequest(t, h, http.MethodGet, "/transfer-history/acct_1", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp transferHistoryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Transfers) != 1 || len(resp.Payouts) != 1 {
		t.Errorf("transfers = %d, payouts = %d, want 1 and 1", len(resp.Transfers), len(resp.Payouts))
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := doRequest(t, h, http.MethodGet, "/nope", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
