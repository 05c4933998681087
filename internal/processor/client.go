// Package processor предоставляет клиент внешнего платёжного процессора.
// Процессор исполняет переводы и выплаты асинхронно; клиент лишь передаёт
// запросы и возвращает внешние идентификаторы для локального учёта.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotFound возвращается, если счёт или операция не существует у процессора.
var ErrNotFound = errors.New("processor resource not found")

// Client инкапсулирует HTTP-взаимодействие с платёжным процессором.
// Чтения идут через клиент с повторами; денежные вызовы не повторяются,
// чтобы сетевой сбой не привёл к двойному исполнению.
type Client struct {
	baseURL     string
	readClient  *http.Client
	writeClient *http.Client
}

// NewClient создаёт клиент процессора по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		readClient: rc.StandardClient(),
		writeClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Account описывает состояние счёта у процессора.
// Счёт полностью активирован, когда выполнены все три условия.
type Account struct {
	ID                  string `json:"id"`
	Email               string `json:"email"`
	ChargesEnabled      bool   `json:"charges_enabled"`
	PayoutsEnabled      bool   `json:"payouts_enabled"`
	TransfersCapability string `json:"transfers_capability"`
	Created             int64  `json:"created"`
}

// FullyActivated сообщает, активирован ли счёт для переводов и выплат.
func (a *Account) FullyActivated() bool {
	return a.ChargesEnabled && a.PayoutsEnabled && a.TransfersCapability == "active"
}

// BalanceAmount описывает одну часть баланса счёта.
type BalanceAmount struct {
	AmountCents int64 `json:"amount_cents"`
}

// AccountBalance содержит доступные и ожидающие средства счёта.
type AccountBalance struct {
	Available []BalanceAmount `json:"available"`
	Pending   []BalanceAmount `json:"pending"`
}

// TotalAvailableCents возвращает сумму всех доступных средств.
func (b *AccountBalance) TotalAvailableCents() int64 {
	var total int64
	for _, a := range b.Available {
		total += a.AmountCents
	}
	return total
}

// TotalPendingCents возвращает сумму всех ожидающих средств.
func (b *AccountBalance) TotalPendingCents() int64 {
	var total int64
	for _, p := range b.Pending {
		total += p.AmountCents
	}
	return total
}

// Transfer описывает перевод средств на подключённый счёт.
type Transfer struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amount_cents"`
	Destination string `json:"destination"`
	Status      string `json:"status"`
	Created     int64  `json:"created"`
}

// Payout описывает выплату со счёта на внешний банковский счёт.
type Payout struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
	Method      string `json:"method"`
	ArrivalDate int64  `json:"arrival_date"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) url(path string) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("processor client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return base + path, nil
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, method, path string, body, out any) error {
	url, err := c.url(path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&er); decodeErr == nil && er.Error != "" {
			return fmt.Errorf("processor rejected request (%d): %s", resp.StatusCode, er.Error)
		}
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// CreateConnectAccount создаёт подключённый счёт фрилансера у процессора.
func (c *Client) CreateConnectAccount(ctx context.Context, email, businessType string) (string, error) {
	req := map[string]string{
		"email":         email,
		"business_type": businessType,
	}

	var resp struct {
		AccountID string `json:"account_id"`
	}
	if err := c.do(ctx, c.writeClient, http.MethodPost, "/v1/accounts", req, &resp); err != nil {
		return "", fmt.Errorf("create connect account: %w", err)
	}

	return resp.AccountID, nil
}

// CreateOnboardingLink запрашивает одноразовую ссылку онбординга для счёта.
func (c *Client) CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	req := map[string]string{
		"account_id":  accountID,
		"refresh_url": refreshURL,
		"return_url":  returnURL,
	}

	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, c.writeClient, http.MethodPost, "/v1/account_links", req, &resp); err != nil {
		return "", fmt.Errorf("create onboarding link: %w", err)
	}

	return resp.URL, nil
}

// CreateDepositSession создаёт платёжную сессию пополнения платформенного баланса.
func (c *Client) CreateDepositSession(ctx context.Context, amountCents int64, successURL, cancelURL string) (string, string, error) {
	req := map[string]any{
		"amount_cents": amountCents,
		"success_url":  successURL,
		"cancel_url":   cancelURL,
	}

	var resp struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.do(ctx, c.writeClient, http.MethodPost, "/v1/checkout/sessions", req, &resp); err != nil {
		return "", "", fmt.Errorf("create deposit session: %w", err)
	}

	return resp.ID, resp.URL, nil
}

// RetrieveAccount возвращает состояние подключённого счёта.
func (c *Client) RetrieveAccount(ctx context.Context, accountID string) (*Account, error) {
	var resp Account
	if err := c.do(ctx, c.readClient, http.MethodGet, "/v1/accounts/"+accountID, nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("retrieve account: %w", err)
	}
	return &resp, nil
}

// RetrieveBalance возвращает баланс подключённого счёта.
func (c *Client) RetrieveBalance(ctx context.Context, accountID string) (*AccountBalance, error) {
	var resp AccountBalance
	if err := c.do(ctx, c.readClient, http.MethodGet, "/v1/accounts/"+accountID+"/balance", nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("retrieve balance: %w", err)
	}
	return &resp, nil
}

// CreateTransfer переводит средства платформы на подключённый счёт.
// Расчёт асинхронный: возвращённый идентификатор нужен для последующей сверки.
func (c *Client) CreateTransfer(ctx context.Context, amountCents int64, destinationAccountID string, metadata map[string]string) (*Transfer, error) {
	req := map[string]any{
		"amount_cents": amountCents,
		"destination":  destinationAccountID,
		"metadata":     metadata,
	}

	var resp Transfer
	if err := c.do(ctx, c.writeClient, http.MethodPost, "/v1/transfers", req, &resp); err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}

	return &resp, nil
}

// RetrieveTransfer возвращает состояние ранее созданного перевода.
func (c *Client) RetrieveTransfer(ctx context.Context, transferID string) (*Transfer, error) {
	var resp Transfer
	if err := c.do(ctx, c.readClient, http.MethodGet, "/v1/transfers/"+transferID, nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("retrieve transfer: %w", err)
	}
	return &resp, nil
}

// CreatePayout создаёт выплату со счёта фрилансера на его банковский счёт.
func (c *Client) CreatePayout(ctx context.Context, amountCents int64, method, accountID string) (*Payout, error) {
	req := map[string]any{
		"amount_cents": amountCents,
		"method":       method,
	}

	var resp Payout
	if err := c.do(ctx, c.writeClient, http.MethodPost, "/v1/accounts/"+accountID+"/payouts", req, &resp); err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}

	return &resp, nil
}

// RetrievePayout возвращает состояние ранее созданной выплаты.
func (c *Client) RetrievePayout(ctx context.Context, accountID, payoutID string) (*Payout, error) {
	var resp Payout
	if err := c.do(ctx, c.readClient, http.MethodGet, "/v1/accounts/"+accountID+"/payouts/"+payoutID, nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("retrieve payout: %w", err)
	}
	return &resp, nil
}

// ListAccounts возвращает все подключённые счета.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var resp struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.do(ctx, c.readClient, http.MethodGet, "/v1/accounts", nil, &resp); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return resp.Accounts, nil
}

// DeleteAccount удаляет подключённый счёт у процессора.
func (c *Client) DeleteAccount(ctx context.Context, accountID string) (bool, error) {
	var resp struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.do(ctx, c.writeClient, http.MethodDelete, "/v1/accounts/"+accountID, nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("delete account: %w", err)
	}
	return resp.Deleted, nil
}
