package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/expertshub/payment-relay/internal/repository"
)

func TestUnwrapMatchesSentinel(t *testing.T) {
	err := InsufficientFunds(100, 250)

	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestMessagesCarryFigures(t *testing.T) {
	err := NonZeroBalance(5000, 120)
	assert.Contains(t, err.Error(), "5000")
	assert.Contains(t, err.Error(), "120")

	err = InsufficientFunds(200, 15000)
	assert.Contains(t, err.Error(), "available 200")
	assert.Contains(t, err.Error(), "requested 15000")

	err = AccountNotActivated("payouts_enabled")
	assert.Contains(t, err.Error(), "payouts_enabled")
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{Validation("amount is required"), "validation_error"},
		{InsufficientFunds(0, 100), "insufficient_funds"},
		{AccountNotActivated("charges_enabled"), "account_not_activated"},
		{NonZeroBalance(50, 0), "non_zero_balance"},
		{NotFound("user", 7), "not_found"},
		{Processor(errors.New("boom")), "processor_error"},
		{Storage(errors.New("boom")), "storage_error"},
		{errors.New("plain"), "internal_error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err))
	}
}

func TestKindClassifiesRepositorySentinels(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{repository.ErrEscrowAmountMismatch, "validation_error"},
		{repository.ErrNoParties, "validation_error"},
		{repository.ErrInsufficientBalance, "insufficient_funds"},
		{repository.ErrUserExists, "conflict"},
		{repository.ErrEscrowConflict, "conflict"},
		{repository.ErrStatusConflict, "conflict"},
		{repository.ErrUserNotFound, "not_found"},
		{repository.ErrTransactionNotFound, "not_found"},
		{repository.ErrProjectNotFound, "not_found"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err))
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("create payout: %w", InsufficientFunds(10, 20))
	assert.Equal(t, "insufficient_funds", Kind(err))
}
