package transfer

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrWalletNotFound indicates the user has no custodied wallet.
	ErrWalletNotFound = errors.New("transfer: wallet not found")
	// ErrInvalidAmount indicates a non-positive or over-precise amount.
	ErrInvalidAmount = errors.New("transfer: invalid amount")
	// ErrWalletRecoveryRequired indicates the stored seed cannot be decrypted
	// or no longer derives the stored address. The wallet needs operator
	// intervention; no funds can move.
	ErrWalletRecoveryRequired = errors.New("transfer: wallet recovery required")
	// ErrTransactionFailed indicates the transfer reverted on chain.
	ErrTransactionFailed = errors.New("transfer: transaction failed")
)

// InsufficientFundsError reports a token balance below the requested amount.
// Both figures are in token units.
type InsufficientFundsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("transfer: insufficient token balance: need %s, have %s",
		e.Required, e.Available)
}

// InsufficientGasError reports a native balance below the worst-case gas
// cost. Both figures are in ETH.
type InsufficientGasError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientGasError) Error() string {
	return fmt.Sprintf("transfer: insufficient gas balance: need %s ETH, have %s ETH",
		e.Required, e.Available)
}

// ReconciliationRequiredError indicates the transfer was accepted on chain
// but its ledger state could not be recorded. The named transaction must be
// reconciled manually before the user's position is trusted.
type ReconciliationRequiredError struct {
	TxHash string
	Cause  error
}

func (e *ReconciliationRequiredError) Error() string {
	return fmt.Sprintf("transfer: ledger out of sync with chain for %s: %v", e.TxHash, e.Cause)
}

func (e *ReconciliationRequiredError) Unwrap() error {
	return e.Cause
}

// UserMessage translates an orchestration error into a short message safe to
// show the wallet owner. Internal detail stays in the error chain.
func UserMessage(err error) string {
	var funds *InsufficientFundsError
	var gas *InsufficientGasError
	var recon *ReconciliationRequiredError

	switch {
	case errors.Is(err, ErrWalletNotFound):
		return "You don't have a wallet yet. Create one first."
	case errors.Is(err, ErrInvalidAmount):
		return "That amount isn't valid. Enter a positive number."
	case errors.Is(err, ErrWalletRecoveryRequired):
		return "Your wallet needs attention from support before funds can move."
	case errors.As(err, &funds):
		return fmt.Sprintf("Insufficient balance: you need %s but have %s.",
			funds.Required, funds.Available)
	case errors.As(err, &gas):
		return fmt.Sprintf("Not enough ETH for network fees: you need %s ETH but have %s ETH.",
			gas.Required, gas.Available)
	case errors.Is(err, ErrTransactionFailed):
		return "The transfer failed on chain. Your funds were not moved."
	case errors.As(err, &recon):
		return "Your transfer was sent but confirmation is delayed. Support has been notified."
	case err != nil:
		return "Something went wrong. Please try again shortly."
	}
	return ""
}
