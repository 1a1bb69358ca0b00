// Package transfer moves custodied funds into the staking pool. A transfer
// is a small saga: preflight balance checks, on-chain submission, a ledger
// row in 'submitted', confirmation wait, then advancement to 'pending'. Any
// divergence between chain and ledger surfaces as a reconciliation error
// rather than silent loss.
package transfer

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"bursar/internal/chain"
	"bursar/internal/config"
	"bursar/internal/logging"
	"bursar/internal/wallet"
)

// Backend is the chain surface the orchestrator drives.
type Backend interface {
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, address string) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	TransferToken(ctx context.Context, key *ecdsa.PrivateKey, amount *big.Int) (string, error)
	WaitForConfirmations(ctx context.Context, txHash string) error
}

// WalletStore looks up the sender's custodied wallet.
type WalletStore interface {
	Get(ctx context.Context, userID int64) (*wallet.Wallet, error)
}

// SeedDecryptor recovers the plaintext mnemonic from a stored envelope.
type SeedDecryptor interface {
	DecryptSeed(envelope string) (string, error)
}

// CacheInvalidator drops cached balances after an outgoing transfer.
type CacheInvalidator interface {
	Invalidate(address string)
}

// Investment is the ledger row created for a pool transfer.
type Investment struct {
	ID         string
	UserID     int64
	Amount     decimal.Decimal
	PeriodDays int
	Status     string
	TxHash     string
	CreatedAt  time.Time
}

// Orchestrator executes pool transfers end to end.
type Orchestrator struct {
	db      *sql.DB
	chain   Backend
	wallets WalletStore
	vault   SeedDecryptor
	cache   CacheInvalidator
	cfg     config.Custody
	logger  logging.Logger

	submitted prometheus.Counter
	confirmed prometheus.Counter
	failed    prometheus.Counter
}

// NewOrchestrator creates a transfer orchestrator. cache may be nil.
func NewOrchestrator(db *sql.DB, backend Backend, wallets WalletStore, vault SeedDecryptor, cache CacheInvalidator, cfg config.Custody, logger logging.Logger) *Orchestrator {
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_transfers_submitted_total",
		Help: "Pool transfers accepted by the chain",
	})
	prometheus.Register(submitted) //nolint:errcheck // duplicate registration is fine
	confirmed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_transfers_confirmed_total",
		Help: "Pool transfers confirmed on chain",
	})
	prometheus.Register(confirmed) //nolint:errcheck // duplicate registration is fine
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_transfer_failures_total",
		Help: "Pool transfers that reverted or could not be recorded",
	})
	prometheus.Register(failed) //nolint:errcheck // duplicate registration is fine

	return &Orchestrator{
		db:        db,
		chain:     backend,
		wallets:   wallets,
		vault:     vault,
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
		submitted: submitted,
		confirmed: confirmed,
		failed:    failed,
	}
}

// SendToPool transfers amount tokens from the user's wallet to the pool
// contract and records the position. Preflight failures return before
// anything is submitted; once the chain has accepted the transaction, every
// later failure is reported against its hash.
func (o *Orchestrator) SendToPool(ctx context.Context, userID int64, amount decimal.Decimal, periodDays int) (*Investment, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	base := amount.Shift(o.cfg.TokenDecimals)
	if !base.Equal(base.Truncate(0)) {
		// More precision than the token carries.
		return nil, ErrInvalidAmount
	}

	w, err := o.wallets.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWalletNotFound
	}

	mnemonic, err := o.vault.DecryptSeed(w.EncryptedSeed)
	if err != nil {
		o.logger.WithFields(logging.Fields{
			"user_id":   userID,
			"wallet_id": w.ID,
			"error":     err,
		}).Error("Stored seed failed to decrypt")
		return nil, fmt.Errorf("%w: %v", ErrWalletRecoveryRequired, err)
	}

	key, address, err := wallet.DeriveKey(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWalletRecoveryRequired, err)
	}
	if address != w.Address {
		o.logger.WithFields(logging.Fields{
			"user_id":   userID,
			"wallet_id": w.ID,
		}).Error("Decrypted seed derives a different address")
		return nil, fmt.Errorf("%w: derived address mismatch", ErrWalletRecoveryRequired)
	}

	if err := o.preflight(ctx, address, amount, base.BigInt()); err != nil {
		return nil, err
	}

	txHash, err := o.chain.TransferToken(ctx, key, base.BigInt())
	if err != nil {
		return nil, fmt.Errorf("transfer: submission failed: %w", err)
	}
	o.submitted.Inc()
	if o.cache != nil {
		o.cache.Invalidate(address)
	}

	inv := &Investment{
		ID:         uuid.New().String(),
		UserID:     userID,
		Amount:     amount,
		PeriodDays: periodDays,
		Status:     "submitted",
		TxHash:     txHash,
		CreatedAt:  time.Now(),
	}
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO investments (id, user_id, amount_decimal, period_days, status, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, inv.ID, inv.UserID, inv.Amount, inv.PeriodDays, inv.Status, inv.TxHash)
	if err != nil {
		// The chain moved the funds but the ledger has no record of it.
		o.failed.Inc()
		o.logger.WithFields(logging.Fields{
			"user_id": userID,
			"tx_hash": txHash,
			"error":   err,
		}).Error("Transfer accepted on chain but ledger insert failed")
		return nil, &ReconciliationRequiredError{TxHash: txHash, Cause: err}
	}

	if err := o.chain.WaitForConfirmations(ctx, txHash); err != nil {
		if errors.Is(err, chain.ErrTxReverted) {
			o.failed.Inc()
			o.setStatus(ctx, inv.ID, "failed")
			inv.Status = "failed"
			return inv, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
		}
		// Unknown outcome: the row stays 'submitted' for the reconciler.
		o.logger.WithFields(logging.Fields{
			"investment_id": inv.ID,
			"tx_hash":       txHash,
			"error":         err,
		}).Warn("Confirmation wait inconclusive, leaving transfer submitted")
		return inv, fmt.Errorf("transfer: confirmation pending for %s: %w", txHash, err)
	}
	o.confirmed.Inc()

	if err := o.setStatus(ctx, inv.ID, "pending"); err != nil {
		return inv, &ReconciliationRequiredError{TxHash: txHash, Cause: err}
	}
	inv.Status = "pending"

	o.logger.WithFields(logging.Fields{
		"investment_id": inv.ID,
		"user_id":       userID,
		"amount":        amount.String(),
		"period_days":   periodDays,
		"tx_hash":       txHash,
	}).Info("Pool transfer confirmed")

	return inv, nil
}

// preflight verifies the wallet can fund the gas and then the transfer
// itself before anything touches the chain state. The gas estimate carries
// the configured safety margin against fee movement between estimation and
// submission.
func (o *Orchestrator) preflight(ctx context.Context, address string, amount decimal.Decimal, base *big.Int) error {
	gasPrice, err := o.chain.GasPrice(ctx)
	if err != nil {
		return fmt.Errorf("transfer: failed to read gas price: %w", err)
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(o.cfg.GasLimit))
	gasCost.Mul(gasCost, big.NewInt(o.cfg.GasSafetyMargin))

	nativeBal, err := o.chain.NativeBalance(ctx, address)
	if err != nil {
		return fmt.Errorf("transfer: failed to read native balance: %w", err)
	}
	if nativeBal.Cmp(gasCost) < 0 {
		return &InsufficientGasError{
			Required:  decimal.NewFromBigInt(gasCost, -18),
			Available: decimal.NewFromBigInt(nativeBal, -18),
		}
	}

	tokenBal, err := o.chain.TokenBalance(ctx, address)
	if err != nil {
		return fmt.Errorf("transfer: failed to read token balance: %w", err)
	}
	if tokenBal.Cmp(base) < 0 {
		return &InsufficientFundsError{
			Required:  amount,
			Available: decimal.NewFromBigInt(tokenBal, -o.cfg.TokenDecimals),
		}
	}
	return nil
}

func (o *Orchestrator) setStatus(ctx context.Context, investmentID, status string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE investments SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, investmentID)
	if err != nil {
		o.logger.WithFields(logging.Fields{
			"investment_id": investmentID,
			"status":        status,
			"error":         err,
		}).Error("Failed to update investment status")
		return fmt.Errorf("transfer: failed to update status: %w", err)
	}
	return nil
}
