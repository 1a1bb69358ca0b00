package transfer

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bursar/internal/chain"
	"bursar/internal/config"
	"bursar/internal/wallet"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testAddress  = "0x9858effd232b4033e47d90003d41ec34ecaeda94"
)

type fakeBackend struct {
	tokenBal  *big.Int
	nativeBal *big.Int
	gasPrice  *big.Int

	txHash      string
	transferErr error
	waitErr     error

	transferCalls int
	lastAmount    *big.Int
}

func (f *fakeBackend) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	return new(big.Int).Set(f.nativeBal), nil
}

func (f *fakeBackend) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	return new(big.Int).Set(f.tokenBal), nil
}

func (f *fakeBackend) GasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, amount *big.Int) (string, error) {
	f.transferCalls++
	f.lastAmount = new(big.Int).Set(amount)
	if f.transferErr != nil {
		return "", f.transferErr
	}
	return f.txHash, nil
}

func (f *fakeBackend) WaitForConfirmations(ctx context.Context, txHash string) error {
	return f.waitErr
}

type fakeStore struct {
	wallets map[int64]*wallet.Wallet
}

func (f *fakeStore) Get(ctx context.Context, userID int64) (*wallet.Wallet, error) {
	return f.wallets[userID], nil
}

type fakeVault struct {
	mnemonic string
	err      error
}

func (f *fakeVault) DecryptSeed(envelope string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.mnemonic, nil
}

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) Invalidate(address string) {
	f.invalidated = append(f.invalidated, address)
}

func testConfig() config.Custody {
	return config.Custody{
		TokenDecimals:   8,
		GasLimit:        200000,
		MaxFeePerGasWei: 5e9,
		GasSafetyMargin: 2,
		Confirmations:   1,
		ConfirmTimeout:  time.Minute,
	}
}

func fundedBackend() *fakeBackend {
	return &fakeBackend{
		tokenBal:  big.NewInt(1000000000),  // 10 tokens at 8 decimals
		nativeBal: big.NewInt(1e18),        // 1 ETH
		gasPrice:  big.NewInt(1e9),         // 1 gwei
		txHash:    "0xsubmitted",
	}
}

func custodiedStore() *fakeStore {
	return &fakeStore{wallets: map[int64]*wallet.Wallet{
		7: {ID: "wallet-1", UserID: 7, Address: testAddress, EncryptedSeed: "v1:aa:bb"},
	}}
}

func newTestOrchestrator(t *testing.T, backend *fakeBackend, store *fakeStore, v SeedDecryptor, cache CacheInvalidator) (*Orchestrator, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewOrchestrator(db, backend, store, v, cache, testConfig(), logrus.New()), mock, db
}

func TestSendToPoolRejectsBadAmounts(t *testing.T) {
	backend := fundedBackend()
	o, _, db := newTestOrchestrator(t, backend, custodiedStore(), &fakeVault{mnemonic: testMnemonic}, nil)
	defer db.Close()

	for _, raw := range []string{"0", "-1", "0.000000001"} {
		_, err := o.SendToPool(context.Background(), 7, decimal.RequireFromString(raw), 30)
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", raw, err)
		}
	}
	if backend.transferCalls != 0 {
		t.Fatalf("bad amounts must not reach the chain, got %d calls", backend.transferCalls)
	}
}

func TestSendToPoolRequiresWallet(t *testing.T) {
	o, _, db := newTestOrchestrator(t, fundedBackend(), &fakeStore{}, &fakeVault{}, nil)
	defer db.Close()

	_, err := o.SendToPool(context.Background(), 99, decimal.RequireFromString("1"), 30)
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestSendToPoolFlagsUndecryptableSeed(t *testing.T) {
	v := &fakeVault{err: errors.New("bad envelope")}
	o, _, db := newTestOrchestrator(t, fundedBackend(), custodiedStore(), v, nil)
	defer db.Close()

	_, err := o.SendToPool(context.Background(), 7, decimal.RequireFromString("1"), 30)
	if !errors.Is(err, ErrWalletRecoveryRequired) {
		t.Fatalf("expected ErrWalletRecoveryRequired, got %v", err)
	}
}

func TestSendToPoolFlagsAddressMismatch(t *testing.T) {
	store := &fakeStore{wallets: map[int64]*wallet.Wallet{
		7: {ID: "wallet-1", UserID: 7, Address: "0x000000000000000000000000000000000000dead", EncryptedSeed: "v1:aa:bb"},
	}}
	o, _, db := newTestOrchestrator(t, fundedBackend(), store, &fakeVault{mnemonic: testMnemonic}, nil)
	defer db.Close()

	_, err := o.SendToPool(context.Background(), 7, decimal.RequireFromString("1"), 30)
	if !errors.Is(err, ErrWalletRecoveryRequired) {
		t.Fatalf("expected ErrWalletRecoveryRequired, got %v", err)
	}
}

func TestSendToPoolReportsInsufficientTokens(t *testing.T) {
	backend := fundedBackend()
	backend.tokenBal = big.NewInt(100000000) // 1 token
	o, _, db := newTestOrchestrator(t, backend, custodiedStore(), &fakeVault{mnemonic: testMnemonic}, nil)
	defer db.Close()

	_, err := o.SendToPool(context.Background(), 7, decimal.RequireFromString("2.5"), 30)
	var funds *InsufficientFundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if funds.Required.String() != "2.5" || funds.Available.String() != "1" {
		t.Fatalf("wrong figures: required=%s available=%s", funds.Required, funds.Available)
	}
	if backend.transferCalls != 0 {
		t.Fatalf("underfunded transfer must not be submitted")
	}
}

func TestSendToPoolReportsInsufficientGas(t *testing.T) {
	backend := fundedBackend()
	backend.nativeBal = big.NewInt(1e13) // far below 2 * 200000 * 1 gwei
	o, _, db := newTestOrchestrator(t, backend, custodiedStore(), &fakeVault{mnemonic: testMnemonic}, nil)
	defer db.Close()

	_, err := o.SendToPool(context.Background(), 7, decimal.RequireFromString("2.5"), 30)
	var gas *InsufficientGasError
	if !errors.As(err, &gas) {
		t.Fatalf("expected InsufficientGasError, got %v", err)
	}
	// Worst case: 1 gwei * 200000 gas * 2 margin = 0.0004 ETH.
	if gas.Required.String() != "0.0004" {
		t.Fatalf("wrong required gas: %s", gas.Required)
	}
	if gas.Available.String() != "0.00001" {
		t.Fatalf("wrong available gas: %s", gas.Available)
	}
	if backend.transferCalls != 0 {
		t.Fatalf("gas-starved transfer must not be submitted")
	}
}

func TestSendToPoolHappyPath(t *testing.T) {
	backend := fundedBackend()
	cache := &fakeCache{}
	o, mock, db := newTestOrchestrator(t, backend, custodiedStore(), &fakeVault{mnemonic: testMnemonic}, cache)
	defer db.Close()

	mock.ExpectExec("INSERT INTO investments").
		WithArgs(sqlmock.AnyArg(), int64(7), decimal.RequireFromString("2.5"), 30, "submitted", "0xsubmitted").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE investments SET status").
		WithArgs("pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inv, err := o.SendToPool(context.Background(), 7, decimal.RequireFromString("2.5"), 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Status != "pending" {
		t.Fatalf("expected status pending, got %s", inv.Status)
	}
	if inv.TxHash != "0xsubmitted" {
		t.Fatalf("unexpected tx hash: %s", inv.TxHash)
	}
	if backend.lastAmount.String() != "250000000" {
		t.Fatalf("wrong base amount on chain: %s", backend.lastAmount)
	}
	if len(cache.invalidated) != 1 || !strings.EqualFold(cache.invalidated[0], testAddress) {
		t.Fatalf("balance cache not invalidated: %v", cache.invalidated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSendToPoolSurfacesLedgerDivergence(t *testing.T) {
	backend := fundedBackend()
	o, mock, db := newTestOrchestrator(t, backend, custodiedStore(), &fakeVault{mnemonic: testMnemonic}, nil)
	defer db.Close()

	mock.ExpectExec("INSERT INTO investments").
		WillReturnError(errors.New("connection reset"))

	_, err := o.SendToPool(context.Background(), 7, decimal.RequireFromString("2.5"), 30)
	var recon *ReconciliationRequiredError
	if !errors.As(err, &recon) {
		t.Fatalf("expected ReconciliationRequiredError, got %v", err)
	}
	if recon.TxHash != "0xsubmitted" {
		t.Fatalf("reconciliation error must carry the tx hash, got %s", recon.TxHash)
	}
}

func TestSendToPoolMarksRevertedTransferFailed(t *testing.T) {
	backend := fundedBackend()
	backend.waitErr = chain.ErrTxReverted
	o, mock, db := newTestOrchestrator(t, backend, custodiedStore(), &fakeVault{mnemonic: testMnemonic}, nil)
	defer db.Close()

	mock.ExpectExec("INSERT INTO investments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE investments SET status").
		WithArgs("failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inv, err := o.SendToPool(context.Background(), 7, decimal.RequireFromString("2.5"), 30)
	if !errors.Is(err, ErrTransactionFailed) {
		t.Fatalf("expected ErrTransactionFailed, got %v", err)
	}
	if inv == nil || inv.Status != "failed" {
		t.Fatalf("expected failed investment row, got %+v", inv)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSendToPoolLeavesSubmittedOnConfirmationTimeout(t *testing.T) {
	backend := fundedBackend()
	backend.waitErr = chain.ErrRPCTimeout
	o, mock, db := newTestOrchestrator(t, backend, custodiedStore(), &fakeVault{mnemonic: testMnemonic}, nil)
	defer db.Close()

	mock.ExpectExec("INSERT INTO investments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	inv, err := o.SendToPool(context.Background(), 7, decimal.RequireFromString("2.5"), 30)
	if !errors.Is(err, chain.ErrRPCTimeout) {
		t.Fatalf("expected ErrRPCTimeout, got %v", err)
	}
	if inv == nil || inv.Status != "submitted" {
		t.Fatalf("expected row left submitted, got %+v", inv)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrWalletNotFound, "wallet"},
		{ErrInvalidAmount, "amount"},
		{ErrWalletRecoveryRequired, "support"},
		{&InsufficientFundsError{Required: decimal.RequireFromString("2"), Available: decimal.RequireFromString("1")}, "Insufficient balance"},
		{&InsufficientGasError{Required: decimal.RequireFromString("0.0004"), Available: decimal.RequireFromString("0")}, "network fees"},
		{ErrTransactionFailed, "failed on chain"},
		{&ReconciliationRequiredError{TxHash: "0xabc", Cause: errors.New("db down")}, "Support has been notified"},
		{errors.New("anything else"), "try again"},
	}
	for _, tc := range cases {
		msg := UserMessage(tc.err)
		if !strings.Contains(msg, tc.want) {
			t.Errorf("UserMessage(%v) = %q, want substring %q", tc.err, msg, tc.want)
		}
	}
}
