package wallet

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"bursar/internal/vault"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestDirectory(t *testing.T) (*Directory, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	v, err := vault.New(testKeyHex, logrus.New())
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	return NewDirectory(db, v, logrus.New()), mock, db
}

func TestCreateRequiresUserID(t *testing.T) {
	d, _, db := newTestDirectory(t)
	defer db.Close()

	if _, err := d.Create(context.Background(), 0); !errors.Is(err, ErrUserIDRequired) {
		t.Fatalf("expected ErrUserIDRequired, got %v", err)
	}
}

func TestCreatePersistsEncryptedSeedAndReturnsMnemonicOnce(t *testing.T) {
	d, mock, db := newTestDirectory(t)
	defer db.Close()

	mock.ExpectQuery("SELECT id, user_id, address, encrypted_seed, created_at").
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec("INSERT INTO wallets").
		WithArgs(sqlmock.AnyArg(), int64(7), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := d.Create(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(strings.Fields(created.Mnemonic)); got != 12 {
		t.Fatalf("expected 12-word mnemonic, got %d words", got)
	}
	if !strings.HasPrefix(created.Address, "0x") || len(created.Address) != 42 {
		t.Fatalf("malformed address: %s", created.Address)
	}

	// The returned address must match what the mnemonic derives to.
	derived, err := DeriveAddress(created.Mnemonic)
	if err != nil {
		t.Fatalf("failed to derive address: %v", err)
	}
	if derived != created.Address {
		t.Fatalf("address mismatch: returned %s derived %s", created.Address, derived)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateRejectsSecondWallet(t *testing.T) {
	d, mock, db := newTestDirectory(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "user_id", "address", "encrypted_seed", "created_at"}).
		AddRow("wallet-1", int64(7), "0xabc", "v1:aa:bb", time.Now())
	mock.ExpectQuery("SELECT id, user_id, address, encrypted_seed, created_at").
		WithArgs(int64(7)).
		WillReturnRows(rows)

	if _, err := d.Create(context.Background(), 7); !errors.Is(err, ErrWalletExists) {
		t.Fatalf("expected ErrWalletExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetReturnsNilWhenAbsent(t *testing.T) {
	d, mock, db := newTestDirectory(t)
	defer db.Close()

	mock.ExpectQuery("SELECT id, user_id, address, encrypted_seed, created_at").
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)

	w, err := d.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil wallet, got %+v", w)
	}
}

func TestGetByAddressResolvesUserHandle(t *testing.T) {
	d, mock, db := newTestDirectory(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "user_id", "telegram_id", "address", "encrypted_seed", "created_at"}).
		AddRow("wallet-1", int64(7), int64(555001), "0xdef", "v1:aa:bb", time.Now())
	mock.ExpectQuery("SELECT w.id, w.user_id, u.telegram_id").
		WithArgs("0xdef").
		WillReturnRows(rows)

	w, err := d.GetByAddress(context.Background(), "0xDEF")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w == nil || w.TelegramID != 555001 {
		t.Fatalf("expected telegram id 555001, got %+v", w)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
