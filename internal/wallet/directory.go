// Package wallet maintains the persistent user → wallet mapping.
//
// A user has at most one wallet. The plaintext mnemonic is returned exactly
// once at creation time; only the encrypted envelope is ever stored.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bursar/internal/logging"
)

var (
	// ErrUserIDRequired indicates a missing user id.
	ErrUserIDRequired = errors.New("wallet: user id required")
	// ErrWalletExists indicates the user already has a wallet.
	ErrWalletExists = errors.New("wallet: user already has a wallet")
)

// Wallet is a persisted custodial wallet row. TelegramID is populated only
// by address lookups, which join the users table for deposit routing.
type Wallet struct {
	ID            string
	UserID        int64
	TelegramID    int64
	Address       string
	EncryptedSeed string
	CreatedAt     time.Time
}

// NewWallet is returned from Create. Mnemonic is the user's only durable
// backup and must be handed over immediately; it is never stored.
type NewWallet struct {
	ID       string
	Address  string
	Mnemonic string
}

// SeedEncryptor is the subset of the key vault the directory needs.
type SeedEncryptor interface {
	EncryptSeed(seedPhrase string) (string, error)
}

// Directory stores and looks up custodial wallets.
type Directory struct {
	db     *sql.DB
	vault  SeedEncryptor
	logger logging.Logger
}

// NewDirectory creates a wallet directory.
func NewDirectory(db *sql.DB, vault SeedEncryptor, logger logging.Logger) *Directory {
	return &Directory{
		db:     db,
		vault:  vault,
		logger: logger,
	}
}

// Create generates a fresh mnemonic, derives its address, persists the
// encrypted seed and returns the plaintext mnemonic exactly once.
func (d *Directory) Create(ctx context.Context, userID int64) (*NewWallet, error) {
	if userID == 0 {
		return nil, ErrUserIDRequired
	}

	existing, err := d.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrWalletExists
	}

	mnemonic, err := generateMnemonic()
	if err != nil {
		return nil, fmt.Errorf("wallet: failed to generate mnemonic: %w", err)
	}

	address, err := DeriveAddress(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("wallet: failed to derive address: %w", err)
	}

	encrypted, err := d.vault.EncryptSeed(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("wallet: failed to encrypt seed: %w", err)
	}

	walletID := uuid.New().String()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, address, encrypted_seed)
		VALUES ($1, $2, $3, $4)
	`, walletID, userID, address, encrypted)
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"error":   err,
			"user_id": userID,
		}).Error("Failed to insert wallet")
		return nil, fmt.Errorf("wallet: failed to persist wallet: %w", err)
	}

	d.logger.WithFields(logging.Fields{
		"user_id":   userID,
		"wallet_id": walletID,
		"address":   address,
	}).Info("Wallet created")

	return &NewWallet{ID: walletID, Address: address, Mnemonic: mnemonic}, nil
}

// Get looks up a user's wallet. Absence is not an error: (nil, nil).
func (d *Directory) Get(ctx context.Context, userID int64) (*Wallet, error) {
	if userID == 0 {
		return nil, ErrUserIDRequired
	}

	var w Wallet
	err := d.db.QueryRowContext(ctx, `
		SELECT id, user_id, address, encrypted_seed, created_at
		FROM wallets
		WHERE user_id = $1
	`, userID).Scan(&w.ID, &w.UserID, &w.Address, &w.EncryptedSeed, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: failed to query wallet: %w", err)
	}

	return &w, nil
}

// GetByAddress resolves a deposit destination to its wallet and the owning
// user's messaging handle. Absence is not an error: (nil, nil).
func (d *Directory) GetByAddress(ctx context.Context, address string) (*Wallet, error) {
	var w Wallet
	err := d.db.QueryRowContext(ctx, `
		SELECT w.id, w.user_id, u.telegram_id, w.address, w.encrypted_seed, w.created_at
		FROM wallets w
		JOIN users u ON u.id = w.user_id
		WHERE w.address = $1
	`, strings.ToLower(address)).Scan(&w.ID, &w.UserID, &w.TelegramID, &w.Address, &w.EncryptedSeed, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: failed to query wallet by address: %w", err)
	}

	return &w, nil
}
