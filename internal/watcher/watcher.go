// Package watcher scans the chain for token deposits to custodied addresses.
// The scan cursor is persisted so a restart resumes where the previous
// process stopped instead of re-announcing or skipping blocks.
package watcher

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"bursar/internal/chain"
	"bursar/internal/logging"
	"bursar/internal/wallet"
)

// ChainScanner is the chain surface the watcher scans with.
type ChainScanner interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FilterTokenTransfers(ctx context.Context, from, to uint64) ([]chain.TransferEvent, error)
}

// WalletResolver maps deposit destinations to custodied wallets.
type WalletResolver interface {
	GetByAddress(ctx context.Context, address string) (*wallet.Wallet, error)
}

// Notifier delivers deposit announcements to wallet owners.
type Notifier interface {
	NotifyDeposit(ctx context.Context, telegramID int64, amount decimal.Decimal, txHash string) error
}

// Watcher polls for new Transfer events landing on custodied addresses.
type Watcher struct {
	db       *sql.DB
	chain    ChainScanner
	wallets  WalletResolver
	notifier Notifier
	interval time.Duration
	decimals int32
	logger   logging.Logger

	stopCh chan struct{}
	scanMu sync.Mutex

	depositsDetected prometheus.Counter
	scanFailures     prometheus.Counter
}

// NewWatcher creates a deposit watcher. notifier may be nil, in which case
// deposits are recorded but not announced.
func NewWatcher(db *sql.DB, scanner ChainScanner, wallets WalletResolver, notifier Notifier, interval time.Duration, decimals int32, logger logging.Logger) *Watcher {
	depositsDetected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deposits_detected_total",
		Help: "Token deposits recorded for custodied addresses",
	})
	prometheus.Register(depositsDetected) //nolint:errcheck // duplicate registration is fine
	scanFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deposit_scan_failures_total",
		Help: "Deposit scans that failed and left the cursor unchanged",
	})
	prometheus.Register(scanFailures) //nolint:errcheck // duplicate registration is fine

	return &Watcher{
		db:               db,
		chain:            scanner,
		wallets:          wallets,
		notifier:         notifier,
		interval:         interval,
		decimals:         decimals,
		logger:           logger,
		stopCh:           make(chan struct{}),
		depositsDetected: depositsDetected,
		scanFailures:     scanFailures,
	}
}

// Start runs the scan loop until the context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.WithFields(logging.Fields{
		"interval": w.interval.String(),
	}).Info("Starting deposit watcher")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Deposit watcher stopped: context cancelled")
			return
		case <-w.stopCh:
			w.logger.Info("Deposit watcher stopped")
			return
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil {
				w.scanFailures.Inc()
				w.logger.WithFields(logging.Fields{
					"error": err,
				}).Error("Deposit scan failed")
			}
		}
	}
}

// Stop terminates the scan loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

// Scan processes all blocks between the persisted cursor and the chain head,
// then delivers any deposit announcements still owed. Overlapping
// invocations are coalesced: if a scan is already running the call returns
// immediately. A failed scan leaves the cursor unchanged so the range is
// retried next tick.
func (w *Watcher) Scan(ctx context.Context) error {
	if !w.scanMu.TryLock() {
		return nil
	}
	defer w.scanMu.Unlock()

	cursor, err := w.ensureCursor(ctx)
	if err != nil {
		return err
	}

	head, err := w.chain.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("watcher: failed to fetch head block: %w", err)
	}

	if head > cursor {
		if err := w.scanRange(ctx, cursor, head); err != nil {
			return err
		}
	}

	// notified_at doubles as an outbox marker: rows are re-delivered every
	// tick until a notify succeeds, so a crash between commit and delivery
	// (or a failed notify) only delays the announcement.
	if w.notifier != nil {
		w.deliverPending(ctx)
	}

	return nil
}

// scanRange records the Transfer events in (cursor, head] and advances the
// cursor, all in one ledger transaction.
func (w *Watcher) scanRange(ctx context.Context, cursor, head uint64) error {
	events, err := w.chain.FilterTokenTransfers(ctx, cursor+1, head)
	if err != nil {
		return fmt.Errorf("watcher: failed to filter transfers: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("watcher: failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, event := range events {
		owner, err := w.wallets.GetByAddress(ctx, event.To)
		if err != nil {
			return fmt.Errorf("watcher: failed to resolve recipient %s: %w", event.To, err)
		}
		if owner == nil {
			// Transfer to an address we do not custody.
			continue
		}

		// The unique (tx_hash, log_index) index makes re-scans idempotent:
		// the insert returns no row when the deposit is already recorded.
		var depositID string
		err = tx.QueryRowContext(ctx, `
			INSERT INTO deposits (id, wallet_id, tx_hash, log_index, amount_decimal, block_number)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
			ON CONFLICT (tx_hash, log_index) DO NOTHING
			RETURNING id
		`, owner.ID, event.TxHash, event.LogIndex,
			decimal.NewFromBigInt(event.Amount, -w.decimals), event.Block).Scan(&depositID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("watcher: failed to record deposit %s: %w", event.TxHash, err)
		}

		w.depositsDetected.Inc()
		w.logger.WithFields(logging.Fields{
			"deposit_id": depositID,
			"tx_hash":    event.TxHash,
			"amount":     decimal.NewFromBigInt(event.Amount, -w.decimals).String(),
		}).Info("Deposit recorded")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE chain_cursor SET last_scanned_block = $1, updated_at = NOW() WHERE id = 1
	`, head)
	if err != nil {
		return fmt.Errorf("watcher: failed to advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("watcher: failed to commit scan: %w", err)
	}
	return nil
}

// deliverPending announces every deposit not yet marked notified. Delivery
// failures are logged and retried next tick; the deposit rows are already
// durable.
func (w *Watcher) deliverPending(ctx context.Context) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT d.id, u.telegram_id, d.amount_decimal, d.tx_hash
		FROM deposits d
		JOIN wallets w ON w.id = d.wallet_id
		JOIN users u ON u.id = w.user_id
		WHERE d.notified_at IS NULL
		ORDER BY d.created_at
	`)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to load undelivered deposits")
		return
	}

	type notice struct {
		depositID  string
		telegramID int64
		amount     decimal.Decimal
		txHash     string
	}
	var notices []notice
	for rows.Next() {
		var n notice
		if err := rows.Scan(&n.depositID, &n.telegramID, &n.amount, &n.txHash); err != nil {
			rows.Close()
			w.logger.WithError(err).Warn("Failed to scan undelivered deposit")
			return
		}
		notices = append(notices, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		w.logger.WithError(err).Warn("Failed to read undelivered deposits")
		return
	}

	for _, n := range notices {
		if err := w.notifier.NotifyDeposit(ctx, n.telegramID, n.amount, n.txHash); err != nil {
			w.logger.WithFields(logging.Fields{
				"deposit_id": n.depositID,
				"error":      err,
			}).Warn("Failed to deliver deposit notice")
			continue
		}
		if _, err := w.db.ExecContext(ctx, `
			UPDATE deposits SET notified_at = NOW() WHERE id = $1
		`, n.depositID); err != nil {
			w.logger.WithFields(logging.Fields{
				"deposit_id": n.depositID,
				"error":      err,
			}).Warn("Failed to mark deposit notified")
		}
	}
}

// ensureCursor returns the persisted scan cursor, initializing it to the
// current head on first run so history before deployment is not replayed.
func (w *Watcher) ensureCursor(ctx context.Context) (uint64, error) {
	var cursor uint64
	err := w.db.QueryRowContext(ctx, `
		SELECT last_scanned_block FROM chain_cursor WHERE id = 1
	`).Scan(&cursor)
	if err == nil {
		return cursor, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("watcher: failed to read cursor: %w", err)
	}

	head, err := w.chain.HeadBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("watcher: failed to initialize cursor: %w", err)
	}

	_, err = w.db.ExecContext(ctx, `
		INSERT INTO chain_cursor (id, last_scanned_block) VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING
	`, head)
	if err != nil {
		return 0, fmt.Errorf("watcher: failed to persist initial cursor: %w", err)
	}

	w.logger.WithFields(logging.Fields{
		"block": head,
	}).Info("Initialized deposit scan cursor")

	return head, nil
}
