// Package handlers exposes the custody core to the conversational front-end
// over a service-to-service HTTP API. Handlers translate taxonomy errors to
// status codes plus the short user-facing message; internal causes stay in
// the logs.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"bursar/internal/logging"
	"bursar/internal/oracle"
	"bursar/internal/transfer"
	"bursar/internal/wallet"
)

// WalletDirectory is the wallet surface the API exposes.
type WalletDirectory interface {
	Create(ctx context.Context, userID int64) (*wallet.NewWallet, error)
	Get(ctx context.Context, userID int64) (*wallet.Wallet, error)
}

// BalanceReader serves cached balance snapshots.
type BalanceReader interface {
	Get(ctx context.Context, address string) (oracle.Balances, error)
}

// PoolTransferrer executes pool transfers.
type PoolTransferrer interface {
	SendToPool(ctx context.Context, userID int64, amount decimal.Decimal, periodDays int) (*transfer.Investment, error)
}

// Handlers holds the API's dependencies.
type Handlers struct {
	wallets   WalletDirectory
	balances  BalanceReader
	transfers PoolTransferrer
	logger    logging.Logger
}

// New creates the API handlers.
func New(wallets WalletDirectory, balances BalanceReader, transfers PoolTransferrer, logger logging.Logger) *Handlers {
	return &Handlers{
		wallets:   wallets,
		balances:  balances,
		transfers: transfers,
		logger:    logger,
	}
}

// Register mounts the custody routes on the router group.
func (h *Handlers) Register(r gin.IRoutes) {
	r.POST("/wallets", h.CreateWallet)
	r.GET("/wallets/:user_id", h.GetWallet)
	r.GET("/wallets/:user_id/balances", h.GetBalances)
	r.POST("/investments", h.CreateInvestment)
}

type createWalletRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// CreateWallet provisions a wallet for a user. The response is the only
// place the plaintext mnemonic ever appears; the front-end must show it to
// the user immediately and not retain it.
func (h *Handlers) CreateWallet(c *gin.Context) {
	var req createWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	created, err := h.wallets.Create(c.Request.Context(), req.UserID)
	switch {
	case errors.Is(err, wallet.ErrUserIDRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	case errors.Is(err, wallet.ErrWalletExists):
		c.JSON(http.StatusConflict, gin.H{"error": "user already has a wallet"})
		return
	case err != nil:
		h.logger.WithError(err).Error("Wallet creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create wallet"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"wallet_id": created.ID,
		"address":   created.Address,
		"mnemonic":  created.Mnemonic,
	})
}

// GetWallet returns a user's wallet address.
func (h *Handlers) GetWallet(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	w, err := h.wallets.Get(c.Request.Context(), userID)
	if err != nil {
		h.logger.WithError(err).Error("Wallet lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up wallet"})
		return
	}
	if w == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet_id":  w.ID,
		"address":    w.Address,
		"created_at": w.CreatedAt,
	})
}

// GetBalances returns the user's native and token balances from the oracle.
func (h *Handlers) GetBalances(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	w, err := h.wallets.Get(c.Request.Context(), userID)
	if err != nil {
		h.logger.WithError(err).Error("Wallet lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up wallet"})
		return
	}
	if w == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		return
	}

	balances, err := h.balances.Get(c.Request.Context(), w.Address)
	if err != nil {
		h.logger.WithError(err).Error("Balance read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read balances"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":    balances.Address,
		"native":     balances.Native.String(),
		"token":      balances.Token.String(),
		"stale":      balances.Stale,
		"fetched_at": balances.FetchedAt,
	})
}

type createInvestmentRequest struct {
	UserID     int64  `json:"user_id" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	PeriodDays int    `json:"period_days" binding:"required"`
}

// CreateInvestment moves funds from the user's wallet into the pool.
func (h *Handlers) CreateInvestment(c *gin.Context) {
	var req createInvestmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id, amount and period_days are required"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a decimal number"})
		return
	}

	inv, err := h.transfers.SendToPool(c.Request.Context(), req.UserID, amount, req.PeriodDays)
	if err != nil {
		h.logger.WithFields(logging.Fields{
			"user_id": req.UserID,
			"amount":  req.Amount,
			"error":   err,
		}).Error("Pool transfer failed")
		c.JSON(investmentErrorStatus(err), gin.H{"error": transfer.UserMessage(err)})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"investment_id": inv.ID,
		"status":        inv.Status,
		"tx_hash":       inv.TxHash,
		"amount":        inv.Amount.String(),
		"period_days":   inv.PeriodDays,
	})
}

func investmentErrorStatus(err error) int {
	var funds *transfer.InsufficientFundsError
	var gas *transfer.InsufficientGasError
	var recon *transfer.ReconciliationRequiredError

	switch {
	case errors.Is(err, transfer.ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.As(err, &funds), errors.As(err, &gas):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transfer.ErrWalletRecoveryRequired):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrTransactionFailed), errors.As(err, &recon):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
