// Package chain wraps the Ethereum JSON-RPC surface the custody core needs:
// head tracking, native and ERC-20 balances, token transfers and the
// Transfer-event log filter the deposit watcher scans with.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"bursar/internal/config"
	"bursar/internal/logging"
)

var (
	// ErrRPCTimeout indicates the node did not answer within the configured
	// RPC timeout. Callers treat this as transient.
	ErrRPCTimeout = errors.New("chain: rpc timeout")
	// ErrTxReverted indicates a mined transaction with a failed receipt status.
	ErrTxReverted = errors.New("chain: transaction reverted")
)

// Minimal ERC-20 ABI: balanceOf, transfer and the Transfer event.
const erc20ABI = `[
	{
		"constant": true,
		"inputs": [{"name": "_owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "balance", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "_to", "type": "address"},
			{"name": "_value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	}
]`

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferEvent is one ERC-20 Transfer log landing on a custodied address.
type TransferEvent struct {
	TxHash   string
	LogIndex uint
	To       string
	Amount   *big.Int
	Block    uint64
}

// Client is a custody-scoped Ethereum client bound to one token contract and
// one pool contract. All calls run under the configured RPC timeout.
type Client struct {
	rpc     *ethclient.Client
	chainID *big.Int
	erc20   abi.ABI
	token   common.Address
	pool    common.Address
	cfg     config.Custody
	logger  logging.Logger
}

// Dial connects to the configured RPC endpoint and fetches the chain ID,
// which pins the EIP-155 signer for all outgoing transactions.
func Dial(ctx context.Context, cfg config.Custody, logger logging.Logger) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: failed to parse ERC-20 ABI: %w", err)
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: failed to connect to RPC endpoint: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
	defer cancel()
	chainID, err := rpc.ChainID(callCtx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("chain: failed to fetch chain id: %w", err)
	}

	logger.WithFields(logging.Fields{
		"chain_id": chainID.String(),
		"token":    cfg.TokenContract,
		"pool":     cfg.PoolContract,
	}).Info("Connected to Ethereum RPC")

	return &Client{
		rpc:     rpc,
		chainID: chainID,
		erc20:   parsed,
		token:   common.HexToAddress(cfg.TokenContract),
		pool:    common.HexToAddress(cfg.PoolContract),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// ChainID returns the connected chain's ID.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.RPCTimeout)
}

// wrapRPC normalizes deadline expiry to ErrRPCTimeout so callers can branch
// on transience without inspecting context errors.
func wrapRPC(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("chain: %s: %w", op, ErrRPCTimeout)
	}
	return fmt.Errorf("chain: %s: %w", op, err)
}

// HeadBlock returns the latest block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	head, err := c.rpc.BlockNumber(callCtx)
	if err != nil {
		return 0, wrapRPC("failed to fetch head block", err)
	}
	return head, nil
}

// NativeBalance returns the address's ETH balance in wei at the latest block.
func (c *Client) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	balance, err := c.rpc.BalanceAt(callCtx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, wrapRPC("failed to fetch native balance", err)
	}
	return balance, nil
}

// TokenBalance returns the address's token balance in base units.
func (c *Client) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	data, err := c.erc20.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("chain: failed to pack balanceOf: %w", err)
	}

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	result, err := c.rpc.CallContract(callCtx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, wrapRPC("failed to call balanceOf", err)
	}
	// Some nodes return empty data for contracts without code at the queried
	// block; treat that as a zero balance rather than an unpack error.
	if len(result) == 0 {
		return big.NewInt(0), nil
	}

	var balance *big.Int
	if err := c.erc20.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, fmt.Errorf("chain: failed to unpack balanceOf result: %w", err)
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	return balance, nil
}

// GasPrice returns the node's suggested gas price capped at the configured
// per-gas fee ceiling.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	price, err := c.rpc.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, wrapRPC("failed to fetch gas price", err)
	}

	ceiling := big.NewInt(c.cfg.MaxFeePerGasWei)
	if price.Cmp(ceiling) > 0 {
		price = ceiling
	}
	return price, nil
}

// TransferToken signs and submits an ERC-20 transfer of amount base units
// from the key's address to the pool contract. It returns the transaction
// hash as soon as the node accepts the transaction; it does not wait for
// inclusion.
func (c *Client) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, amount *big.Int) (string, error) {
	publicKey, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("chain: failed to cast public key to ECDSA")
	}
	fromAddr := crypto.PubkeyToAddress(*publicKey)

	callCtx, cancel := c.callCtx(ctx)
	nonce, err := c.rpc.PendingNonceAt(callCtx, fromAddr)
	cancel()
	if err != nil {
		return "", wrapRPC("failed to fetch nonce", err)
	}

	data, err := c.erc20.Pack("transfer", c.pool, amount)
	if err != nil {
		return "", fmt.Errorf("chain: failed to pack transfer: %w", err)
	}

	gasPrice, err := c.GasPrice(ctx)
	if err != nil {
		return "", err
	}

	tx := types.NewTransaction(nonce, c.token, big.NewInt(0), c.cfg.GasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("chain: failed to sign transaction: %w", err)
	}

	callCtx, cancel = c.callCtx(ctx)
	err = c.rpc.SendTransaction(callCtx, signedTx)
	cancel()
	if err != nil {
		return "", wrapRPC("failed to send transaction", err)
	}

	txHash := signedTx.Hash().Hex()
	c.logger.WithFields(logging.Fields{
		"from_address": fromAddr.Hex(),
		"to_address":   c.pool.Hex(),
		"amount":       amount.String(),
		"gas_price":    gasPrice.String(),
		"gas_limit":    c.cfg.GasLimit,
		"nonce":        nonce,
		"tx_hash":      txHash,
	}).Info("Token transfer submitted")

	return txHash, nil
}

// WaitForConfirmations polls for the transaction's receipt until it has the
// configured number of confirmations or the confirmation window expires.
// A reverted receipt returns ErrTxReverted; window expiry returns
// ErrRPCTimeout with the transaction still possibly pending on chain.
func (c *Client) WaitForConfirmations(ctx context.Context, txHash string) error {
	deadline := time.Now().Add(c.cfg.ConfirmTimeout)
	hash := common.HexToHash(txHash)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("chain: confirmation window expired for %s: %w", txHash, ErrRPCTimeout)
		}

		callCtx, cancel := c.callCtx(ctx)
		receipt, err := c.rpc.TransactionReceipt(callCtx, hash)
		cancel()
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("chain: %s: %w", txHash, ErrTxReverted)
			}

			head, err := c.HeadBlock(ctx)
			if err != nil {
				return err
			}
			if confirmationsAt(head, receipt.BlockNumber.Uint64()) >= c.cfg.Confirmations {
				return nil
			}
		} else if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.WithFields(logging.Fields{
				"tx_hash": txHash,
				"error":   err,
			}).Warn("Receipt poll failed, retrying")
		}

		select {
		case <-ctx.Done():
			return wrapRPC("confirmation wait cancelled", ctx.Err())
		case <-time.After(3 * time.Second):
		}
	}
}

// confirmationsAt reports how many confirmations a transaction included at
// block included has when the chain head is at head. A head behind the
// inclusion block (lagging RPC node, or a reorg between the receipt and head
// queries) counts as zero rather than wrapping the subtraction.
func confirmationsAt(head, included uint64) uint64 {
	if head < included {
		return 0
	}
	return head - included + 1
}

// FilterTokenTransfers returns the token's Transfer events in the inclusive
// block range [from, to], regardless of recipient. The caller filters for
// custodied addresses.
func (c *Client) FilterTokenTransfers(ctx context.Context, from, to uint64) ([]TransferEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.token},
		Topics:    [][]common.Hash{{transferTopic}},
	}

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	logs, err := c.rpc.FilterLogs(callCtx, query)
	if err != nil {
		return nil, wrapRPC("failed to filter transfer logs", err)
	}

	events := make([]TransferEvent, 0, len(logs))
	for _, entry := range logs {
		// Transfer(from indexed, to indexed, value): topic 2 is the recipient.
		if len(entry.Topics) < 3 || entry.Removed {
			continue
		}
		events = append(events, TransferEvent{
			TxHash:   entry.TxHash.Hex(),
			LogIndex: entry.Index,
			To:       strings.ToLower(common.BytesToAddress(entry.Topics[2].Bytes()).Hex()),
			Amount:   new(big.Int).SetBytes(entry.Data),
			Block:    entry.BlockNumber,
		})
	}
	return events, nil
}
