// Package oracle serves cached native and token balances for custodied
// addresses. Reads hit the chain at most once per TTL window per address;
// when the chain is unreachable the oracle degrades to stale or zero figures
// instead of failing the caller.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"bursar/internal/logging"
)

// ErrInvalidAddress indicates the queried string is not a hex address.
var ErrInvalidAddress = errors.New("oracle: invalid address")

// Backend is the chain surface the oracle reads balances from.
type Backend interface {
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, address string) (*big.Int, error)
}

// Balances is a point-in-time balance snapshot. Stale marks a snapshot served
// past its TTL (or zeroed) because the chain could not be reached.
type Balances struct {
	Address   string
	Native    decimal.Decimal
	Token     decimal.Decimal
	FetchedAt time.Time
	Stale     bool
}

type cacheEntry struct {
	native    decimal.Decimal
	token     decimal.Decimal
	fetchedAt time.Time
}

// Oracle caches balance reads per address with a fixed TTL.
type Oracle struct {
	backend  Backend
	ttl      time.Duration
	decimals int32
	logger   logging.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	hits      prometheus.Counter
	misses    prometheus.Counter
	fallbacks prometheus.Counter
}

// NewOracle creates a balance oracle. decimals is the token's base-unit
// exponent; native balances always use 18 (wei).
func NewOracle(backend Backend, ttl time.Duration, decimals int32, logger logging.Logger) *Oracle {
	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "balance_cache_hits_total",
		Help: "Balance reads served from the cache",
	})
	prometheus.Register(hits) //nolint:errcheck // duplicate registration is fine
	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "balance_cache_misses_total",
		Help: "Balance reads that went to the chain",
	})
	prometheus.Register(misses) //nolint:errcheck // duplicate registration is fine
	fallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "balance_fallbacks_total",
		Help: "Balance reads served stale or zeroed because the chain was unreachable",
	})
	prometheus.Register(fallbacks) //nolint:errcheck // duplicate registration is fine

	return &Oracle{
		backend:   backend,
		ttl:       ttl,
		decimals:  decimals,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
		hits:      hits,
		misses:    misses,
		fallbacks: fallbacks,
	}
}

// Get returns the address's balances, from cache when fresh. A failed chain
// read never propagates: the last known snapshot (or zeros) is returned with
// Stale set so callers can annotate the figure.
func (o *Oracle) Get(ctx context.Context, address string) (Balances, error) {
	if !common.IsHexAddress(address) {
		return Balances{}, ErrInvalidAddress
	}
	key := common.HexToAddress(address).Hex()

	o.mu.RLock()
	entry, ok := o.cache[key]
	o.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < o.ttl {
		o.hits.Inc()
		return Balances{
			Address:   address,
			Native:    entry.native,
			Token:     entry.token,
			FetchedAt: entry.fetchedAt,
		}, nil
	}

	o.misses.Inc()
	fresh, err := o.fetch(ctx, address)
	if err != nil {
		o.fallbacks.Inc()
		o.logger.WithFields(logging.Fields{
			"address": address,
			"error":   err,
		}).Warn("Balance fetch failed, serving fallback")

		if ok {
			return Balances{
				Address:   address,
				Native:    entry.native,
				Token:     entry.token,
				FetchedAt: entry.fetchedAt,
				Stale:     true,
			}, nil
		}
		return Balances{Address: address, Stale: true}, nil
	}

	o.mu.Lock()
	o.cache[key] = fresh
	o.mu.Unlock()

	return Balances{
		Address:   address,
		Native:    fresh.native,
		Token:     fresh.token,
		FetchedAt: fresh.fetchedAt,
	}, nil
}

// Invalidate drops the cached snapshot for an address, forcing the next read
// to hit the chain. Used after outgoing transfers.
func (o *Oracle) Invalidate(address string) {
	if !common.IsHexAddress(address) {
		return
	}
	key := common.HexToAddress(address).Hex()

	o.mu.Lock()
	delete(o.cache, key)
	o.mu.Unlock()
}

// fetch reads both balances concurrently; either failure fails the pair so a
// partially fresh snapshot is never cached.
func (o *Oracle) fetch(ctx context.Context, address string) (cacheEntry, error) {
	var (
		wg        sync.WaitGroup
		native    *big.Int
		token     *big.Int
		nativeErr error
		tokenErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		native, nativeErr = o.backend.NativeBalance(ctx, address)
	}()
	go func() {
		defer wg.Done()
		token, tokenErr = o.backend.TokenBalance(ctx, address)
	}()
	wg.Wait()

	if nativeErr != nil {
		return cacheEntry{}, nativeErr
	}
	if tokenErr != nil {
		return cacheEntry{}, tokenErr
	}

	return cacheEntry{
		native:    decimal.NewFromBigInt(native, -18),
		token:     decimal.NewFromBigInt(token, -o.decimals),
		fetchedAt: time.Now(),
	}, nil
}
