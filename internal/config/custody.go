package config

import (
	"time"
)

// Custody holds the configuration consumed by the custody core: RPC access,
// the pool and token contracts, seed encryption, and transfer guardrails.
type Custody struct {
	RPCURL        string
	RPCTimeout    time.Duration
	PoolContract  string
	TokenContract string
	TokenDecimals int32

	// Hex-encoded master key for seed encryption, >= 32 bytes once decoded.
	EncryptionKey string

	GasLimit        uint64
	MaxFeePerGasWei int64
	GasSafetyMargin int64
	Confirmations   uint64
	ConfirmTimeout  time.Duration

	WatchInterval   time.Duration
	BalanceCacheTTL time.Duration
}

// LoadCustody reads the custody configuration from the environment.
// RPC_URL, POOL_CONTRACT_ADDRESS, TOKEN_CONTRACT_ADDRESS and ENCRYPTION_KEY
// have no sensible defaults and are required.
func LoadCustody() Custody {
	return Custody{
		RPCURL:        RequireEnv("RPC_URL"),
		RPCTimeout:    time.Duration(GetEnvInt("RPC_TIMEOUT_SECONDS", 10)) * time.Second,
		PoolContract:  RequireEnv("POOL_CONTRACT_ADDRESS"),
		TokenContract: RequireEnv("TOKEN_CONTRACT_ADDRESS"),
		TokenDecimals: int32(GetEnvInt("TOKEN_DECIMALS", 18)),

		EncryptionKey: RequireEnv("ENCRYPTION_KEY"),

		GasLimit:        uint64(GetEnvInt64("TRANSFER_GAS_LIMIT", 200000)),
		MaxFeePerGasWei: GetEnvInt64("MAX_FEE_PER_GAS_WEI", 5e9),
		GasSafetyMargin: GetEnvInt64("GAS_SAFETY_MARGIN", 2),
		Confirmations:   uint64(GetEnvInt64("TRANSFER_CONFIRMATIONS", 1)),
		ConfirmTimeout:  time.Duration(GetEnvInt("CONFIRM_TIMEOUT_SECONDS", 120)) * time.Second,

		WatchInterval:   time.Duration(GetEnvInt("DEPOSIT_POLL_SECONDS", 15)) * time.Second,
		BalanceCacheTTL: time.Duration(GetEnvInt("BALANCE_CACHE_TTL_SECONDS", 60)) * time.Second,
	}
}
