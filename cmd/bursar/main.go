package main

import (
	"context"

	"github.com/shopspring/decimal"

	"bursar/internal/chain"
	"bursar/internal/config"
	"bursar/internal/database"
	"bursar/internal/handlers"
	"bursar/internal/logging"
	"bursar/internal/middleware"
	"bursar/internal/monitoring"
	"bursar/internal/oracle"
	"bursar/internal/server"
	"bursar/internal/transfer"
	"bursar/internal/vault"
	"bursar/internal/version"
	"bursar/internal/wallet"
	"bursar/internal/watcher"
)

// logNotifier announces deposits to the service log. A messaging delivery
// integration replaces it by implementing watcher.Notifier.
type logNotifier struct {
	logger logging.Logger
}

func (n *logNotifier) NotifyDeposit(ctx context.Context, telegramID int64, amount decimal.Decimal, txHash string) error {
	n.logger.WithFields(logging.Fields{
		"telegram_id": telegramID,
		"amount":      amount.String(),
		"tx_hash":     txHash,
	}).Info("Deposit announcement")
	return nil
}

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Custody Core)")

	dbURL := config.RequireEnv("DATABASE_URL")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	custody := config.LoadCustody()

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.EnsureSchema(db, logger); err != nil {
		logger.WithError(err).Fatal("Schema initialization failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Build the custody core with explicit wiring
	seedVault, err := vault.New(custody.EncryptionKey, logger)
	if err != nil {
		logger.WithError(err).Fatal("Key vault initialization failed")
	}

	chainClient, err := chain.Dial(ctx, custody, logger)
	if err != nil {
		logger.WithError(err).Fatal("Chain client initialization failed")
	}
	defer chainClient.Close()

	directory := wallet.NewDirectory(db, seedVault, logger)
	balances := oracle.NewOracle(chainClient, custody.BalanceCacheTTL, custody.TokenDecimals, logger)
	deposits := watcher.NewWatcher(db, chainClient, directory, &logNotifier{logger: logger}, custody.WatchInterval, custody.TokenDecimals, logger)
	orchestrator := transfer.NewOrchestrator(db, chainClient, directory, seedVault, balances, custody, logger)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("chain", monitoring.ChainHealthCheck(chainClient.HeadBlock))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":           dbURL,
		"RPC_URL":                custody.RPCURL,
		"POOL_CONTRACT_ADDRESS":  custody.PoolContract,
		"TOKEN_CONTRACT_ADDRESS": custody.TokenContract,
	}))

	// Start the deposit watcher
	go deposits.Start(ctx)
	defer deposits.Stop()

	logger.Info("Deposit watcher started")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// Custody API (service-to-service; the bot front-end is the caller)
	api := router.Group("")
	api.Use(middleware.ServiceAuthMiddleware(serviceToken))
	handlers.New(directory, balances, orchestrator, logger).Register(api)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
