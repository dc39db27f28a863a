package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"titlescrow/internal/config"
	"titlescrow/internal/escrow"
	"titlescrow/internal/idempotency"
	"titlescrow/internal/logging"
	"titlescrow/internal/sale"
	"titlescrow/internal/server"
)

// devEscrow holds titles and funds when no signing key is configured.
var devEscrow = common.HexToAddress("0x00000000000000000000000000000000000e5c20")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("titlescrow", cfg.Log.Env, cfg.Log.Level, logging.WithFile(cfg.Log.File))
	if err := run(cfg, logger); err != nil {
		logging.Fatal(logger, "titlescrow stopped", err)
	}
}

// run owns every resource it opens; deferred closes run before main exits.
func run(cfg *config.AppConfig, logger *slog.Logger) error {
	policy, err := sale.ParseBalancePolicy(cfg.Service.BalancePolicy)
	if err != nil {
		return fmt.Errorf("balance policy: %w", err)
	}
	if policy == sale.PolicyPooled {
		logger.Warn("pooled balance policy: finalize and cancel pay out every escrowed deposit, not only the sale's own")
	}

	roles, err := sale.NewRoles(cfg.SellerAddress(), cfg.VerifierAddress(), cfg.LenderAddress())
	if err != nil {
		return fmt.Errorf("roles: %w", err)
	}

	ctx := context.Background()

	var (
		saleStore sale.Store = sale.NewMemoryStore()
		idemStore idempotency.Store
	)
	if cfg.Database.DSN != "" {
		pgSales, err := sale.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("sale store: %w", err)
		}
		defer pgSales.Close()
		pgIdem, err := idempotency.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		defer pgIdem.Close()
		saleStore, idemStore = pgSales, pgIdem

		purgeCtx, stopPurge := context.WithCancel(ctx)
		defer stopPurge()
		go purgeReplays(purgeCtx, pgIdem, cfg.Service.IdempotencyWindow, logger)
	} else {
		logger.Warn("DATABASE_URL not set; sale records are kept in memory")
		fileIdem, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		idemStore = fileIdem
	}

	var (
		custody   escrow.Custody
		payments  escrow.Payments
		escrowAt  = devEscrow
		serverOps []server.Option
	)
	if cfg.Chain.PrivateKey != "" {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
		eth, err := escrow.NewEthClient(dialCtx, escrow.EthClientConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("chain client: %w", err)
		}
		defer eth.Close()

		ethCustody, err := escrow.NewEthCustody(eth, cfg.Deployment.Contracts.TitleRegistry)
		if err != nil {
			return fmt.Errorf("title registry: %w", err)
		}
		ethPayments, err := escrow.NewEthPayments(eth, cfg.Deployment.Contracts.SettlementToken)
		if err != nil {
			return fmt.Errorf("settlement token: %w", err)
		}
		custody, payments, escrowAt = ethCustody, ethPayments, eth.Address()

		if cfg.Deployment.Escrow != "" && common.HexToAddress(cfg.Deployment.Escrow) != escrowAt {
			logger.Warn("signing key does not match deployments escrow address",
				"signer", escrowAt.Hex(), "deployments", cfg.Deployment.Escrow)
		}
		logger.Info("chain boundary ready", "rpc", cfg.Chain.RPCURL, "escrow", escrowAt.Hex(),
			"key", logging.MaskValue(cfg.Chain.PrivateKey))
	} else {
		registry := escrow.NewFakeRegistry()
		registry.OpenMint = true
		bank := escrow.NewFakeBank()
		bank.OpenFunding = true
		custody, payments = registry, bank
		if cfg.Deployment.Escrow != "" {
			escrowAt = common.HexToAddress(cfg.Deployment.Escrow)
		}
		logger.Warn("CHAIN_PRIVATE_KEY not set; using in-memory registry and payments")
	}

	if checker, ok := custody.(escrow.HealthChecker); ok {
		serverOps = append(serverOps, server.WithRPCHealth(checker.Ping))
	}

	ledger, err := sale.NewLedger(roles, escrowAt, custody,
		sale.WithStore(saleStore),
		sale.WithPolicy(policy),
		sale.WithLogger(logger.With("component", "sale")),
	)
	if err != nil {
		return fmt.Errorf("sale ledger: %w", err)
	}
	if err := ledger.Recover(ctx); err != nil {
		return fmt.Errorf("recover sales: %w", err)
	}
	engine, err := sale.NewEngine(ledger, payments)
	if err != nil {
		return fmt.Errorf("settlement engine: %w", err)
	}

	serverOps = append(serverOps, server.WithLogger(logger.With("component", "http")))
	apiServer := server.NewServer(cfg, engine, idemStore, serverOps...)

	serveErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	case sig := <-ch:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
	}
	return nil
}

// purgeReplays drops expired idempotency rows once per window.
func purgeReplays(ctx context.Context, store *idempotency.PostgresStore, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Purge(ctx, now)
			if err != nil {
				logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			logger.Debug("idempotency purge", "removed", removed)
		}
	}
}
