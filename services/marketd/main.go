package marketd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gigvault/observability/logging"
	telemetry "gigvault/observability/otel"
	"gigvault/services/marketd/config"
	"gigvault/services/marketd/escrow"
	"gigvault/services/marketd/events"
	"gigvault/services/marketd/lifecycle"
	"gigvault/services/marketd/oracle"
	"gigvault/services/marketd/paywall"
	"gigvault/services/marketd/recon"
	"gigvault/services/marketd/server"
	"gigvault/services/marketd/settlement"
	"gigvault/services/marketd/store"
)

// Main initialises and runs the marketplace daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/marketd/config.yaml", "path to marketd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions("marketd", cfg.Environment, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	dsn := cfg.Database.DSN
	if dsn == "" {
		if dsn, err = store.FileDSN(cfg.Database.SQLitePath); err != nil {
			return fmt.Errorf("sqlite path: %w", err)
		}
	}
	db, err := store.Open(dsn, cfg.Database.Debug)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()
	st := store.New(db)

	svc, err := wire(cfg, st, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	srv, err := server.New(server.Config{
		Machine: svc.machine,
		Quoter:  svc.escrows,
		Wallets: svc.wallets,
		DB:      db,
		Auth:    svc.auth,
		Limiter: server.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		Paywall: svc.paywall,
		Logger:  logger,
		Ready:   sqlDB.PingContext,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Funding waits for ledger confirmation.
		WriteTimeout: cfg.Confirm.Timeout.Duration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := recon.New(svc.escrows, svc.machine, recon.Config{
		ReconcileInterval: cfg.Escrow.ReconcileInterval.Duration,
		PurgeInterval:     cfg.Escrow.PurgeInterval.Duration,
		BatchSize:         cfg.Escrow.ReconcileBatch,
	}, logger)
	go scheduler.Run(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("marketd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type services struct {
	machine *lifecycle.Machine
	escrows *escrow.Manager
	paywall *paywall.Service
	wallets server.WalletFactory
	auth    *server.Authenticator
	closers []func() error
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func feePolicy(network, buffer string) (settlement.FeePolicy, error) {
	fee, err := settlement.ParseAmount(network)
	if err != nil {
		return settlement.FeePolicy{}, fmt.Errorf("network_fee: %w", err)
	}
	buf, err := settlement.ParseAmount(buffer)
	if err != nil {
		return settlement.FeePolicy{}, fmt.Errorf("fee_buffer: %w", err)
	}
	return settlement.FeePolicy{NetworkFee: fee, FeeBuffer: buf}, nil
}

// wire builds the settlement, escrow and lifecycle graph from configuration.
func wire(cfg config.Config, st *store.Store, logger *slog.Logger) (*services, error) {
	svc := &services{}
	confirm := settlement.ConfirmPolicy{Timeout: cfg.Confirm.Timeout.Duration, PollInterval: cfg.Confirm.PollInterval.Duration}

	primaryClient, err := settlement.NewPrimaryClient(settlement.PrimaryConfig{
		RPCURL:         cfg.Primary.RPCURL,
		FallbackRPCURL: cfg.Primary.FallbackRPCURL,
		AuthToken:      cfg.Primary.AuthToken,
		Commitment:     cfg.Primary.Commitment,
		RequestsPerSec: cfg.Primary.RequestsPerSec,
		Burst:          cfg.Primary.Burst,
	})
	if err != nil {
		return nil, err
	}
	primary := settlement.NewPrimaryLedger(primaryClient)
	primaryToken := settlement.StableToken{Mint: cfg.Primary.StableMint, Decimals: cfg.Primary.StableDecimals}
	primaryFees, err := feePolicy(cfg.Primary.NetworkFee, cfg.Primary.FeeBuffer)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}

	tokens := map[settlement.LedgerID]settlement.StableToken{settlement.LedgerPrimary: primaryToken}
	walletOpts := []settlement.KeyWalletOption{settlement.WithPrimarySubmitter(primaryClient)}
	var evmLedger *settlement.EVMLedger
	if cfg.EVM.Enabled() {
		client, err := settlement.DialEVM(cfg.EVM.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial evm: %w", err)
		}
		svc.closers = append(svc.closers, func() error { client.Close(); return nil })
		evmLedger = settlement.NewEVMLedger(client, settlement.NetworkParams{
			ChainID:      cfg.EVM.ChainID,
			Name:         cfg.EVM.ChainName,
			RPCURL:       cfg.EVM.RPCURL,
			ExplorerURL:  cfg.EVM.ExplorerURL,
			NativeSymbol: cfg.EVM.NativeSymbol,
		}, cfg.EVM.Confirmations)
		tokens[settlement.LedgerEVM] = settlement.StableToken{Mint: cfg.EVM.TokenAddress, Decimals: cfg.EVM.TokenDecimals}
		walletOpts = append(walletOpts, settlement.WithEVMSubmitter(client, cfg.EVM.ChainID))
	}

	var cache oracle.Cache = oracle.NewMemoryCache()
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		rdb := oracle.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		svc.closers = append(svc.closers, rdb.Close)
		cache = oracle.NewRedisCache(rdb, cfg.Redis.Prefix)
	}
	var fallback *big.Rat
	if raw := strings.TrimSpace(cfg.Oracle.FallbackUSDPerNative); raw != "" {
		if fallback, err = settlement.ParseAmount(raw); err != nil {
			return nil, fmt.Errorf("oracle fallback: %w", err)
		}
	}
	prices := oracle.New(
		oracle.NewCoinGecko(&http.Client{Timeout: 10 * time.Second}, cfg.Oracle.Endpoint, cfg.Oracle.APIKey, cfg.Oracle.Assets),
		oracle.Config{
			NativeAsset:          cfg.Oracle.NativeAsset,
			FallbackUSDPerNative: fallback,
			CacheTTL:             cfg.Oracle.CacheTTL.Duration,
			Tokens:               tokens,
		},
		oracle.WithCache(cache),
		oracle.WithLedgers(primary, evmLedger),
		oracle.WithLogger(logger),
	)

	root, err := settlement.NewKeyWallet(cfg.Custody.SeedBytes(), walletOpts...)
	if err != nil {
		return nil, fmt.Errorf("custody root: %w", err)
	}
	custody := settlement.NewCustody(root)

	payeeClient := &http.Client{Timeout: cfg.Confirm.Timeout.Duration + 30*time.Second}
	stable := settlement.NewStableRail(primary, primaryClient, prices, primaryToken, primaryFees, confirm)
	router := settlement.NewRouter().
		WithBackend(primary).
		WithNative(settlement.NewNativeRail(primary, prices, primaryFees, confirm)).
		WithStable(stable)
	if payee := strings.TrimSpace(cfg.Challenge.PayeeURL); payee != "" {
		router.WithChallenge(settlement.LedgerPrimary, settlement.NewPrimaryChallengeRail(payeeClient, primary, primaryClient, prices, settlement.ChallengeConfig{
			PayeeURL: payee,
			Token:    primaryToken,
			Fees:     primaryFees,
			Confirm:  confirm,
		}))
	}
	verifiers := map[settlement.LedgerID]settlement.TransferVerifier{settlement.LedgerPrimary: primary}
	decimals := map[settlement.LedgerID]uint8{settlement.LedgerPrimary: primaryToken.Decimals}
	if evmLedger != nil {
		evmFees, err := feePolicy(cfg.EVM.NetworkFee, cfg.EVM.FeeBuffer)
		if err != nil {
			return nil, fmt.Errorf("evm: %w", err)
		}
		evmToken := tokens[settlement.LedgerEVM]
		router.WithBackend(evmLedger).
			WithTokenPayout(settlement.LedgerEVM, settlement.NewEVMTokenRail(evmLedger, prices, evmToken, evmFees, confirm))
		if payee := strings.TrimSpace(cfg.Challenge.PayeeURL); payee != "" {
			router.WithChallenge(settlement.LedgerEVM, settlement.NewEVMChallengeRail(payeeClient, evmLedger, prices, settlement.ChallengeConfig{
				PayeeURL: payee,
				Token:    evmToken,
				Fees:     evmFees,
				Confirm:  confirm,
			}))
		}
		verifiers[settlement.LedgerEVM] = evmLedger
		decimals[settlement.LedgerEVM] = evmToken.Decimals
	}

	sponsorReserve, err := settlement.ParseAmount(cfg.Escrow.SponsorReserve)
	if err != nil {
		return nil, fmt.Errorf("sponsor_reserve: %w", err)
	}
	svc.escrows = escrow.NewManager(st, router, prices, custody, escrow.Config{
		FeePercent:     cfg.Escrow.FeePercent,
		NativeDecimals: primary.NativeDecimals(),
		TokenDecimals:  decimals,
		ReconcileGrace: cfg.Escrow.ReconcileGrace.Duration,
	}, escrow.WithLogger(logger), escrow.WithFeeSponsor(custody.Root(), prices, sponsorReserve))

	history := events.NewMemory(cfg.Events.History)
	var publisher events.Publisher = history
	if url := strings.TrimSpace(cfg.Events.URL); url != "" {
		amqpPublisher, err := events.DialAMQP(url, cfg.Events.Exchange)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		svc.closers = append(svc.closers, amqpPublisher.Close)
		publisher = events.Fanout{history, amqpPublisher}
	}

	svc.machine = lifecycle.NewMachine(st, svc.escrows, lifecycle.Policy{RequireApprovedWork: *cfg.Escrow.RequireApprovedWork},
		lifecycle.WithLogger(logger), lifecycle.WithPublisher(publisher))

	spent, err := paywall.OpenSpentStore(cfg.Challenge.SpentDB, cfg.Challenge.ClaimTimeout.Duration)
	if err != nil {
		return nil, fmt.Errorf("spent signature store: %w", err)
	}
	svc.closers = append(svc.closers, spent.Close)
	svc.paywall = paywall.New(custody, verifiers, cache, spent, paywall.Config{
		Tokens:       tokens,
		ChallengeTTL: cfg.Challenge.ChallengeTTL.Duration,
	}, paywall.WithLogger(logger))

	signer, err := settlement.NewRemoteWallet(settlement.RemoteWalletConfig{
		BaseURL: cfg.Signer.BaseURL,
		Token:   cfg.Signer.Token,
		Timeout: cfg.Signer.Timeout.Duration,
	})
	if err != nil {
		return nil, err
	}
	svc.wallets = server.SignerSessions{Signer: signer}

	authCfg := server.AuthConfig{
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		HMACSecret: []byte(cfg.Auth.HMACSecret),
		Leeway:     cfg.Auth.Leeway.Duration,
	}
	if cfg.Auth.RSAPublicKey != "" {
		key, err := server.LoadRSAPublicKey(cfg.Auth.RSAPublicKey)
		if err != nil {
			return nil, fmt.Errorf("auth public key: %w", err)
		}
		authCfg.RSAPublicKey = key
	}
	if svc.auth, err = server.NewAuthenticator(authCfg); err != nil {
		return nil, err
	}
	return svc, nil
}
