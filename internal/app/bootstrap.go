// Package app orchestrates startup: configuration, recovery, component
// wiring and the operational HTTP surface.
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"moonride/internal/domain"
	"moonride/internal/engine"
	"moonride/internal/hub"
	"moonride/internal/infra"
	"moonride/internal/infra/binance"
	"moonride/internal/infra/rates"
	"moonride/internal/infra/storage"
	"moonride/internal/infra/vault"
	"moonride/internal/service"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Storage *storage.Storage

	Feed  *binance.Worker
	Rates *rates.Client
	Vault *vault.Client
	Hub   *hub.Hub

	Markets     map[string]*engine.Market
	Orders      *service.OrderService
	AutoTrader  *service.AutoTradeExecutor
	Epochs      *service.EpochManager
	Withdrawals *service.WithdrawalJob
	Deposits    *service.DepositWatcher
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization. The crash-recovery
// refund runs here, strictly before any scheduler exists.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	slog.Info("🚀 Bootstrapping Moonride...")

	// 1. Load Config
	cfg, err := infra.LoadConfig("configs/config.yaml")
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("path", cfg.Storage.Path))

	// 4. Crash recovery: refund stranded stakes, requeue stuck batches
	if err := service.RecoverState(ctx, store); err != nil {
		return err
	}
	slog.Info("✅ Recovery pass completed")

	// 5. External gateways
	b.Feed = binance.NewWorker(cfg.Feed.WSURL, cfg.Markets.Symbols)
	b.Rates = rates.NewClient(cfg.Rates.URL, cfg.Rates.PollIntervalSec, nil)

	vaultClient, err := vault.NewClient(
		cfg.Chain.RPCURL,
		cfg.Chain.VaultAddress,
		cfg.Chain.FeesAddress,
		cfg.Chain.PrivateKey,
		cfg.Chain.ChainID,
		time.Duration(cfg.Chain.ReceiptTimeoutSec)*time.Second,
	)
	if err != nil {
		return err
	}
	b.Vault = vaultClient
	slog.Info("✅ Vault client ready", slog.String("operator", vaultClient.Operator().Hex()))

	// 6. Hub and game services
	b.Hub = hub.NewHub(cfg.Markets.Symbols)

	b.Epochs = service.NewEpochManager(
		store,
		b.Hub,
		b.Rates.GetRate,
		time.Duration(cfg.Leaderboard.EpochSeconds)*time.Second,
		cfg.Leaderboard.TopN,
	)
	if err := b.Epochs.Init(ctx); err != nil {
		return err
	}

	// The markets map is shared by reference: the order service holds it
	// while the markets themselves are still being constructed below.
	b.Markets = make(map[string]*engine.Market, len(cfg.Markets.Symbols))
	b.Orders = service.NewOrderService(store, b.Markets, b.Hub, cfg.Markets.MinStake)
	b.AutoTrader = service.NewAutoTradeExecutor(store, b.Orders)

	settler := engine.NewSettler(store, b.Hub, cfg.Markets.CommissionRate)
	roundCfg := engine.RoundConfig{
		BettingSeconds: cfg.Markets.BettingSeconds,
		ActiveSeconds:  cfg.Markets.ActiveSeconds,
		AutoTradeAt:    cfg.Markets.AutoTradeAt,
	}

	for _, symbol := range cfg.Markets.Symbols {
		rec, err := store.LoadRound(ctx, symbol)
		if err != nil {
			return err
		}
		b.Markets[symbol] = engine.NewMarket(
			symbol, roundCfg, rec,
			b.Feed, settler, b.AutoTrader, b.Epochs, b.Hub, store,
		)
	}
	slog.Info("✅ Markets ready", slog.Int("count", len(b.Markets)))

	b.Hub.OnVote = b.castVote

	b.Withdrawals = service.NewWithdrawalJob(
		store,
		vaultClient,
		time.Duration(cfg.Withdrawals.IntervalSec)*time.Second,
		cfg.Withdrawals.BatchSize,
	)
	b.Deposits = service.NewDepositWatcher(store, b.Hub)

	return nil
}

// castVote weights a sentiment vote by the voter's badge tier.
func (b *Bootstrap) castVote(symbol, address string, side domain.Side) {
	market, ok := b.Markets[symbol]
	if !ok {
		return
	}
	weight := int64(1)
	if acct, err := b.Storage.GetAccount(context.Background(), address); err == nil {
		weight = domain.BadgeFor(acct.Points).Index
	}
	market.Vote(side, weight)
}

// Run starts every long-lived component and blocks until the context
// ends.
func (b *Bootstrap) Run(ctx context.Context) {
	go b.Hub.Run()

	if err := b.Feed.Connect(ctx); err != nil {
		slog.Error("Price feed start failed", slog.Any("error", err))
	}
	defer b.Feed.Disconnect()

	if err := b.Rates.Start(ctx); err != nil {
		slog.Error("Token price client start failed", slog.Any("error", err))
	}
	defer b.Rates.Stop()

	for _, market := range b.Markets {
		go market.Run(ctx)
	}
	slog.InfoContext(ctx, "✅ Market schedulers started")

	go b.Withdrawals.Run(ctx)

	deposits := make(chan domain.Deposit, 64)
	go b.Vault.WatchDeposits(ctx, deposits)
	go b.Deposits.Run(ctx, deposits)

	go b.serveOps(ctx)

	<-ctx.Done()
}

// serveOps exposes the websocket endpoint, the Prometheus scrape path
// and a couple of read-only JSON views.
func (b *Bootstrap) serveOps(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.Hub.HandleWS)
	mux.Handle("/metrics", infra.MetricsHandler())
	mux.HandleFunc("/rankings", b.handleRankings)

	server := &http.Server{
		Addr:    b.Config.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("✅ Ops server listening", slog.String("addr", b.Config.Server.ListenAddr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Ops server failed", slog.Any("error", err))
	}
}

func (b *Bootstrap) handleRankings(w http.ResponseWriter, r *http.Request) {
	rankings, err := b.Epochs.Rankings(r.Context())
	if err != nil {
		http.Error(w, "rankings unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rankings)
}

func writeJSON(w http.ResponseWriter, payload any) {
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("Response encode failed", slog.Any("error", err))
	}
}
