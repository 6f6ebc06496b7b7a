package service

import (
	"context"
	"errors"
	"log/slog"

	"moonride/internal/domain"
	"moonride/internal/infra/storage"
)

// AutoTradeExecutor resubmits standing recurring orders once per round,
// through the same acceptance contract as manual orders. A configuration
// the balance can no longer honor disables itself durably.
type AutoTradeExecutor struct {
	store  *storage.Storage
	orders *OrderService
}

// NewAutoTradeExecutor creates a recurring-order executor.
func NewAutoTradeExecutor(store *storage.Storage, orders *OrderService) *AutoTradeExecutor {
	return &AutoTradeExecutor{store: store, orders: orders}
}

// Configure validates and stores a recurring order. An existing
// configuration for the same (address, symbol) is replaced.
func (a *AutoTradeExecutor) Configure(ctx context.Context, cfg *domain.AutoStake) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := a.store.GetAccount(ctx, cfg.Address); err != nil {
		return err
	}
	return a.store.UpsertAutoStake(ctx, cfg)
}

// Cancel removes a recurring order configuration.
func (a *AutoTradeExecutor) Cancel(ctx context.Context, address, symbol string) error {
	return a.store.DeleteAutoStake(ctx, address, symbol)
}

// ExecuteRound places every standing order for one market. Best-effort:
// each configuration succeeds or fails on its own, and the round opens
// regardless of how many went through.
func (a *AutoTradeExecutor) ExecuteRound(ctx context.Context, symbol string) {
	cfgs, err := a.store.ListAutoStakes(ctx, symbol)
	if err != nil {
		slog.Error("Auto-stake listing failed",
			slog.String("symbol", symbol),
			slog.Any("error", err))
		return
	}
	if len(cfgs) == 0 {
		return
	}

	placed, dropped := 0, 0
	for i := range cfgs {
		cfg := &cfgs[i]
		if a.executeOne(ctx, cfg) {
			placed++
		} else {
			dropped++
		}
	}

	slog.Debug("Auto-stake round executed",
		slog.String("symbol", symbol),
		slog.Int("placed", placed),
		slog.Int("skipped", dropped))
}

// executeOne places a single standing order, disabling the configuration
// when the account can no longer fund it.
func (a *AutoTradeExecutor) executeOne(ctx context.Context, cfg *domain.AutoStake) bool {
	acct, err := a.store.GetAccount(ctx, cfg.Address)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			a.disable(ctx, cfg, "account missing")
		}
		return false
	}

	stake := cfg.StakeFor(acct.Balance)

	err = a.orders.Place(ctx, cfg.Address, cfg.Symbol, cfg.Direction, stake, domain.OriginAuto)
	if err == nil {
		return true
	}

	switch {
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrInvalidAmount):
		// Balance fell below the configured stake (or the stake floor).
		a.disable(ctx, cfg, err.Error())
	case errors.Is(err, domain.ErrDuplicatePosition), errors.Is(err, domain.ErrWrongPhase):
		// Manual order beat us to the round, or the window just closed.
	default:
		slog.Warn("Auto-stake placement failed",
			slog.String("address", cfg.Address),
			slog.String("symbol", cfg.Symbol),
			slog.Any("error", err))
	}
	return false
}

func (a *AutoTradeExecutor) disable(ctx context.Context, cfg *domain.AutoStake, cause string) {
	if err := a.store.DeleteAutoStake(ctx, cfg.Address, cfg.Symbol); err != nil {
		slog.Error("Auto-stake disable failed",
			slog.String("address", cfg.Address),
			slog.String("symbol", cfg.Symbol),
			slog.Any("error", err))
		return
	}
	slog.Info("Auto-stake disabled",
		slog.String("address", cfg.Address),
		slog.String("symbol", cfg.Symbol),
		slog.String("cause", cause))
}
