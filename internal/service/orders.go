// Package service wires the game rules to the ledger: order acceptance,
// recurring orders, withdrawal batches, the leaderboard epoch and crash
// recovery.
package service

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"moonride/internal/domain"
	"moonride/internal/engine"
	"moonride/internal/infra"
	"moonride/internal/infra/storage"
)

// OrderService enforces the shared acceptance contract. Manual orders and
// auto-stake resubmissions go through the same Place path; only the
// origin differs.
type OrderService struct {
	store    *storage.Storage
	markets  map[string]*engine.Market
	hub      engine.Broadcaster
	minStake decimal.Decimal
}

// NewOrderService creates the acceptance front for a set of markets.
func NewOrderService(store *storage.Storage, markets map[string]*engine.Market, hub engine.Broadcaster, minStake decimal.Decimal) *OrderService {
	return &OrderService{
		store:    store,
		markets:  markets,
		hub:      hub,
		minStake: minStake,
	}
}

// TradeEvent is the payload of the 'trade' broadcast.
type TradeEvent struct {
	Address string          `json:"address"`
	Symbol  string          `json:"symbol"`
	Side    domain.Side     `json:"side"`
	Amount  decimal.Decimal `json:"amount"`
	Round   int64           `json:"round"`
	IsAuto  bool            `json:"is_auto"`
}

// Place runs the full acceptance sequence: stake floor, betting window,
// one position per account, then the guarded balance debit. Checks fire
// in that order so the caller always gets the first failing reason, and
// rejection leaves no state behind.
func (o *OrderService) Place(ctx context.Context, address, symbol string, side domain.Side, amount decimal.Decimal, origin domain.OrderOrigin) error {
	if side != domain.SideUp && side != domain.SideDown {
		return o.reject(domain.ErrInvalidAmount)
	}
	if amount.LessThan(o.minStake) {
		return o.reject(domain.ErrInvalidAmount)
	}

	market, ok := o.markets[symbol]
	if !ok {
		return domain.ErrUnknownMarket
	}

	// A standing recurring order owns its market: manual stakes would
	// either collide with it or race it for the position slot.
	if origin == domain.OriginManual {
		cfg, err := o.store.GetAutoStake(ctx, address, symbol)
		if err != nil {
			return err
		}
		if cfg != nil {
			return o.reject(domain.ErrAutoStakeActive)
		}
	}

	// Cheap precheck; the debit's WHERE guard is the real arbiter.
	acct, err := o.store.GetAccount(ctx, address)
	if err != nil {
		return err
	}
	if acct.Balance.LessThan(amount) {
		return o.reject(domain.ErrInsufficientBalance)
	}

	// The pool reservation atomically decides phase and duplication, and
	// pins the order into the snapshot the round will settle with.
	if err := market.Pool().Reserve(address, side, amount); err != nil {
		return o.reject(err)
	}

	round := market.Round()
	if _, err := o.store.InsertOrder(ctx, address, symbol, side, amount, round, origin); err != nil {
		market.Pool().Release(address, side, amount)
		return o.reject(err)
	}

	infra.OrdersAccepted.WithLabelValues(symbol, string(side), string(origin)).Inc()
	if o.hub != nil {
		o.hub.Broadcast(symbol, "trade", TradeEvent{
			Address: address,
			Symbol:  symbol,
			Side:    side,
			Amount:  amount,
			Round:   round,
			IsAuto:  origin == domain.OriginAuto,
		})
	}

	slog.Debug("Order accepted",
		slog.String("address", address),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.String("amount", amount.String()),
		slog.Int64("round", round),
		slog.String("origin", string(origin)))
	return nil
}

func (o *OrderService) reject(err error) error {
	if reason, ok := domain.RejectReasonOf(err); ok {
		infra.OrdersRejected.WithLabelValues(string(reason)).Inc()
	}
	return err
}
