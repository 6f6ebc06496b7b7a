package engine

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"moonride/internal/domain"
	"moonride/internal/infra"
)

// SettlementStore applies a computed settlement to the ledger in a single
// transaction and persists the post-round market record.
type SettlementStore interface {
	ApplySettlement(ctx context.Context, s *domain.Settlement) error
	SaveRound(ctx context.Context, rec *domain.RoundRecord) error
}

// Broadcaster fans out per-market events. Fire-and-forget.
type Broadcaster interface {
	Broadcast(symbol, event string, payload any)
}

// ComputeSettlement derives the pari-mutuel distribution for a closed
// round. Pure function: callers apply the result through a
// SettlementStore.
//
// Division uses 18-digit decimal scale; any rounding remainder stays in
// the pool rather than accruing to commission.
func ComputeSettlement(symbol string, round int64, outcome domain.Outcome, snap domain.PoolSnapshot, commissionRate decimal.Decimal) *domain.Settlement {
	s := &domain.Settlement{
		Symbol:     symbol,
		Round:      round,
		Outcome:    outcome,
		Commission: decimal.Zero,
	}

	winningSide, ok := outcome.WinningSide()
	if !ok {
		// Tie: both sides lose, the whole pool is commission.
		s.Reason = domain.ReasonNoWinners
		s.WinningVolume = snap.Volume(domain.SideUp)
		s.LosingVolume = snap.Volume(domain.SideDown)
		s.Commission = s.WinningVolume.Add(s.LosingVolume)
		if s.Commission.IsZero() {
			s.Reason = domain.ReasonNoStakes
		}
		return s
	}

	losingSide := winningSide.Opposite()
	winners := snap.Entries[winningSide]
	losers := snap.Entries[losingSide]
	s.WinningVolume = snap.Volume(winningSide)
	s.LosingVolume = snap.Volume(losingSide)

	switch {
	case s.LosingVolume.IsZero() && s.WinningVolume.IsPositive():
		// Nobody to take from: every winner gets the stake back, flat.
		s.Reason = domain.ReasonNoWagerRefund
		for addr, stake := range winners {
			s.Winners = append(s.Winners, domain.SettlementEntry{
				Address: addr,
				Amount:  stake,
				Pnl:     decimal.Zero,
			})
		}

	case s.LosingVolume.IsPositive() && s.WinningVolume.IsPositive():
		s.Reason = domain.ReasonWinnersDistribution
		s.Commission = commissionRate.Mul(s.LosingVolume)
		rewardPool := s.LosingVolume.Sub(s.Commission)
		for addr, stake := range winners {
			win := stake.DivRound(s.WinningVolume, 18).Mul(rewardPool)
			s.Winners = append(s.Winners, domain.SettlementEntry{
				Address: addr,
				Amount:  stake.Add(win),
				Pnl:     win,
			})
		}
		for addr, stake := range losers {
			s.Losers = append(s.Losers, domain.SettlementEntry{
				Address: addr,
				Amount:  decimal.Zero,
				Pnl:     stake.Neg(),
			})
		}

	case s.LosingVolume.IsPositive() && s.WinningVolume.IsZero():
		s.Reason = domain.ReasonNoWinners
		s.Commission = s.LosingVolume
		for addr, stake := range losers {
			s.Losers = append(s.Losers, domain.SettlementEntry{
				Address: addr,
				Amount:  decimal.Zero,
				Pnl:     stake.Neg(),
			})
		}

	default:
		s.Reason = domain.ReasonNoStakes
	}

	return s
}

// Settler resolves closed rounds: broadcast first (informational, never
// gated on settlement success), then one atomic ledger transaction.
type Settler struct {
	store          SettlementStore
	hub            Broadcaster
	commissionRate decimal.Decimal
}

// NewSettler creates a settlement engine.
func NewSettler(store SettlementStore, hub Broadcaster, commissionRate decimal.Decimal) *Settler {
	return &Settler{store: store, hub: hub, commissionRate: commissionRate}
}

// ResolutionEvent is the payload of the 'resolved' broadcast.
type ResolutionEvent struct {
	Symbol        string          `json:"symbol"`
	Round         int64           `json:"round"`
	Direction     domain.Outcome  `json:"direction"`
	Reason        string          `json:"reason"`
	WinningVolume decimal.Decimal `json:"winning_volume"`
	LosingVolume  decimal.Decimal `json:"losing_volume"`
}

// Resolve settles one round. A failed transaction rolls the whole round
// back; the caller clears the in-memory pool regardless, and the error is
// contained here (logged, counted) so the next round proceeds.
func (s *Settler) Resolve(ctx context.Context, symbol string, round int64, outcome domain.Outcome, snap domain.PoolSnapshot) {
	settlement := ComputeSettlement(symbol, round, outcome, snap, s.commissionRate)

	if settlement.Reason == domain.ReasonNoStakes {
		infra.RoundsSettled.WithLabelValues(symbol, settlement.Reason).Inc()
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(symbol, "resolved", ResolutionEvent{
			Symbol:        symbol,
			Round:         round,
			Direction:     outcome,
			Reason:        settlement.Reason,
			WinningVolume: settlement.WinningVolume,
			LosingVolume:  settlement.LosingVolume,
		})
	}

	if err := s.store.ApplySettlement(ctx, settlement); err != nil {
		infra.SettlementFailures.Inc()
		slog.Error("Settlement rolled back",
			slog.String("symbol", symbol),
			slog.Int64("round", round),
			slog.Any("error", err))
		return
	}

	infra.RoundsSettled.WithLabelValues(symbol, settlement.Reason).Inc()
	slog.Info("Round settled",
		slog.String("symbol", symbol),
		slog.Int64("round", round),
		slog.String("outcome", string(outcome)),
		slog.String("reason", settlement.Reason),
		slog.Int("winners", len(settlement.Winners)),
		slog.Int("losers", len(settlement.Losers)),
		slog.String("commission", settlement.Commission.String()))
}
