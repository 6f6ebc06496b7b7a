package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"moonride/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func snapshot(up, down map[string]string) domain.PoolSnapshot {
	snap := domain.PoolSnapshot{
		Entries: map[domain.Side]map[string]decimal.Decimal{
			domain.SideUp:   {},
			domain.SideDown: {},
		},
		Volumes: map[domain.Side]decimal.Decimal{
			domain.SideUp:   decimal.Zero,
			domain.SideDown: decimal.Zero,
		},
	}
	for addr, amt := range up {
		snap.Entries[domain.SideUp][addr] = dec(amt)
		snap.Volumes[domain.SideUp] = snap.Volumes[domain.SideUp].Add(dec(amt))
	}
	for addr, amt := range down {
		snap.Entries[domain.SideDown][addr] = dec(amt)
		snap.Volumes[domain.SideDown] = snap.Volumes[domain.SideDown].Add(dec(amt))
	}
	return snap
}

func winnerAmount(t *testing.T, s *domain.Settlement, addr string) decimal.Decimal {
	t.Helper()
	for _, w := range s.Winners {
		if w.Address == addr {
			return w.Amount
		}
	}
	t.Fatalf("winner %s not found", addr)
	return decimal.Zero
}

func TestWinnersDistribution(t *testing.T) {
	// 100 winning vs 50 losing at 5% commission: commission 2.5,
	// reward pool 47.5, a 20 stake returns 29.5.
	snap := snapshot(
		map[string]string{"a": "20", "b": "80"},
		map[string]string{"c": "50"},
	)

	s := ComputeSettlement("BTC", 7, domain.OutcomeUp, snap, dec("0.05"))

	if s.Reason != domain.ReasonWinnersDistribution {
		t.Fatalf("expected winners_distribution, got %s", s.Reason)
	}
	if !s.Commission.Equal(dec("2.5")) {
		t.Errorf("expected commission 2.5, got %s", s.Commission)
	}
	if got := winnerAmount(t, s, "a"); !got.Equal(dec("29.5")) {
		t.Errorf("expected a to receive 29.5, got %s", got)
	}
	if got := winnerAmount(t, s, "b"); !got.Equal(dec("118")) {
		t.Errorf("expected b to receive 118, got %s", got)
	}
	if len(s.Losers) != 1 || !s.Losers[0].Pnl.Equal(dec("-50")) {
		t.Errorf("expected one loser at pnl -50, got %+v", s.Losers)
	}
}

func TestWinnersDistributionConservation(t *testing.T) {
	// Credits plus commission never exceed the combined pool.
	snap := snapshot(
		map[string]string{"a": "1", "b": "1", "c": "1"},
		map[string]string{"d": "0.0001", "e": "33.333333"},
	)

	s := ComputeSettlement("ETH", 1, domain.OutcomeUp, snap, dec("0.05"))

	total := s.Commission
	for _, w := range s.Winners {
		total = total.Add(w.Amount)
	}
	pool := snap.Volume(domain.SideUp).Add(snap.Volume(domain.SideDown))
	if total.GreaterThan(pool) {
		t.Errorf("distributed %s exceeds pool %s", total, pool)
	}
}

func TestNoWagerRefund(t *testing.T) {
	snap := snapshot(map[string]string{"a": "10", "b": "5"}, nil)

	s := ComputeSettlement("BTC", 3, domain.OutcomeUp, snap, dec("0.05"))

	if s.Reason != domain.ReasonNoWagerRefund {
		t.Fatalf("expected no_wager_refund, got %s", s.Reason)
	}
	if !s.Commission.IsZero() {
		t.Errorf("expected zero commission, got %s", s.Commission)
	}
	if got := winnerAmount(t, s, "a"); !got.Equal(dec("10")) {
		t.Errorf("expected a refunded 10, got %s", got)
	}
	for _, w := range s.Winners {
		if !w.Pnl.IsZero() {
			t.Errorf("refund must carry zero pnl, got %s for %s", w.Pnl, w.Address)
		}
	}
}

func TestNoWinners(t *testing.T) {
	snap := snapshot(nil, map[string]string{"c": "40"})

	s := ComputeSettlement("BTC", 4, domain.OutcomeUp, snap, dec("0.05"))

	if s.Reason != domain.ReasonNoWinners {
		t.Fatalf("expected no_winners, got %s", s.Reason)
	}
	if !s.Commission.Equal(dec("40")) {
		t.Errorf("expected full losing volume as commission, got %s", s.Commission)
	}
	if len(s.Winners) != 0 {
		t.Errorf("expected no winners, got %d", len(s.Winners))
	}
	if len(s.Losers) != 1 || !s.Losers[0].Pnl.Equal(dec("-40")) {
		t.Errorf("expected loser pnl -40, got %+v", s.Losers)
	}
}

func TestTieTakesWholePool(t *testing.T) {
	snap := snapshot(
		map[string]string{"a": "10"},
		map[string]string{"b": "25"},
	)

	s := ComputeSettlement("BTC", 5, domain.OutcomeMid, snap, dec("0.05"))

	if s.Reason != domain.ReasonNoWinners {
		t.Fatalf("expected no_winners on tie, got %s", s.Reason)
	}
	if !s.Commission.Equal(dec("35")) {
		t.Errorf("expected whole pool 35 as commission, got %s", s.Commission)
	}
	if len(s.Winners) != 0 {
		t.Errorf("ties produce no winners, got %d", len(s.Winners))
	}
}

func TestNoStakes(t *testing.T) {
	snap := snapshot(nil, nil)

	for _, outcome := range []domain.Outcome{domain.OutcomeUp, domain.OutcomeDown, domain.OutcomeMid} {
		s := ComputeSettlement("BTC", 6, outcome, snap, dec("0.05"))
		if s.Reason != domain.ReasonNoStakes {
			t.Errorf("outcome %s: expected no_stakes_in_round, got %s", outcome, s.Reason)
		}
		if !s.Commission.IsZero() {
			t.Errorf("outcome %s: expected zero commission, got %s", outcome, s.Commission)
		}
	}
}
