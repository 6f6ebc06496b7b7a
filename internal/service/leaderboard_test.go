package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"moonride/internal/domain"
)

func setupEpochs(t *testing.T, price string) (*EpochManager, func()) {
	store := setupTestDB(t)
	ctx := context.Background()
	fund(t, store, "0xa", "10", "0xdep1")
	if _, err := store.InsertOrder(ctx, "0xa", "BTC", domain.SideUp, dec("1"), 1, domain.OriginManual); err != nil {
		t.Fatalf("InsertOrder failed: %v", err)
	}

	tokenPrice := func() decimal.Decimal {
		if price == "" {
			return decimal.Zero
		}
		return dec(price)
	}
	m := NewEpochManager(store, nil, tokenPrice, time.Hour, 25)
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	check := func() {
		acct, err := store.GetAccount(ctx, "0xa")
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		// 10 funded - 1 staked + 25 tokens (rank-1 prize of 50 USD at price 2).
		if !acct.Balance.Equal(dec("34")) {
			t.Errorf("expected exactly one reward credit (balance 34), got %s", acct.Balance)
		}
		if acct.EpochPoints != 0 {
			t.Errorf("expected epoch points reset, got %d", acct.EpochPoints)
		}
	}
	return m, check
}

func TestEpochInitPersistsWindow(t *testing.T) {
	m, _ := setupEpochs(t, "2")

	start, end := m.Window()
	if start == 0 || end <= start {
		t.Errorf("bad epoch window: %d..%d", start, end)
	}
}

func TestEpochMaybeResolveBeforeExpiryIsNoop(t *testing.T) {
	m, _ := setupEpochs(t, "2")
	_, endBefore := m.Window()

	m.MaybeResolve(context.Background(), time.Now())

	_, endAfter := m.Window()
	if endAfter != endBefore {
		t.Error("open window must not roll over")
	}
}

func TestEpochRolloverSingleFlight(t *testing.T) {
	m, check := setupEpochs(t, "2")
	_, end := m.Window()
	expired := time.Unix(end, 0).Add(time.Second)

	// Every market's scheduler notices the expiry on the same tick.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.MaybeResolve(context.Background(), expired)
		}()
	}
	wg.Wait()

	check()

	_, newEnd := m.Window()
	if newEnd != expired.Add(time.Hour).Unix() {
		t.Errorf("expected window rolled exactly once, end=%d", newEnd)
	}
}

func TestEpochRolloverDeferredWithoutPrice(t *testing.T) {
	m, _ := setupEpochs(t, "")
	_, end := m.Window()
	expired := time.Unix(end, 0).Add(time.Second)

	m.MaybeResolve(context.Background(), expired)

	// No price, no payout: the window holds.
	_, after := m.Window()
	if after != end {
		t.Error("rollover must be deferred while the token price is unknown")
	}
}

func TestRewardScheduleConvertsToTokens(t *testing.T) {
	m, _ := setupEpochs(t, "5")

	rewards := m.RewardSchedule()
	if len(rewards) != 10 {
		t.Fatalf("expected 10 positional prizes, got %d", len(rewards))
	}
	if !rewards[0].Equal(dec("10")) { // 50 USD / 5
		t.Errorf("expected rank-1 prize 10 tokens, got %s", rewards[0])
	}
	if !rewards[9].Equal(dec("1")) { // 5 USD / 5
		t.Errorf("expected rank-10 prize 1 token, got %s", rewards[9])
	}
}
