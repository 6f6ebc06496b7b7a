package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"moonride/internal/domain"
	"moonride/internal/engine"
	"moonride/internal/infra/storage"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setupTestDB(t *testing.T) *storage.Storage {
	s, err := storage.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func fund(t *testing.T, s *storage.Storage, address, amount, txHash string) {
	t.Helper()
	credited, err := s.RecordDeposit(context.Background(), domain.Deposit{
		Account: address,
		Amount:  dec(amount),
		TxHash:  txHash,
	})
	if err != nil || !credited {
		t.Fatalf("funding deposit failed: credited=%v err=%v", credited, err)
	}
}

func testMarket(symbol string) *engine.Market {
	return engine.NewMarket(symbol, engine.DefaultRoundConfig(), nil, nil, nil, nil, nil, nil, nil)
}

func setupOrders(t *testing.T) (*OrderService, *storage.Storage, *engine.Market) {
	store := setupTestDB(t)
	market := testMarket("BTC")
	markets := map[string]*engine.Market{"BTC": market}
	orders := NewOrderService(store, markets, nil, dec("0.0001"))
	return orders, store, market
}

func TestPlaceAcceptsAndDebits(t *testing.T) {
	orders, store, market := setupOrders(t)
	ctx := context.Background()
	fund(t, store, "0xa", "10", "0xdep1")

	if err := orders.Place(ctx, "0xa", "BTC", domain.SideUp, dec("4"), domain.OriginManual); err != nil {
		t.Fatalf("Place failed: %v", err)
	}

	acct, _ := store.GetAccount(ctx, "0xa")
	if !acct.Balance.Equal(dec("6")) {
		t.Errorf("expected balance 6, got %s", acct.Balance)
	}

	side, amount, ok := market.Pool().Entry("0xa")
	if !ok || side != domain.SideUp || !amount.Equal(dec("4")) {
		t.Errorf("expected pool entry up/4, got %s/%s/%v", side, amount, ok)
	}
}

func TestPlaceRejectsBelowMinStakeFirst(t *testing.T) {
	orders, store, market := setupOrders(t)
	ctx := context.Background()
	fund(t, store, "0xa", "10", "0xdep1")

	// The stake floor outranks the phase check.
	market.Pool().Freeze()
	err := orders.Place(ctx, "0xa", "BTC", domain.SideUp, dec("0.00001"), domain.OriginManual)
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("expected invalid_amount before wrong_phase, got %v", err)
	}
}

func TestPlaceRejectsWrongPhase(t *testing.T) {
	orders, store, market := setupOrders(t)
	ctx := context.Background()
	fund(t, store, "0xa", "10", "0xdep1")

	market.Pool().Freeze()
	err := orders.Place(ctx, "0xa", "BTC", domain.SideUp, dec("1"), domain.OriginManual)
	if !errors.Is(err, domain.ErrWrongPhase) {
		t.Errorf("expected wrong_phase, got %v", err)
	}

	if got, _ := store.GetAccount(ctx, "0xa"); !got.Balance.Equal(dec("10")) {
		t.Errorf("rejection must not touch the balance, got %s", got.Balance)
	}
}

func TestPlaceRejectsDuplicate(t *testing.T) {
	orders, store, _ := setupOrders(t)
	ctx := context.Background()
	fund(t, store, "0xa", "10", "0xdep1")

	if err := orders.Place(ctx, "0xa", "BTC", domain.SideUp, dec("1"), domain.OriginManual); err != nil {
		t.Fatalf("first Place failed: %v", err)
	}
	err := orders.Place(ctx, "0xa", "BTC", domain.SideDown, dec("1"), domain.OriginManual)
	if !errors.Is(err, domain.ErrDuplicatePosition) {
		t.Errorf("expected duplicate_position, got %v", err)
	}
}

func TestPlaceRejectsInsufficientBalance(t *testing.T) {
	orders, store, market := setupOrders(t)
	ctx := context.Background()
	fund(t, store, "0xa", "1", "0xdep1")

	err := orders.Place(ctx, "0xa", "BTC", domain.SideUp, dec("5"), domain.OriginManual)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("expected insufficient_balance, got %v", err)
	}

	if _, _, ok := market.Pool().Entry("0xa"); ok {
		t.Error("rejected order must leave no pool entry")
	}
}

func TestPlaceRejectsUnknownMarket(t *testing.T) {
	orders, store, _ := setupOrders(t)
	fund(t, store, "0xa", "10", "0xdep1")

	err := orders.Place(context.Background(), "0xa", "DOGE", domain.SideUp, dec("1"), domain.OriginManual)
	if !errors.Is(err, domain.ErrUnknownMarket) {
		t.Errorf("expected unknown market, got %v", err)
	}
}

func TestPlaceRejectsManualWhileAutoStakeActive(t *testing.T) {
	orders, store, _ := setupOrders(t)
	ctx := context.Background()
	fund(t, store, "0xa", "10", "0xdep1")

	auto := NewAutoTradeExecutor(store, orders)
	cfg := &domain.AutoStake{
		Address:   "0xa",
		Symbol:    "BTC",
		Direction: domain.SideUp,
		Mode:      domain.AutoStakeFixed,
		Amount:    dec("1"),
	}
	if err := auto.Configure(ctx, cfg); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	err := orders.Place(ctx, "0xa", "BTC", domain.SideDown, dec("1"), domain.OriginManual)
	if !errors.Is(err, domain.ErrAutoStakeActive) {
		t.Errorf("expected auto_stake_active, got %v", err)
	}

	// Cancelling frees the market for manual stakes again.
	if err := auto.Cancel(ctx, "0xa", "BTC"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := orders.Place(ctx, "0xa", "BTC", domain.SideDown, dec("1"), domain.OriginManual); err != nil {
		t.Errorf("Place after cancel failed: %v", err)
	}
}

func TestPlaceCompensatesPoolOnDurableFailure(t *testing.T) {
	orders, store, market := setupOrders(t)
	ctx := context.Background()
	fund(t, store, "0xa", "10", "0xdep1")

	if err := orders.Place(ctx, "0xa", "BTC", domain.SideUp, dec("2"), domain.OriginManual); err != nil {
		t.Fatalf("first Place failed: %v", err)
	}

	// Clear the pool without settling: the position row survives, so the
	// next durable insert hits the unique index and must roll back.
	market.Pool().CloseRound()
	market.Pool().Open()

	err := orders.Place(ctx, "0xa", "BTC", domain.SideUp, dec("3"), domain.OriginManual)
	if err == nil {
		t.Fatal("expected durable insert to fail on the unique position index")
	}

	// Compensation: the reservation is gone and the second debit undone.
	if _, _, ok := market.Pool().Entry("0xa"); ok {
		t.Error("expected pool reservation released after rollback")
	}
	acct, _ := store.GetAccount(ctx, "0xa")
	if !acct.Balance.Equal(dec("8")) {
		t.Errorf("expected balance 8 (only the first stake debited), got %s", acct.Balance)
	}
}
