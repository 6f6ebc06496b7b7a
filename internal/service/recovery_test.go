package service

import (
	"context"
	"testing"

	"moonride/internal/domain"
)

func TestRecoverStateRefundsAndRequeues(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	fund(t, store, "0xa", "10", "0xdep1")

	// Simulate the crash window: an accepted stake that never settled and
	// a withdrawal batch claimed but not finished.
	if _, err := store.InsertOrder(ctx, "0xa", "BTC", domain.SideUp, dec("4"), 1, domain.OriginManual); err != nil {
		t.Fatalf("InsertOrder failed: %v", err)
	}
	if _, err := store.EnqueueWithdrawal(ctx, "0xa", dec("2")); err != nil {
		t.Fatalf("EnqueueWithdrawal failed: %v", err)
	}
	if _, err := store.ClaimPendingWithdrawals(ctx, 10); err != nil {
		t.Fatalf("ClaimPendingWithdrawals failed: %v", err)
	}

	if err := RecoverState(ctx, store); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}

	// Stake refunded: 10 - 2 queued withdrawal.
	acct, _ := store.GetAccount(ctx, "0xa")
	if !acct.Balance.Equal(dec("8")) {
		t.Errorf("expected balance 8 after refund, got %s", acct.Balance)
	}
	count, _ := store.OpenPositionCount(ctx)
	if count != 0 {
		t.Errorf("expected no open positions, got %d", count)
	}

	// The claimed batch is pending again.
	claimed, _ := store.ClaimPendingWithdrawals(ctx, 10)
	if len(claimed) != 1 {
		t.Errorf("expected stuck batch requeued, got %d claimable", len(claimed))
	}

	// Clean start: nothing to do.
	if err := RecoverState(ctx, store); err != nil {
		t.Errorf("idempotent recovery failed: %v", err)
	}
}
