package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dec100() decimal.Decimal { return decimal.NewFromInt(100) }

func TestRejectReasonOf(t *testing.T) {
	wrapped := fmt.Errorf("placing order: %w", ErrInsufficientBalance)

	reason, ok := RejectReasonOf(wrapped)
	if !ok || reason != RejectInsufficientBalance {
		t.Errorf("expected insufficient_balance through wrapping, got %v/%v", reason, ok)
	}

	if _, ok := RejectReasonOf(errors.New("unrelated")); ok {
		t.Error("expected no reject reason for unrelated error")
	}
}

func TestChainErrorRetriable(t *testing.T) {
	retriable := NewChainError("distribute", "0xabc", errors.New("timeout"))
	if !IsRetriable(retriable) {
		t.Error("expected chain timeout to be retriable")
	}

	reverted := &ChainError{Op: "receipt", TxHash: "0xabc", Err: ErrReceiptReverted, Retriable: false}
	if IsRetriable(reverted) {
		t.Error("expected revert to be non-retriable")
	}
	if !errors.Is(reverted, ErrReceiptReverted) {
		t.Error("expected unwrap to reach ErrReceiptReverted")
	}

	if IsRetriable(errors.New("plain")) {
		t.Error("plain errors are not retriable")
	}
}

func TestOutcomeOf(t *testing.T) {
	up := OutcomeOf(dec100(), dec("100.01"))
	if up != OutcomeUp {
		t.Errorf("expected up, got %s", up)
	}
	down := OutcomeOf(dec100(), dec("99.99"))
	if down != OutcomeDown {
		t.Errorf("expected down, got %s", down)
	}
	mid := OutcomeOf(dec100(), dec("100"))
	if mid != OutcomeMid {
		t.Errorf("expected mid, got %s", mid)
	}
	if _, ok := mid.WinningSide(); ok {
		t.Error("mid must have no winning side")
	}
}
