package service

import (
	"context"
	"log/slog"

	"moonride/internal/domain"
	"moonride/internal/infra"
	"moonride/internal/infra/storage"
)

// DepositWatcher credits confirmed vault deposits to player balances.
// Crediting is idempotent on the transaction hash, so replays from the
// log poller are harmless.
type DepositWatcher struct {
	store *storage.Storage
	hub   AllBroadcaster
}

// NewDepositWatcher creates a deposit consumer.
func NewDepositWatcher(store *storage.Storage, hub AllBroadcaster) *DepositWatcher {
	return &DepositWatcher{store: store, hub: hub}
}

// Run consumes deposit events until the channel closes or the context
// ends.
func (w *DepositWatcher) Run(ctx context.Context, deposits <-chan domain.Deposit) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("Deposit watcher stopping")
			return
		case dep, ok := <-deposits:
			if !ok {
				return
			}
			w.handle(ctx, dep)
		}
	}
}

func (w *DepositWatcher) handle(ctx context.Context, dep domain.Deposit) {
	if !dep.Amount.IsPositive() {
		return
	}

	credited, err := w.store.RecordDeposit(ctx, dep)
	if err != nil {
		slog.Error("Deposit credit failed",
			slog.String("account", dep.Account),
			slog.String("tx", dep.TxHash),
			slog.Any("error", err))
		return
	}
	if !credited {
		// Already seen this transaction hash.
		return
	}

	infra.DepositsObserved.Inc()
	slog.Info("Deposit credited",
		slog.String("account", dep.Account),
		slog.String("amount", dep.Amount.String()),
		slog.String("tx", dep.TxHash))

	if w.hub != nil {
		w.hub.BroadcastAll("deposit", dep)
	}
}
