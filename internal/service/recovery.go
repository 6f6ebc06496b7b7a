package service

import (
	"context"
	"log/slog"

	"moonride/internal/infra/storage"
)

// RecoverState repairs whatever an unclean shutdown left behind, before
// any scheduler starts. Stranded positions are refunded in full (the
// interrupted round never resolved, so nobody won or lost) and claimed
// withdrawal batches whose fate is unknown go back to the pending queue.
// Idempotent: a clean start finds nothing to do.
func RecoverState(ctx context.Context, store *storage.Storage) error {
	refunded, err := store.RefundOpenPositions(ctx)
	if err != nil {
		return err
	}
	if refunded > 0 {
		slog.Warn("Stranded positions refunded after unclean shutdown",
			slog.Int("positions", refunded))
	}

	requeued, err := store.RequeueStuckBatches(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		slog.Warn("Interrupted withdrawal batches requeued",
			slog.Int64("requests", requeued))
	}

	return nil
}
