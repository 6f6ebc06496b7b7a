package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moonride/internal/domain"
	"moonride/internal/infra"
	"moonride/internal/infra/storage"
)

// Remitter is the on-chain side of the withdrawal pipeline.
type Remitter interface {
	// Withdraw drains accrued commission to the fee address.
	Withdraw(ctx context.Context, amount decimal.Decimal) (txHash string, err error)
	// Distribute remits one batch to its recipients in a single transaction.
	Distribute(ctx context.Context, recipients []string, amounts []decimal.Decimal) (txHash string, err error)
}

// WithdrawalJob periodically reconciles the withdrawal queue against the
// vault contract: drain the fee bucket, then remit one claimed batch.
// Every queued request ends settled, failed, or requeued; none is lost.
type WithdrawalJob struct {
	store     *storage.Storage
	remitter  Remitter
	interval  time.Duration
	batchSize int
}

// NewWithdrawalJob creates the batch processor.
func NewWithdrawalJob(store *storage.Storage, remitter Remitter, interval time.Duration, batchSize int) *WithdrawalJob {
	return &WithdrawalJob{
		store:     store,
		remitter:  remitter,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Request debits the balance and queues a withdrawal. Funds leave play
// immediately; the chain transfer happens on the next batch cycle.
func (j *WithdrawalJob) Request(ctx context.Context, address string, amount decimal.Decimal) (*domain.WithdrawalRequest, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	return j.store.EnqueueWithdrawal(ctx, address, amount)
}

// Run processes batches on a fixed interval until the context ends.
func (j *WithdrawalJob) Run(ctx context.Context) {
	slog.Info("Withdrawal job started",
		slog.Duration("interval", j.interval),
		slog.Int("batch_size", j.batchSize))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Withdrawal job stopping")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce executes one cycle: fee drain first, then a single batch.
// Exported so tests can drive cycles directly.
func (j *WithdrawalJob) RunOnce(ctx context.Context) {
	j.drainFees(ctx)
	j.processBatch(ctx)
}

// drainFees moves the accrued commission bucket to the fee address. The
// bucket is only reduced after the transfer confirms, so a failed drain
// simply retries with the grown total next cycle.
func (j *WithdrawalJob) drainFees(ctx context.Context) {
	fees, err := j.store.CommissionAmount(ctx, domain.BucketFees)
	if err != nil {
		slog.Error("Fee bucket read failed", slog.Any("error", err))
		return
	}
	if !fees.IsPositive() {
		return
	}

	txHash, err := j.remitter.Withdraw(ctx, fees)
	if err != nil {
		slog.Warn("Fee drain failed",
			slog.String("amount", fees.String()),
			slog.String("tx", txHash),
			slog.Any("error", err))
		return
	}

	if err := j.store.DeductCommission(ctx, domain.BucketFees, fees); err != nil {
		// The chain transfer went through but the bucket kept its total;
		// needs operator attention before the next drain doubles it.
		slog.Error("Fee bucket deduction failed after confirmed drain",
			slog.String("amount", fees.String()),
			slog.String("tx", txHash),
			slog.Any("error", err))
		return
	}

	slog.Info("Fees drained",
		slog.String("amount", fees.String()),
		slog.String("tx", txHash))
}

// processBatch claims up to batchSize pending requests and remits them in
// one transaction. Outcomes map onto the status machine: confirmed
// batches are archived, reverted ones parked as FAILED, everything else
// requeued for the next cycle.
func (j *WithdrawalJob) processBatch(ctx context.Context) {
	batch, err := j.store.ClaimPendingWithdrawals(ctx, j.batchSize)
	if err != nil {
		slog.Error("Withdrawal claim failed", slog.Any("error", err))
		return
	}
	if len(batch) == 0 {
		return
	}

	batchID := uuid.NewString()
	recipients := make([]string, len(batch))
	amounts := make([]decimal.Decimal, len(batch))
	total := decimal.Zero
	for i, req := range batch {
		recipients[i] = req.Address
		amounts[i] = req.Amount
		total = total.Add(req.Amount)
	}

	slog.Info("Withdrawal batch submitted",
		slog.String("batch", batchID),
		slog.Int("requests", len(batch)),
		slog.String("total", total.String()))

	txHash, err := j.remitter.Distribute(ctx, recipients, amounts)
	if err == nil {
		if err := j.store.CompleteWithdrawals(ctx, batch, txHash); err != nil {
			slog.Error("Withdrawal archive failed after confirmed batch",
				slog.String("batch", batchID),
				slog.String("tx", txHash),
				slog.Any("error", err))
			return
		}
		infra.WithdrawalBatches.WithLabelValues("settled").Inc()
		slog.Info("Withdrawal batch settled",
			slog.String("batch", batchID),
			slog.String("tx", txHash),
			slog.Int("requests", len(batch)))
		return
	}

	if domain.IsRetriable(err) {
		if reqErr := j.store.RequeueWithdrawals(ctx, batch); reqErr != nil {
			slog.Error("Withdrawal requeue failed",
				slog.String("batch", batchID),
				slog.Any("error", reqErr))
		}
		infra.WithdrawalBatches.WithLabelValues("requeued").Inc()
		slog.Warn("Withdrawal batch requeued",
			slog.String("batch", batchID),
			slog.String("tx", txHash),
			slog.Any("error", err))
		return
	}

	if failErr := j.store.FailWithdrawals(ctx, batch, txHash); failErr != nil {
		slog.Error("Withdrawal fail-marking failed",
			slog.String("batch", batchID),
			slog.Any("error", failErr))
	}
	infra.WithdrawalBatches.WithLabelValues("failed").Inc()
	slog.Error("Withdrawal batch failed",
		slog.String("batch", batchID),
		slog.String("tx", txHash),
		slog.Int("requests", len(batch)),
		slog.Any("error", err))
}
