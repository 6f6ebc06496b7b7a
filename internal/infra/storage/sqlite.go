// Package storage is the durable ledger: accounts, positions, order
// history, withdrawal queue, commission buckets and scheduler state, all
// in a single pure-Go SQLite database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"moonride/internal/domain"
)

// refundBatchSize bounds each crash-recovery refund pass.
const refundBatchSize = 100

// Storage defines the interface for data persistence
type Storage struct {
	db *gorm.DB
}

// NewStorage creates a new SQLite storage instance
func NewStorage(dbPath string) (*Storage, error) {
	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(
		&domain.Account{},
		&domain.Position{},
		&domain.OrderEntry{},
		&domain.WithdrawalRequest{},
		&domain.TransferRecord{},
		&domain.CommissionAccrual{},
		&domain.AutoStake{},
		&domain.RoundRecord{},
		&domain.EpochRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.seedBuckets(); err != nil {
		return nil, fmt.Errorf("failed to seed commission buckets: %w", err)
	}
	return s, nil
}

func (s *Storage) seedBuckets() error {
	for _, bucket := range []string{domain.BucketFees, domain.BucketVolume} {
		row := domain.CommissionAccrual{Bucket: bucket, Amount: decimal.Zero}
		if err := s.db.Where("bucket = ?", bucket).FirstOrCreate(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Account Operations
// ======================================================================================

// GetAccount retrieves an account by address.
func (s *Storage) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	var acct domain.Account
	err := s.db.WithContext(ctx).First(&acct, "address = ?", address).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// EnsureAccount returns the account for an address, registering it on
// first contact with a derived username and a zero balance.
func (s *Storage) EnsureAccount(ctx context.Context, address string) (*domain.Account, error) {
	acct := domain.Account{
		Address:  address,
		Username: defaultUsername(address),
		Balance:  decimal.Zero,
		Pnl:      decimal.Zero,
	}
	err := s.db.WithContext(ctx).Where("address = ?", address).FirstOrCreate(&acct).Error
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// SetUsername renames an account. The unique index rejects collisions.
func (s *Storage) SetUsername(ctx context.Context, address, username string) error {
	res := s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("address = ?", address).
		Update("username", username)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func defaultUsername(address string) string {
	tail := address
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return "rider-" + tail
}

// debit subtracts from a balance only if it covers the amount. The guard
// in the WHERE clause is the final arbiter against overdraft.
func debit(tx *gorm.DB, address string, amount decimal.Decimal) error {
	res := tx.Model(&domain.Account{}).
		Where("address = ? AND balance >= ?", address, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInsufficientBalance
	}
	return nil
}

func credit(tx *gorm.DB, address string, amount decimal.Decimal) error {
	return tx.Model(&domain.Account{}).
		Where("address = ?", address).
		Update("balance", gorm.Expr("balance + ?", amount)).Error
}

func awardPoints(tx *gorm.DB, address string, points int64) error {
	return tx.Model(&domain.Account{}).
		Where("address = ?", address).
		Updates(map[string]interface{}{
			"points":       gorm.Expr("points + ?", points),
			"epoch_points": gorm.Expr("epoch_points + ?", points),
		}).Error
}

// ======================================================================================
// Order Operations
// ======================================================================================

// InsertOrder durably records an accepted order: the stake leaves the
// balance, a live position and an archival order entry appear, and the
// lifetime volume bucket grows. Manual orders also earn activity points.
// All of it commits or none of it does.
func (s *Storage) InsertOrder(ctx context.Context, address, symbol string, side domain.Side, amount decimal.Decimal, round int64, origin domain.OrderOrigin) (uint64, error) {
	var positionID uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := debit(tx, address, amount); err != nil {
			return err
		}

		pos := domain.Position{
			Address: address,
			Symbol:  symbol,
			Side:    side,
			Amount:  amount,
			Round:   round,
		}
		if err := tx.Create(&pos).Error; err != nil {
			return err
		}
		positionID = pos.ID

		entry := domain.OrderEntry{
			PositionID: pos.ID,
			Address:    address,
			Symbol:     symbol,
			Side:       side,
			Amount:     amount,
			Round:      round,
			IsAuto:     origin == domain.OriginAuto,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		if err := accrue(tx, domain.BucketVolume, amount); err != nil {
			return err
		}

		if origin == domain.OriginManual {
			return awardPoints(tx, address, domain.PointsForTrade)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return positionID, nil
}

// OrderHistory returns an account's archived orders, newest first.
func (s *Storage) OrderHistory(ctx context.Context, address string, limit int) ([]domain.OrderEntry, error) {
	var entries []domain.OrderEntry
	err := s.db.WithContext(ctx).
		Where("address = ?", address).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// ======================================================================================
// Settlement
// ======================================================================================

// ApplySettlement commits one round's resolution atomically: winner
// credits, realized pnl for both sides, win points, resolution columns on
// the archived orders, the commission accrual, and removal of the round's
// live positions.
func (s *Storage) ApplySettlement(ctx context.Context, set *domain.Settlement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range set.Winners {
			if err := credit(tx, w.Address, w.Amount); err != nil {
				return err
			}
			if err := addPnl(tx, w.Address, w.Pnl); err != nil {
				return err
			}
			if set.Reason == domain.ReasonWinnersDistribution {
				if err := awardPoints(tx, w.Address, domain.PointsForWin); err != nil {
					return err
				}
			}
		}

		for _, l := range set.Losers {
			if err := addPnl(tx, l.Address, l.Pnl); err != nil {
				return err
			}
		}

		if set.Commission.IsPositive() {
			if err := accrue(tx, domain.BucketFees, set.Commission); err != nil {
				return err
			}
		}

		if err := tx.Model(&domain.OrderEntry{}).
			Where("symbol = ? AND round = ?", set.Symbol, set.Round).
			Updates(map[string]interface{}{
				"winning_volume": set.WinningVolume,
				"losing_volume":  set.LosingVolume,
				"resolution":     set.Reason,
			}).Error; err != nil {
			return err
		}

		return tx.Where("symbol = ?", set.Symbol).Delete(&domain.Position{}).Error
	})
}

func addPnl(tx *gorm.DB, address string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	return tx.Model(&domain.Account{}).
		Where("address = ?", address).
		Update("pnl", gorm.Expr("pnl + ?", delta)).Error
}

func accrue(tx *gorm.DB, bucket string, amount decimal.Decimal) error {
	return tx.Model(&domain.CommissionAccrual{}).
		Where("bucket = ?", bucket).
		Update("amount", gorm.Expr("amount + ?", amount)).Error
}

// ======================================================================================
// Commission Buckets
// ======================================================================================

// CommissionAmount returns the running total for a bucket.
func (s *Storage) CommissionAmount(ctx context.Context, bucket string) (decimal.Decimal, error) {
	var row domain.CommissionAccrual
	err := s.db.WithContext(ctx).First(&row, "bucket = ?", bucket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return row.Amount, nil
}

// DeductCommission reduces a bucket, guarded so a concurrent drain can
// never push it negative.
func (s *Storage) DeductCommission(ctx context.Context, bucket string, amount decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&domain.CommissionAccrual{}).
		Where("bucket = ? AND amount >= ?", bucket, amount).
		Update("amount", gorm.Expr("amount - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInsufficientBalance
	}
	return nil
}

// ======================================================================================
// Round / Epoch State
// ======================================================================================

// SaveRound upserts the per-market round record.
func (s *Storage) SaveRound(ctx context.Context, rec *domain.RoundRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// LoadRound retrieves a market's persisted round record, nil when absent
// or from an older layout version.
func (s *Storage) LoadRound(ctx context.Context, symbol string) (*domain.RoundRecord, error) {
	var rec domain.RoundRecord
	err := s.db.WithContext(ctx).First(&rec, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Version != domain.RoundRecordVersion {
		return nil, nil
	}
	return &rec, nil
}

// LoadEpoch retrieves the current leaderboard epoch, nil when absent.
func (s *Storage) LoadEpoch(ctx context.Context) (*domain.EpochRecord, error) {
	var rec domain.EpochRecord
	err := s.db.WithContext(ctx).Order("id DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Version != domain.EpochRecordVersion {
		return nil, nil
	}
	return &rec, nil
}

// SaveEpoch persists a leaderboard epoch window.
func (s *Storage) SaveEpoch(ctx context.Context, rec *domain.EpochRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// ======================================================================================
// Leaderboard
// ======================================================================================

// TopRankings returns the leading accounts of the running epoch. Epoch
// score first, then lifetime points and realized pnl as tie-breaks.
func (s *Storage) TopRankings(ctx context.Context, limit int) ([]domain.Account, error) {
	var accounts []domain.Account
	err := s.db.WithContext(ctx).
		Where("epoch_points > 0").
		Order("epoch_points DESC, points DESC, pnl DESC, address ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

// ResolveEpoch closes the scoring window in one transaction: reward the
// leaders, wipe every account's epoch score and realized pnl, and open
// the next window. Rewards are positional; schedule entry i goes to
// rank i.
func (s *Storage) ResolveEpoch(ctx context.Context, rewards []decimal.Decimal, next *domain.EpochRecord) ([]domain.Account, error) {
	var winners []domain.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("epoch_points > 0").
			Order("epoch_points DESC, points DESC, pnl DESC, address ASC").
			Limit(len(rewards)).
			Find(&winners).Error; err != nil {
			return err
		}

		for i, acct := range winners {
			if rewards[i].IsPositive() {
				if err := credit(tx, acct.Address, rewards[i]); err != nil {
					return err
				}
			}
		}

		if err := tx.Model(&domain.Account{}).
			Where("epoch_points <> 0 OR pnl <> 0").
			Updates(map[string]interface{}{
				"epoch_points": 0,
				"pnl":          decimal.Zero,
			}).Error; err != nil {
			return err
		}

		return tx.Save(next).Error
	})
	if err != nil {
		return nil, err
	}
	return winners, nil
}

// ======================================================================================
// Withdrawal Queue
// ======================================================================================

// EnqueueWithdrawal debits the balance and queues the request in one
// transaction. The funds are out of play from the moment this commits.
func (s *Storage) EnqueueWithdrawal(ctx context.Context, address string, amount decimal.Decimal) (*domain.WithdrawalRequest, error) {
	req := domain.WithdrawalRequest{
		Address: address,
		Amount:  amount,
		Status:  domain.WithdrawalPending,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := debit(tx, address, amount); err != nil {
			return err
		}
		return tx.Create(&req).Error
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ClaimPendingWithdrawals moves up to limit PENDING requests to IN_BATCH
// and returns them. The status guard on the claim makes a double claim
// impossible even with overlapping job runs.
func (s *Storage) ClaimPendingWithdrawals(ctx context.Context, limit int) ([]domain.WithdrawalRequest, error) {
	var claimed []domain.WithdrawalRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []domain.WithdrawalRequest
		if err := tx.
			Where("status = ?", domain.WithdrawalPending).
			Order("id ASC").
			Limit(limit).
			Find(&pending).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		ids := requestIDs(pending)
		res := tx.Model(&domain.WithdrawalRequest{}).
			Where("id IN ? AND status = ?", ids, domain.WithdrawalPending).
			Update("status", domain.WithdrawalInBatch)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			// Someone else claimed part of the set; retry next cycle.
			return fmt.Errorf("withdrawal claim raced: wanted %d got %d", len(ids), res.RowsAffected)
		}

		claimed = pending
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteWithdrawals removes remitted requests and archives them as
// confirmed transfers carrying the batch transaction hash.
func (s *Storage) CompleteWithdrawals(ctx context.Context, reqs []domain.WithdrawalRequest, txHash string) error {
	if len(reqs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records := make([]domain.TransferRecord, 0, len(reqs))
		for _, r := range reqs {
			records = append(records, domain.TransferRecord{
				Address: r.Address,
				Amount:  r.Amount,
				Kind:    domain.TransferWithdrawal,
				TxHash:  txHash,
			})
		}
		if err := tx.Create(&records).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", requestIDs(reqs)).
			Delete(&domain.WithdrawalRequest{}).Error
	})
}

// FailWithdrawals parks requests for operator review after a
// non-retriable remittance failure.
func (s *Storage) FailWithdrawals(ctx context.Context, reqs []domain.WithdrawalRequest, txHash string) error {
	if len(reqs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&domain.WithdrawalRequest{}).
		Where("id IN ?", requestIDs(reqs)).
		Updates(map[string]interface{}{
			"status":  domain.WithdrawalFailed,
			"tx_hash": txHash,
		}).Error
}

// RequeueWithdrawals returns an aborted batch to PENDING so the next
// cycle retries it.
func (s *Storage) RequeueWithdrawals(ctx context.Context, reqs []domain.WithdrawalRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&domain.WithdrawalRequest{}).
		Where("id IN ? AND status = ?", requestIDs(reqs), domain.WithdrawalInBatch).
		Update("status", domain.WithdrawalPending).Error
}

// RequeueStuckBatches returns any IN_BATCH rows to PENDING. Run at
// startup; rows stuck in IN_BATCH are evidence of a crash mid-batch.
func (s *Storage) RequeueStuckBatches(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&domain.WithdrawalRequest{}).
		Where("status = ?", domain.WithdrawalInBatch).
		Update("status", domain.WithdrawalPending)
	return res.RowsAffected, res.Error
}

func requestIDs(reqs []domain.WithdrawalRequest) []uint64 {
	ids := make([]uint64, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}

// ======================================================================================
// Transfers
// ======================================================================================

// RecordDeposit credits a confirmed vault deposit. Idempotent on the
// transaction hash so a re-observed event cannot double-credit.
func (s *Storage) RecordDeposit(ctx context.Context, dep domain.Deposit) (bool, error) {
	credited := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.TransferRecord{}).
			Where("tx_hash = ? AND kind = ?", dep.TxHash, domain.TransferDeposit).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		if _, err := ensureAccountTx(tx, dep.Account); err != nil {
			return err
		}
		if err := credit(tx, dep.Account, dep.Amount); err != nil {
			return err
		}
		if err := awardPoints(tx, dep.Account, domain.PointsForDeposit); err != nil {
			return err
		}
		if err := tx.Create(&domain.TransferRecord{
			Address: dep.Account,
			Amount:  dep.Amount,
			Kind:    domain.TransferDeposit,
			TxHash:  dep.TxHash,
		}).Error; err != nil {
			return err
		}
		credited = true
		return nil
	})
	return credited, err
}

func ensureAccountTx(tx *gorm.DB, address string) (*domain.Account, error) {
	acct := domain.Account{
		Address:  address,
		Username: defaultUsername(address),
		Balance:  decimal.Zero,
		Pnl:      decimal.Zero,
	}
	if err := tx.Where("address = ?", address).FirstOrCreate(&acct).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

// TransferHistory returns an account's archived transfers, newest first.
func (s *Storage) TransferHistory(ctx context.Context, address string, limit int) ([]domain.TransferRecord, error) {
	var records []domain.TransferRecord
	err := s.db.WithContext(ctx).
		Where("address = ?", address).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ======================================================================================
// Auto-Stake Configurations
// ======================================================================================

// UpsertAutoStake stores a recurring order configuration.
func (s *Storage) UpsertAutoStake(ctx context.Context, cfg *domain.AutoStake) error {
	return s.db.WithContext(ctx).Save(cfg).Error
}

// DeleteAutoStake removes a configuration. Missing rows are not an error.
func (s *Storage) DeleteAutoStake(ctx context.Context, address, symbol string) error {
	return s.db.WithContext(ctx).
		Where("address = ? AND symbol = ?", address, symbol).
		Delete(&domain.AutoStake{}).Error
}

// ListAutoStakes returns every configuration for a market, oldest first
// so execution order is stable across rounds.
func (s *Storage) ListAutoStakes(ctx context.Context, symbol string) ([]domain.AutoStake, error) {
	var cfgs []domain.AutoStake
	err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("created_at ASC, address ASC").
		Find(&cfgs).Error
	return cfgs, err
}

// GetAutoStake retrieves one configuration, nil when disabled.
func (s *Storage) GetAutoStake(ctx context.Context, address, symbol string) (*domain.AutoStake, error) {
	var cfg domain.AutoStake
	err := s.db.WithContext(ctx).
		First(&cfg, "address = ? AND symbol = ?", address, symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ======================================================================================
// Crash Recovery
// ======================================================================================

// RefundOpenPositions returns every stranded stake to its owner, in
// bounded batches. Positions only survive a restart when the process died
// between accepting orders and settling the round; each refund also
// removes the matching unresolved order entry so history shows no
// phantom round. Safe to run when the table is empty.
func (s *Storage) RefundOpenPositions(ctx context.Context) (int, error) {
	refunded := 0
	for {
		var batch []domain.Position
		if err := s.db.WithContext(ctx).
			Order("id ASC").
			Limit(refundBatchSize).
			Find(&batch).Error; err != nil {
			return refunded, err
		}
		if len(batch) == 0 {
			return refunded, nil
		}

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, pos := range batch {
				if err := credit(tx, pos.Address, pos.Amount); err != nil {
					return err
				}
				if err := tx.Where("position_id = ?", pos.ID).
					Delete(&domain.OrderEntry{}).Error; err != nil {
					return err
				}
				if err := tx.Delete(&domain.Position{}, pos.ID).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return refunded, err
		}
		refunded += len(batch)

		if len(batch) < refundBatchSize {
			return refunded, nil
		}
	}
}

// OpenPositionCount reports how many live positions exist.
func (s *Storage) OpenPositionCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Position{}).Count(&count).Error
	return count, err
}
