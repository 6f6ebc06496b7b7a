package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a registered player. Created on first registration and never
// deleted. Balance and pnl are mutated only inside ledger transactions.
type Account struct {
	Address     string          `gorm:"primaryKey" json:"address"`
	Username    string          `gorm:"uniqueIndex" json:"username"`
	Balance     decimal.Decimal `gorm:"type:decimal(38,18)" json:"balance"`
	Points      int64           `gorm:"index" json:"points"`       // lifetime score
	EpochPoints int64           `gorm:"index" json:"epoch_points"` // reset each leaderboard epoch
	Pnl         decimal.Decimal `gorm:"type:decimal(38,18)" json:"pnl"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Position is a live stake for the current round. At most one row per
// (address, symbol) while the market's round is open; normal operation
// clears the table every round, so rows found at startup are evidence of
// an unclean shutdown.
type Position struct {
	ID        uint64          `gorm:"primaryKey" json:"id"`
	Address   string          `gorm:"uniqueIndex:idx_position_owner" json:"address"`
	Symbol    string          `gorm:"uniqueIndex:idx_position_owner" json:"symbol"`
	Side      Side            `json:"side"`
	Amount    decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount"`
	Round     int64           `json:"round"`
	CreatedAt time.Time       `gorm:"index" json:"created_at"`
}

// OrderEntry is the archival record of a placed order. Resolution columns
// are filled in when the round settles.
type OrderEntry struct {
	ID            uint64          `gorm:"primaryKey" json:"-"`
	PositionID    uint64          `gorm:"index" json:"-"`
	Address       string          `gorm:"index" json:"address"`
	Symbol        string          `gorm:"index:idx_order_round" json:"symbol"`
	Side          Side            `json:"side"`
	Amount        decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount"`
	Round         int64           `gorm:"index:idx_order_round" json:"round"`
	IsAuto        bool            `json:"is_auto"`
	WinningVolume decimal.Decimal `gorm:"type:decimal(38,18)" json:"winning_volume"`
	LosingVolume  decimal.Decimal `gorm:"type:decimal(38,18)" json:"losing_volume"`
	Resolution    string          `json:"resolution"` // empty until the round settles
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
}

// Withdrawal status machine: PENDING -> IN_BATCH -> removed on success
// (archived as a TransferRecord), FAILED for operator review, or requeued
// to PENDING when the batch aborts.
type WithdrawalStatus string

const (
	WithdrawalPending WithdrawalStatus = "PENDING"
	WithdrawalInBatch WithdrawalStatus = "IN_BATCH"
	WithdrawalFailed  WithdrawalStatus = "FAILED"
)

// WithdrawalRequest is a queued user withdrawal awaiting batch remittance.
type WithdrawalRequest struct {
	ID        uint64           `gorm:"primaryKey" json:"id"`
	Address   string           `gorm:"index" json:"address"`
	Amount    decimal.Decimal  `gorm:"type:decimal(38,18)" json:"amount"`
	Status    WithdrawalStatus `gorm:"index;default:PENDING" json:"status"`
	TxHash    string           `json:"tx_hash"`
	CreatedAt time.Time        `gorm:"index" json:"created_at"`
}

// Transfer kinds for the archival history table.
const (
	TransferDeposit    = "DEPOSIT"
	TransferWithdrawal = "WITHDRAWAL"
)

// TransferRecord archives a confirmed on-chain value transfer.
type TransferRecord struct {
	ID        uint64          `gorm:"primaryKey" json:"-"`
	Address   string          `gorm:"index" json:"address"`
	Amount    decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount"`
	Kind      string          `json:"kind"`
	TxHash    string          `gorm:"index" json:"tx_hash"`
	CreatedAt time.Time       `gorm:"index" json:"created_at"`
}

// Commission accrual buckets. Trading fees are drained to the vault by the
// withdrawal job; volume tracks lifetime platform turnover.
const (
	BucketFees   = "fees"
	BucketVolume = "volume"
)

// CommissionAccrual is a running total per bucket.
type CommissionAccrual struct {
	Bucket string          `gorm:"primaryKey" json:"bucket"`
	Amount decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount"`
}

// RoundRecordVersion guards the persisted round-state layout.
const RoundRecordVersion = 1

// RoundRecord is the per-market round state persisted for restart recovery.
// Outcomes holds the bounded history as a JSON array of Outcome strings.
type RoundRecord struct {
	Symbol    string    `gorm:"primaryKey" json:"symbol"`
	Round     int64     `json:"round"`
	Outcomes  string    `json:"outcomes"`
	Direction string    `json:"direction"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EpochRecordVersion guards the persisted leaderboard-epoch layout.
const EpochRecordVersion = 1

// EpochRecord is the persisted leaderboard scoring window.
type EpochRecord struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	StartAt   int64     `json:"start_at"`
	EndAt     int64     `json:"end_at"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the epoch window has elapsed.
func (e *EpochRecord) Expired(now time.Time) bool {
	return now.Unix() >= e.EndAt
}
