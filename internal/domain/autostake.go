package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AutoStakeMode selects how the recurring stake is sized each round.
type AutoStakeMode string

const (
	AutoStakeFixed   AutoStakeMode = "fixed"   // Amount is the stake
	AutoStakePercent AutoStakeMode = "percent" // Amount is a % of the balance
)

// AutoStake is a standing recurring order for one market. A disabled
// configuration has no row; auto-disabling on insufficient balance deletes
// the row in a single durable update.
type AutoStake struct {
	Address   string          `gorm:"primaryKey" json:"address"`
	Symbol    string          `gorm:"primaryKey" json:"symbol"`
	Mode      AutoStakeMode   `json:"mode"`
	Amount    decimal.Decimal `gorm:"type:decimal(38,18)" json:"amount"`
	Direction Side            `json:"direction"`
	CreatedAt time.Time       `json:"created_at"`
}

var oneHundred = decimal.NewFromInt(100)

// StakeFor computes the stake this configuration yields at the given
// account balance.
func (a *AutoStake) StakeFor(balance decimal.Decimal) decimal.Decimal {
	if a.Mode == AutoStakePercent {
		return a.Amount.Div(oneHundred).Mul(balance)
	}
	return a.Amount
}

// Percent bounds for a percent-of-balance configuration.
var (
	minAutoStakePercent = decimal.RequireFromString("0.1")
	maxAutoStakePercent = oneHundred
)

// Validate checks the configuration is well formed.
func (a *AutoStake) Validate() error {
	if a.Direction != SideUp && a.Direction != SideDown {
		return ErrInvalidAmount
	}
	switch a.Mode {
	case AutoStakeFixed:
		if !a.Amount.IsPositive() {
			return ErrInvalidAmount
		}
	case AutoStakePercent:
		if a.Amount.LessThan(minAutoStakePercent) || a.Amount.GreaterThan(maxAutoStakePercent) {
			return ErrInvalidAmount
		}
	default:
		return ErrInvalidAmount
	}
	return nil
}
