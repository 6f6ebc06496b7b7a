package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction a stake is placed on.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// Opposite returns the losing side for a given winning side.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// Outcome is the resolution of a round: the direction the price actually
// moved between the round-start and round-end captures.
type Outcome string

const (
	OutcomeUp   Outcome = "up"
	OutcomeDown Outcome = "down"
	OutcomeMid  Outcome = "mid"
)

// OutcomeOf compares the two boundary prices.
func OutcomeOf(start, end decimal.Decimal) Outcome {
	switch {
	case end.GreaterThan(start):
		return OutcomeUp
	case end.LessThan(start):
		return OutcomeDown
	default:
		return OutcomeMid
	}
}

// WinningSide returns the side that won, or false for a tie.
func (o Outcome) WinningSide() (Side, bool) {
	switch o {
	case OutcomeUp:
		return SideUp, true
	case OutcomeDown:
		return SideDown, true
	default:
		return "", false
	}
}

// Phase of a market round. Orders are accepted only while betting.
type Phase int

const (
	PhaseBetting Phase = iota
	PhaseActive
)

func (p Phase) String() string {
	if p == PhaseActive {
		return "active"
	}
	return "betting"
}

// OrderOrigin distinguishes one-time orders from auto-stake resubmissions.
// Only manual orders earn activity points.
type OrderOrigin string

const (
	OriginManual OrderOrigin = "manual"
	OriginAuto   OrderOrigin = "auto"
)

// Settlement reason codes, matching the resolution broadcast payload.
const (
	ReasonWinnersDistribution = "winners_distribution"
	ReasonNoWagerRefund       = "no_wager_refund"
	ReasonNoWinners           = "no_winners"
	ReasonNoStakes            = "no_stakes_in_round"
)

// PriceSample is the latest observed trade for an instrument.
type PriceSample struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"timestamp"`
}

// PoolSnapshot is a frozen copy of one market's in-memory round pool,
// taken at the instant the round closes.
type PoolSnapshot struct {
	Entries map[Side]map[string]decimal.Decimal
	Volumes map[Side]decimal.Decimal
}

// Volume returns the staked volume for a side (zero when nothing staked).
func (p PoolSnapshot) Volume(s Side) decimal.Decimal {
	return p.Volumes[s]
}

// SettlementEntry is one account's share of a round resolution.
// Amount is credited to the balance; Pnl is added to the realized pnl.
type SettlementEntry struct {
	Address string
	Amount  decimal.Decimal
	Pnl     decimal.Decimal
}

// Settlement is the full pari-mutuel resolution of one round, computed
// in memory and applied to the ledger in a single transaction.
type Settlement struct {
	Symbol        string
	Round         int64
	Outcome       Outcome
	Reason        string
	Winners       []SettlementEntry
	Losers        []SettlementEntry
	Commission    decimal.Decimal
	WinningVolume decimal.Decimal
	LosingVolume  decimal.Decimal
}

// Deposit is an inbound value-transfer event observed on the vault contract.
type Deposit struct {
	Account string
	Amount  decimal.Decimal
	TxHash  string
}
