package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"moonride/internal/domain"
	"moonride/internal/infra"
)

// PriceFeed exposes the most recent cached trade per instrument. The
// scheduler samples it once per tick; phase-boundary captures are the
// authoritative prices for settlement.
type PriceFeed interface {
	Latest(symbol string) (domain.PriceSample, bool)
}

// RoundResolver settles a closed round. Called synchronously from the
// tick path so round N fully settles (commit or rollback) before round
// N+1 accepts its first order.
type RoundResolver interface {
	Resolve(ctx context.Context, symbol string, round int64, outcome domain.Outcome, snap domain.PoolSnapshot)
}

// AutoTrader resubmits recurring orders for one market. Fired once per
// round from within the betting window; best-effort.
type AutoTrader interface {
	ExecuteRound(ctx context.Context, symbol string)
}

// EpochChecker is polled every tick; it must be cheap and single-flight
// internally since every market's scheduler calls it.
type EpochChecker interface {
	MaybeResolve(ctx context.Context, now time.Time)
	Window() (startAt, endAt int64)
	RewardSchedule() []decimal.Decimal
}

// RoundStore persists the per-market round record after each resolution.
type RoundStore interface {
	SaveRound(ctx context.Context, rec *domain.RoundRecord) error
}

// RoundConfig shapes the per-market round timing.
type RoundConfig struct {
	BettingSeconds int // length of the betting window
	ActiveSeconds  int // length of the watching window
	AutoTradeAt    int // betting-countdown second that fires auto-stakes
}

// DefaultRoundConfig mirrors the production 30s/30s cycle.
func DefaultRoundConfig() RoundConfig {
	return RoundConfig{BettingSeconds: 30, ActiveSeconds: 30, AutoTradeAt: 10}
}

const outcomeHistoryLimit = 30

// Market runs the round phase state machine for one symbol. Exactly one
// goroutine drives Tick; the pool and the sentiment tally have their own
// locks because orders and votes arrive from other goroutines.
type Market struct {
	symbol string
	cfg    RoundConfig

	feed     PriceFeed
	resolver RoundResolver
	auto     AutoTrader
	epochs   EpochChecker
	hub      Broadcaster
	store    RoundStore

	pool *Pool

	// Owned by the tick goroutine.
	phase      domain.Phase
	counter    int
	round      int64
	startPrice decimal.Decimal
	endPrice   decimal.Decimal
	outcomes   []domain.Outcome
	direction  domain.Outcome // display-only live direction

	// Written by hub goroutines, read by the tick goroutine.
	voteMu   sync.Mutex
	bullish  int64
	bearish  int64
	hasVotes bool
}

// NewMarket creates a market scheduler, resuming round index and outcome
// history from the persisted record when present.
func NewMarket(symbol string, cfg RoundConfig, rec *domain.RoundRecord, feed PriceFeed, resolver RoundResolver, auto AutoTrader, epochs EpochChecker, hub Broadcaster, store RoundStore) *Market {
	m := &Market{
		symbol:   symbol,
		cfg:      cfg,
		feed:     feed,
		resolver: resolver,
		auto:     auto,
		epochs:   epochs,
		hub:      hub,
		store:    store,
		pool:     NewPool(),
		phase:    domain.PhaseBetting,
	}
	if rec != nil {
		m.round = rec.Round
		m.direction = domain.Outcome(rec.Direction)
		var history []domain.Outcome
		if rec.Outcomes != "" {
			if err := json.Unmarshal([]byte(rec.Outcomes), &history); err == nil {
				m.outcomes = history
			}
		}
	}
	return m
}

// Symbol returns the market's instrument symbol.
func (m *Market) Symbol() string { return m.symbol }

// Round returns the index of the round currently being played.
func (m *Market) Round() int64 { return m.round }

// Pool returns the market's live round pool.
func (m *Market) Pool() *Pool { return m.pool }

// Phase returns the current round phase.
func (m *Market) Phase() domain.Phase { return m.phase }

// Vote adds a weighted sentiment vote for the current round.
func (m *Market) Vote(side domain.Side, weight int64) {
	m.voteMu.Lock()
	defer m.voteMu.Unlock()
	if side == domain.SideUp {
		m.bullish += weight
	} else {
		m.bearish += weight
	}
	m.hasVotes = true
}

// Run drives the market on a fixed-period ticker until the context ends.
func (m *Market) Run(ctx context.Context) {
	slog.Info("Market scheduler started",
		slog.String("symbol", m.symbol),
		slog.Int64("round", m.round))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Market scheduler stopping", slog.String("symbol", m.symbol))
			return
		case now := <-ticker.C:
			m.Tick(ctx, now)
		}
	}
}

// Tick advances the state machine by one step. Exported so tests can
// drive rounds with synthetic ticks instead of real time.
func (m *Market) Tick(ctx context.Context, now time.Time) {
	m.counter++

	if m.phase == domain.PhaseBetting && m.counter == m.cfg.AutoTradeAt && m.auto != nil {
		go m.auto.ExecuteRound(ctx, m.symbol)
	}

	if m.epochs != nil {
		m.epochs.MaybeResolve(ctx, now)
	}

	if m.phase == domain.PhaseBetting && m.counter >= m.cfg.BettingSeconds {
		m.beginActive()
	} else if m.phase == domain.PhaseActive {
		m.updateDirection()
		if m.counter >= m.cfg.BettingSeconds+m.cfg.ActiveSeconds {
			m.resolve(ctx)
		}
	}

	m.broadcastTelemetry()
}

// beginActive closes the betting window and captures the round-start
// price. The pool freezes first so no order lands after the capture.
func (m *Market) beginActive() {
	m.pool.Freeze()
	m.phase = domain.PhaseActive

	if sample, ok := m.feed.Latest(m.symbol); ok {
		m.startPrice = sample.Price
	} else {
		m.startPrice = decimal.Zero
	}

	up, upVol := m.pool.SideStats(domain.SideUp)
	down, downVol := m.pool.SideStats(domain.SideDown)
	infra.PoolVolume.WithLabelValues(m.symbol, string(domain.SideUp)).Set(volumeGauge(upVol))
	infra.PoolVolume.WithLabelValues(m.symbol, string(domain.SideDown)).Set(volumeGauge(downVol))

	slog.Debug("Betting window closed",
		slog.String("symbol", m.symbol),
		slog.Int64("round", m.round),
		slog.String("start_price", m.startPrice.String()),
		slog.Int("up_participants", up),
		slog.Int("down_participants", down))
}

// updateDirection recomputes the display-only live direction and seeds
// the sentiment tally when nobody has voted yet.
func (m *Market) updateDirection() {
	sample, ok := m.feed.Latest(m.symbol)
	if !ok {
		return
	}
	m.direction = domain.OutcomeOf(m.startPrice, sample.Price)

	m.voteMu.Lock()
	if !m.hasVotes {
		switch m.direction {
		case domain.OutcomeUp:
			m.bullish, m.bearish = 1, 0
		case domain.OutcomeDown:
			m.bullish, m.bearish = 0, 1
		default:
			m.bullish, m.bearish = 1, 1
		}
		m.hasVotes = true
	}
	m.voteMu.Unlock()
}

// resolve closes the round: capture the end price, compute the outcome,
// settle synchronously, persist the round record, reset for betting.
func (m *Market) resolve(ctx context.Context) {
	if sample, ok := m.feed.Latest(m.symbol); ok {
		m.endPrice = sample.Price
	} else {
		m.endPrice = decimal.Zero
	}

	outcome := domain.OutcomeOf(m.startPrice, m.endPrice)
	m.direction = outcome
	m.outcomes = append(m.outcomes, outcome)
	if len(m.outcomes) > outcomeHistoryLimit {
		m.outcomes = m.outcomes[len(m.outcomes)-outcomeHistoryLimit:]
	}

	snap := m.pool.CloseRound()
	m.resolver.Resolve(ctx, m.symbol, m.round, outcome, snap)

	m.round++
	m.persistRound(ctx)

	m.counter = 0
	m.phase = domain.PhaseBetting
	m.startPrice = decimal.Zero
	m.endPrice = decimal.Zero
	m.voteMu.Lock()
	m.bullish, m.bearish, m.hasVotes = 0, 0, false
	m.voteMu.Unlock()
	infra.PoolVolume.WithLabelValues(m.symbol, string(domain.SideUp)).Set(0)
	infra.PoolVolume.WithLabelValues(m.symbol, string(domain.SideDown)).Set(0)
	m.pool.Open()
}

func (m *Market) persistRound(ctx context.Context) {
	if m.store == nil {
		return
	}
	history, err := json.Marshal(m.outcomes)
	if err != nil {
		history = []byte("[]")
	}
	rec := &domain.RoundRecord{
		Symbol:    m.symbol,
		Round:     m.round,
		Outcomes:  string(history),
		Direction: string(m.direction),
		Version:   domain.RoundRecordVersion,
	}
	if err := m.store.SaveRound(ctx, rec); err != nil {
		slog.Warn("Failed to persist round record",
			slog.String("symbol", m.symbol),
			slog.Any("error", err))
	}
}

// SideStats is the per-side slice of round telemetry.
type SideStats struct {
	Participants int             `json:"participants"`
	Volume       decimal.Decimal `json:"volume"`
}

// Telemetry is the full round snapshot broadcast every tick.
type Telemetry struct {
	Symbol     string            `json:"ticker"`
	Round      int64             `json:"round"`
	Phase      string            `json:"phase"`
	Counter    int               `json:"counter"`
	Price      decimal.Decimal   `json:"price"`
	StartPrice decimal.Decimal   `json:"start_price"`
	EndPrice   decimal.Decimal   `json:"end_price"`
	Direction  domain.Outcome    `json:"direction"`
	History    []domain.Outcome  `json:"history"`
	Up         SideStats         `json:"up"`
	Down       SideStats         `json:"down"`
	Bullish    int64             `json:"bullish_count"`
	Bearish    int64             `json:"bearish_count"`
	EpochStart int64             `json:"epoch_start"`
	EpochEnd   int64             `json:"epoch_end"`
	Rewards    []decimal.Decimal `json:"rewards_distribution,omitempty"`
}

// Snapshot assembles the current telemetry payload.
func (m *Market) Snapshot() Telemetry {
	upCount, upVol := m.pool.SideStats(domain.SideUp)
	downCount, downVol := m.pool.SideStats(domain.SideDown)

	m.voteMu.Lock()
	bullish, bearish := m.bullish, m.bearish
	m.voteMu.Unlock()

	var latest decimal.Decimal
	if sample, ok := m.feed.Latest(m.symbol); ok {
		latest = sample.Price
	}

	// Newest outcome first, matching the client rendering order.
	history := make([]domain.Outcome, len(m.outcomes))
	for i, o := range m.outcomes {
		history[len(m.outcomes)-1-i] = o
	}

	t := Telemetry{
		Symbol:     m.symbol,
		Round:      m.round,
		Phase:      m.phase.String(),
		Counter:    m.counter,
		Price:      latest,
		StartPrice: m.startPrice,
		EndPrice:   m.endPrice,
		Direction:  m.direction,
		History:    history,
		Up:         SideStats{Participants: upCount, Volume: upVol},
		Down:       SideStats{Participants: downCount, Volume: downVol},
		Bullish:    bullish,
		Bearish:    bearish,
	}
	if m.epochs != nil {
		t.EpochStart, t.EpochEnd = m.epochs.Window()
		t.Rewards = m.epochs.RewardSchedule()
	}
	return t
}

func (m *Market) broadcastTelemetry() {
	if m.hub == nil {
		return
	}
	m.hub.Broadcast(m.symbol, "data", m.Snapshot())
}

func volumeGauge(v decimal.Decimal) float64 {
	f, _ := v.Float64()
	return f
}
