package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"moonride/internal/domain"
	"moonride/internal/infra"
	"moonride/internal/infra/storage"
)

// rewardScheduleUSD is the positional prize table, rank 1 first, in USD.
// Converted to token amounts at payout time using the live token price.
var rewardScheduleUSD = []decimal.Decimal{
	decimal.NewFromInt(50), decimal.NewFromInt(45), decimal.NewFromInt(40),
	decimal.NewFromInt(35), decimal.NewFromInt(30), decimal.NewFromInt(25),
	decimal.NewFromInt(20), decimal.NewFromInt(15), decimal.NewFromInt(10),
	decimal.NewFromInt(5),
}

// AllBroadcaster fans an event out to every market channel.
type AllBroadcaster interface {
	BroadcastAll(event string, payload any)
}

// EpochManager owns the leaderboard scoring window. Every market's
// scheduler polls MaybeResolve each tick; the atomic flag guarantees one
// resolution no matter how many markets notice the expiry together.
type EpochManager struct {
	store      *storage.Storage
	hub        AllBroadcaster
	tokenPrice func() decimal.Decimal
	length     time.Duration
	topN       int

	resolving atomic.Bool

	mu      sync.RWMutex
	startAt int64
	endAt   int64
}

// NewEpochManager creates the epoch manager. tokenPrice supplies the live
// token/USD price for reward conversion.
func NewEpochManager(store *storage.Storage, hub AllBroadcaster, tokenPrice func() decimal.Decimal, length time.Duration, topN int) *EpochManager {
	return &EpochManager{
		store:      store,
		hub:        hub,
		tokenPrice: tokenPrice,
		length:     length,
		topN:       topN,
	}
}

// Init loads the persisted epoch window, opening a fresh one when none
// exists or the stored layout is stale.
func (m *EpochManager) Init(ctx context.Context) error {
	rec, err := m.store.LoadEpoch(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		now := time.Now()
		rec = &domain.EpochRecord{
			StartAt: now.Unix(),
			EndAt:   now.Add(m.length).Unix(),
			Version: domain.EpochRecordVersion,
		}
		if err := m.store.SaveEpoch(ctx, rec); err != nil {
			return err
		}
		slog.Info("Leaderboard epoch opened",
			slog.Int64("start", rec.StartAt),
			slog.Int64("end", rec.EndAt))
	}

	m.mu.Lock()
	m.startAt, m.endAt = rec.StartAt, rec.EndAt
	m.mu.Unlock()
	return nil
}

// Window returns the current epoch bounds as unix seconds.
func (m *EpochManager) Window() (int64, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startAt, m.endAt
}

// RewardSchedule returns the positional prizes in token units at the
// current price, or nil while no price is known.
func (m *EpochManager) RewardSchedule() []decimal.Decimal {
	price := m.tokenPrice()
	if !price.IsPositive() {
		return nil
	}
	rewards := make([]decimal.Decimal, len(rewardScheduleUSD))
	for i, usd := range rewardScheduleUSD {
		rewards[i] = usd.DivRound(price, 18)
	}
	return rewards
}

// Rankings returns the current epoch's leading accounts.
func (m *EpochManager) Rankings(ctx context.Context) ([]domain.Account, error) {
	return m.store.TopRankings(ctx, m.topN)
}

// EpochEvent is the payload of the 'epoch' broadcast after a rollover.
type EpochEvent struct {
	StartAt int64            `json:"start_at"`
	EndAt   int64            `json:"end_at"`
	Winners []domain.Account `json:"winners"`
}

// MaybeResolve rolls the epoch over once its window has elapsed. Cheap
// when the window is still open; single-flight when it is not.
func (m *EpochManager) MaybeResolve(ctx context.Context, now time.Time) {
	m.mu.RLock()
	expired := now.Unix() >= m.endAt
	m.mu.RUnlock()
	if !expired {
		return
	}

	if !m.resolving.CompareAndSwap(false, true) {
		return
	}
	defer m.resolving.Store(false)

	// Re-check under the flag; a racing caller may have already rolled.
	m.mu.RLock()
	expired = now.Unix() >= m.endAt
	m.mu.RUnlock()
	if !expired {
		return
	}

	rewards := m.RewardSchedule()
	if rewards == nil {
		// No price yet. Hold the epoch open; payouts in unknown token
		// amounts are worse than a late rollover.
		slog.Warn("Epoch rollover deferred, token price unavailable")
		return
	}

	next := &domain.EpochRecord{
		StartAt: now.Unix(),
		EndAt:   now.Add(m.length).Unix(),
		Version: domain.EpochRecordVersion,
	}

	winners, err := m.store.ResolveEpoch(ctx, rewards, next)
	if err != nil {
		slog.Error("Epoch rollover failed", slog.Any("error", err))
		return
	}

	m.mu.Lock()
	m.startAt, m.endAt = next.StartAt, next.EndAt
	m.mu.Unlock()

	infra.EpochRollovers.Inc()
	slog.Info("Leaderboard epoch resolved",
		slog.Int("winners", len(winners)),
		slog.Int64("next_start", next.StartAt),
		slog.Int64("next_end", next.EndAt))

	if m.hub != nil {
		m.hub.BroadcastAll("epoch", EpochEvent{
			StartAt: next.StartAt,
			EndAt:   next.EndAt,
			Winners: winners,
		})
	}
}
