package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"moonride/internal/domain"
)

// Pool holds one market's live round state: per-side stakes and volumes.
// It is the fast-path twin of the positions table; every durable insert is
// mirrored here and compensated if the transaction rolls back.
//
// Acceptance and the scheduler's resolve step synchronize on the same
// mutex, so an order is either in the snapshot that settles or it was
// rejected with wrong_phase, never accepted and silently dropped.
type Pool struct {
	mu        sync.Mutex
	accepting bool
	entries   map[domain.Side]map[string]decimal.Decimal
	volumes   map[domain.Side]decimal.Decimal
}

// NewPool creates an empty pool in the accepting state.
func NewPool() *Pool {
	p := &Pool{accepting: true}
	p.reset()
	return p
}

func (p *Pool) reset() {
	p.entries = map[domain.Side]map[string]decimal.Decimal{
		domain.SideUp:   make(map[string]decimal.Decimal),
		domain.SideDown: make(map[string]decimal.Decimal),
	}
	p.volumes = map[domain.Side]decimal.Decimal{
		domain.SideUp:   decimal.Zero,
		domain.SideDown: decimal.Zero,
	}
}

// Reserve records a stake in the pool. It atomically enforces the betting
// window and the one-position-per-account invariant.
func (p *Pool) Reserve(address string, side domain.Side, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.accepting {
		return domain.ErrWrongPhase
	}
	if _, ok := p.entries[domain.SideUp][address]; ok {
		return domain.ErrDuplicatePosition
	}
	if _, ok := p.entries[domain.SideDown][address]; ok {
		return domain.ErrDuplicatePosition
	}

	p.entries[side][address] = amount
	p.volumes[side] = p.volumes[side].Add(amount)
	return nil
}

// Release compensates a reservation whose durable write failed, restoring
// the counters to their pre-call values.
func (p *Pool) Release(address string, side domain.Side, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[side][address]; !ok {
		return
	}
	delete(p.entries[side], address)
	p.volumes[side] = p.volumes[side].Sub(amount)
}

// Freeze stops acceptance at the instant the betting window closes.
// Entries are kept for settlement.
func (p *Pool) Freeze() {
	p.mu.Lock()
	p.accepting = false
	p.mu.Unlock()
}

// CloseRound snapshots and clears the pool. The pool stays frozen until
// Open is called for the next round.
func (p *Pool) CloseRound() domain.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := domain.PoolSnapshot{
		Entries: p.entries,
		Volumes: p.volumes,
	}
	p.accepting = false
	p.reset()
	return snap
}

// Open re-enables acceptance for a new betting window.
func (p *Pool) Open() {
	p.mu.Lock()
	p.accepting = true
	p.mu.Unlock()
}

// Entry returns the live stake for an address, if any.
func (p *Pool) Entry(address string) (domain.Side, decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, side := range []domain.Side{domain.SideUp, domain.SideDown} {
		if amt, ok := p.entries[side][address]; ok {
			return side, amt, true
		}
	}
	return "", decimal.Zero, false
}

// SideStats returns the live participant count and volume for one side,
// for round telemetry.
func (p *Pool) SideStats(side domain.Side) (int, decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries[side]), p.volumes[side]
}
