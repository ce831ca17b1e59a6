// Package risk implements the per-account risk budget and the admission gate
// every prospective trade passes before execution.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade-fleet/internal/config"
)

// Limits are the account-level exposure limits a budget enforces.
type Limits struct {
	MaxConcurrentPositions int
	MaxPortfolioRiskPct    float64
	MaxDailyLoss           float64
	MinVolume              float64
	VolumeStep             float64
}

// LimitsFrom converts an account's risk section into budget limits.
func LimitsFrom(r config.AccountRisk) Limits {
	return Limits{
		MaxConcurrentPositions: r.MaxConcurrentPositions,
		MaxPortfolioRiskPct:    r.MaxPortfolioRiskPct,
		MaxDailyLoss:           r.MaxDailyLoss,
		MinVolume:              r.MinVolume,
		VolumeStep:             r.VolumeStep,
	}
}

// Reservation holds budget for an admitted trade until it is committed to a
// ticket or released.
type Reservation struct {
	id      uint64
	riskPct decimal.Decimal
}

// Snapshot is a point-in-time copy of a budget's counters.
type Snapshot struct {
	OpenPositions     int     `json:"openPositions"`
	PendingTrades     int     `json:"pendingTrades"`
	OpenRiskPct       float64 `json:"openRiskPct"`
	RealizedLossToday float64 `json:"realizedLossToday"`
	Day               string  `json:"day"`
}

// Budget holds the live risk counters of one account. All methods are safe
// for concurrent use; every read-modify-write happens under one lock.
type Budget struct {
	mu     sync.Mutex
	limits Limits

	positions    map[int64]decimal.Decimal // ticket -> open risk %
	reservations map[uint64]decimal.Decimal
	nextID       uint64
	realizedLoss decimal.Decimal
	day          string

	now func() time.Time
}

// NewBudget creates an empty budget for the given limits.
func NewBudget(limits Limits) *Budget {
	b := &Budget{
		limits:       limits,
		positions:    make(map[int64]decimal.Decimal),
		reservations: make(map[uint64]decimal.Decimal),
		now:          time.Now,
	}
	b.day = b.today()
	return b
}

// SetClock replaces the time source used for the daily loss rollover.
func (b *Budget) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.day = b.today()
}

// Limits returns the configured limits.
func (b *Budget) Limits() Limits {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limits
}

// Resume prepares a budget for a new run of the same account. Open positions
// and pending reservations are dropped so reconciliation can adopt them again,
// while the realized loss of the current day carries over.
func (b *Budget) Resume(limits Limits) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits = limits
	b.positions = make(map[int64]decimal.Decimal)
	b.reservations = make(map[uint64]decimal.Decimal)
	b.rollover()
}

// Commit converts a reservation into an open position for ticket.
func (b *Budget) Commit(res Reservation, ticket int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.reservations[res.id]; !ok {
		return
	}
	delete(b.reservations, res.id)
	b.positions[ticket] = res.riskPct
}

// Release frees a reservation whose trade was never opened.
func (b *Budget) Release(res Reservation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reservations, res.id)
}

// Adopt starts counting a position the account already holds, for example one
// found on the terminal during reconciliation. Limits are not checked.
func (b *Budget) Adopt(ticket int64, riskPct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.positions[ticket]; ok {
		return
	}
	b.positions[ticket] = decimal.NewFromFloat(riskPct)
}

// Close removes a position from the budget and books its realized P&L.
// Unknown tickets are ignored.
func (b *Budget) Close(ticket int64, pnl float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.positions[ticket]; !ok {
		return
	}
	delete(b.positions, ticket)
	b.book(pnl)
}

// Reduce shrinks a position's open risk by the closed fraction of its volume
// and books the realized P&L of the closed part.
func (b *Budget) Reduce(ticket int64, fraction, pnl float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.positions[ticket]
	if !ok {
		return
	}
	keep := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(fraction))
	if keep.IsNegative() {
		keep = decimal.Zero
	}
	b.positions[ticket] = r.Mul(keep)
	b.book(pnl)
}

// OpenCount returns the number of positions the budget counts as open.
func (b *Budget) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}

// Snapshot returns the current counters.
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	risk, _ := b.openRisk().Add(b.reservedRisk()).Float64()
	loss, _ := b.realizedLoss.Float64()
	return Snapshot{
		OpenPositions:     len(b.positions),
		PendingTrades:     len(b.reservations),
		OpenRiskPct:       risk,
		RealizedLossToday: loss,
		Day:               b.day,
	}
}

// book records realized P&L. Only losses count toward the daily limit.
// Callers must hold b.mu.
func (b *Budget) book(pnl float64) {
	b.rollover()
	if pnl < 0 {
		b.realizedLoss = b.realizedLoss.Add(decimal.NewFromFloat(-pnl))
	}
}

// rollover resets the daily loss counter when the UTC date changes.
// Callers must hold b.mu.
func (b *Budget) rollover() {
	if d := b.today(); d != b.day {
		b.day = d
		b.realizedLoss = decimal.Zero
	}
}

func (b *Budget) today() string {
	return b.now().UTC().Format("2006-01-02")
}

func (b *Budget) openRisk() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range b.positions {
		sum = sum.Add(r)
	}
	return sum
}

func (b *Budget) reservedRisk() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range b.reservations {
		sum = sum.Add(r)
	}
	return sum
}

func (b *Budget) reserve(riskPct decimal.Decimal) Reservation {
	b.nextID++
	b.reservations[b.nextID] = riskPct
	return Reservation{id: b.nextID, riskPct: riskPct}
}
