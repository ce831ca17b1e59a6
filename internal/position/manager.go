// Package position owns the lifecycle of a worker's open positions: stop
// management on every tick and reconciliation against the terminal.
package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-fleet/internal/config"
	"trade-fleet/internal/events"
	"trade-fleet/internal/gateway"
	"trade-fleet/internal/model"
	"trade-fleet/internal/risk"
)

// Options configures a Manager.
type Options struct {
	AccountID   string
	Gateway     gateway.Gateway
	Budget      *risk.Budget
	Publisher   events.Publisher
	Instruments []config.InstrumentConfig
	CallTimeout time.Duration
}

type tracked struct {
	pos           model.Position
	breakevenDone bool
	partialDone   bool
	lastPrice     float64
	lastProfit    float64
}

// Manager tracks every open position of one worker. It is driven by the
// worker's single orchestration loop and is not safe for concurrent use.
type Manager struct {
	accountID   string
	gw          gateway.Gateway
	budget      *risk.Budget
	pub         events.Publisher
	instruments map[string]config.InstrumentConfig
	callTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time

	positions map[int64]*tracked
}

// NewManager creates a manager with no positions.
func NewManager(opts Options) *Manager {
	pub := opts.Publisher
	if pub == nil {
		pub = events.Discard{}
	}
	insts := make(map[string]config.InstrumentConfig, len(opts.Instruments))
	for _, inst := range opts.Instruments {
		insts[inst.Symbol] = inst
	}
	return &Manager{
		accountID:   opts.AccountID,
		gw:          opts.Gateway,
		budget:      opts.Budget,
		pub:         pub,
		instruments: insts,
		callTimeout: opts.CallTimeout,
		logger:      zap.NewNop(),
		now:         time.Now,
		positions:   make(map[int64]*tracked),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger *zap.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Register starts tracking a freshly opened position in state OPEN.
func (m *Manager) Register(pos model.Position) {
	pos.AccountID = m.accountID
	pos.State = model.PositionOpen
	if pos.OpenTime.IsZero() {
		pos.OpenTime = m.now()
	}
	m.positions[pos.Ticket] = &tracked{pos: pos, lastPrice: pos.EntryPrice}
	m.pub.Publish(events.Trade(model.EventPositionOpened, pos, pos.EntryPrice, m.now()))
	m.logger.Info("position_registered",
		zap.Int64("ticket", pos.Ticket),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("volume", pos.Volume),
		zap.Float64("entry", pos.EntryPrice),
	)
}

// OpenCount returns the number of tracked positions.
func (m *Manager) OpenCount() int {
	return len(m.positions)
}

// Positions returns copies of all tracked positions ordered by ticket.
func (m *Manager) Positions() []model.Position {
	out := make([]model.Position, 0, len(m.positions))
	for _, t := range m.positions {
		out = append(out, t.pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Position returns one tracked position.
func (m *Manager) Position(ticket int64) (model.Position, bool) {
	t, ok := m.positions[ticket]
	if !ok {
		return model.Position{}, false
	}
	return t.pos, true
}

// HasSymbol reports whether any position is open on symbol.
func (m *Manager) HasSymbol(symbol string) bool {
	for _, t := range m.positions {
		if t.pos.Symbol == symbol {
			return true
		}
	}
	return false
}

// OnTick evaluates breakeven, partial close and trailing stop for every
// position on symbol, in ticket order. Every change is sent to the terminal
// first and applied locally only once confirmed. A failed call leaves the
// position as it was; it is evaluated again on the next tick. Failures are
// returned joined; one position's failure never stops the others.
func (m *Manager) OnTick(ctx context.Context, symbol string, price float64) error {
	var errs []error
	for _, ticket := range m.tickets(symbol) {
		t := m.positions[ticket]
		t.lastPrice = price
		if err := m.evaluate(ctx, t, price); err != nil {
			if errors.Is(err, gateway.ErrPositionNotFound) {
				m.markClosed(t, "terminal reports position gone")
				continue
			}
			m.logger.Warn("position_update_failed",
				zap.Int64("ticket", ticket),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("ticket %d: %w", ticket, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) evaluate(ctx context.Context, t *tracked, price float64) error {
	inst, ok := m.instruments[t.pos.Symbol]
	if !ok {
		return nil
	}
	r := inst.Risk
	pip := inst.Pip()
	profit := profitPips(t.pos, price, pip)

	if r.BreakevenTrigger != nil && !t.breakevenDone && profit.GreaterThanOrEqual(decimal.NewFromFloat(*r.BreakevenTrigger)) {
		if err := m.breakeven(ctx, t, pip, config.Float(r.BreakevenOffset)); err != nil {
			return err
		}
	}

	if r.PartialCloseTrigger != nil && r.PartialCloseFraction != nil && !t.partialDone &&
		profit.GreaterThanOrEqual(decimal.NewFromFloat(*r.PartialCloseTrigger)) {
		if err := m.partialClose(ctx, t, *r.PartialCloseFraction, profit, config.Float(r.PipValue)); err != nil {
			return err
		}
	}

	if r.TrailingActivation != nil && r.TrailingDistance != nil &&
		profit.GreaterThanOrEqual(decimal.NewFromFloat(*r.TrailingActivation)) {
		if err := m.trail(ctx, t, price, pip, *r.TrailingDistance); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) breakeven(ctx context.Context, t *tracked, pip, offsetPips float64) error {
	pos := &t.pos
	target := roundPrice(decimal.NewFromFloat(pos.EntryPrice).
		Add(decimal.NewFromFloat(offsetPips).Mul(decimal.NewFromFloat(pip)).Mul(decimal.NewFromFloat(pos.Side.Sign()))), pip)

	if !tightens(pos.Side, pos.StopLoss, target) {
		t.breakevenDone = true
		return advance(pos, model.PositionBreakevenSet)
	}
	if err := m.modify(ctx, pos.Ticket, target); err != nil {
		return fmt.Errorf("moving stop to breakeven: %w", err)
	}
	pos.StopLoss = target
	t.breakevenDone = true
	if err := advance(pos, model.PositionBreakevenSet); err != nil {
		return err
	}
	m.logger.Info("position_breakeven", zap.Int64("ticket", pos.Ticket), zap.Float64("stop_loss", target))
	m.pub.Publish(events.Trade(model.EventPositionModified, *pos, t.lastPrice, m.now()))
	return nil
}

func (m *Manager) partialClose(ctx context.Context, t *tracked, fraction float64, profit decimal.Decimal, pipValue float64) error {
	pos := &t.pos
	lim := m.limits()
	volume := decimal.NewFromFloat(pos.Volume)
	closeVol := floorStep(volume.Mul(decimal.NewFromFloat(fraction)), lim.VolumeStep)
	remaining := volume.Sub(closeVol)
	minVol := decimal.NewFromFloat(lim.MinVolume)
	if !closeVol.IsPositive() || closeVol.LessThan(minVol) || remaining.LessThan(minVol) {
		// Too small to split; the level counts as handled.
		t.partialDone = true
		m.logger.Info("position_partial_skipped", zap.Int64("ticket", pos.Ticket), zap.Float64("volume", pos.Volume))
		return nil
	}

	cv, _ := closeVol.Float64()
	ctx, cancel := gateway.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	if err := m.gw.ClosePosition(ctx, pos.Ticket, &cv); err != nil {
		return fmt.Errorf("partial close: %w", err)
	}

	frac, _ := closeVol.Div(volume).Float64()
	pnl, _ := profit.Mul(decimal.NewFromFloat(pipValue)).Mul(closeVol).Float64()
	if m.budget != nil {
		m.budget.Reduce(pos.Ticket, frac, pnl)
	}
	pos.Volume, _ = remaining.Float64()
	pos.RiskPct *= 1 - frac
	t.partialDone = true
	if err := advance(pos, model.PositionPartiallyClosed); err != nil {
		return err
	}
	m.logger.Info("position_partial_closed",
		zap.Int64("ticket", pos.Ticket),
		zap.Float64("closed_volume", cv),
		zap.Float64("remaining_volume", pos.Volume),
	)
	m.pub.Publish(events.Trade(model.EventPositionModified, *pos, t.lastPrice, m.now()))
	return nil
}

func (m *Manager) trail(ctx context.Context, t *tracked, price, pip, distancePips float64) error {
	pos := &t.pos
	candidate := roundPrice(decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(distancePips).Mul(decimal.NewFromFloat(pip)).Mul(decimal.NewFromFloat(pos.Side.Sign()))), pip)

	if !tightens(pos.Side, pos.StopLoss, candidate) {
		return advance(pos, model.PositionTrailingActive)
	}
	if err := m.modify(ctx, pos.Ticket, candidate); err != nil {
		return fmt.Errorf("trailing stop: %w", err)
	}
	pos.StopLoss = candidate
	if err := advance(pos, model.PositionTrailingActive); err != nil {
		return err
	}
	m.logger.Debug("position_trailed", zap.Int64("ticket", pos.Ticket), zap.Float64("stop_loss", candidate))
	m.pub.Publish(events.Trade(model.EventPositionModified, *pos, price, m.now()))
	return nil
}

func (m *Manager) modify(ctx context.Context, ticket int64, stopLoss float64) error {
	ctx, cancel := gateway.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return m.gw.ModifyPosition(ctx, ticket, &stopLoss, nil)
}

// Reconcile makes local state match the terminal's live position list.
// Positions missing from the terminal are closed; positions unknown locally
// are adopted in state OPEN; volume and stops of the rest are synced.
func (m *Manager) Reconcile(live []model.TerminalPosition) {
	seen := make(map[int64]bool, len(live))
	for _, lp := range live {
		seen[lp.Ticket] = true
		t, ok := m.positions[lp.Ticket]
		if !ok {
			m.adopt(lp)
			continue
		}
		t.pos.Volume = lp.Volume
		t.pos.StopLoss = lp.StopLoss
		t.pos.TakeProfit = lp.TakeProfit
		t.lastPrice = lp.CurrentPrice
		t.lastProfit = lp.Profit
	}
	for _, ticket := range m.tickets("") {
		if !seen[ticket] {
			m.markClosed(m.positions[ticket], "missing from terminal")
		}
	}
}

func (m *Manager) adopt(lp model.TerminalPosition) {
	riskPct := 0.0
	if inst, ok := m.instruments[lp.Symbol]; ok {
		riskPct = config.Float(inst.Risk.RiskPct)
	}
	pos := model.Position{
		Ticket:     lp.Ticket,
		AccountID:  m.accountID,
		Symbol:     lp.Symbol,
		Side:       lp.Side,
		Volume:     lp.Volume,
		EntryPrice: lp.EntryPrice,
		StopLoss:   lp.StopLoss,
		TakeProfit: lp.TakeProfit,
		OpenTime:   lp.OpenTime,
		State:      model.PositionOpen,
		RiskPct:    riskPct,
	}
	m.positions[pos.Ticket] = &tracked{pos: pos, lastPrice: lp.CurrentPrice, lastProfit: lp.Profit}
	if m.budget != nil {
		m.budget.Adopt(pos.Ticket, riskPct)
	}
	m.logger.Info("position_adopted", zap.Int64("ticket", pos.Ticket), zap.String("symbol", pos.Symbol))
	m.pub.Publish(events.Trade(model.EventPositionOpened, pos, lp.CurrentPrice, m.now()))
}

// markClosed moves a position to CLOSED, books it against the budget and
// drops it from the live set.
func (m *Manager) markClosed(t *tracked, reason string) {
	pos := &t.pos
	if err := advance(pos, model.PositionClosed); err != nil {
		m.logger.Error("position_close_invalid", zap.Int64("ticket", pos.Ticket), zap.Error(err))
		return
	}
	delete(m.positions, pos.Ticket)
	if m.budget != nil {
		m.budget.Close(pos.Ticket, t.lastProfit)
	}
	m.logger.Info("position_closed",
		zap.Int64("ticket", pos.Ticket),
		zap.String("symbol", pos.Symbol),
		zap.Float64("profit", t.lastProfit),
		zap.String("reason", reason),
	)
	m.pub.Publish(events.Trade(model.EventPositionClosed, *pos, t.lastPrice, m.now()))
}

// tickets returns tracked tickets for symbol, or all when symbol is empty,
// in ascending order.
func (m *Manager) tickets(symbol string) []int64 {
	out := make([]int64, 0, len(m.positions))
	for id, t := range m.positions {
		if symbol == "" || t.pos.Symbol == symbol {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) limits() risk.Limits {
	if m.budget == nil {
		return risk.Limits{}
	}
	return m.budget.Limits()
}

// profitPips is the unrealized move in pips, positive when in profit.
func profitPips(pos model.Position, price, pip float64) decimal.Decimal {
	return decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(pos.EntryPrice)).
		Mul(decimal.NewFromFloat(pos.Side.Sign())).
		Div(decimal.NewFromFloat(pip))
}

// tightens reports whether moving the stop from current to next reduces risk.
// A zero stop is no stop at all.
func tightens(side model.Side, current, next float64) bool {
	if current == 0 {
		return true
	}
	if side == model.SideSell {
		return next < current
	}
	return next > current
}

// roundPrice rounds to a tenth of a pip.
func roundPrice(v decimal.Decimal, pip float64) float64 {
	digits := int32(math.Round(-math.Log10(pip))) + 1
	f, _ := v.Round(digits).Float64()
	return f
}

func floorStep(v decimal.Decimal, step float64) decimal.Decimal {
	s := decimal.NewFromFloat(step)
	if !s.IsPositive() {
		return v
	}
	return v.Div(s).Floor().Mul(s)
}
