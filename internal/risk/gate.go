package risk

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reason explains why the gate rejected a trade.
type Reason string

const (
	ReasonMaxPositions   Reason = "MAX_POSITIONS"
	ReasonDailyLoss      Reason = "DAILY_LOSS_LIMIT"
	ReasonPortfolioRisk  Reason = "PORTFOLIO_RISK"
	ReasonBelowMinVolume Reason = "BELOW_MIN_VOLUME"
)

// Trade is a prospective trade submitted for admission.
type Trade struct {
	Symbol  string
	Volume  float64
	RiskPct float64
}

// Decision is the outcome of an admission check. Approved decisions carry a
// reservation that must be committed or released by the caller.
type Decision struct {
	Approved    bool
	Scaled      bool
	Volume      float64
	RiskPct     float64
	Reason      Reason
	Reservation Reservation
}

// Gate performs account-scoped admission control.
type Gate struct {
	logger *zap.Logger
}

// NewGate creates a gate.
func NewGate() *Gate {
	return &Gate{logger: zap.NewNop()}
}

// SetLogger sets the logger for the gate.
func (g *Gate) SetLogger(logger *zap.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// Admit checks a trade against the budget, in order: open position count,
// realized daily loss, then aggregate portfolio risk. A trade that would
// exceed the portfolio limit is scaled down to the largest volume that fits,
// floored to the volume step. The check and the reservation happen under the
// budget's lock, so concurrent admissions never jointly exceed the limit.
func (g *Gate) Admit(b *Budget, t Trade) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()

	lim := b.limits
	if len(b.positions)+len(b.reservations) >= lim.MaxConcurrentPositions {
		return g.reject(t, ReasonMaxPositions)
	}
	if lim.MaxDailyLoss > 0 && b.realizedLoss.GreaterThanOrEqual(decimal.NewFromFloat(lim.MaxDailyLoss)) {
		return g.reject(t, ReasonDailyLoss)
	}

	volume := decimal.NewFromFloat(t.Volume)
	riskPct := decimal.NewFromFloat(t.RiskPct)
	minVolume := decimal.NewFromFloat(lim.MinVolume)
	if volume.LessThan(minVolume) || !volume.IsPositive() || !riskPct.IsPositive() {
		return g.reject(t, ReasonBelowMinVolume)
	}

	remaining := decimal.NewFromFloat(lim.MaxPortfolioRiskPct).Sub(b.openRisk()).Sub(b.reservedRisk())
	if !remaining.IsPositive() {
		return g.reject(t, ReasonPortfolioRisk)
	}

	scaled := false
	if riskPct.GreaterThan(remaining) {
		fitted := floorToStep(volume.Mul(remaining).Div(riskPct), decimal.NewFromFloat(lim.VolumeStep))
		if fitted.LessThan(minVolume) || !fitted.IsPositive() {
			return g.reject(t, ReasonBelowMinVolume)
		}
		riskPct = riskPct.Mul(fitted).Div(volume)
		volume = fitted
		scaled = true
	}

	res := b.reserve(riskPct)
	v, _ := volume.Float64()
	r, _ := riskPct.Float64()
	if scaled {
		g.logger.Info("risk_scaled",
			zap.String("symbol", t.Symbol),
			zap.Float64("requested_volume", t.Volume),
			zap.Float64("volume", v),
			zap.Float64("risk_pct", r),
		)
	}
	return Decision{Approved: true, Scaled: scaled, Volume: v, RiskPct: r, Reservation: res}
}

func (g *Gate) reject(t Trade, reason Reason) Decision {
	g.logger.Info("risk_rejected",
		zap.String("symbol", t.Symbol),
		zap.Float64("volume", t.Volume),
		zap.Float64("risk_pct", t.RiskPct),
		zap.String("reason", string(reason)),
	)
	return Decision{Reason: reason}
}

// SizeVolume returns the lot size that risks riskPct of balance with a stop
// stopPips away, floored to step. Zero means the trade is below minVolume.
func SizeVolume(balance, riskPct, stopPips, pipValue, step, minVolume float64) float64 {
	if balance <= 0 || riskPct <= 0 || stopPips <= 0 || pipValue <= 0 {
		return 0
	}
	amount := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(riskPct)).Div(decimal.NewFromInt(100))
	perLot := decimal.NewFromFloat(stopPips).Mul(decimal.NewFromFloat(pipValue))
	lots := floorToStep(amount.Div(perLot), decimal.NewFromFloat(step))
	if lots.LessThan(decimal.NewFromFloat(minVolume)) {
		return 0
	}
	v, _ := lots.Float64()
	return v
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
