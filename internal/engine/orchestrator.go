// Package engine runs the per-worker orchestration cycle: market data,
// signal, risk admission, execution and position maintenance for every
// enabled instrument of one account.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"trade-fleet/internal/config"
	"trade-fleet/internal/events"
	"trade-fleet/internal/gateway"
	"trade-fleet/internal/model"
	"trade-fleet/internal/position"
	"trade-fleet/internal/risk"
	"trade-fleet/internal/scorer"
	"trade-fleet/internal/signal"
	"trade-fleet/internal/strategy"
	"trade-fleet/internal/telemetry"
)

// ErrConnectionLost is returned by Run when the terminal stayed unreachable
// for the configured number of consecutive cycles.
var ErrConnectionLost = errors.New("engine: connection lost")

// Options configures an Orchestrator.
type Options struct {
	Account        config.AccountConfig
	Engine         config.EngineConfig
	CallTimeout    time.Duration
	ConnectRetries int
	RetryBackoff   time.Duration

	Gateway   gateway.Gateway
	Scorer    scorer.Scorer
	Publisher events.Publisher
	Gate      *risk.Gate
	Budget    *risk.Budget
}

// Stats is a snapshot of an orchestrator's counters.
type Stats struct {
	CycleCount              int64     `json:"cycleCount"`
	LastCycleAt             time.Time `json:"lastCycleAt"`
	OpenPositions           int       `json:"openPositions"`
	ConsecutiveConnFailures int       `json:"consecutiveConnFailures"`
	RiskRejections          int64     `json:"riskRejections"`
	LastRejection           string    `json:"lastRejection,omitempty"`
}

// Orchestrator is the control loop of one worker. Run is single-threaded:
// cycles never overlap and instruments are processed in configured order.
type Orchestrator struct {
	acct        config.AccountConfig
	instruments []config.InstrumentConfig
	cfg         config.EngineConfig
	callTimeout time.Duration
	retries     int
	backoff     time.Duration

	gw        gateway.Gateway
	scorer    scorer.Scorer
	pub       events.Publisher
	gate      *risk.Gate
	budget    *risk.Budget
	positions *position.Manager
	logger    *zap.Logger
	now       func() time.Time

	failures int

	mu    sync.Mutex
	stats Stats
}

// New creates an orchestrator for one account.
func New(opts Options) *Orchestrator {
	pub := opts.Publisher
	if pub == nil {
		pub = events.Discard{}
	}
	gate := opts.Gate
	if gate == nil {
		gate = risk.NewGate()
	}
	budget := opts.Budget
	if budget == nil {
		budget = risk.NewBudget(risk.LimitsFrom(opts.Account.Risk))
	}
	backoff := opts.RetryBackoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	}

	insts := opts.Account.EnabledInstruments()
	o := &Orchestrator{
		acct:        opts.Account,
		instruments: insts,
		cfg:         opts.Engine,
		callTimeout: opts.CallTimeout,
		retries:     opts.ConnectRetries,
		backoff:     backoff,
		gw:          opts.Gateway,
		scorer:      opts.Scorer,
		pub:         pub,
		gate:        gate,
		budget:      budget,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	o.positions = position.NewManager(position.Options{
		AccountID:   opts.Account.AccountID,
		Gateway:     opts.Gateway,
		Budget:      budget,
		Publisher:   pub,
		Instruments: insts,
		CallTimeout: opts.CallTimeout,
	})
	return o
}

// SetLogger sets the logger for the orchestrator and its position manager.
func (o *Orchestrator) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	o.logger = logger
	o.positions.SetLogger(logger)
	o.gate.SetLogger(logger)
}

// Stats returns the current counters. It never blocks on a running cycle.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Run executes cycles every CycleInterval until ctx is cancelled or the
// connection is lost. Cancellation is only observed between instruments and
// between cycles; an in-flight terminal call always completes. A graceful
// stop returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.cfg.CycleInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("orchestrator_started",
		zap.Int("instruments", len(o.instruments)),
		zap.Duration("interval", interval),
	)

	for {
		if err := o.RunCycle(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator_stopped", zap.Int64("cycles", o.Stats().CycleCount))
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle runs one pass over all enabled instruments. It returns
// ErrConnectionLost once connectivity failures hit the configured limit.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	work := context.WithoutCancel(ctx)
	work, span := telemetry.StartSpan(work, "orchestrator.cycle", attribute.String("account_id", o.acct.AccountID))
	start := o.now()

	balance, connErr := o.sync(ctx, work)
	if connErr == nil {
		for _, inst := range o.instruments {
			if ctx.Err() != nil {
				break
			}
			if err := o.processInstrument(work, inst, balance); err != nil {
				o.logger.Warn("instrument_failed", zap.String("symbol", inst.Symbol), zap.Error(err))
			}
		}
	}

	o.mu.Lock()
	o.stats.CycleCount++
	o.stats.LastCycleAt = start
	o.stats.OpenPositions = o.positions.OpenCount()
	o.mu.Unlock()

	err := o.checkConnection(ctx, connErr)
	telemetry.EndSpan(span, err)
	o.logger.Debug("cycle_completed", zap.Duration("took", o.now().Sub(start)), zap.Bool("connection_failed", connErr != nil))
	return err
}

// sync reconciles positions with the terminal and reads the balance used for
// sizing. Connectivity errors are retried; the last one is returned.
func (o *Orchestrator) sync(stop, work context.Context) (float64, error) {
	var live []model.TerminalPosition
	err := gateway.Retry(stop, o.retries+1, o.backoff, func() error {
		c, cancel := gateway.WithTimeout(work, o.callTimeout)
		defer cancel()
		var err error
		live, err = o.gw.GetOpenPositions(c, o.acct.AccountID)
		return err
	})
	if err != nil {
		o.logger.Warn("position_sync_failed", zap.Error(err))
		return 0, err
	}
	o.positions.Reconcile(live)

	var acct model.AccountState
	err = gateway.Retry(stop, o.retries+1, o.backoff, func() error {
		c, cancel := gateway.WithTimeout(work, o.callTimeout)
		defer cancel()
		var err error
		acct, err = o.gw.GetAccount(c)
		return err
	})
	if err != nil {
		o.logger.Warn("account_sync_failed", zap.Error(err))
		return 0, err
	}
	return acct.Balance, nil
}

// checkConnection tracks consecutive connection-failed cycles and decides
// whether the worker can continue.
func (o *Orchestrator) checkConnection(stop context.Context, connErr error) error {
	if connErr == nil {
		o.setFailures(0)
		return nil
	}
	if !gateway.IsRetryable(connErr) {
		o.setFailures(0)
		return nil
	}

	o.setFailures(o.failures + 1)
	limit := o.cfg.MaxConsecutiveConnFailures
	if limit <= 0 {
		limit = 3
	}
	if o.failures < limit {
		return nil
	}

	if o.cfg.Reconnect {
		err := gateway.Retry(stop, o.retries+1, o.backoff, func() error {
			c, cancel := gateway.WithTimeout(context.WithoutCancel(stop), o.callTimeout)
			defer cancel()
			return o.gw.Connect(c)
		})
		if err == nil {
			o.logger.Info("gateway_reconnected", zap.Int("failed_cycles", o.failures))
			o.setFailures(0)
			return nil
		}
		connErr = err
	}
	o.logger.Error("connection_lost", zap.Int("failed_cycles", o.failures), zap.Error(connErr))
	return fmt.Errorf("%w after %d cycles: %v", ErrConnectionLost, o.failures, connErr)
}

func (o *Orchestrator) setFailures(n int) {
	o.failures = n
	o.mu.Lock()
	o.stats.ConsecutiveConnFailures = n
	o.mu.Unlock()
}

func (o *Orchestrator) processInstrument(ctx context.Context, inst config.InstrumentConfig, balance float64) error {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.instrument",
		attribute.String("account_id", o.acct.AccountID),
		attribute.String("symbol", inst.Symbol),
	)

	err := o.evaluateInstrument(ctx, inst, balance)
	telemetry.EndSpan(span, err)
	return err
}

func (o *Orchestrator) evaluateInstrument(ctx context.Context, inst config.InstrumentConfig, balance float64) error {
	count := o.cfg.BarCount
	if count <= 0 {
		count = 200
	}
	c, cancel := gateway.WithTimeout(ctx, o.callTimeout)
	bars, err := o.gw.GetMarketData(c, inst.Symbol, inst.Timeframe, count)
	cancel()
	if err != nil {
		return fmt.Errorf("market data: %w", err)
	}
	if len(bars) == 0 {
		return fmt.Errorf("market data: no bars for %s", inst.Symbol)
	}
	price := bars[len(bars)-1].Close

	tech, err := strategy.Evaluate(strategy.Kind(inst.Strategy.Kind), bars, inst.Strategy.Params)
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	sig := signal.Combine(inst.Symbol, tech, o.score(inst, bars), signal.ConfigFrom(inst.Model))

	var tradeErr error
	if side, ok := sig.Direction.Side(); ok && sig.Confidence > 0 && sig.Confidence >= config.Float(inst.MinConfidence) {
		tradeErr = o.trade(ctx, inst, side, sig, price, balance)
	} else {
		o.logger.Debug("signal_skipped",
			zap.String("symbol", inst.Symbol),
			zap.String("direction", string(sig.Direction)),
			zap.Float64("confidence", sig.Confidence),
		)
	}

	tickErr := o.positions.OnTick(ctx, inst.Symbol, price)
	return errors.Join(tradeErr, tickErr)
}

func (o *Orchestrator) score(inst config.InstrumentConfig, bars []model.Bar) *scorer.Score {
	if o.scorer == nil || !inst.ModelEnabled() {
		return nil
	}
	features := scorer.Features(bars, o.cfg.ModelWindow)
	if features == nil {
		return nil
	}
	sc, err := o.scorer.Score(inst.Symbol, features)
	if err != nil {
		o.logger.Debug("model_score_unavailable", zap.String("symbol", inst.Symbol), zap.Error(err))
		return nil
	}
	return &sc
}

// trade sizes, admits and opens one position. Opens are never retried.
func (o *Orchestrator) trade(ctx context.Context, inst config.InstrumentConfig, side model.Side, sig model.Signal, price, balance float64) error {
	for _, p := range o.positions.Positions() {
		if p.Symbol == inst.Symbol && p.Side == side {
			o.logger.Debug("signal_already_held", zap.String("symbol", inst.Symbol), zap.Int64("ticket", p.Ticket))
			return nil
		}
	}

	r := inst.Risk
	riskPct := config.Float(r.RiskPct)
	lim := o.budget.Limits()
	volume := risk.SizeVolume(balance, riskPct, config.Float(r.StopDistance), config.Float(r.PipValue), lim.VolumeStep, lim.MinVolume)
	if volume == 0 {
		o.recordRejection(inst.Symbol, risk.ReasonBelowMinVolume)
		return nil
	}

	d := o.gate.Admit(o.budget, risk.Trade{Symbol: inst.Symbol, Volume: volume, RiskPct: riskPct})
	if !d.Approved {
		o.recordRejection(inst.Symbol, d.Reason)
		return nil
	}

	pip := inst.Pip()
	sl := offsetPrice(price, -side.Sign()*config.Float(r.StopDistance), pip)
	tp := offsetPrice(price, side.Sign()*config.Float(r.TargetDistance), pip)
	req := gateway.OpenRequest{
		Symbol:     inst.Symbol,
		Side:       side,
		Volume:     d.Volume,
		StopLoss:   &sl,
		TakeProfit: &tp,
		Comment:    fmt.Sprintf("%s conf=%.2f", inst.Strategy.Kind, sig.Confidence),
	}

	o.pub.Publish(events.Execution(o.acct.AccountID, inst.Symbol, model.StagePending, "", o.now()))
	c, cancel := gateway.WithTimeout(ctx, o.callTimeout)
	res, err := o.gw.OpenPosition(c, req)
	cancel()
	if err != nil {
		o.budget.Release(d.Reservation)
		o.pub.Publish(events.Execution(o.acct.AccountID, inst.Symbol, model.StageFailed, err.Error(), o.now()))
		return fmt.Errorf("opening %s %s: %w", side, inst.Symbol, err)
	}

	o.budget.Commit(d.Reservation, res.Ticket)
	if res.FilledPrice > 0 {
		sl, tp = o.anchorStops(ctx, inst, side, res.Ticket, res.FilledPrice, sl, tp)
	}
	o.positions.Register(model.Position{
		Ticket:     res.Ticket,
		Symbol:     inst.Symbol,
		Side:       side,
		Volume:     d.Volume,
		EntryPrice: res.FilledPrice,
		StopLoss:   sl,
		TakeProfit: tp,
		OpenTime:   o.now(),
		RiskPct:    d.RiskPct,
	})
	o.pub.Publish(events.Execution(o.acct.AccountID, inst.Symbol, model.StageExecuted, "", o.now()))
	o.logger.Info("position_opened",
		zap.String("symbol", inst.Symbol),
		zap.String("side", string(side)),
		zap.Int64("ticket", res.Ticket),
		zap.Float64("volume", d.Volume),
		zap.Bool("scaled", d.Scaled),
		zap.Float64("confidence", sig.Confidence),
	)
	return nil
}

// anchorStops moves the stop and target of a fresh position so their pip
// distances hold from the fill rather than the bar close. The sent levels are
// kept when the terminal refuses the change.
func (o *Orchestrator) anchorStops(ctx context.Context, inst config.InstrumentConfig, side model.Side, ticket int64, fill, sl, tp float64) (float64, float64) {
	pip := inst.Pip()
	fsl := offsetPrice(fill, -side.Sign()*config.Float(inst.Risk.StopDistance), pip)
	ftp := offsetPrice(fill, side.Sign()*config.Float(inst.Risk.TargetDistance), pip)
	if fsl == sl && ftp == tp {
		return sl, tp
	}
	c, cancel := gateway.WithTimeout(ctx, o.callTimeout)
	err := o.gw.ModifyPosition(c, ticket, &fsl, &ftp)
	cancel()
	if err != nil {
		o.logger.Warn("position_stops_anchor_failed", zap.String("symbol", inst.Symbol), zap.Int64("ticket", ticket), zap.Error(err))
		return sl, tp
	}
	return fsl, ftp
}

func (o *Orchestrator) recordRejection(symbol string, reason risk.Reason) {
	o.mu.Lock()
	o.stats.RiskRejections++
	o.stats.LastRejection = fmt.Sprintf("%s: %s", symbol, reason)
	o.mu.Unlock()
}

// offsetPrice moves price by pips and rounds to a tenth of a pip.
func offsetPrice(price, pips, pip float64) float64 {
	digits := int32(math.Round(-math.Log10(pip))) + 1
	v, _ := decimal.NewFromFloat(price).
		Add(decimal.NewFromFloat(pips).Mul(decimal.NewFromFloat(pip))).
		Round(digits).Float64()
	return v
}
