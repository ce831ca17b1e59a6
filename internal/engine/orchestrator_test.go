package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-fleet/internal/config"
	"trade-fleet/internal/events"
	"trade-fleet/internal/gateway"
	"trade-fleet/internal/model"
	"trade-fleet/internal/risk"
)

func fp(v float64) *float64 { return &v }

// trend builds n bars moving by step per bar from start.
func trend(start, step float64, n int) []model.Bar {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]model.Bar, n)
	for i := range bars {
		c := start + step*float64(i)
		bars[i] = model.Bar{Time: t0.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c}
	}
	return bars
}

func instrument(symbol string) config.InstrumentConfig {
	return config.InstrumentConfig{
		Symbol:        symbol,
		Enabled:       true,
		Timeframe:     "H1",
		Strategy:      config.StrategyConfig{Kind: "ma_cross", Params: map[string]float64{"fast": 3, "slow": 6, "threshold": 30}},
		MinConfidence: fp(0.3),
		Risk: config.InstrumentRisk{
			RiskPct:        fp(1.0),
			StopDistance:   fp(20),
			TargetDistance: fp(40),
			PipValue:       fp(10),
		},
	}
}

func account(insts ...config.InstrumentConfig) config.AccountConfig {
	return config.AccountConfig{
		AccountID: "acct-1",
		Risk: config.AccountRisk{
			MaxConcurrentPositions: 3,
			MaxPortfolioRiskPct:    5,
			MaxDailyLoss:           500,
			MinVolume:              0.01,
			VolumeStep:             0.01,
		},
		Instruments: insts,
	}
}

type fixture struct {
	o      *Orchestrator
	paper  *gateway.Paper
	budget *risk.Budget
	feed   *events.Feed
}

func newFixture(t *testing.T, gw func(*gateway.Paper) gateway.Gateway, eng config.EngineConfig, insts ...config.InstrumentConfig) *fixture {
	t.Helper()
	paper := gateway.NewPaper(gateway.PaperOptions{AccountID: "acct-1", Seed: 1})
	require.NoError(t, paper.Connect(context.Background()))

	var g gateway.Gateway = paper
	if gw != nil {
		g = gw(paper)
	}
	acct := account(insts...)
	budget := risk.NewBudget(risk.LimitsFrom(acct.Risk))
	feed := events.NewFeed(64)
	if eng.BarCount == 0 {
		eng.BarCount = 20
	}
	o := New(Options{
		Account:      acct,
		Engine:       eng,
		CallTimeout:  time.Second,
		RetryBackoff: time.Millisecond,
		Gateway:      g,
		Publisher:    feed,
		Budget:       budget,
	})
	return &fixture{o: o, paper: paper, budget: budget, feed: feed}
}

func drain(f *events.Feed) []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-f.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// failingData fails market data requests for one symbol.
type failingData struct {
	gateway.Gateway
	symbol string
}

func (f failingData) GetMarketData(ctx context.Context, symbol, tf string, count int) ([]model.Bar, error) {
	if symbol == f.symbol {
		return nil, fmt.Errorf("%w: feed down", gateway.ErrConnection)
	}
	return f.Gateway.GetMarketData(ctx, symbol, tf, count)
}

// stopOnData runs a hook on the first market data request.
type stopOnData struct {
	gateway.Gateway
	hook func()
}

func (s *stopOnData) GetMarketData(ctx context.Context, symbol, tf string, count int) ([]model.Bar, error) {
	if s.hook != nil {
		s.hook()
		s.hook = nil
	}
	return s.Gateway.GetMarketData(ctx, symbol, tf, count)
}

func TestCycleOpensPositionOnSignal(t *testing.T) {
	f := newFixture(t, nil, config.EngineConfig{}, instrument("EURUSD"))
	f.paper.SetBars("EURUSD", trend(1.0800, 0.0010, 20))

	require.NoError(t, f.o.RunCycle(context.Background()))

	assert.Equal(t, 1, f.paper.Calls("open_position"))
	assert.Equal(t, 1, f.budget.OpenCount())
	positions := f.o.positions.Positions()
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, model.SideBuy, p.Side)
	assert.InDelta(t, 0.5, p.Volume, 1e-9)
	// Filled at the ask, half a pip above the close; stops hold 20 and 40 pips from the fill.
	assert.InDelta(t, 1.09905, p.EntryPrice, 1e-9)
	assert.InDelta(t, 1.09705, p.StopLoss, 1e-9)
	assert.InDelta(t, 1.10305, p.TakeProfit, 1e-9)
	assert.Equal(t, 1, f.paper.Calls("modify_position"))

	live, err := f.paper.GetOpenPositions(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.InDelta(t, 1.09705, live[0].StopLoss, 1e-9)
	assert.InDelta(t, 1.10305, live[0].TakeProfit, 1e-9)

	evs := drain(f.feed)
	require.Len(t, evs, 3)
	assert.Equal(t, model.StagePending, evs[0].Execution.Stage)
	assert.Equal(t, model.EventPositionOpened, evs[1].Type)
	assert.Equal(t, model.StageExecuted, evs[2].Execution.Stage)

	require.NoError(t, f.o.RunCycle(context.Background()))
	assert.Equal(t, 1, f.paper.Calls("open_position"))

	st := f.o.Stats()
	assert.Equal(t, int64(2), st.CycleCount)
	assert.Equal(t, 1, st.OpenPositions)
	assert.Zero(t, st.ConsecutiveConnFailures)
}

func TestRefusedStopAnchorKeepsSentStops(t *testing.T) {
	f := newFixture(t, nil, config.EngineConfig{}, instrument("EURUSD"))
	f.paper.SetBars("EURUSD", trend(1.0800, 0.0010, 20))
	f.paper.FailNextModify(1)

	require.NoError(t, f.o.RunCycle(context.Background()))

	positions := f.o.positions.Positions()
	require.Len(t, positions, 1)
	assert.InDelta(t, 1.0970, positions[0].StopLoss, 1e-9)
	assert.InDelta(t, 1.1030, positions[0].TakeProfit, 1e-9)
	assert.Equal(t, 1, f.budget.OpenCount())
}

func TestCycleSkipsWeakSignals(t *testing.T) {
	f := newFixture(t, nil, config.EngineConfig{}, instrument("EURUSD"))
	f.paper.SetBars("EURUSD", trend(1.0800, 0, 20))

	require.NoError(t, f.o.RunCycle(context.Background()))
	assert.Zero(t, f.paper.Calls("open_position"))
	assert.Empty(t, drain(f.feed))
}

func TestInstrumentFailureIsContained(t *testing.T) {
	f := newFixture(t, func(p *gateway.Paper) gateway.Gateway {
		return failingData{Gateway: p, symbol: "GBPUSD"}
	}, config.EngineConfig{}, instrument("GBPUSD"), instrument("EURUSD"))
	f.paper.SetBars("EURUSD", trend(1.0800, -0.0010, 20))

	require.NoError(t, f.o.RunCycle(context.Background()))

	positions := f.o.positions.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "EURUSD", positions[0].Symbol)
	assert.Equal(t, model.SideSell, positions[0].Side)
	assert.Zero(t, f.o.Stats().ConsecutiveConnFailures)
}

func TestRejectedOpenReleasesReservation(t *testing.T) {
	f := newFixture(t, nil, config.EngineConfig{}, instrument("EURUSD"))
	f.paper.SetBars("EURUSD", trend(1.0800, 0.0010, 20))
	f.paper.RejectNextOpen(134, "not enough money")

	require.NoError(t, f.o.RunCycle(context.Background()))

	assert.Zero(t, f.budget.OpenCount())
	assert.Zero(t, f.budget.Snapshot().OpenRiskPct)
	evs := drain(f.feed)
	require.Len(t, evs, 2)
	assert.Equal(t, model.StagePending, evs[0].Execution.Stage)
	assert.Equal(t, model.StageFailed, evs[1].Execution.Stage)
	assert.Contains(t, evs[1].Execution.Reason, "not enough money")
}

func TestRiskRejectionIsRecorded(t *testing.T) {
	paper := gateway.NewPaper(gateway.PaperOptions{AccountID: "acct-1", Seed: 1})
	require.NoError(t, paper.Connect(context.Background()))
	paper.InjectPosition(model.TerminalPosition{Ticket: 500, Symbol: "GBPUSD", Side: model.SideBuy, Volume: 0.1, EntryPrice: 1.27})
	paper.SetBars("EURUSD", trend(1.0800, 0.0010, 20))

	acct := account(instrument("EURUSD"))
	acct.Risk.MaxConcurrentPositions = 1
	o := New(Options{
		Account:      acct,
		Engine:       config.EngineConfig{BarCount: 20},
		CallTimeout:  time.Second,
		RetryBackoff: time.Millisecond,
		Gateway:      paper,
	})

	require.NoError(t, o.RunCycle(context.Background()))

	assert.Zero(t, paper.Calls("open_position"))
	st := o.Stats()
	assert.Equal(t, int64(1), st.RiskRejections)
	assert.Equal(t, "EURUSD: MAX_POSITIONS", st.LastRejection)
	assert.Equal(t, 1, st.OpenPositions)
}

func TestConnectionLossEscalatesAfterLimit(t *testing.T) {
	f := newFixture(t, nil, config.EngineConfig{MaxConsecutiveConnFailures: 2}, instrument("EURUSD"))
	f.paper.SetOffline(true)

	require.NoError(t, f.o.RunCycle(context.Background()))
	assert.Equal(t, 1, f.o.Stats().ConsecutiveConnFailures)
	assert.Zero(t, f.paper.Calls("market_data"))

	err := f.o.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, 2, f.o.Stats().ConsecutiveConnFailures)
}

func TestConnectionFailuresResetOnSuccess(t *testing.T) {
	f := newFixture(t, nil, config.EngineConfig{MaxConsecutiveConnFailures: 2}, instrument("EURUSD"))
	f.paper.SetOffline(true)
	require.NoError(t, f.o.RunCycle(context.Background()))

	f.paper.SetOffline(false)
	require.NoError(t, f.o.RunCycle(context.Background()))
	assert.Zero(t, f.o.Stats().ConsecutiveConnFailures)

	f.paper.SetOffline(true)
	require.NoError(t, f.o.RunCycle(context.Background()))
}

func TestReconnectRecoversDroppedSession(t *testing.T) {
	f := newFixture(t, nil, config.EngineConfig{MaxConsecutiveConnFailures: 1, Reconnect: true}, instrument("EURUSD"))
	require.NoError(t, f.paper.Close())

	require.NoError(t, f.o.RunCycle(context.Background()))
	assert.True(t, f.paper.Connected())
	assert.Zero(t, f.o.Stats().ConsecutiveConnFailures)
	assert.Equal(t, 2, f.paper.Calls("connect"))
}

func TestStopIsObservedBetweenInstruments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, func(p *gateway.Paper) gateway.Gateway {
		return &stopOnData{Gateway: p, hook: cancel}
	}, config.EngineConfig{}, instrument("EURUSD"), instrument("GBPUSD"))
	f.paper.SetBars("EURUSD", trend(1.0800, 0.0010, 20))

	require.NoError(t, f.o.RunCycle(ctx))

	assert.Equal(t, 1, f.paper.Calls("market_data"))
	assert.Equal(t, 1, f.paper.Calls("open_position"), "in-flight instrument completes")
	assert.Equal(t, 1, f.budget.OpenCount())
}

func TestRunReturnsOnStop(t *testing.T) {
	f := newFixture(t, nil, config.EngineConfig{CycleInterval: 5 * time.Millisecond}, instrument("EURUSD"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.o.Run(ctx) }()

	require.Eventually(t, func() bool { return f.o.Stats().CycleCount >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop")
	}
}

func TestRunFailsOnConnectionLoss(t *testing.T) {
	f := newFixture(t, nil, config.EngineConfig{CycleInterval: time.Millisecond, MaxConsecutiveConnFailures: 2}, instrument("EURUSD"))
	f.paper.SetOffline(true)

	err := f.o.Run(context.Background())
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestOffsetPriceRoundsToPipFraction(t *testing.T) {
	assert.Equal(t, 1.0830, offsetPrice(1.0850, -20, 0.0001))
	assert.Equal(t, 151.6, offsetPrice(151.2, 40, 0.01))
}
