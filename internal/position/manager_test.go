package position

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-fleet/internal/config"
	"trade-fleet/internal/events"
	"trade-fleet/internal/gateway"
	"trade-fleet/internal/model"
	"trade-fleet/internal/risk"
)

const ticket = int64(1001)

func fp(v float64) *float64 { return &v }

type harness struct {
	m      *Manager
	paper  *gateway.Paper
	budget *risk.Budget
	feed   *events.Feed
}

func newHarness(t *testing.T, side model.Side, stop float64, r config.InstrumentRisk) *harness {
	t.Helper()
	paper := gateway.NewPaper(gateway.PaperOptions{AccountID: "acct-1", Seed: 1})
	require.NoError(t, paper.Connect(context.Background()))
	paper.SetPrice("EURUSD", 1.0850)
	paper.InjectPosition(model.TerminalPosition{Ticket: ticket, Symbol: "EURUSD", Side: side, Volume: 1.0, EntryPrice: 1.0850, StopLoss: stop})

	budget := risk.NewBudget(risk.Limits{MaxConcurrentPositions: 3, MaxPortfolioRiskPct: 5, MinVolume: 0.01, VolumeStep: 0.01})
	budget.Adopt(ticket, 1.0)

	feed := events.NewFeed(64)
	r.RiskPct = fp(1.0)
	r.PipValue = fp(10)
	m := NewManager(Options{
		AccountID:   "acct-1",
		Gateway:     paper,
		Budget:      budget,
		Publisher:   feed,
		Instruments: []config.InstrumentConfig{{Symbol: "EURUSD", Enabled: true, Risk: r}},
	})
	m.Register(model.Position{Ticket: ticket, Symbol: "EURUSD", Side: side, Volume: 1.0, EntryPrice: 1.0850, StopLoss: stop, RiskPct: 1.0})
	return &harness{m: m, paper: paper, budget: budget, feed: feed}
}

func (h *harness) tick(t *testing.T, price float64) error {
	t.Helper()
	h.paper.SetPrice("EURUSD", price)
	return h.m.OnTick(context.Background(), "EURUSD", price)
}

func (h *harness) pos(t *testing.T) model.Position {
	t.Helper()
	p, ok := h.m.Position(ticket)
	require.True(t, ok)
	return p
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

func TestBreakevenMovesStopExactlyOnce(t *testing.T) {
	h := newHarness(t, model.SideBuy, 1.0830, config.InstrumentRisk{
		BreakevenTrigger:   fp(20),
		TrailingActivation: fp(40),
		TrailingDistance:   fp(15),
	})
	drain(h.feed)

	require.NoError(t, h.tick(t, 1.0860))
	assert.Equal(t, 0, h.paper.Calls("modify_position"))

	require.NoError(t, h.tick(t, 1.0870))
	assert.Equal(t, 1, h.paper.Calls("modify_position"))
	assert.Equal(t, 1.0850, h.pos(t).StopLoss)
	assert.Equal(t, model.PositionBreakevenSet, h.pos(t).State)

	require.NoError(t, h.tick(t, 1.0875))
	assert.Equal(t, 1, h.paper.Calls("modify_position"))
	assert.Equal(t, 1.0850, h.pos(t).StopLoss)
	assert.Equal(t, model.PositionBreakevenSet, h.pos(t).State)

	live, ok := h.paper.Position(ticket)
	require.True(t, ok)
	assert.Equal(t, 1.0850, live.StopLoss)

	evs := drain(h.feed)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventPositionModified, evs[0].Type)
	assert.Equal(t, 1.0850, evs[0].Trade.StopLoss)
}

func TestTrailingStopNeverLoosens(t *testing.T) {
	tests := []struct {
		name   string
		side   model.Side
		stop   float64
		prices []float64
		want   []float64
	}{
		{
			name:   "long",
			side:   model.SideBuy,
			stop:   1.0830,
			prices: []float64{1.0865, 1.0880, 1.0875, 1.0895, 1.0890},
			want:   []float64{1.0855, 1.0870, 1.0870, 1.0885, 1.0885},
		},
		{
			name:   "short",
			side:   model.SideSell,
			stop:   1.0870,
			prices: []float64{1.0835, 1.0820, 1.0825, 1.0805, 1.0810},
			want:   []float64{1.0845, 1.0830, 1.0830, 1.0815, 1.0815},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.side, tt.stop, config.InstrumentRisk{TrailingActivation: fp(10), TrailingDistance: fp(10)})

			prev := tt.stop
			for i, price := range tt.prices {
				require.NoError(t, h.tick(t, price))
				sl := h.pos(t).StopLoss
				assert.InDelta(t, tt.want[i], sl, 1e-9, "tick %d", i)
				if tt.side == model.SideBuy {
					assert.GreaterOrEqual(t, sl, prev)
				} else {
					assert.LessOrEqual(t, sl, prev)
				}
				prev = sl
				assert.Equal(t, model.PositionTrailingActive, h.pos(t).State)
			}
			assert.Equal(t, 3, h.paper.Calls("modify_position"))
		})
	}
}

func TestPartialCloseOncePerLevel(t *testing.T) {
	h := newHarness(t, model.SideBuy, 1.0830, config.InstrumentRisk{PartialCloseTrigger: fp(15), PartialCloseFraction: fp(0.5)})

	require.NoError(t, h.tick(t, 1.0870))
	assert.Equal(t, 1, h.paper.Calls("close_position"))
	assert.InDelta(t, 0.5, h.pos(t).Volume, 1e-9)
	assert.Equal(t, model.PositionPartiallyClosed, h.pos(t).State)

	live, ok := h.paper.Position(ticket)
	require.True(t, ok)
	assert.InDelta(t, 0.5, live.Volume, 1e-9)
	assert.InDelta(t, 0.5, h.budget.Snapshot().OpenRiskPct, 1e-9)

	require.NoError(t, h.tick(t, 1.0880))
	assert.Equal(t, 1, h.paper.Calls("close_position"))
	assert.Equal(t, 1, h.budget.OpenCount())
}

func TestPartialThenTrailingKeepsStateForward(t *testing.T) {
	h := newHarness(t, model.SideBuy, 1.0830, config.InstrumentRisk{
		BreakevenTrigger:     fp(10),
		PartialCloseTrigger:  fp(20),
		PartialCloseFraction: fp(0.5),
		TrailingActivation:   fp(30),
		TrailingDistance:     fp(10),
	})

	states := []model.PositionState{}
	for _, price := range []float64{1.0862, 1.0872, 1.0885, 1.0890} {
		require.NoError(t, h.tick(t, price))
		states = append(states, h.pos(t).State)
	}
	assert.Equal(t, []model.PositionState{
		model.PositionBreakevenSet,
		model.PositionPartiallyClosed,
		model.PositionTrailingActive,
		model.PositionTrailingActive,
	}, states)
	for i := 1; i < len(states); i++ {
		assert.GreaterOrEqual(t, rank[states[i]], rank[states[i-1]])
	}
}

func TestFailedModifyRetriesOnNextTick(t *testing.T) {
	h := newHarness(t, model.SideBuy, 1.0830, config.InstrumentRisk{BreakevenTrigger: fp(20)})
	h.paper.FailNextModify(1)

	err := h.tick(t, 1.0870)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrConnection)
	assert.Equal(t, 1, h.paper.Calls("modify_position"))
	assert.Equal(t, 1.0830, h.pos(t).StopLoss)
	assert.Equal(t, model.PositionOpen, h.pos(t).State)

	require.NoError(t, h.tick(t, 1.0871))
	assert.Equal(t, 2, h.paper.Calls("modify_position"))
	assert.Equal(t, 1.0850, h.pos(t).StopLoss)
	assert.Equal(t, model.PositionBreakevenSet, h.pos(t).State)
}

func TestReconcileClosesMissingPositions(t *testing.T) {
	h := newHarness(t, model.SideBuy, 1.0830, config.InstrumentRisk{})
	drain(h.feed)

	h.paper.RemovePosition(ticket)
	live, err := h.paper.GetOpenPositions(context.Background(), "acct-1")
	require.NoError(t, err)
	h.m.Reconcile(live)

	assert.Equal(t, 0, h.m.OpenCount())
	assert.Equal(t, 0, h.budget.OpenCount())
	_, ok := h.m.Position(ticket)
	assert.False(t, ok)

	evs := drain(h.feed)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventPositionClosed, evs[0].Type)
	assert.Equal(t, model.PositionClosed, evs[0].Trade.State)
}

func TestReconcileAdoptsUnknownPositions(t *testing.T) {
	h := newHarness(t, model.SideBuy, 1.0830, config.InstrumentRisk{})
	h.paper.InjectPosition(model.TerminalPosition{Ticket: 2002, Symbol: "EURUSD", Side: model.SideSell, Volume: 0.2, EntryPrice: 1.0860})

	live, err := h.paper.GetOpenPositions(context.Background(), "acct-1")
	require.NoError(t, err)
	h.m.Reconcile(live)

	assert.Equal(t, 2, h.m.OpenCount())
	assert.Equal(t, h.m.OpenCount(), h.budget.OpenCount())
	p, ok := h.m.Position(2002)
	require.True(t, ok)
	assert.Equal(t, model.PositionOpen, p.State)
	assert.Equal(t, 1.0, p.RiskPct)
}

func TestPositionGoneDuringTickIsClosed(t *testing.T) {
	h := newHarness(t, model.SideBuy, 1.0830, config.InstrumentRisk{BreakevenTrigger: fp(20)})
	h.paper.RemovePosition(ticket)

	require.NoError(t, h.tick(t, 1.0870))
	assert.Equal(t, 0, h.m.OpenCount())
	assert.Equal(t, 0, h.budget.OpenCount())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, CanTransition(model.PositionOpen, model.PositionBreakevenSet))
	assert.True(t, CanTransition(model.PositionPartiallyClosed, model.PositionClosed))
	assert.False(t, CanTransition(model.PositionPartiallyClosed, model.PositionOpen))
	assert.False(t, CanTransition(model.PositionTrailingActive, model.PositionBreakevenSet))
	for s := range rank {
		assert.False(t, CanTransition(model.PositionClosed, s), "CLOSED -> %s", s)
	}

	pos := model.Position{Ticket: 1, State: model.PositionTrailingActive}
	require.NoError(t, advance(&pos, model.PositionPartiallyClosed))
	assert.Equal(t, model.PositionTrailingActive, pos.State)

	pos.State = model.PositionClosed
	assert.ErrorIs(t, advance(&pos, model.PositionOpen), ErrInvalidTransition)
}
