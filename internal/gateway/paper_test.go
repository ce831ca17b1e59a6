package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-fleet/internal/config"
	"trade-fleet/internal/model"
)

func connectedPaper(t *testing.T) *Paper {
	t.Helper()
	p := NewPaper(PaperOptions{AccountID: "acct-1", Seed: 1})
	require.NoError(t, p.Connect(context.Background()))
	return p
}

func fp(v float64) *float64 { return &v }

func TestPaperOpenAndStopHit(t *testing.T) {
	p := connectedPaper(t)
	ctx := context.Background()
	p.SetPrice("EURUSD", 1.0850)

	res, err := p.OpenPosition(ctx, OpenRequest{Symbol: "EURUSD", Side: model.SideBuy, Volume: 0.1, StopLoss: fp(1.0830), TakeProfit: fp(1.0900)})
	require.NoError(t, err)
	assert.InDelta(t, 1.08505, res.FilledPrice, 1e-9)

	positions, err := p.GetOpenPositions(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)

	p.SetPrice("EURUSD", 1.0829)
	positions, err = p.GetOpenPositions(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Less(t, p.Balance(), 10000.0)
}

func TestPaperRejectsInvalidStops(t *testing.T) {
	p := connectedPaper(t)
	p.SetPrice("EURUSD", 1.0850)
	_, err := p.OpenPosition(context.Background(), OpenRequest{Symbol: "EURUSD", Side: model.SideBuy, Volume: 0.1, StopLoss: fp(1.0860)})
	assert.True(t, IsRejected(err))
}

func TestPaperPartialClose(t *testing.T) {
	p := connectedPaper(t)
	ctx := context.Background()
	p.InjectPosition(model.TerminalPosition{Ticket: 5, Symbol: "EURUSD", Side: model.SideBuy, Volume: 1.0, EntryPrice: 1.0800})
	p.SetPrice("EURUSD", 1.0850)

	require.NoError(t, p.ClosePosition(ctx, 5, fp(0.4)))
	pos, ok := p.Position(5)
	require.True(t, ok)
	assert.InDelta(t, 0.6, pos.Volume, 1e-9)
	assert.InDelta(t, 10000+50*10*0.4, p.Balance(), 1e-6)

	require.NoError(t, p.ClosePosition(ctx, 5, nil))
	_, ok = p.Position(5)
	assert.False(t, ok)
	assert.ErrorIs(t, p.ClosePosition(ctx, 5, nil), ErrPositionNotFound)
}

func TestPaperFailureInjection(t *testing.T) {
	p := connectedPaper(t)
	ctx := context.Background()

	p.RejectNextOpen(134, "not enough money")
	_, err := p.OpenPosition(ctx, OpenRequest{Symbol: "EURUSD", Side: model.SideBuy, Volume: 0.1})
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "not enough money", rej.Reason)

	p.SetOffline(true)
	_, err = p.GetQuote(ctx, "EURUSD")
	assert.ErrorIs(t, err, ErrConnection)
	p.SetOffline(false)

	p.SetDelay(200 * time.Millisecond)
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = p.GetQuote(short, "EURUSD")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, p.Calls(opQuote))
}

func TestPaperRequiresConnect(t *testing.T) {
	p := NewPaper(PaperOptions{})
	_, err := p.GetAccount(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}

func TestPaperWalkGrowsHistory(t *testing.T) {
	p := NewPaper(PaperOptions{AccountID: "acct-1", Seed: 7, Walk: true})
	require.NoError(t, p.Connect(context.Background()))

	first, err := p.GetMarketData(context.Background(), "GBPUSD", "H1", 100)
	require.NoError(t, err)
	require.Len(t, first, 100)
	second, err := p.GetMarketData(context.Background(), "GBPUSD", "H1", 100)
	require.NoError(t, err)
	assert.True(t, second[len(second)-1].Time.After(first[len(first)-1].Time))
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return ErrConnection
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return &RejectedError{Code: 130}
	})
	assert.True(t, IsRejected(err))
	assert.Equal(t, 1, calls)
}

func TestFactory(t *testing.T) {
	acct := config.AccountConfig{AccountID: "acct-1", Server: "Demo", CredentialsRef: "FLEET_TEST_SECRET"}
	t.Setenv("FLEET_TEST_SECRET", "s3cret")

	gw, err := NewFactory(config.GatewayConfig{Mode: config.GatewayModePaper}, nil)(acct)
	require.NoError(t, err)
	assert.IsType(t, &Paper{}, gw)

	gw, err = NewFactory(config.GatewayConfig{Mode: config.GatewayModeBridge, URL: "ws://localhost:9"}, nil)(acct)
	require.NoError(t, err)
	br, ok := gw.(*Bridge)
	require.True(t, ok)
	assert.Equal(t, "s3cret", br.opts.Credential)

	_, err = NewFactory(config.GatewayConfig{Mode: "fax"}, nil)(acct)
	assert.Error(t, err)
}
