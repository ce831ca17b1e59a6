package scorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-fleet/internal/model"
)

func bars(n int) []model.Bar {
	out := make([]model.Bar, n)
	t0 := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for i := range out {
		c := 1.10 + float64(i)*0.001
		out[i] = model.Bar{Time: t0.Add(time.Duration(i) * time.Hour), Open: c - 0.0005, High: c + 0.001, Low: c - 0.001, Close: c, Volume: 100}
	}
	return out
}

func TestFeaturesShape(t *testing.T) {
	f := Features(bars(30), 20)
	require.Len(t, f, 20*FeaturesPerBar)
	assert.Greater(t, f[0], float32(0), "rising closes give positive returns")
	assert.Zero(t, f[3], "flat volume gives zero volume change")

	assert.Nil(t, Features(bars(20), 20))
	assert.Nil(t, Features(bars(20), 0))
}

func TestStatic(t *testing.T) {
	s := NewStatic(map[string]Score{"EURUSD": {Direction: model.DirectionBuy, Confidence: 0.7}})

	sc, err := s.Score("EURUSD", nil)
	require.NoError(t, err)
	assert.Equal(t, model.DirectionBuy, sc.Direction)

	_, err = s.Score("GBPUSD", nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	s.Set("GBPUSD", Score{Direction: model.DirectionSell, Confidence: 0.9})
	sc, err = s.Score("GBPUSD", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.9, sc.Confidence)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, model.DirectionSell, classify([]float32{0.7, 0.2, 0.1}).Direction)
	assert.Equal(t, model.DirectionBuy, classify([]float32{0.1, 0.2, 0.7}).Direction)
	assert.Equal(t, model.DirectionNone, classify([]float32{0.2, 0.6, 0.2}).Direction)
	assert.Equal(t, model.DirectionNone, classify(nil).Direction)
	assert.InDelta(t, 0.7, classify([]float32{0.1, 0.2, 0.7}).Confidence, 1e-6)
}
