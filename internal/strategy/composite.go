package strategy

import (
	"fmt"
	"math"
)

// The composite kind blends six indicator scores into one -100..+100 score.
// Each indicator votes positive for long and negative for short.

const (
	wRSI   = 0.20
	wMACD  = 0.25
	wBB    = 0.15
	wMA    = 0.20
	wStoch = 0.10
	wADX   = 0.10
)

var compositeKeys = []string{
	"threshold", "rsiPeriod", "maFast", "maSlow", "bbPeriod", "bbDeviation", "stochPeriod", "adxPeriod",
}

type compositeParams struct {
	rsiPeriod   int
	maFast      int
	maSlow      int
	bbPeriod    int
	bbDeviation float64
	stochPeriod int
	adxPeriod   int
	threshold   float64
}

func compositeFrom(p Params) compositeParams {
	return compositeParams{
		rsiPeriod:   p.period("rsiPeriod", 14),
		maFast:      p.period("maFast", 10),
		maSlow:      p.period("maSlow", 50),
		bbPeriod:    p.period("bbPeriod", 20),
		bbDeviation: p.get("bbDeviation", 2.0),
		stochPeriod: p.period("stochPeriod", 14),
		adxPeriod:   p.period("adxPeriod", 14),
		threshold:   p.get("threshold", 30),
	}
}

func evaluateComposite(cl []float64, p Params) Technical {
	c := compositeFrom(p)
	if len(cl) < c.maSlow+1 || len(cl) < 27 {
		return None
	}

	score := clamp(
		rsiScore(cl, c.rsiPeriod)*wRSI+
			macdScore(cl)*wMACD+
			bbScore(cl, c.bbPeriod, c.bbDeviation)*wBB+
			maScore(cl, c.maFast, c.maSlow)*wMA+
			stochScore(cl, c.stochPeriod)*wStoch+
			adxScore(cl, c.adxPeriod)*wADX,
		-100, 100,
	)
	return fromScore(score, c.threshold)
}

func validateComposite(p Params) error {
	c := compositeFrom(p)
	if c.maFast < 2 || c.maSlow <= c.maFast {
		return fmt.Errorf("%w: need 2 <= maFast < maSlow", ErrInvalidParams)
	}
	periods := []struct {
		name string
		v    int
	}{
		{"rsiPeriod", c.rsiPeriod},
		{"bbPeriod", c.bbPeriod},
		{"stochPeriod", c.stochPeriod},
		{"adxPeriod", c.adxPeriod},
	}
	for _, pr := range periods {
		if pr.v < 2 {
			return fmt.Errorf("%w: %s must be >= 2", ErrInvalidParams, pr.name)
		}
	}
	if c.bbDeviation <= 0 {
		return fmt.Errorf("%w: bbDeviation must be positive", ErrInvalidParams)
	}
	return validateThreshold(p)
}

// rsiScore: <30 → +80 (buy), >70 → -80 (sell), linear in between.
func rsiScore(cl []float64, period int) float64 {
	if len(cl) < period+1 {
		return 0
	}
	v := rsi(cl, period)
	if v < 30 {
		return 80
	} else if v > 70 {
		return -80
	}
	return (50 - v) * 2
}

func macdScore(cl []float64) float64 {
	if len(cl) < 26 {
		return 0
	}

	macdLine := ema(cl, 12) - ema(cl, 26)
	signal := ema(macdHistory(cl), 9)

	score := 0.0
	if macdLine > signal {
		score += 50
	} else {
		score -= 50
	}
	if macdLine-signal > 0 {
		score += 20
	} else {
		score -= 20
	}
	if macdLine > 0 {
		score += 10
	} else {
		score -= 10
	}
	return clamp(score, -100, 100)
}

func bbScore(cl []float64, period int, deviation float64) float64 {
	n := len(cl)
	if n < period {
		return 0
	}

	recent := cl[n-period:]
	mean := sma(recent)
	stddev := stdDev(recent, mean)
	upper := mean + deviation*stddev
	lower := mean - deviation*stddev
	if upper == lower {
		return 0
	}

	pctB := (cl[n-1] - lower) / (upper - lower) * 100
	if pctB < 10 {
		return 80
	} else if pctB > 90 {
		return -80
	}
	return (50 - pctB) * 1.6
}

// maScore rewards a fresh crossover and the fast MA's distance from the slow one.
func maScore(cl []float64, fast, slow int) float64 {
	n := len(cl)
	if n < slow+1 {
		return 0
	}

	f := sma(cl[n-fast:])
	s := sma(cl[n-slow:])
	prevF := sma(cl[n-fast-1 : n-1])
	prevS := sma(cl[n-slow-1 : n-1])

	score := 0.0
	if prevF <= prevS && f > s {
		score += 60
	} else if prevF >= prevS && f < s {
		score -= 60
	}
	if s > 0 {
		dist := (f - s) / s * 1000
		score += clamp(dist*40, -40, 40)
	}
	return clamp(score, -100, 100)
}

func stochScore(cl []float64, period int) float64 {
	n := len(cl)
	if n < period {
		return 0
	}

	recent := cl[n-period:]
	high, low := maxVal(recent), minVal(recent)
	if high == low {
		return 0
	}

	k := (cl[n-1] - low) / (high - low) * 100
	if k < 20 {
		return 80
	} else if k > 80 {
		return -80
	}
	return (50 - k) * 1.6
}

func adxScore(cl []float64, period int) float64 {
	n := len(cl)
	if n < period+1 {
		return 0
	}

	plusDM, minusDM := 0.0, 0.0
	for i := n - period; i < n; i++ {
		diff := cl[i] - cl[i-1]
		if diff > 0 {
			plusDM += diff
		} else {
			minusDM += math.Abs(diff)
		}
	}
	total := plusDM + minusDM
	if total == 0 {
		return 0
	}

	diPlus := plusDM / total * 100
	diMinus := minusDM / total * 100
	dx := math.Abs(diPlus-diMinus) / (diPlus + diMinus) * 100
	return clamp((diPlus-diMinus)*dx/25, -100, 100)
}
