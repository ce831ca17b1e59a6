package strategy

import "math"

func rsi(cl []float64, period int) float64 {
	n := len(cl)
	gains, losses := 0.0, 0.0
	for i := n - period; i < n; i++ {
		diff := cl[i] - cl[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	if losses == 0 {
		if gains == 0 {
			return 50
		}
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

func sma(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func ema(data []float64, period int) float64 {
	if len(data) < period {
		return 0
	}
	k := 2.0 / float64(period+1)
	e := sma(data[:period])
	for i := period; i < len(data); i++ {
		e = data[i]*k + e*(1-k)
	}
	return e
}

func macdHistory(cl []float64) []float64 {
	if len(cl) < 26 {
		return nil
	}
	history := make([]float64, 0, len(cl)-25)
	for i := 26; i <= len(cl); i++ {
		history = append(history, ema(cl[:i], 12)-ema(cl[:i], 26))
	}
	return history
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)))
}

func maxVal(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minVal(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	return math.Abs(v)
}
