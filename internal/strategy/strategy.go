// Package strategy implements the closed set of technical strategies a
// worker can run per instrument. Every kind evaluates a window of bars into
// a directional technical signal.
package strategy

import (
	"errors"
	"fmt"
	"sort"

	"trade-fleet/internal/model"
)

// Kind names a strategy variant.
type Kind string

const (
	KindMACross      Kind = "ma_cross"
	KindRSIReversion Kind = "rsi_reversion"
	KindComposite    Kind = "composite"
)

var (
	ErrUnknownKind   = errors.New("strategy: unknown kind")
	ErrInvalidParams = errors.New("strategy: invalid params")
)

// Params holds numeric strategy parameters. Missing keys fall back to the
// kind's defaults.
type Params map[string]float64

func (p Params) get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p Params) period(key string, def int) int {
	return int(p.get(key, float64(def)))
}

// Technical is the output of a strategy evaluation.
type Technical struct {
	Direction  model.Direction `json:"direction"`
	Confidence float64         `json:"confidence"`
	Score      float64         `json:"score"`
}

// None is the neutral technical signal.
var None = Technical{Direction: model.DirectionNone}

type variant struct {
	evaluate func(closes []float64, p Params) Technical
	validate func(p Params) error
	keys     []string
}

var variants = map[Kind]variant{
	KindMACross:      {evaluate: evaluateMACross, validate: validateMACross, keys: []string{"fast", "slow", "threshold"}},
	KindRSIReversion: {evaluate: evaluateRSI, validate: validateRSI, keys: []string{"period", "oversold", "overbought"}},
	KindComposite:    {evaluate: evaluateComposite, validate: validateComposite, keys: compositeKeys},
}

// Kinds returns every supported kind, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(variants))
	for k := range variants {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Evaluate runs the strategy kind over bars. Too little history yields None.
func Evaluate(kind Kind, bars []model.Bar, params Params) (Technical, error) {
	v, ok := variants[kind]
	if !ok {
		return None, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return v.evaluate(closes(bars), params), nil
}

// Validate checks the kind and its parameters.
func Validate(kind Kind, params map[string]float64) error {
	v, ok := variants[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	for key := range params {
		if !contains(v.keys, key) {
			return fmt.Errorf("%w: unknown param %q for %s", ErrInvalidParams, key, kind)
		}
	}
	return v.validate(Params(params))
}

func evaluateMACross(cl []float64, p Params) Technical {
	fast, slow := p.period("fast", 10), p.period("slow", 30)
	if len(cl) < slow+1 {
		return None
	}
	return fromScore(maScore(cl, fast, slow), p.get("threshold", 30))
}

func validateMACross(p Params) error {
	fast, slow := p.period("fast", 10), p.period("slow", 30)
	if fast < 2 || slow <= fast {
		return fmt.Errorf("%w: need 2 <= fast < slow, got fast=%d slow=%d", ErrInvalidParams, fast, slow)
	}
	return validateThreshold(p)
}

func evaluateRSI(cl []float64, p Params) Technical {
	period := p.period("period", 14)
	oversold, overbought := p.get("oversold", 30), p.get("overbought", 70)
	if len(cl) < period+1 {
		return None
	}
	v := rsi(cl, period)
	switch {
	case v < oversold:
		return Technical{Direction: model.DirectionBuy, Confidence: clamp((oversold-v)/oversold, 0, 1), Score: 50 - v}
	case v > overbought:
		return Technical{Direction: model.DirectionSell, Confidence: clamp((v-overbought)/(100-overbought), 0, 1), Score: 50 - v}
	default:
		return Technical{Direction: model.DirectionNone, Score: 50 - v}
	}
}

func validateRSI(p Params) error {
	if p.period("period", 14) < 2 {
		return fmt.Errorf("%w: period must be >= 2", ErrInvalidParams)
	}
	oversold, overbought := p.get("oversold", 30), p.get("overbought", 70)
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return fmt.Errorf("%w: need 0 < oversold < overbought < 100", ErrInvalidParams)
	}
	return nil
}

// fromScore maps a -100..+100 score onto a technical signal.
func fromScore(score, threshold float64) Technical {
	t := Technical{Direction: model.DirectionNone, Score: score, Confidence: clamp(abs(score)/100, 0, 1)}
	switch {
	case score > threshold:
		t.Direction = model.DirectionBuy
	case score < -threshold:
		t.Direction = model.DirectionSell
	default:
		t.Confidence = 0
	}
	return t
}

func validateThreshold(p Params) error {
	if th := p.get("threshold", 30); th < 0 || th >= 100 {
		return fmt.Errorf("%w: threshold must be in [0,100)", ErrInvalidParams)
	}
	return nil
}

func closes(bars []model.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
