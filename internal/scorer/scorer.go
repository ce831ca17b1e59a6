// Package scorer provides the predictive score consumed by the signal
// combiner. A scorer maps a symbol and a feature window to a direction class
// with a confidence.
package scorer

import (
	"errors"
	"math"
	"sync"

	"trade-fleet/internal/model"
)

// FeaturesPerBar is the number of features extracted from each bar.
const FeaturesPerBar = 4

// ErrUnavailable is returned when no score can be produced for a symbol.
var ErrUnavailable = errors.New("scorer: unavailable")

// Score is a model's opinion on the next move.
type Score struct {
	Direction  model.Direction `json:"direction"`
	Confidence float64         `json:"confidence"`
}

// Scorer produces predictive scores.
type Scorer interface {
	Score(symbol string, features []float32) (Score, error)
}

// Features builds a flat feature vector from the last window bars:
// close-to-close log return, range, body and volume change, each per bar.
// It returns nil when fewer than window+1 bars are available.
func Features(bars []model.Bar, window int) []float32 {
	if window <= 0 || len(bars) < window+1 {
		return nil
	}
	out := make([]float32, 0, window*FeaturesPerBar)
	start := len(bars) - window
	for i := start; i < len(bars); i++ {
		prev, b := bars[i-1], bars[i]
		var ret, rng, body, vol float64
		if prev.Close > 0 && b.Close > 0 {
			ret = math.Log(b.Close / prev.Close)
		}
		if b.Close > 0 {
			rng = (b.High - b.Low) / b.Close
			body = (b.Close - b.Open) / b.Close
		}
		if prev.Volume > 0 {
			vol = b.Volume/prev.Volume - 1
		}
		out = append(out, float32(ret), float32(rng), float32(body), float32(vol))
	}
	return out
}

// Static returns fixed scores per symbol. Symbols without an entry are
// unavailable.
type Static struct {
	mu     sync.RWMutex
	scores map[string]Score
}

// NewStatic creates a static scorer seeded with scores.
func NewStatic(scores map[string]Score) *Static {
	s := &Static{scores: make(map[string]Score, len(scores))}
	for k, v := range scores {
		s.scores[k] = v
	}
	return s
}

// Set replaces the score for a symbol.
func (s *Static) Set(symbol string, score Score) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[symbol] = score
}

// Score implements Scorer.
func (s *Static) Score(symbol string, _ []float32) (Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scores[symbol]
	if !ok {
		return Score{}, ErrUnavailable
	}
	return sc, nil
}

// classify turns a [sell, none, buy] probability vector into a score.
func classify(probs []float32) Score {
	if len(probs) < 3 {
		return Score{Direction: model.DirectionNone}
	}
	classes := []model.Direction{model.DirectionSell, model.DirectionNone, model.DirectionBuy}
	best := 0
	for i := 1; i < 3; i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	conf := float64(probs[best])
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	return Score{Direction: classes[best], Confidence: conf}
}
