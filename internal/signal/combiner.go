// Package signal merges a technical strategy signal with an optional
// predictive score into the single signal the orchestrator acts on.
package signal

import (
	"math"

	"trade-fleet/internal/config"
	"trade-fleet/internal/model"
	"trade-fleet/internal/scorer"
	"trade-fleet/internal/strategy"
)

// Config tunes how a predictive score moves the technical signal.
type Config struct {
	// OverrideThreshold is the model confidence above which a disagreeing
	// model flips the direction.
	OverrideThreshold float64
	// DisagreementPenalty is subtracted from confidence on disagreement.
	DisagreementPenalty float64
	// AgreementBoost is the fraction of the gap to the model's confidence
	// closed when both sources agree.
	AgreementBoost float64
}

// DefaultConfig returns the combiner settings used when an instrument sets none.
func DefaultConfig() Config {
	return Config{OverrideThreshold: 0.8, DisagreementPenalty: 0.2, AgreementBoost: 0.5}
}

// ConfigFrom builds a combiner config from an instrument's model section.
func ConfigFrom(m config.ModelConfig) Config {
	c := DefaultConfig()
	if m.OverrideThreshold != nil {
		c.OverrideThreshold = *m.OverrideThreshold
	}
	if m.DisagreementPenalty != nil {
		c.DisagreementPenalty = *m.DisagreementPenalty
	}
	if m.AgreementBoost != nil {
		c.AgreementBoost = *m.AgreementBoost
	}
	return c
}

// Combine merges tech and an optional model score. It is a pure function of
// its inputs. A nil score, or a score without a direction, leaves the
// technical signal unchanged.
func Combine(symbol string, tech strategy.Technical, score *scorer.Score, cfg Config) model.Signal {
	out := model.Signal{
		Symbol:          symbol,
		Direction:       tech.Direction,
		Confidence:      unit(tech.Confidence),
		TechnicalWeight: 1,
	}
	if score == nil || score.Direction == model.DirectionNone || score.Direction == "" {
		return out
	}
	mc := unit(score.Confidence)

	if score.Direction == tech.Direction {
		boost := unit(cfg.AgreementBoost)
		if mc > out.Confidence {
			out.Confidence = unit(out.Confidence + boost*(mc-out.Confidence))
		}
		out.TechnicalWeight = 1 - boost
		out.ModelWeight = boost
		return out
	}

	if mc > cfg.OverrideThreshold {
		out.Direction = score.Direction
		out.Confidence = unit(mc - cfg.DisagreementPenalty)
		out.TechnicalWeight = 0
		out.ModelWeight = 1
		return out
	}

	out.Confidence = unit(out.Confidence - cfg.DisagreementPenalty*mc)
	out.ModelWeight = unit(cfg.DisagreementPenalty)
	if out.Direction == model.DirectionNone {
		out.Confidence = 0
	}
	return out
}

func unit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
