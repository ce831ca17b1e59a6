package config

import (
	"fmt"
	"strings"

	"trade-fleet/internal/strategy"
)

// Issue is a single validation finding.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Field + ": " + i.Message
}

// Report is the structured outcome of validating one account document.
type Report struct {
	AccountID string  `json:"accountId"`
	Errors    []Issue `json:"errors"`
	Warnings  []Issue `json:"warnings"`
}

// HasErrors reports whether the report blocks a worker start.
func (r Report) HasErrors() bool {
	return len(r.Errors) > 0
}

// Err returns a *ValidationError when the report has errors.
func (r Report) Err() error {
	if !r.HasErrors() {
		return nil
	}
	return &ValidationError{Report: r}
}

func (r *Report) errorf(field, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(field, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidationError carries the full report of a failed validation.
type ValidationError struct {
	Report Report
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Report.Errors))
	for _, issue := range e.Report.Errors {
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("config validation failed for account %s: %s", e.Report.AccountID, strings.Join(parts, "; "))
}

var timeframes = map[string]bool{
	"M1": true, "M5": true, "M15": true, "M30": true,
	"H1": true, "H4": true, "D1": true, "W1": true,
}

// Validate runs schema and semantic checks over an account document.
// It has no side effects.
func Validate(acct AccountConfig) Report {
	r := Report{AccountID: acct.AccountID}

	if acct.AccountID == "" {
		r.errorf("accountId", "required")
	}
	if acct.Server == "" {
		r.errorf("server", "required")
	}
	if acct.CredentialsRef == "" {
		r.warnf("credentialsRef", "empty, terminal login will be attempted without credentials")
	}

	validateAccountRisk(&r, acct.Risk)

	if len(acct.EnabledInstruments()) == 0 {
		r.errorf("instruments", "at least one enabled instrument is required")
	}

	seen := make(map[string]bool, len(acct.Instruments))
	for i, inst := range acct.Instruments {
		prefix := fmt.Sprintf("instruments[%d]", i)
		if inst.Symbol == "" {
			r.errorf(prefix+".symbol", "required")
		} else if seen[inst.Symbol] {
			r.errorf(prefix+".symbol", "duplicate symbol %s", inst.Symbol)
		}
		seen[inst.Symbol] = true

		// Problems on disabled instruments never block a start.
		sub := Report{}
		validateInstrument(&sub, prefix, inst)
		if inst.Enabled {
			r.Errors = append(r.Errors, sub.Errors...)
			r.Warnings = append(r.Warnings, sub.Warnings...)
		} else {
			r.Warnings = append(r.Warnings, sub.Errors...)
			r.Warnings = append(r.Warnings, sub.Warnings...)
		}

		if inst.Enabled && inst.Risk.RiskPct != nil && acct.Risk.MaxPortfolioRiskPct > 0 &&
			*inst.Risk.RiskPct > acct.Risk.MaxPortfolioRiskPct {
			r.warnf(prefix+".risk.riskPct", "%.2f exceeds maxPortfolioRiskPct %.2f, trades will always be scaled",
				*inst.Risk.RiskPct, acct.Risk.MaxPortfolioRiskPct)
		}
	}

	return r
}

func validateAccountRisk(r *Report, risk AccountRisk) {
	if risk.MaxConcurrentPositions <= 0 {
		r.errorf("risk.maxConcurrentPositions", "must be positive")
	}
	if risk.MaxPortfolioRiskPct <= 0 || risk.MaxPortfolioRiskPct > 100 {
		r.errorf("risk.maxPortfolioRiskPct", "must be in (0,100], got %.2f", risk.MaxPortfolioRiskPct)
	}
	if risk.MaxDailyLoss < 0 {
		r.errorf("risk.maxDailyLoss", "must not be negative")
	} else if risk.MaxDailyLoss == 0 {
		r.warnf("risk.maxDailyLoss", "unset, daily loss limit disabled")
	}
	if risk.MinVolume <= 0 {
		r.errorf("risk.minVolume", "must be positive")
	}
	if risk.VolumeStep <= 0 {
		r.errorf("risk.volumeStep", "must be positive")
	}
}

func validateInstrument(r *Report, prefix string, inst InstrumentConfig) {
	if inst.Timeframe == "" {
		r.errorf(prefix+".timeframe", "required")
	} else if !timeframes[strings.ToUpper(inst.Timeframe)] {
		r.errorf(prefix+".timeframe", "unknown timeframe %q", inst.Timeframe)
	}

	if err := strategy.Validate(strategy.Kind(inst.Strategy.Kind), inst.Strategy.Params); err != nil {
		r.errorf(prefix+".strategy", "%v", err)
	}

	if inst.MinConfidence != nil && (*inst.MinConfidence < 0 || *inst.MinConfidence > 1) {
		r.errorf(prefix+".minConfidence", "must be in [0,1]")
	}

	risk := inst.Risk
	field := prefix + ".risk."
	switch {
	case risk.RiskPct == nil:
		r.errorf(field+"riskPct", "required")
	case *risk.RiskPct <= 0 || *risk.RiskPct > 100:
		r.errorf(field+"riskPct", "must be in (0,100], got %.2f", *risk.RiskPct)
	}
	requirePositive(r, field+"stopDistance", risk.StopDistance)
	requirePositive(r, field+"targetDistance", risk.TargetDistance)
	requirePositive(r, field+"pipValue", risk.PipValue)
	if risk.PipSize != nil && *risk.PipSize <= 0 {
		r.errorf(field+"pipSize", "must be positive")
	}

	if risk.BreakevenTrigger != nil {
		requirePositive(r, field+"breakevenTrigger", risk.BreakevenTrigger)
		if risk.BreakevenOffset != nil && (*risk.BreakevenOffset < 0 || *risk.BreakevenOffset >= *risk.BreakevenTrigger) {
			r.errorf(field+"breakevenOffset", "must be in [0, breakevenTrigger)")
		}
	} else if risk.BreakevenOffset != nil {
		r.errorf(field+"breakevenOffset", "set without breakevenTrigger")
	}

	requirePair(r, field+"trailingActivation", risk.TrailingActivation, field+"trailingDistance", risk.TrailingDistance)
	requirePair(r, field+"partialCloseTrigger", risk.PartialCloseTrigger, field+"partialCloseFraction", risk.PartialCloseFraction)
	if risk.PartialCloseFraction != nil && *risk.PartialCloseFraction >= 1 {
		r.errorf(field+"partialCloseFraction", "must be in (0,1)")
	}

	m := inst.Model
	checks := []struct {
		name string
		v    *float64
	}{
		{"overrideThreshold", m.OverrideThreshold},
		{"disagreementPenalty", m.DisagreementPenalty},
		{"agreementBoost", m.AgreementBoost},
	}
	for _, c := range checks {
		if c.v != nil && (*c.v < 0 || *c.v > 1) {
			r.errorf(prefix+".model."+c.name, "must be in [0,1]")
		}
	}
}

func requirePositive(r *Report, field string, v *float64) {
	if v == nil {
		r.errorf(field, "required")
		return
	}
	if *v <= 0 {
		r.errorf(field, "must be positive, got %v", *v)
	}
}

// requirePair enforces that two thresholds are configured together.
func requirePair(r *Report, aField string, a *float64, bField string, b *float64) {
	switch {
	case a == nil && b == nil:
		return
	case a == nil:
		r.errorf(aField, "required when %s is set", bField)
	case b == nil:
		r.errorf(bField, "required when %s is set", aField)
	default:
		if *a <= 0 {
			r.errorf(aField, "must be positive")
		}
		if *b <= 0 {
			r.errorf(bField, "must be positive")
		}
	}
}
