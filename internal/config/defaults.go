package config

// Defaults is the shared defaults document overlaid onto accounts when a
// worker is started with applyDefaults.
type Defaults struct {
	Account    AccountRisk        `yaml:"account"`
	Instrument InstrumentDefaults `yaml:"instrument"`
}

// InstrumentDefaults holds default values for unset instrument fields.
type InstrumentDefaults struct {
	Timeframe     string         `yaml:"timeframe"`
	Strategy      StrategyConfig `yaml:"strategy"`
	MinConfidence *float64       `yaml:"minConfidence"`
	Risk          InstrumentRisk `yaml:"risk"`
	Model         ModelConfig    `yaml:"model"`
}

// ApplyDefaults returns a copy of acct with every unset field filled from d.
// Neither acct nor d is modified.
func ApplyDefaults(acct AccountConfig, d *Defaults) AccountConfig {
	out := acct
	out.Instruments = make([]InstrumentConfig, len(acct.Instruments))
	for i, inst := range acct.Instruments {
		out.Instruments[i] = cloneInstrument(inst)
	}
	if d == nil {
		return out
	}

	if out.Risk.MaxConcurrentPositions == 0 {
		out.Risk.MaxConcurrentPositions = d.Account.MaxConcurrentPositions
	}
	if out.Risk.MaxPortfolioRiskPct == 0 {
		out.Risk.MaxPortfolioRiskPct = d.Account.MaxPortfolioRiskPct
	}
	if out.Risk.MaxDailyLoss == 0 {
		out.Risk.MaxDailyLoss = d.Account.MaxDailyLoss
	}
	if out.Risk.MinVolume == 0 {
		out.Risk.MinVolume = d.Account.MinVolume
	}
	if out.Risk.VolumeStep == 0 {
		out.Risk.VolumeStep = d.Account.VolumeStep
	}

	for i := range out.Instruments {
		mergeInstrument(&out.Instruments[i], d.Instrument)
	}
	return out
}

func mergeInstrument(inst *InstrumentConfig, d InstrumentDefaults) {
	if inst.Timeframe == "" {
		inst.Timeframe = d.Timeframe
	}
	if inst.Strategy.Kind == "" {
		inst.Strategy.Kind = d.Strategy.Kind
	}
	// Default params only apply to the same strategy kind.
	if inst.Strategy.Kind == d.Strategy.Kind {
		for k, v := range d.Strategy.Params {
			if _, ok := inst.Strategy.Params[k]; !ok {
				if inst.Strategy.Params == nil {
					inst.Strategy.Params = make(map[string]float64, len(d.Strategy.Params))
				}
				inst.Strategy.Params[k] = v
			}
		}
	}
	pick(&inst.MinConfidence, d.MinConfidence)

	r, dr := &inst.Risk, d.Risk
	pick(&r.RiskPct, dr.RiskPct)
	pick(&r.StopDistance, dr.StopDistance)
	pick(&r.TargetDistance, dr.TargetDistance)
	pick(&r.PipSize, dr.PipSize)
	pick(&r.PipValue, dr.PipValue)
	pick(&r.BreakevenTrigger, dr.BreakevenTrigger)
	pick(&r.BreakevenOffset, dr.BreakevenOffset)
	pick(&r.TrailingActivation, dr.TrailingActivation)
	pick(&r.TrailingDistance, dr.TrailingDistance)
	pick(&r.PartialCloseTrigger, dr.PartialCloseTrigger)
	pick(&r.PartialCloseFraction, dr.PartialCloseFraction)

	m, dm := &inst.Model, d.Model
	if m.Enabled == nil && dm.Enabled != nil {
		v := *dm.Enabled
		m.Enabled = &v
	}
	pick(&m.OverrideThreshold, dm.OverrideThreshold)
	pick(&m.DisagreementPenalty, dm.DisagreementPenalty)
	pick(&m.AgreementBoost, dm.AgreementBoost)
}

// pick copies src into *dst when dst is unset.
func pick(dst **float64, src *float64) {
	if *dst != nil || src == nil {
		return
	}
	v := *src
	*dst = &v
}

func cloneInstrument(inst InstrumentConfig) InstrumentConfig {
	out := inst
	if inst.Strategy.Params != nil {
		out.Strategy.Params = make(map[string]float64, len(inst.Strategy.Params))
		for k, v := range inst.Strategy.Params {
			out.Strategy.Params[k] = v
		}
	}
	return out
}
