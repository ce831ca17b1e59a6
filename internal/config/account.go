package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrAccountNotFound is returned when no document exists for an account.
var ErrAccountNotFound = errors.New("config: account not found")

// AccountConfig is the per-account document. It is immutable for a worker's lifetime.
type AccountConfig struct {
	AccountID      string             `yaml:"accountId" json:"accountId"`
	CredentialsRef string             `yaml:"credentialsRef" json:"credentialsRef"`
	Server         string             `yaml:"server" json:"server"`
	Risk           AccountRisk        `yaml:"risk" json:"risk"`
	Instruments    []InstrumentConfig `yaml:"instruments" json:"instruments"`

	// Revision identifies the document content the config was loaded from.
	Revision string `yaml:"-" json:"revision"`
}

// AccountRisk holds account-level exposure limits. Zero means unset.
type AccountRisk struct {
	MaxConcurrentPositions int     `yaml:"maxConcurrentPositions" json:"maxConcurrentPositions"`
	MaxPortfolioRiskPct    float64 `yaml:"maxPortfolioRiskPct" json:"maxPortfolioRiskPct"`
	MaxDailyLoss           float64 `yaml:"maxDailyLoss" json:"maxDailyLoss"`
	MinVolume              float64 `yaml:"minVolume" json:"minVolume"`
	VolumeStep             float64 `yaml:"volumeStep" json:"volumeStep"`
}

// InstrumentConfig describes one tradable symbol of an account.
type InstrumentConfig struct {
	Symbol        string         `yaml:"symbol" json:"symbol"`
	Enabled       bool           `yaml:"enabled" json:"enabled"`
	Timeframe     string         `yaml:"timeframe" json:"timeframe"`
	Strategy      StrategyConfig `yaml:"strategy" json:"strategy"`
	MinConfidence *float64       `yaml:"minConfidence" json:"minConfidence,omitempty"`
	Risk          InstrumentRisk `yaml:"risk" json:"risk"`
	Model         ModelConfig    `yaml:"model" json:"model"`
}

// StrategyConfig selects a strategy kind and its parameters.
type StrategyConfig struct {
	Kind   string             `yaml:"kind" json:"kind"`
	Params map[string]float64 `yaml:"params" json:"params,omitempty"`
}

// InstrumentRisk holds per-trade risk parameters. Distances are in pips.
type InstrumentRisk struct {
	RiskPct              *float64 `yaml:"riskPct" json:"riskPct,omitempty"`
	StopDistance         *float64 `yaml:"stopDistance" json:"stopDistance,omitempty"`
	TargetDistance       *float64 `yaml:"targetDistance" json:"targetDistance,omitempty"`
	PipSize              *float64 `yaml:"pipSize" json:"pipSize,omitempty"`
	PipValue             *float64 `yaml:"pipValue" json:"pipValue,omitempty"`
	BreakevenTrigger     *float64 `yaml:"breakevenTrigger" json:"breakevenTrigger,omitempty"`
	BreakevenOffset      *float64 `yaml:"breakevenOffset" json:"breakevenOffset,omitempty"`
	TrailingActivation   *float64 `yaml:"trailingActivation" json:"trailingActivation,omitempty"`
	TrailingDistance     *float64 `yaml:"trailingDistance" json:"trailingDistance,omitempty"`
	PartialCloseTrigger  *float64 `yaml:"partialCloseTrigger" json:"partialCloseTrigger,omitempty"`
	PartialCloseFraction *float64 `yaml:"partialCloseFraction" json:"partialCloseFraction,omitempty"`
}

// ModelConfig controls how the predictive score is merged into the signal.
type ModelConfig struct {
	Enabled             *bool    `yaml:"enabled" json:"enabled,omitempty"`
	OverrideThreshold   *float64 `yaml:"overrideThreshold" json:"overrideThreshold,omitempty"`
	DisagreementPenalty *float64 `yaml:"disagreementPenalty" json:"disagreementPenalty,omitempty"`
	AgreementBoost      *float64 `yaml:"agreementBoost" json:"agreementBoost,omitempty"`
}

// EnabledInstruments returns enabled instruments in configured order.
func (a AccountConfig) EnabledInstruments() []InstrumentConfig {
	out := make([]InstrumentConfig, 0, len(a.Instruments))
	for _, inst := range a.Instruments {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	return out
}

// Instrument looks up an instrument by symbol.
func (a AccountConfig) Instrument(symbol string) (InstrumentConfig, bool) {
	for _, inst := range a.Instruments {
		if inst.Symbol == symbol {
			return inst, true
		}
	}
	return InstrumentConfig{}, false
}

// Pip returns the configured pip size or the symbol's conventional one.
func (i InstrumentConfig) Pip() float64 {
	if i.Risk.PipSize != nil && *i.Risk.PipSize > 0 {
		return *i.Risk.PipSize
	}
	return PipSizeFor(i.Symbol)
}

// ModelEnabled reports whether predictive scoring is on for the instrument.
func (i InstrumentConfig) ModelEnabled() bool {
	return i.Model.Enabled != nil && *i.Model.Enabled
}

// Float returns the pointed value or zero.
func Float(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// PipSizeFor returns the pip size conventionally used for a symbol.
func PipSizeFor(symbol string) float64 {
	s := strings.ToUpper(symbol)
	if len(s) >= 6 && s[3:6] == "JPY" {
		return 0.01
	}
	switch {
	case strings.HasPrefix(s, "XAU"), strings.HasPrefix(s, "BTC"), strings.HasPrefix(s, "ETH"):
		return 0.01
	case strings.HasPrefix(s, "US30"), strings.HasPrefix(s, "US500"), strings.HasPrefix(s, "SP"), strings.HasPrefix(s, "NAS"):
		return 0.1
	default:
		return 0.0001
	}
}

// ParseAccount decodes an account document and stamps its revision.
func ParseAccount(data []byte) (AccountConfig, error) {
	var acct AccountConfig
	if err := yaml.Unmarshal(data, &acct); err != nil {
		return AccountConfig{}, fmt.Errorf("parsing account YAML: %w", err)
	}
	sum := sha256.Sum256(data)
	acct.Revision = hex.EncodeToString(sum[:])[:12]
	return acct, nil
}

// DirLoader reads one <accountId>.yaml document per account from a directory,
// plus an optional shared defaults document.
type DirLoader struct {
	Dir          string
	DefaultsFile string
}

// Load reads the document for accountID.
func (l DirLoader) Load(accountID string) (AccountConfig, error) {
	path, err := l.pathFor(accountID)
	if err != nil {
		return AccountConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return AccountConfig{}, fmt.Errorf("reading account file %s: %w", path, err)
	}
	acct, err := ParseAccount(data)
	if err != nil {
		return AccountConfig{}, fmt.Errorf("account %s: %w", accountID, err)
	}
	if acct.AccountID == "" {
		acct.AccountID = accountID
	}
	if acct.AccountID != accountID {
		return AccountConfig{}, fmt.Errorf("account file %s declares accountId %q", path, acct.AccountID)
	}
	return acct, nil
}

// Accounts lists account ids with a document in the directory, sorted.
func (l DirLoader) Accounts() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading accounts dir %s: %w", l.Dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}

// Defaults reads the shared defaults document. It returns nil when none is configured.
func (l DirLoader) Defaults() (*Defaults, error) {
	if l.DefaultsFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(l.DefaultsFile)
	if err != nil {
		return nil, fmt.Errorf("reading defaults file %s: %w", l.DefaultsFile, err)
	}
	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing defaults YAML: %w", err)
	}
	return &d, nil
}

func (l DirLoader) pathFor(accountID string) (string, error) {
	if accountID == "" || strings.ContainsAny(accountID, `/\`) || strings.Contains(accountID, "..") {
		return "", fmt.Errorf("%w: invalid account id %q", ErrAccountNotFound, accountID)
	}
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(l.Dir, accountID+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
}
