// Package config holds the engine's file configuration: account and
// symbol parameters, monitoring cadences, advisory oracle selection and
// the journal backend. Files are YAML or JSON, chosen by content.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Account  AccountConfig  `json:"account" yaml:"account"`
	Symbol   SymbolConfig   `json:"symbol" yaml:"symbol"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Advisory AdvisoryConfig `json:"advisory" yaml:"advisory"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
}

// AccountConfig seeds the simulated account.
type AccountConfig struct {
	Currency string  `json:"currency" yaml:"currency"`
	Balance  float64 `json:"balance" yaml:"balance"`
}

// SymbolConfig describes the traded instrument.
type SymbolConfig struct {
	Name         string  `json:"name" yaml:"name"`
	PipScale     float64 `json:"pip_scale" yaml:"pip_scale"`
	ContractSize float64 `json:"contract_size" yaml:"contract_size"`
	VolumeMin    float64 `json:"volume_min" yaml:"volume_min"`
	VolumeMax    float64 `json:"volume_max" yaml:"volume_max"`
	VolumeStep   float64 `json:"volume_step" yaml:"volume_step"`
}

// EngineConfig tunes the decision loop and monitoring cadences. Layer-1
// thresholds themselves are fixed and not configurable.
type EngineConfig struct {
	BaseLot                  float64 `json:"base_lot" yaml:"base_lot"`
	Layer1PeriodMS           int     `json:"layer1_period_ms" yaml:"layer1_period_ms"`
	Layer2APeriodS           int     `json:"layer2a_period_s" yaml:"layer2a_period_s"`
	Layer2BPeriodS           int     `json:"layer2b_period_s" yaml:"layer2b_period_s"`
	Layer3APeriodS           int     `json:"layer3a_period_s" yaml:"layer3a_period_s"`
	DailyCloseHHMM           string  `json:"daily_close_hhmm" yaml:"daily_close_hhmm"`
	TickStalenessThresholdMS int     `json:"tick_staleness_threshold_ms" yaml:"tick_staleness_threshold_ms"`
	WeekendStart             string  `json:"weekend_start" yaml:"weekend_start"`
	WeekendEnd               string  `json:"weekend_end" yaml:"weekend_end"`
	RuleRefreshS             int     `json:"rule_refresh_s" yaml:"rule_refresh_s"`
}

// AdvisoryConfig selects the Layer-3 oracle.
type AdvisoryConfig struct {
	Provider           string `json:"provider" yaml:"provider"` // "static" or "openai"
	Model              string `json:"model,omitempty" yaml:"model,omitempty"`
	TimeoutPeriodicMS  int    `json:"timeout_periodic_ms" yaml:"timeout_periodic_ms"`
	TimeoutEmergencyMS int    `json:"timeout_emergency_ms" yaml:"timeout_emergency_ms"`
}

// JournalConfig selects the event sink.
type JournalConfig struct {
	Type       string `json:"type" yaml:"type"` // "memory", "csv" or "sqlite"
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	BufferSize int    `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
}

// Duration helpers keep the int fields as plain config numbers while the
// engine takes time.Duration.

func (e EngineConfig) Layer2APeriod() time.Duration { return time.Duration(e.Layer2APeriodS) * time.Second }
func (e EngineConfig) Layer2BPeriod() time.Duration { return time.Duration(e.Layer2BPeriodS) * time.Second }
func (e EngineConfig) Layer3APeriod() time.Duration { return time.Duration(e.Layer3APeriodS) * time.Second }
func (e EngineConfig) TickStaleness() time.Duration {
	return time.Duration(e.TickStalenessThresholdMS) * time.Millisecond
}
func (e EngineConfig) RuleRefresh() time.Duration { return time.Duration(e.RuleRefreshS) * time.Second }

func (a AdvisoryConfig) TimeoutPeriodic() time.Duration {
	return time.Duration(a.TimeoutPeriodicMS) * time.Millisecond
}
func (a AdvisoryConfig) TimeoutEmergency() time.Duration {
	return time.Duration(a.TimeoutEmergencyMS) * time.Millisecond
}

// LoadFromFile reads and validates a configuration file. YAML is tried
// first, then JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := sonic.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration, YAML for .yaml/.yml paths and
// indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = sonic.ConfigStd.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Account.Currency == "" {
		return fmt.Errorf("account.currency is required")
	}
	if c.Account.Balance <= 0 {
		return fmt.Errorf("account.balance must be positive")
	}
	if c.Symbol.Name == "" {
		return fmt.Errorf("symbol.name is required")
	}
	if c.Symbol.PipScale <= 0 {
		return fmt.Errorf("symbol.pip_scale must be positive")
	}
	if c.Symbol.ContractSize <= 0 {
		return fmt.Errorf("symbol.contract_size must be positive")
	}
	if c.Symbol.VolumeMin <= 0 || c.Symbol.VolumeMax < c.Symbol.VolumeMin || c.Symbol.VolumeStep <= 0 {
		return fmt.Errorf("symbol volume bounds are inconsistent")
	}
	if c.Engine.BaseLot < c.Symbol.VolumeMin || c.Engine.BaseLot > c.Symbol.VolumeMax {
		return fmt.Errorf("engine.base_lot %.2f outside symbol volume bounds", c.Engine.BaseLot)
	}
	if c.Engine.Layer1PeriodMS <= 0 || c.Engine.Layer2APeriodS <= 0 ||
		c.Engine.Layer2BPeriodS <= 0 || c.Engine.Layer3APeriodS <= 0 {
		return fmt.Errorf("engine monitoring periods must be positive")
	}
	if err := validHHMM(c.Engine.DailyCloseHHMM); err != nil {
		return fmt.Errorf("engine.daily_close_hhmm: %w", err)
	}
	if (c.Engine.WeekendStart == "") != (c.Engine.WeekendEnd == "") {
		return fmt.Errorf("engine.weekend_start and weekend_end must be set together")
	}
	switch c.Advisory.Provider {
	case "static":
	case "openai":
		if c.Advisory.Model == "" {
			return fmt.Errorf("advisory.model required for the openai provider")
		}
	default:
		return fmt.Errorf("advisory.provider must be 'static' or 'openai'")
	}
	if c.Advisory.TimeoutPeriodicMS <= 0 || c.Advisory.TimeoutEmergencyMS <= 0 {
		return fmt.Errorf("advisory timeouts must be positive")
	}
	switch c.Journal.Type {
	case "memory":
	case "csv", "sqlite":
		if c.Journal.Path == "" {
			return fmt.Errorf("journal.path required for %s journal", c.Journal.Type)
		}
	default:
		return fmt.Errorf("journal.type must be 'memory', 'csv' or 'sqlite'")
	}
	if c.Journal.BufferSize < 0 {
		return fmt.Errorf("journal.buffer_size must not be negative")
	}
	return nil
}

func validHHMM(s string) error {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return fmt.Errorf("want HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("out of range: %q", s)
	}
	return nil
}

// Default returns the stock USDJPY configuration.
func Default() *Config {
	return &Config{
		Account: AccountConfig{
			Currency: "JPY",
			Balance:  1_000_000,
		},
		Symbol: SymbolConfig{
			Name:         "USDJPY",
			PipScale:     100,
			ContractSize: 100_000,
			VolumeMin:    0.01,
			VolumeMax:    10,
			VolumeStep:   0.01,
		},
		Engine: EngineConfig{
			BaseLot:                  0.1,
			Layer1PeriodMS:           100,
			Layer2APeriodS:           60,
			Layer2BPeriodS:           300,
			Layer3APeriodS:           900,
			DailyCloseHHMM:           "23:00",
			TickStalenessThresholdMS: 10_000,
			WeekendStart:             "FRI 23:00",
			WeekendEnd:               "MON 07:00",
			RuleRefreshS:             3600,
		},
		Advisory: AdvisoryConfig{
			Provider:           "static",
			TimeoutPeriodicMS:  3_000,
			TimeoutEmergencyMS: 10_000,
		},
		Journal: JournalConfig{
			Type:       "sqlite",
			Path:       "./fxengine.db",
			BufferSize: 256,
		},
	}
}
