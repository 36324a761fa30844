// Package config defines the configuration schema for the backtest core.
// Config is loaded from a YAML file with sensitive-field overrides via
// BTCORE_* environment variables, exactly as the teacher loads its own
// bot configuration via viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration document, matching the structure
// named in spec.md §6.5.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Grid     GridConfig     `mapstructure:"grid"`
}

// ExchangeConfig holds fee and slippage assumptions.
type ExchangeConfig struct {
	MakerFee        float64 `mapstructure:"maker_fee"`
	TakerFee        float64 `mapstructure:"taker_fee"`
	AssumedSlippage float64 `mapstructure:"assumed_slippage"`
}

// TradingConfig holds capital and risk-manager parameters, per spec.md
// §4.4/§6.5.
type TradingConfig struct {
	InitialCapital             float64 `mapstructure:"initial_capital"`
	RiskPerTrade               float64 `mapstructure:"risk_per_trade"`
	MaxPositions               int     `mapstructure:"max_positions"`
	MaxPortfolioHeat           float64 `mapstructure:"max_portfolio_heat"`
	MaxPositionPct             float64 `mapstructure:"max_position_pct"`
	MaxDrawdown                float64 `mapstructure:"max_drawdown"`
	DrawdownWarning            float64 `mapstructure:"drawdown_warning"`
	DrawdownCritical           float64 `mapstructure:"drawdown_critical"`
	DrawdownWarningMultiplier  float64 `mapstructure:"drawdown_warning_multiplier"`
	DrawdownCriticalMultiplier float64 `mapstructure:"drawdown_critical_multiplier"`
	ConsecutiveLossLimit       int     `mapstructure:"consecutive_loss_limit"`
	ConsecutiveLossMultiplier  float64 `mapstructure:"consecutive_loss_multiplier"`
}

// StrategyConfig names the strategy to run plus a free-form parameter bag
// interpreted by that strategy alone.
type StrategyConfig struct {
	Name       string                 `mapstructure:"name"`
	Parameters map[string]interface{} `mapstructure:"parameters"`
}

// BacktestConfig scopes a single run.
type BacktestConfig struct {
	StartDate        string   `mapstructure:"start_date"`
	EndDate          string   `mapstructure:"end_date"`
	Symbols          []string `mapstructure:"symbols"`
	PrimaryTimeframe string   `mapstructure:"primary_timeframe"`
	// T1Execution is a required field (see SPEC_FULL.md §9 open-question
	// resolution #3): validated as explicitly present so viper's zero
	// value is never mistaken for a guessed default.
	T1Execution    bool `mapstructure:"t1_execution"`
	t1ExecutionSet bool // set by Load when the key is present in the document
	MaxLookbackBars int `mapstructure:"max_lookback_bars"`
	// DataFile points at a pre-loaded, time-sorted candle JSON file (see
	// cmd/backtest) — ingestion/parsing of raw market data formats is out
	// of scope for the core itself.
	DataFile string `mapstructure:"data_file"`
}

// GridConfig is the optional optimizer parameter sweep: a mapping from
// parameter name to candidate values.
type GridConfig struct {
	Parameters map[string][]interface{} `mapstructure:"parameters"`
	RankBy     string                   `mapstructure:"rank_by"`
	TopN       int                      `mapstructure:"top_n"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Backtest.t1ExecutionSet = v.IsSet("backtest.t1_execution")

	if capital := os.Getenv("BTCORE_INITIAL_CAPITAL"); capital != "" {
		var parsed float64
		if _, err := fmt.Sscanf(capital, "%f", &parsed); err == nil {
			cfg.Trading.InitialCapital = parsed
		}
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, collecting every
// violation rather than failing on the first (configuration errors are
// category-1 per spec.md §7: fatal, rejected before any run begins).
func (c *Config) Validate() error {
	var errs []string

	if c.Trading.InitialCapital <= 0 {
		errs = append(errs, "trading.initial_capital must be > 0")
	}
	if c.Trading.RiskPerTrade <= 0 || c.Trading.RiskPerTrade > 1 {
		errs = append(errs, "trading.risk_per_trade must be in (0, 1]")
	}
	if c.Trading.MaxPositions <= 0 {
		errs = append(errs, "trading.max_positions must be > 0")
	}
	if c.Trading.MaxPortfolioHeat <= 0 || c.Trading.MaxPortfolioHeat > 1 {
		errs = append(errs, "trading.max_portfolio_heat must be in (0, 1]")
	}
	if c.Trading.MaxDrawdown <= 0 || c.Trading.MaxDrawdown > 1 {
		errs = append(errs, "trading.max_drawdown must be in (0, 1]")
	}
	if c.Strategy.Name == "" {
		errs = append(errs, "strategy.name is required")
	}
	if len(c.Backtest.Symbols) == 0 {
		errs = append(errs, "backtest.symbols must not be empty")
	}
	if c.Backtest.PrimaryTimeframe == "" {
		errs = append(errs, "backtest.primary_timeframe is required")
	}
	if !c.Backtest.t1ExecutionSet {
		errs = append(errs, "backtest.t1_execution must be explicitly set (true or false) — no default is assumed")
	}
	if c.Grid.TopN < 0 {
		errs = append(errs, "grid.top_n must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
