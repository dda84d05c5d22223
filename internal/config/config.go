package config

import (
	"encoding/json"
	"fmt"
	"os"

	"grid-engine-go/internal/models"
)

// Load reads a JSON config file, applies defaults and validates it. All
// validation violations are reported together in one ConfigError.
func Load(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued optional fields.
func ApplyDefaults(cfg *models.Config) {
	if cfg.GridType == "" {
		cfg.GridType = models.Arithmetic
	}
	if cfg.Direction == "" {
		cfg.Direction = models.Neutral
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 1
	}
	if cfg.OrderType == "" {
		cfg.OrderType = "LIMIT"
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = "GTC"
	}
	if cfg.SideBuffer == 0 {
		cfg.SideBuffer = 0.001
	}
	if cfg.PriceTolerance == 0 {
		cfg.PriceTolerance = 1.0
	}
	if cfg.ReplenishStep == 0 {
		cfg.ReplenishStep = 1
	}
	if cfg.MaintenanceMarginRate == 0 {
		cfg.MaintenanceMarginRate = 0.005
	}
	if cfg.TakerFeeRate == 0 {
		cfg.TakerFeeRate = 0.0004
	}
	if cfg.StartTimeoutSec == 0 {
		cfg.StartTimeoutSec = 30
	}
	if cfg.StopTimeoutSec == 0 {
		cfg.StopTimeoutSec = 5
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = fmt.Sprintf("grid_%s.snapshot.json", cfg.Symbol)
	}

	s := &cfg.Stream
	if s.HeartbeatIntervalSec == 0 {
		s.HeartbeatIntervalSec = 30
	}
	if s.ReconnectInitialMs == 0 {
		s.ReconnectInitialMs = 1000
	}
	if s.ReconnectMaxMs == 0 {
		s.ReconnectMaxMs = 30000
	}
	if s.ReconnectMultiplier == 0 {
		s.ReconnectMultiplier = 1.5
	}
	if s.MaxSubscriptions == 0 {
		s.MaxSubscriptions = 250
	}
	if s.SubscribeBatchSize == 0 {
		s.SubscribeBatchSize = 250
	}
	if s.WriteTimeoutMs == 0 {
		s.WriteTimeoutMs = 5000
	}
}

// Validate checks the config and returns a ConfigError listing every
// violation found, or nil.
func Validate(cfg *models.Config) error {
	var violations []string

	if cfg.Symbol == "" {
		violations = append(violations, "symbol must be set")
	}
	if cfg.UpperPrice <= cfg.LowerPrice {
		violations = append(violations, "upper_price must be greater than lower_price")
	}
	if cfg.LowerPrice <= 0 {
		violations = append(violations, "lower_price must be positive")
	}
	if cfg.GridCount < 2 {
		violations = append(violations, "grid_count must be at least 2")
	}
	if cfg.TotalInvestment <= 0 {
		violations = append(violations, "total_investment must be positive")
	}
	if cfg.Leverage < 1 || cfg.Leverage > 125 {
		violations = append(violations, "leverage must be between 1 and 125")
	}
	switch cfg.Direction {
	case models.Long, models.Short, models.Neutral:
	default:
		violations = append(violations, fmt.Sprintf("direction %q must be LONG, SHORT or NEUTRAL", cfg.Direction))
	}
	switch cfg.GridType {
	case models.Arithmetic, models.Geometric:
	default:
		violations = append(violations, fmt.Sprintf("grid_type %q must be arithmetic or geometric", cfg.GridType))
	}
	if cfg.StopLoss != 0 {
		if cfg.Direction != models.Short && cfg.StopLoss >= cfg.LowerPrice {
			violations = append(violations, "stop_loss must be below lower_price for long grids")
		}
		if cfg.Direction == models.Short && cfg.StopLoss <= cfg.UpperPrice {
			violations = append(violations, "stop_loss must be above upper_price for short grids")
		}
	}
	if cfg.ReplenishStep < 0 {
		violations = append(violations, "replenish_step must not be negative")
	}

	if len(violations) > 0 {
		return &models.ConfigError{Violations: violations}
	}
	return nil
}

// InvestmentPerGrid returns the quote amount committed to one level. A 2%
// reserve is held back for fees and slippage.
func InvestmentPerGrid(cfg *models.Config) float64 {
	return cfg.TotalInvestment * 0.98 / float64(cfg.GridCount)
}
