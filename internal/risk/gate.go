package risk

import (
	"fmt"
	"math"

	"grid-engine-go/internal/config"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/models"

	"go.uber.org/zap"
)

// Gate runs the pre-start safety checks and the continuous stop conditions.
// A failed pre-start check blocks the engine unless the operator has set
// accept_high_risk, in which case every failed reason is logged as a
// warning and the run proceeds.
type Gate struct {
	cfg    *models.Config
	limits models.SymbolLimits
	logger *zap.SugaredLogger
}

// NewGate builds a gate for one symbol's trading rules.
func NewGate(cfg *models.Config, limits models.SymbolLimits, logger *zap.SugaredLogger) *Gate {
	return &Gate{cfg: cfg, limits: limits, logger: logger}
}

// LiquidationDistance estimates how far (as a fraction of entry price) the
// market must move against a full position before liquidation, from the
// leverage and the maintenance margin assumption: (1 - mm) / leverage.
func (g *Gate) LiquidationDistance() float64 {
	return (1 - g.cfg.MaintenanceMarginRate) / float64(g.cfg.Leverage)
}

// PreStartCheck verifies the run is safe to start at the given reference
// price. It returns ok and the complete list of failed reasons, never just
// the first.
func (g *Gate) PreStartCheck(referencePrice float64) (bool, []string) {
	var reasons []string

	// Per-grid quantity must clear the exchange minimums.
	perGridNotional := config.InvestmentPerGrid(g.cfg) * float64(g.cfg.Leverage)
	quantity := grid.RoundToStep(perGridNotional/referencePrice, g.limits.StepSize)
	if quantity < g.limits.MinQuantity {
		reasons = append(reasons, fmt.Sprintf(
			"per-grid quantity %.8f is below the exchange minimum %.8f", quantity, g.limits.MinQuantity))
	}
	if g.limits.MinNotional > 0 && perGridNotional < g.limits.MinNotional {
		reasons = append(reasons, fmt.Sprintf(
			"per-grid notional %.2f is below the exchange minimum %.2f", perGridNotional, g.limits.MinNotional))
	}

	// The stop loss must trigger before the estimated liquidation price.
	if g.cfg.StopLoss > 0 && referencePrice > 0 {
		liqDist := g.LiquidationDistance()
		slDist := math.Abs(referencePrice-g.cfg.StopLoss) / referencePrice
		if slDist >= liqDist {
			reasons = append(reasons, fmt.Sprintf(
				"stop loss at %.4f is a %.2f%% move but estimated liquidation is only %.2f%% away at %dx leverage",
				g.cfg.StopLoss, slDist*100, liqDist*100, g.cfg.Leverage))
		}
	}

	// Per-level exposure cap.
	if g.cfg.MaxPositionSize > 0 && quantity > g.cfg.MaxPositionSize {
		reasons = append(reasons, fmt.Sprintf(
			"per-grid quantity %.8f exceeds max_position_size %.8f", quantity, g.cfg.MaxPositionSize))
	}

	// Entering outside the configured range is allowed only explicitly.
	if referencePrice < g.cfg.LowerPrice || referencePrice > g.cfg.UpperPrice {
		reasons = append(reasons, fmt.Sprintf(
			"reference price %.4f is outside the grid range [%.4f, %.4f]",
			referencePrice, g.cfg.LowerPrice, g.cfg.UpperPrice))
	}

	if len(reasons) == 0 {
		return true, nil
	}
	if g.cfg.AcceptHighRisk {
		for _, r := range reasons {
			g.logger.Warnf("risk check overridden: %s", r)
		}
		return true, reasons
	}
	return false, reasons
}

// StopReason reports whether the continuous safety conditions demand a
// stop at the current mark price and drawdown, and why.
func (g *Gate) StopReason(markPrice, drawdownPct float64) (string, bool) {
	if g.cfg.StopLoss > 0 {
		if g.cfg.Direction == models.Short && markPrice >= g.cfg.StopLoss {
			return fmt.Sprintf("stop loss breached: mark %.4f >= %.4f", markPrice, g.cfg.StopLoss), true
		}
		if g.cfg.Direction != models.Short && markPrice <= g.cfg.StopLoss {
			return fmt.Sprintf("stop loss breached: mark %.4f <= %.4f", markPrice, g.cfg.StopLoss), true
		}
	}
	if g.cfg.TakeProfit > 0 {
		if g.cfg.Direction == models.Short && markPrice <= g.cfg.TakeProfit {
			return fmt.Sprintf("take profit reached: mark %.4f <= %.4f", markPrice, g.cfg.TakeProfit), true
		}
		if g.cfg.Direction != models.Short && markPrice >= g.cfg.TakeProfit {
			return fmt.Sprintf("take profit reached: mark %.4f >= %.4f", markPrice, g.cfg.TakeProfit), true
		}
	}
	if g.cfg.MaxDrawdownPct > 0 && drawdownPct >= g.cfg.MaxDrawdownPct {
		return fmt.Sprintf("max drawdown breached: %.2f%% >= %.2f%%", drawdownPct, g.cfg.MaxDrawdownPct), true
	}
	return "", false
}
