package grid

import (
	"fmt"
	"math"

	"grid-engine-go/internal/config"
	"grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// Calculator derives grid levels from a config, a reference price and the
// exchange trading rules. It is pure: no I/O, deterministic for the same
// inputs.
type Calculator struct {
	cfg    *models.Config
	limits models.SymbolLimits
}

// NewCalculator returns a calculator for one symbol's trading rules.
func NewCalculator(cfg *models.Config, limits models.SymbolLimits) *Calculator {
	return &Calculator{cfg: cfg, limits: limits}
}

// Levels computes the full set of grid levels for the given reference price.
// Every level in [lower, upper] is returned; levels inside the side buffer
// carry no side and are marked Skipped for this pass. The per-level quantity
// is identical across levels and is floored to the exchange step size; if it
// falls below the exchange minimum the whole calculation fails rather than
// silently shrinking the grid.
func (c *Calculator) Levels(referencePrice float64) ([]models.GridLevel, error) {
	if referencePrice <= 0 {
		return nil, fmt.Errorf("reference price must be positive, got %.8f", referencePrice)
	}

	quantity := c.quantityPerLevel(referencePrice)
	if quantity < c.limits.MinQuantity {
		return nil, &models.InsufficientGridResolutionError{
			Quantity:    quantity,
			MinQuantity: c.limits.MinQuantity,
		}
	}

	buffer := referencePrice * c.cfg.SideBuffer
	levels := make([]models.GridLevel, 0, c.cfg.GridCount)

	for i := 0; i < c.cfg.GridCount; i++ {
		price := RoundToStep(c.levelPrice(i), c.limits.TickSize)
		level := models.GridLevel{
			Index:    i,
			Price:    price,
			Quantity: quantity,
		}

		switch {
		case price < referencePrice-buffer:
			level.Side = models.Buy
		case price > referencePrice+buffer:
			level.Side = models.Sell
		default:
			// Inside the buffer an order would execute immediately.
			level.Skipped = true
		}
		levels = append(levels, level)
	}

	return levels, nil
}

// levelPrice returns the raw price of level i before tick rounding.
func (c *Calculator) levelPrice(i int) float64 {
	n := float64(c.cfg.GridCount - 1)
	if c.cfg.GridType == models.Geometric {
		ratio := math.Pow(c.cfg.UpperPrice/c.cfg.LowerPrice, 1/n)
		return c.cfg.LowerPrice * math.Pow(ratio, float64(i))
	}
	spacing := (c.cfg.UpperPrice - c.cfg.LowerPrice) / n
	return c.cfg.LowerPrice + float64(i)*spacing
}

// quantityPerLevel is the leverage-scaled base quantity each level trades,
// floored to the exchange quantity step.
func (c *Calculator) quantityPerLevel(referencePrice float64) float64 {
	notional := config.InvestmentPerGrid(c.cfg) * float64(c.cfg.Leverage)
	return RoundToStep(notional/referencePrice, c.limits.StepSize)
}

// InitialOrders returns the levels that should be placed at start: every
// level that was assigned a side for this pass.
func InitialOrders(levels []models.GridLevel) []models.GridLevel {
	orders := make([]models.GridLevel, 0, len(levels))
	for _, lvl := range levels {
		if !lvl.Skipped {
			orders = append(orders, lvl)
		}
	}
	return orders
}

// GridProfit returns the net profit and profit percentage of one completed
// buy/sell pair after taker fees on both legs.
func GridProfit(buyPrice, sellPrice, quantity, feeRate float64) (float64, float64) {
	gross := (sellPrice - buyPrice) * quantity
	fees := (buyPrice + sellPrice) * quantity * feeRate
	net := gross - fees

	investment := buyPrice * quantity
	if investment <= 0 {
		return net, 0
	}
	return net, net / investment * 100
}

// Recenter shifts the configured price range when the market has escaped it
// by more than 5% and the matching trailing flag is set. It returns the new
// (lower, upper) bounds and true, or false when no recentering applies. The
// shifted range keeps 60% of its width on the far side of the move so the
// grid leads the price rather than chases it.
func Recenter(cfg *models.Config, currentPrice float64) (float64, float64, bool) {
	above := currentPrice > cfg.UpperPrice*1.05
	below := currentPrice < cfg.LowerPrice*0.95
	width := cfg.UpperPrice - cfg.LowerPrice

	switch {
	case cfg.TrailingUp && above:
		return currentPrice - width*0.4, currentPrice + width*0.6, true
	case cfg.TrailingDown && below:
		return currentPrice - width*0.6, currentPrice + width*0.4, true
	}
	return 0, 0, false
}

// RoundToStep floors value to a multiple of step. Step zero leaves the value
// untouched. Decimal arithmetic avoids the float drift that plagues repeated
// tick-size division.
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Floor().Mul(s).Float64()
	return f
}
