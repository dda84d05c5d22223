package reporter

import (
	"fmt"
	"io"
	"time"

	"grid-engine-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Session is everything the end-of-run report needs.
type Session struct {
	RunID      string
	Symbol     string
	Direction  models.Direction
	StartedAt  time.Time
	StoppedAt  time.Time
	StopReason string
	LastPrice  float64
	Position   models.PositionSnapshot
	Stats      models.GridStats
}

// Render writes the session report as a table.
func Render(w io.Writer, s Session) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Grid Session Report")
	t.SetStyle(table.StyleLight)
	t.Style().Title.Align = text.AlignCenter

	t.AppendRows([]table.Row{
		{"Run ID", s.RunID},
		{"Symbol", fmt.Sprintf("%s (%s)", s.Symbol, s.Direction)},
		{"Period", fmt.Sprintf("%s to %s",
			s.StartedAt.Format("2006-01-02 15:04:05"),
			s.StoppedAt.Format("2006-01-02 15:04:05"))},
		{"Duration", s.StoppedAt.Sub(s.StartedAt).Round(time.Second).String()},
		{"Stop Reason", orDash(s.StopReason)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Total Trades", s.Stats.TotalTrades},
		{"Winning / Losing", fmt.Sprintf("%d / %d", s.Stats.WinningTrades, s.Stats.LosingTrades)},
		{"Win Rate", fmt.Sprintf("%.2f%%", s.Stats.WinRate())},
		{"Grid Profit", fmt.Sprintf("%.4f USDT", s.Stats.GridProfit)},
		{"Fees Paid", fmt.Sprintf("%.4f USDT", s.Stats.FeesPaid)},
		{"Total Volume", fmt.Sprintf("%.2f USDT", s.Stats.TotalVolume)},
		{"Max Drawdown", fmt.Sprintf("%.2f%%", s.Stats.MaxDrawdown)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Last Price", fmt.Sprintf("%.4f", s.LastPrice)},
		{"Final Position", fmt.Sprintf("%.6f @ %.4f", s.Position.SignedSize, s.Position.EntryPrice)},
		{"Unrealized PnL", fmt.Sprintf("%.4f USDT", s.Position.UnrealizedPnl)},
	})
	t.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
