package reporter

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"binance-futures-bot/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
)

// historyLimit bounds the closed positions read per symbol for the summary.
const historyLimit = 500

// Metrics 汇总已平仓交易的表现
type Metrics struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalProfit   float64
	AvgPnl        float64
	AvgProfitLoss float64 // 平均盈利 / 平均亏损
	MaxDrawdown   float64 // 累计盈亏曲线的最大回撤 (USDT)
	ByReason      map[models.CloseReason]int
}

// PositionSource is the read side of the ledger.
type PositionSource interface {
	ListOpen() ([]*models.Position, error)
	History(symbol string, limit int) ([]*models.Position, error)
}

// MarkLookup returns the latest known mark price without blocking.
type MarkLookup interface {
	Latest(symbol string) (models.MarkTick, bool)
}

// Reporter periodically logs the open positions and the closed-trade summary.
type Reporter struct {
	source  PositionSource
	marks   MarkLookup
	symbols []string
	logger  *zap.Logger
}

func New(source PositionSource, marks MarkLookup, symbols []string, logger *zap.Logger) *Reporter {
	return &Reporter{source: source, marks: marks, symbols: symbols, logger: logger.Named("reporter")}
}

// Report renders the status report and writes it to the log.
func (r *Reporter) Report() {
	text, err := r.Render()
	if err != nil {
		r.logger.Warn("生成状态报告失败", zap.Error(err))
		return
	}
	r.logger.Sugar().Infof("========== 状态报告 ==========\n%s", text)
}

// Render builds the report text.
func (r *Reporter) Render() (string, error) {
	open, err := r.source.ListOpen()
	if err != nil {
		return "", fmt.Errorf("list open positions: %w", err)
	}
	var closed []*models.Position
	for _, sym := range r.symbols {
		hist, err := r.source.History(sym, historyLimit)
		if err != nil {
			return "", fmt.Errorf("history %s: %w", sym, err)
		}
		for _, p := range hist {
			if p.Status == models.StatusClosed {
				closed = append(closed, p)
			}
		}
	}
	var b strings.Builder
	b.WriteString(RenderPositions(open, r.marks))
	b.WriteString("\n")
	b.WriteString(RenderSummary(CalculateMetrics(closed)))
	return b.String(), nil
}

// RenderPositions renders the open positions with their unrealized PnL at the latest mark.
func RenderPositions(open []*models.Position, marks MarkLookup) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("持仓")
	t.AppendHeader(table.Row{"交易对", "方向", "数量", "开仓均价", "标记价格", "未实现盈亏", "止损", "止盈进度", "加仓", "移动止损"})
	if len(open) == 0 {
		t.AppendRow(table.Row{"-", "当前无持仓", "", "", "", "", "", "", "", ""})
		return t.Render()
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Symbol < open[j].Symbol })
	for _, p := range open {
		mark, upnl := "-", "-"
		if marks != nil {
			if tick, ok := marks.Latest(p.Symbol); ok && tick.MarkPrice > 0 {
				mark = fmt.Sprintf("%.4f", tick.MarkPrice)
				upnl = fmt.Sprintf("%.4f", (tick.MarkPrice-p.EntryPrice)*p.Qty*p.Side.Sign())
			}
		}
		filled := 0
		for _, tp := range p.TakeProfits {
			if tp.Filled {
				filled++
			}
		}
		trailing := "-"
		if p.Trailing != nil && p.Trailing.Active {
			trailing = fmt.Sprintf("anchor %.2f%%", p.Trailing.Anchor)
		}
		t.AppendRow(table.Row{
			p.Symbol,
			p.Side,
			fmt.Sprintf("%.4f", p.Qty),
			fmt.Sprintf("%.4f", p.EntryPrice),
			mark,
			upnl,
			fmt.Sprintf("%.4f", p.StopPrice),
			fmt.Sprintf("%d/%d", filled, len(p.TakeProfits)),
			len(p.Adds),
			trailing,
		})
	}
	return t.Render()
}

// RenderSummary renders the closed-trade metrics.
func RenderSummary(m Metrics) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("已平仓交易")
	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"总盈亏", fmt.Sprintf("%.4f USDT", m.TotalProfit)},
		{"平均盈亏", fmt.Sprintf("%.4f USDT", m.AvgPnl)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.4f USDT", m.MaxDrawdown)},
	})
	reasons := make([]string, 0, len(m.ByReason))
	for r := range m.ByReason {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		t.AppendRow(table.Row{"平仓原因 " + r, m.ByReason[models.CloseReason(r)]})
	}
	return t.Render()
}

// CalculateMetrics summarizes closed positions. Positions without a final PnL are skipped.
func CalculateMetrics(closed []*models.Position) Metrics {
	m := Metrics{ByReason: make(map[models.CloseReason]int)}
	sorted := make([]*models.Position, 0, len(closed))
	for _, p := range closed {
		if p.FinalPnl != nil {
			sorted = append(sorted, p)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return closedAt(sorted[i]).Before(closedAt(sorted[j])) })

	var totalProfit, totalLoss, cum float64
	equity := []float64{0}
	for _, p := range sorted {
		pnl := *p.FinalPnl
		m.TotalTrades++
		m.ByReason[p.ClosedBy]++
		if pnl > 0 {
			m.WinningTrades++
			totalProfit += pnl
		} else {
			m.LosingTrades++
			totalLoss += pnl
		}
		cum += pnl
		equity = append(equity, cum)
	}
	m.TotalProfit = totalProfit + totalLoss
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
		m.AvgPnl = m.TotalProfit / float64(m.TotalTrades)
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 && totalLoss != 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}
	m.MaxDrawdown = calculateMaxDrawdown(equity)
	return m
}

func closedAt(p *models.Position) time.Time {
	if p.ClosedAt != nil {
		return *p.ClosedAt
	}
	return p.UpdatedAt
}

// calculateMaxDrawdown returns the largest peak-to-trough fall of a cumulative PnL curve.
func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}
