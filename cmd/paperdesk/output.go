package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/portfolio"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// render writes v as JSON or YAML, or calls table for the table format.
func render(w io.Writer, format string, v any, table func(tw *tabwriter.Writer)) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

type marketRow struct {
	ID        string             `json:"id" yaml:"id"`
	Label     string             `json:"label" yaml:"label"`
	Kind      string             `json:"kind" yaml:"kind"`
	Prices    map[string]float64 `json:"prices" yaml:"prices"`
	Volume    float64            `json:"volume" yaml:"volume"`
	Liquidity float64            `json:"liquidity,omitempty" yaml:"liquidity,omitempty"`
	Open      bool               `json:"open" yaml:"open"`
	CloseTime *time.Time         `json:"close_time,omitempty" yaml:"close_time,omitempty"`
	Watched   bool               `json:"watched" yaml:"watched"`
}

func marketRows(instruments []models.Instrument, watched map[string]bool) []marketRow {
	rows := make([]marketRow, 0, len(instruments))
	for _, inst := range instruments {
		row := marketRow{
			ID:      inst.ID(),
			Label:   inst.Label(),
			Kind:    string(inst.Kind()),
			Prices:  map[string]float64{},
			Open:    true,
			Watched: watched[inst.ID()],
		}
		switch v := inst.(type) {
		case *models.ContractMarket:
			for outcome, p := range v.Prices {
				row.Prices[outcome] = p
			}
			row.Volume, row.Liquidity, row.Open, row.CloseTime = v.Volume, v.Liquidity, v.Open, v.CloseTime
		case *models.StockQuote:
			row.Prices[models.OutcomeShares] = v.LastPrice
			row.Volume, row.Open = v.Volume, v.Open
		case *models.CurrencyPair:
			row.Prices["rate"] = v.Rate
		}
		rows = append(rows, row)
	}
	return rows
}

func writeMarkets(tw *tabwriter.Writer, rows []marketRow) {
	fmt.Fprintln(tw, "ID\tMARKET\tPRICES\tVOLUME\tSTATUS\t")
	for _, r := range rows {
		label := r.Label
		if r.Watched {
			label = "* " + label
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", r.ID, truncate(label, 60), formatPrices(r.Prices), humanize.Comma(int64(r.Volume)), marketStatus(r))
	}
}

func marketStatus(r marketRow) string {
	switch {
	case !r.Open:
		return "closed"
	case r.CloseTime != nil:
		return "closes " + humanize.Time(*r.CloseTime)
	}
	return "open"
}

// formatPrices renders outcome prices in a stable order.
func formatPrices(prices map[string]float64) string {
	outcomes := make([]string, 0, len(prices))
	for o := range prices {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%s %.2f", o, prices[o]))
	}
	return strings.Join(parts, " / ")
}

type positionRow struct {
	InstrumentID string `json:"market_id" yaml:"market_id"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
	Outcome      string `json:"outcome" yaml:"outcome"`
	Contracts    string `json:"contracts" yaml:"contracts"`
	AvgCost      string `json:"avg_cost" yaml:"avg_cost"`
	CurrentPrice string `json:"current_price" yaml:"current_price"`
	Value        string `json:"value" yaml:"value"`
	PL           string `json:"pl" yaml:"pl"`
}

type portfolioView struct {
	Cash        string        `json:"cash" yaml:"cash"`
	TotalValue  string        `json:"total_value" yaml:"total_value"`
	TotalPL     string        `json:"total_pl" yaml:"total_pl"`
	TotalReturn string        `json:"total_return" yaml:"total_return"`
	Positions   []positionRow `json:"positions" yaml:"positions"`
	Live        bool          `json:"live" yaml:"live"`
	UpdatedAt   time.Time     `json:"updated_at" yaml:"updated_at"`
}

func newPortfolioView(snap portfolio.Snapshot) portfolioView {
	p := snap.Portfolio
	v := portfolioView{
		Cash:        p.Cash.StringFixed(2),
		TotalValue:  p.TotalValue().StringFixed(2),
		TotalPL:     p.TotalPL().StringFixed(2),
		TotalReturn: p.TotalReturn().StringFixed(4),
		Positions:   make([]positionRow, 0, len(p.Positions)),
		Live:        snap.HasPortfolio,
		UpdatedAt:   snap.UpdatedAt,
	}
	for _, pos := range p.Positions {
		v.Positions = append(v.Positions, positionRow{
			InstrumentID: pos.InstrumentID,
			Label:        pos.Label,
			Outcome:      pos.Outcome,
			Contracts:    pos.Contracts.String(),
			AvgCost:      pos.AvgCost.StringFixed(4),
			CurrentPrice: pos.CurrentPrice.StringFixed(4),
			Value:        pos.CurrentValue().StringFixed(2),
			PL:           pos.TotalPL().StringFixed(2),
		})
	}
	return v
}

func writePortfolio(tw *tabwriter.Writer, v portfolioView) {
	fmt.Fprintf(tw, "Cash:\t%s\t\n", money(v.Cash))
	fmt.Fprintf(tw, "Total value:\t%s\t\n", money(v.TotalValue))
	fmt.Fprintf(tw, "Total P&L:\t%s\t\n", money(v.TotalPL))
	fmt.Fprintf(tw, "Return:\t%s\t\n", percent(v.TotalReturn))
	if !v.Live && !v.UpdatedAt.IsZero() {
		fmt.Fprintf(tw, "Cached:\t%s\t\n", humanize.Time(v.UpdatedAt))
	}
	fmt.Fprintln(tw, "\t\t")
	if len(v.Positions) == 0 {
		fmt.Fprintln(tw, "No open positions\t\t")
		return
	}
	fmt.Fprintln(tw, "MARKET\tOUTCOME\tCONTRACTS\tAVG COST\tPRICE\tVALUE\tP&L\t")
	for _, p := range v.Positions {
		label := p.Label
		if label == "" {
			label = p.InstrumentID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n", truncate(label, 50), p.Outcome, p.Contracts, p.AvgCost, p.CurrentPrice, money(p.Value), money(p.PL))
	}
}

type tradeRow struct {
	Time      time.Time `json:"timestamp" yaml:"timestamp"`
	Side      string    `json:"side" yaml:"side"`
	MarketID  string    `json:"market_id" yaml:"market_id"`
	Label     string    `json:"label,omitempty" yaml:"label,omitempty"`
	Outcome   string    `json:"outcome" yaml:"outcome"`
	Contracts string    `json:"contracts" yaml:"contracts"`
	Price     string    `json:"price" yaml:"price"`
	Total     string    `json:"total" yaml:"total"`
}

func tradeRows(records []models.TradeRecord) []tradeRow {
	rows := make([]tradeRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, tradeRow{
			Time:      r.Timestamp,
			Side:      string(r.Side),
			MarketID:  r.InstrumentID,
			Label:     r.Label,
			Outcome:   r.Outcome,
			Contracts: r.Contracts.String(),
			Price:     r.Price.StringFixed(4),
			Total:     r.Total.StringFixed(2),
		})
	}
	return rows
}

func writeTrades(tw *tabwriter.Writer, rows []tradeRow) {
	if len(rows) == 0 {
		fmt.Fprintln(tw, "No trades yet\t")
		return
	}
	fmt.Fprintln(tw, "WHEN\tSIDE\tMARKET\tOUTCOME\tCONTRACTS\tPRICE\tTOTAL\t")
	for _, r := range rows {
		label := r.Label
		if label == "" {
			label = r.MarketID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n", humanize.Time(r.Time), r.Side, truncate(label, 50), r.Outcome, r.Contracts, r.Price, money(r.Total))
	}
}

type statsView struct {
	TotalTrades       int     `json:"total_trades" yaml:"total_trades"`
	Buys              int     `json:"buys" yaml:"buys"`
	Sells             int     `json:"sells" yaml:"sells"`
	BuyVolume         string  `json:"buy_volume" yaml:"buy_volume"`
	SellVolume        string  `json:"sell_volume" yaml:"sell_volume"`
	WinRate           *string `json:"win_rate,omitempty" yaml:"win_rate,omitempty"`
	BestTrade         *string `json:"best_trade,omitempty" yaml:"best_trade,omitempty"`
	WorstTrade        *string `json:"worst_trade,omitempty" yaml:"worst_trade,omitempty"`
	AvgProfit         *string `json:"avg_profit,omitempty" yaml:"avg_profit,omitempty"`
	ServerTotalTrades *int    `json:"server_total_trades,omitempty" yaml:"server_total_trades,omitempty"`
}

func newStatsView(s portfolio.Summary) statsView {
	return statsView{
		TotalTrades:       s.TotalTrades,
		Buys:              s.Buys,
		Sells:             s.Sells,
		BuyVolume:         s.BuyVolume.StringFixed(2),
		SellVolume:        s.SellVolume.StringFixed(2),
		WinRate:           optional(s.WinRate, 4),
		BestTrade:         optional(s.BestTrade, 2),
		WorstTrade:        optional(s.WorstTrade, 2),
		AvgProfit:         optional(s.AvgProfit, 2),
		ServerTotalTrades: s.ServerTotalTrades,
	}
}

func writeStats(tw *tabwriter.Writer, v statsView) {
	fmt.Fprintf(tw, "Trades:\t%d (%d buys, %d sells)\t\n", v.TotalTrades, v.Buys, v.Sells)
	fmt.Fprintf(tw, "Buy volume:\t%s\t\n", money(v.BuyVolume))
	fmt.Fprintf(tw, "Sell volume:\t%s\t\n", money(v.SellVolume))
	if v.ServerTotalTrades != nil && *v.ServerTotalTrades != v.TotalTrades {
		fmt.Fprintf(tw, "Ledger trades:\t%d\t\n", *v.ServerTotalTrades)
	}
	fmt.Fprintf(tw, "Win rate:\t%s\t\n", orDash(v.WinRate, percent))
	fmt.Fprintf(tw, "Best trade:\t%s\t\n", orDash(v.BestTrade, money))
	fmt.Fprintf(tw, "Worst trade:\t%s\t\n", orDash(v.WorstTrade, money))
	fmt.Fprintf(tw, "Avg profit:\t%s\t\n", orDash(v.AvgProfit, money))
}

func optional(d *decimal.Decimal, places int32) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(places)
	return &s
}

func orDash(s *string, format func(string) string) string {
	if s == nil {
		return "-"
	}
	return format(*s)
}

// money formats a decimal string as dollars with thousands separators.
func money(s string) string {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	d = d.Round(2)
	whole := d.Truncate(0)
	cents := d.Sub(whole).StringFixed(2)
	return sign + "$" + humanize.Comma(whole.IntPart()) + strings.TrimPrefix(cents, "0")
}

// percent formats a fraction such as 0.5 as "50.00%".
func percent(s string) string {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return s
	}
	return d.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
