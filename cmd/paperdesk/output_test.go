package main

import (
	"bytes"
	"strings"
	"testing"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/paperdesk/internal/engine"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/portfolio"
)

func TestMoney(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"6.2", "$6.20"},
		{"9993.80", "$9,993.80"},
		{"1234567.891", "$1,234,567.89"},
		{"0.996", "$1.00"},
		{"-12.5", "-$12.50"},
		{"0", "$0.00"},
		{"n/a", "n/a"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, money(tt.in))
		})
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "50.00%", percent("0.5"))
	assert.Equal(t, "-0.06%", percent("-0.0006"))
}

func TestParseTradeArgs(t *testing.T) {
	req, err := parseTradeArgs([]string{"m1", "Yes", "2.5"})
	require.NoError(t, err)
	assert.Equal(t, "m1", req.InstrumentID)
	assert.Equal(t, "Yes", req.Outcome)
	assert.True(t, decimal.RequireFromString("2.5").Equal(req.Contracts))

	_, err = parseTradeArgs([]string{"m1", "Yes", "ten"})
	assert.Error(t, err)
}

func TestMarketRows(t *testing.T) {
	instruments := []models.Instrument{
		&models.ContractMarket{MarketID: "m1", Question: "Will X happen?", OutcomeSet: []string{"Yes", "No"},
			Prices: map[string]float64{"Yes": 0.62, "No": 0.38}, Volume: 12345, Open: true},
		&models.StockQuote{Symbol: "AAPL", Name: "Apple", LastPrice: 190.5, Volume: 1e6, Open: false},
		&models.CurrencyPair{Base: "EUR", Quote: "USD", Rate: 1.08},
	}
	rows := marketRows(instruments, map[string]bool{"m1": true})
	require.Len(t, rows, 3)
	assert.True(t, rows[0].Watched)
	assert.Equal(t, 190.5, rows[1].Prices[models.OutcomeShares])
	assert.False(t, rows[1].Open)
	assert.True(t, rows[2].Open)

	var buf bytes.Buffer
	require.NoError(t, render(&buf, formatTable, rows, func(tw *tabwriter.Writer) { writeMarkets(tw, rows) }))
	out := buf.String()
	assert.Contains(t, out, "* Will X happen?")
	assert.Contains(t, out, "No 0.38 / Yes 0.62")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "closed")
}

func TestRenderFormats(t *testing.T) {
	snap := portfolio.Snapshot{
		Portfolio: models.Portfolio{
			Cash: decimal.RequireFromString("9993.8"),
			Positions: []models.Position{{
				InstrumentID: "m1", Outcome: "Yes",
				Contracts:    decimal.NewFromInt(10),
				AvgCost:      decimal.RequireFromString("0.62"),
				CurrentPrice: decimal.RequireFromString("0.62"),
			}},
		},
		HasPortfolio: true,
	}
	v := newPortfolioView(snap)
	table := func(tw *tabwriter.Writer) { writePortfolio(tw, v) }

	var buf bytes.Buffer
	require.NoError(t, render(&buf, formatJSON, v, table))
	assert.Contains(t, buf.String(), `"cash": "9993.80"`)
	assert.Contains(t, buf.String(), `"total_value": "10000.00"`)

	buf.Reset()
	require.NoError(t, render(&buf, formatYAML, v, table))
	assert.Contains(t, buf.String(), `cash: "9993.80"`)
	assert.Contains(t, buf.String(), "market_id: m1")

	buf.Reset()
	require.NoError(t, render(&buf, formatTable, v, table))
	assert.Contains(t, buf.String(), "$9,993.80")
	assert.Contains(t, buf.String(), "$10,000.00")
}

func TestStatsShowsDashWithoutServerFields(t *testing.T) {
	v := newStatsView(portfolio.Summary{TotalTrades: 2, Buys: 1, Sells: 1})

	var buf bytes.Buffer
	require.NoError(t, render(&buf, formatTable, v, func(tw *tabwriter.Writer) { writeStats(tw, v) }))
	assert.Contains(t, buf.String(), "2 (1 buys, 1 sells)")
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.HasPrefix(line, "Win rate:") {
			assert.True(t, strings.HasSuffix(strings.TrimSpace(line), "-"), line)
		}
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestSummaryLine(t *testing.T) {
	v := engine.ViewState{
		Exchange:    "polymarket",
		Instruments: []models.Instrument{&models.CurrencyPair{Base: "EUR", Quote: "USD"}},
		Ledger:      portfolio.Snapshot{Portfolio: models.Portfolio{Cash: decimal.NewFromInt(100)}},
		Banners:     []string{"Failed to load watchlist: down"},
		LastRefresh: time.Now(),
	}
	line := summaryLine(v)
	assert.Contains(t, line, "polymarket: 1 markets, cash $100.00")
	assert.Contains(t, line, "; Failed to load watchlist: down")
}
