package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("unknown trade side %q", s)
}

// TradeRecord is an immutable ledger log entry.
type TradeRecord struct {
	ID           string          `json:"id,omitempty"`
	Side         Side            `json:"type"`
	InstrumentID string          `json:"market_id"`
	Label        string          `json:"question,omitempty"`
	Outcome      string          `json:"outcome"`
	Contracts    decimal.Decimal `json:"contracts"`
	Price        decimal.Decimal `json:"price"`
	Total        decimal.Decimal `json:"total"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Validate checks that all record fields are valid
func (r *TradeRecord) Validate() error {
	if r.Side != Buy && r.Side != Sell {
		return errors.New("trade type must be BUY or SELL")
	}
	if r.InstrumentID == "" {
		return errors.New("trade market ID must not be empty")
	}
	if !r.Contracts.IsPositive() {
		return errors.New("trade contracts must be positive")
	}
	if r.Price.IsNegative() {
		return errors.New("trade price must not be negative")
	}
	if r.Timestamp.IsZero() {
		return errors.New("trade timestamp must be set")
	}
	return nil
}

// Stats are the aggregate trade statistics computed by the ledger.
// Pointer fields are nil when the backend did not report them.
type Stats struct {
	TotalTrades int              `json:"total_trades"`
	WinRate     *decimal.Decimal `json:"win_rate,omitempty"`
	BestTrade   *decimal.Decimal `json:"best_trade,omitempty"`
	WorstTrade  *decimal.Decimal `json:"worst_trade,omitempty"`
	AvgProfit   *decimal.Decimal `json:"avg_profit,omitempty"`
}

// WatchlistEntry is one tracked instrument.
type WatchlistEntry struct {
	InstrumentID string `json:"market_id"`
	Label        string `json:"question"`
	Exchange     string `json:"exchange"`
}

// Validate checks that all entry fields are valid
func (w *WatchlistEntry) Validate() error {
	if w.InstrumentID == "" {
		return errors.New("watchlist market ID must not be empty")
	}
	return nil
}
