// Package models defines the core domain entities for paperdesk.
// These models represent tradable instruments, ledger positions, trade records
// and watchlist entries as mirrored from the backend.
// All models include built-in validation to ensure data integrity throughout the application.
//
// Terminology:
//   - Instrument: any tradable or quoted unit (contract market, stock, currency pair).
//   - Outcome: one discrete resolution of a contract market, e.g. "Yes" or "No".
//   - Position: held quantity of one outcome of one instrument.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags the concrete variant behind an Instrument.
type Kind string

const (
	KindContract Kind = "contract"
	KindStock    Kind = "stock"
	KindCurrency Kind = "currency"
)

// OutcomeShares is the single outcome of a single-price asset.
const OutcomeShares = "shares"

// Instrument is the capability shared by every catalog entry.
type Instrument interface {
	ID() string
	Label() string
	Kind() Kind
	Validate() error
}

// Tradable is implemented by instruments that accept buy and sell requests.
type Tradable interface {
	Instrument
	Outcomes() []string
	Price(outcome string) (float64, bool)
	IsOpen() bool
}

// ContractMarket is a multi-outcome event contract quoted in probabilities.
// Outcome prices are independent, so they are not required to sum to 1.
type ContractMarket struct {
	MarketID       string             `json:"id"`
	Question       string             `json:"question"`
	OutcomeSet     []string           `json:"outcomes"`
	Prices         map[string]float64 `json:"prices"`
	Volume         float64            `json:"volume"`
	Liquidity      float64            `json:"liquidity"`
	SpreadFraction float64            `json:"spread"`
	CloseTime      *time.Time         `json:"close_time,omitempty"`
	Open           bool               `json:"is_open"`
	Description    string             `json:"description,omitempty"`
	Exchange       string             `json:"exchange,omitempty"`
}

func (m *ContractMarket) ID() string    { return m.MarketID }
func (m *ContractMarket) Label() string { return m.Question }
func (m *ContractMarket) Kind() Kind    { return KindContract }
func (m *ContractMarket) IsOpen() bool  { return m.Open }

// Outcomes returns a copy of the outcome set.
func (m *ContractMarket) Outcomes() []string {
	return append([]string(nil), m.OutcomeSet...)
}

// Price returns the latest known price of an outcome.
func (m *ContractMarket) Price(outcome string) (float64, bool) {
	p, ok := m.Prices[outcome]
	return p, ok
}

// Validate checks that all market fields are valid
func (m *ContractMarket) Validate() error {
	if m.MarketID == "" {
		return errors.New("market ID must not be empty")
	}
	if m.Question == "" {
		return errors.New("market question must not be empty")
	}
	if len(m.OutcomeSet) == 0 {
		return errors.New("market must have at least one outcome")
	}
	for outcome, p := range m.Prices {
		if p < 0.0 || p > 1.0 {
			return fmt.Errorf("price of outcome %q must be between 0.0 and 1.0", outcome)
		}
	}
	if m.Volume < 0 {
		return errors.New("volume must not be negative")
	}
	if m.Liquidity < 0 {
		return errors.New("liquidity must not be negative")
	}
	if m.SpreadFraction < 0 || m.SpreadFraction > 1 {
		return errors.New("spread must be between 0.0 and 1.0")
	}
	return nil
}

// StockQuote is a single-price asset traded in whole or fractional shares.
type StockQuote struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	LastPrice     float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"`
	Volume        float64 `json:"volume"`
	Open          bool    `json:"is_open"`
	Exchange      string  `json:"exchange,omitempty"`
}

func (s *StockQuote) ID() string { return s.Symbol }
func (s *StockQuote) Kind() Kind { return KindStock }
func (s *StockQuote) IsOpen() bool {
	return s.Open
}

// Label prefers the company name and falls back to the ticker.
func (s *StockQuote) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Symbol
}

func (s *StockQuote) Outcomes() []string { return []string{OutcomeShares} }

func (s *StockQuote) Price(outcome string) (float64, bool) {
	if outcome != OutcomeShares {
		return 0, false
	}
	return s.LastPrice, true
}

// Validate checks that all quote fields are valid
func (s *StockQuote) Validate() error {
	if s.Symbol == "" {
		return errors.New("stock symbol must not be empty")
	}
	if s.LastPrice < 0 {
		return errors.New("stock price must not be negative")
	}
	if s.Volume < 0 {
		return errors.New("volume must not be negative")
	}
	return nil
}

// CurrencyPair is a quoted exchange rate. It is display only.
type CurrencyPair struct {
	Base          string  `json:"base"`
	Quote         string  `json:"quote"`
	Rate          float64 `json:"rate"`
	ChangePercent float64 `json:"change_percent"`
}

func (c *CurrencyPair) ID() string    { return c.Base + "/" + c.Quote }
func (c *CurrencyPair) Label() string { return c.Base + "/" + c.Quote }
func (c *CurrencyPair) Kind() Kind    { return KindCurrency }

// Validate checks that all pair fields are valid
func (c *CurrencyPair) Validate() error {
	if c.Base == "" || c.Quote == "" {
		return errors.New("currency pair needs both base and quote")
	}
	if c.Rate <= 0 {
		return errors.New("currency rate must be positive")
	}
	return nil
}

// CloneInstrument returns a deep copy so catalog snapshots never alias catalog state.
func CloneInstrument(inst Instrument) Instrument {
	switch v := inst.(type) {
	case *ContractMarket:
		c := *v
		c.OutcomeSet = append([]string(nil), v.OutcomeSet...)
		if v.Prices != nil {
			c.Prices = make(map[string]float64, len(v.Prices))
			for k, p := range v.Prices {
				c.Prices[k] = p
			}
		}
		if v.CloseTime != nil {
			t := *v.CloseTime
			c.CloseTime = &t
		}
		return &c
	case *StockQuote:
		c := *v
		return &c
	case *CurrencyPair:
		c := *v
		return &c
	default:
		return inst
	}
}
