package backend

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/paperdesk/internal/models"
)

// Instrument is a catalog entry as returned by GET /markets. The kind field
// selects the variant; entries without it are contract markets.
type Instrument struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind,omitempty"`
	Question      string          `json:"question,omitempty"`
	Label         string          `json:"label,omitempty"`
	Outcomes      []string        `json:"outcomes,omitempty"`
	Prices        json.RawMessage `json:"prices,omitempty"`
	Volume        *float64        `json:"volume,omitempty"`
	Liquidity     *float64        `json:"liquidity,omitempty"`
	Spread        *float64        `json:"spread,omitempty"`
	CloseTime     string          `json:"close_time,omitempty"`
	IsOpen        *bool           `json:"is_open,omitempty"`
	Description   string          `json:"description,omitempty"`
	Exchange      string          `json:"exchange,omitempty"`
	Symbol        string          `json:"symbol,omitempty"`
	Name          string          `json:"name,omitempty"`
	Price         *float64        `json:"price,omitempty"`
	ChangePercent *float64        `json:"change_percent,omitempty"`
	Base          string          `json:"base,omitempty"`
	Quote         string          `json:"quote,omitempty"`
	Rate          *float64        `json:"rate,omitempty"`
}

type marketsResponse struct {
	Markets []Instrument `json:"markets"`
}

// TradeRequest is the body of POST /markets/buy and /markets/sell.
type TradeRequest struct {
	MarketID  string      `json:"marketId"`
	Outcome   string      `json:"outcome"`
	Contracts json.Number `json:"contracts"`
	Exchange  string      `json:"exchange,omitempty"`
}

// TradeResponse is the backend's reply to a trade. Price and Total are set
// only when the ledger reports the fill.
type TradeResponse struct {
	Message string   `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
	Price   *float64 `json:"price,omitempty"`
	Total   *float64 `json:"total,omitempty"`
}

type watchRequest struct {
	MarketID string `json:"marketId"`
	Question string `json:"question"`
	Exchange string `json:"exchange"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func (b errorBody) text() string {
	switch {
	case b.Error != "":
		return b.Error
	case b.Detail != "":
		return b.Detail
	default:
		return b.Message
	}
}

// ToModel converts a wire instrument into its tagged model variant.
func (w Instrument) ToModel() (models.Instrument, error) {
	switch models.Kind(strings.ToLower(w.Kind)) {
	case "", models.KindContract:
		return w.toContract()
	case models.KindStock:
		s := &models.StockQuote{
			Symbol:        firstNonEmpty(w.Symbol, w.ID),
			Name:          firstNonEmpty(w.Name, w.Label, w.Question),
			LastPrice:     deref(w.Price),
			ChangePercent: deref(w.ChangePercent),
			Volume:        deref(w.Volume),
			Open:          w.IsOpen == nil || *w.IsOpen,
			Exchange:      w.Exchange,
		}
		return s, s.Validate()
	case models.KindCurrency:
		c := &models.CurrencyPair{
			Base:          w.Base,
			Quote:         w.Quote,
			Rate:          deref(w.Rate),
			ChangePercent: deref(w.ChangePercent),
		}
		return c, c.Validate()
	default:
		return nil, fmt.Errorf("unknown instrument kind %q", w.Kind)
	}
}

func (w Instrument) toContract() (models.Instrument, error) {
	prices, err := decodePrices(w.Prices, w.Outcomes)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", w.ID, err)
	}

	m := &models.ContractMarket{
		MarketID:       w.ID,
		Question:       firstNonEmpty(w.Question, w.Label),
		OutcomeSet:     w.Outcomes,
		Prices:         prices,
		Volume:         deref(w.Volume),
		Liquidity:      deref(w.Liquidity),
		SpreadFraction: deref(w.Spread),
		Open:           w.IsOpen == nil || *w.IsOpen,
		Description:    w.Description,
		Exchange:       w.Exchange,
	}
	if len(m.OutcomeSet) == 0 && len(prices) > 0 {
		for outcome := range prices {
			m.OutcomeSet = append(m.OutcomeSet, outcome)
		}
		sort.Strings(m.OutcomeSet)
	}
	if w.CloseTime != "" {
		t, err := parseTime(w.CloseTime)
		if err != nil {
			return nil, fmt.Errorf("market %s: invalid close_time: %w", w.ID, err)
		}
		m.CloseTime = &t
	}
	return m, m.Validate()
}

// decodePrices accepts either {"Yes":0.6} or an array aligned with outcomes.
// String-encoded numbers are tolerated in both shapes.
func decodePrices(raw json.RawMessage, outcomes []string) (map[string]float64, error) {
	prices := make(map[string]float64)
	if len(raw) == 0 || string(raw) == "null" {
		return prices, nil
	}

	var byOutcome map[string]json.Number
	if err := json.Unmarshal(raw, &byOutcome); err == nil {
		for outcome, n := range byOutcome {
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("price of %q: %w", outcome, err)
			}
			prices[outcome] = f
		}
		return prices, nil
	}

	var list []json.Number
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("unsupported prices shape: %s", string(raw))
	}
	if len(list) != len(outcomes) {
		return nil, fmt.Errorf("got %d prices for %d outcomes", len(list), len(outcomes))
	}
	for i, n := range list {
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("price of %q: %w", outcomes[i], err)
		}
		prices[outcomes[i]] = f
	}
	return prices, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
