// Package backendtest provides an in-memory fake of the market data and ledger
// REST service for tests. Fills happen at the quoted price plus an optional fee.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/paperdesk/internal/models"
)

// Market is a contract market as the fake serves it.
type Market struct {
	ID        string             `json:"id"`
	Question  string             `json:"question"`
	Outcomes  []string           `json:"outcomes"`
	Prices    map[string]float64 `json:"prices"`
	Volume    float64            `json:"volume"`
	Liquidity float64            `json:"liquidity"`
	CloseTime string             `json:"close_time,omitempty"`
	IsOpen    bool               `json:"is_open"`
	Exchange  string             `json:"exchange"`
}

type failure struct {
	status  int
	message string
}

// Server is a fake backend. All methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	markets   []Market
	exchanges []string
	cash      decimal.Decimal
	fee       decimal.Decimal
	bareFills bool
	positions map[string]*models.Position
	order     []string
	history   []models.TradeRecord
	watchlist map[string]models.WatchlistEntry
	stats     *models.Stats
	failures  map[string]failure
	calls     map[string]int
}

// NewServer starts a fake backend holding cash and no positions.
func NewServer(cash decimal.Decimal, markets ...Market) *Server {
	s := &Server{
		markets:   markets,
		exchanges: []string{"polymarket", "kalshi"},
		cash:      cash,
		positions: make(map[string]*models.Position),
		watchlist: make(map[string]models.WatchlistEntry),
		failures:  make(map[string]failure),
		calls:     make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/markets", s.handleMarkets)
	mux.HandleFunc("/markets/buy", s.handleTrade(models.Buy))
	mux.HandleFunc("/markets/sell", s.handleTrade(models.Sell))
	mux.HandleFunc("/portfolio", s.handlePortfolio)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/exchanges", s.handleExchanges)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/watchlist", s.handleWatchlist)
	mux.HandleFunc("/watchlist/", s.handleWatchlistItem)
	s.Server = httptest.NewServer(s.intercept(mux))
	return s
}

// SetFee charges fraction of notional on every fill.
func (s *Server) SetFee(fraction decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fee = fraction
}

// SetBareFills makes trade replies carry only {message}, without fill price or total.
func (s *Server) SetBareFills(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bareFills = on
}

// SetPrice moves the quoted price of an outcome.
func (s *Server) SetPrice(marketID, outcome string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.markets {
		if s.markets[i].ID == marketID {
			s.markets[i].Prices[outcome] = price
		}
	}
}

// SetStats makes GET /stats report server-computed aggregates.
func (s *Server) SetStats(stats models.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = &stats
}

// Fail makes every request to "METHOD /path" answer status with an {error} body.
// A zero status clears the failure.
func (s *Server) Fail(route string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, route)
		return
	}
	s.failures[route] = failure{status: status, message: message}
}

// Calls returns how many requests reached "METHOD /path".
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Cash returns the ledger's cash balance.
func (s *Server) Cash() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		if strings.HasPrefix(r.URL.Path, "/watchlist/") {
			route = r.Method + " /watchlist/"
		}

		s.mu.Lock()
		s.calls[route]++
		f, failing := s.failures[route]
		s.mu.Unlock()

		if failing {
			writeJSON(w, f.status, map[string]string{"error": f.message})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	exchange := r.URL.Query().Get("exchange")
	search := strings.ToLower(r.URL.Query().Get("search"))

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Market, 0, len(s.markets))
	for _, m := range s.markets {
		if exchange != "" && m.Exchange != "" && m.Exchange != exchange {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(m.Question), search) {
			continue
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

type tradeBody struct {
	MarketID  string          `json:"marketId"`
	Outcome   string          `json:"outcome"`
	Contracts decimal.Decimal `json:"contracts"`
	Exchange  string          `json:"exchange"`
}

func (s *Server) handleTrade(side models.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		var body tradeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		market, ok := s.findMarketLocked(body.MarketID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Market not found"})
			return
		}
		p, ok := market.Prices[body.Outcome]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Unknown outcome"})
			return
		}
		if !body.Contracts.IsPositive() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Contracts must be positive"})
			return
		}
		price := decimal.NewFromFloat(p)
		notional := body.Contracts.Mul(price)
		fee := notional.Mul(s.fee)
		key := body.MarketID + ":" + body.Outcome

		var total decimal.Decimal
		switch side {
		case models.Buy:
			if !market.IsOpen {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Market is closed"})
				return
			}
			total = notional.Add(fee)
			if total.GreaterThan(s.cash) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Insufficient funds"})
				return
			}
			s.cash = s.cash.Sub(total)
			pos, exists := s.positions[key]
			if !exists {
				pos = &models.Position{InstrumentID: body.MarketID, Label: market.Question, Outcome: body.Outcome}
				s.positions[key] = pos
				s.order = append(s.order, key)
			}
			cost := pos.Contracts.Mul(pos.AvgCost).Add(notional)
			pos.Contracts = pos.Contracts.Add(body.Contracts)
			pos.AvgCost = cost.Div(pos.Contracts)
		case models.Sell:
			pos, exists := s.positions[key]
			if !exists || pos.Contracts.LessThan(body.Contracts) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Not enough contracts to sell"})
				return
			}
			total = notional.Sub(fee)
			s.cash = s.cash.Add(total)
			pos.Contracts = pos.Contracts.Sub(body.Contracts)
			if pos.Contracts.IsZero() {
				delete(s.positions, key)
				s.removeOrderLocked(key)
			}
		}

		s.history = append(s.history, models.TradeRecord{
			ID:           uuid.NewString(),
			Side:         side,
			InstrumentID: body.MarketID,
			Label:        market.Question,
			Outcome:      body.Outcome,
			Contracts:    body.Contracts,
			Price:        price,
			Total:        total,
			Timestamp:    time.Now().UTC(),
		})

		if s.bareFills {
			writeJSON(w, http.StatusOK, map[string]any{"message": "Trade executed"})
			return
		}
		fillPrice, _ := price.Float64()
		fillTotal, _ := total.Float64()
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Trade executed",
			"price":   fillPrice,
			"total":   fillTotal,
		})
	}
}

func (s *Server) handlePortfolio(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]models.Position, 0, len(s.order))
	for _, key := range s.order {
		pos := *s.positions[key]
		if market, ok := s.findMarketLocked(pos.InstrumentID); ok {
			pos.CurrentPrice = decimal.NewFromFloat(market.Prices[pos.Outcome])
		}
		positions = append(positions, pos)
	}
	writeJSON(w, http.StatusOK, models.Portfolio{Cash: s.cash, Positions: positions})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.TradeRecord{}, s.history...)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExchanges(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.exchanges)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.Stats{TotalTrades: len(s.history)}
	if s.stats != nil {
		stats = *s.stats
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		out := make([]models.WatchlistEntry, 0, len(s.watchlist))
		for _, e := range s.watchlist {
			out = append(out, e)
		}
		s.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var body struct {
			MarketID string `json:"marketId"`
			Question string `json:"question"`
			Exchange string `json:"exchange"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MarketID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		s.mu.Lock()
		s.watchlist[body.MarketID] = models.WatchlistEntry{InstrumentID: body.MarketID, Label: body.Question, Exchange: body.Exchange}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"message": "Added to watchlist"})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleWatchlistItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/watchlist/")
	s.mu.Lock()
	delete(s.watchlist, id)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Removed from watchlist"})
}

func (s *Server) findMarketLocked(id string) (Market, bool) {
	for _, m := range s.markets {
		if m.ID == id {
			return m, true
		}
	}
	return Market{}, false
}

func (s *Server) removeOrderLocked(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
