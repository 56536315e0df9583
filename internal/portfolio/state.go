// Package portfolio caches the last successfully fetched portfolio, trade
// history and statistics of the ledger.
//
// Each resource is replaced in full by a fetch whose refresh token is still
// current. A failed fetch leaves the previous snapshot in place.
package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/paperdesk/internal/logger"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/scheduler"
)

// Ledger is the subset of the backend client the state reads from.
type Ledger interface {
	Portfolio(ctx context.Context) (models.Portfolio, error)
	History(ctx context.Context) ([]models.TradeRecord, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// Snapshot is a copy of everything the state holds.
type Snapshot struct {
	Portfolio    models.Portfolio
	HasPortfolio bool
	History      []models.TradeRecord
	Stats        models.Stats
	HasStats     bool
	Summary      Summary
	UpdatedAt    time.Time
}

// State holds the client's copy of the ledger.
type State struct {
	ledger Ledger

	portfolioTokens scheduler.Tokens
	historyTokens   scheduler.Tokens
	statsTokens     scheduler.Tokens

	mu           sync.RWMutex
	portfolio    models.Portfolio
	hasPortfolio bool
	history      []models.TradeRecord
	stats        models.Stats
	hasStats     bool
	updatedAt    time.Time
}

// New creates an empty state reading from ledger.
func New(ledger Ledger) *State {
	return &State{ledger: ledger}
}

// RefreshPortfolio fetches the portfolio and replaces the cached one.
func (s *State) RefreshPortfolio(ctx context.Context) (models.Portfolio, error) {
	tok := s.portfolioTokens.Issue()
	p, err := s.ledger.Portfolio(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.portfolioTokens.Current(tok) {
		logger.Debug("Discarding stale portfolio response (token %d)", tok)
		return models.Portfolio{}, scheduler.ErrStaleResponse
	}
	if err != nil {
		return models.Portfolio{}, err
	}
	s.portfolio = p.Normalize()
	s.hasPortfolio = true
	s.updatedAt = time.Now()
	return s.portfolio.Normalize(), nil
}

// RefreshHistory fetches the trade log and replaces the cached one.
func (s *State) RefreshHistory(ctx context.Context) ([]models.TradeRecord, error) {
	tok := s.historyTokens.Issue()
	records, err := s.ledger.History(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.historyTokens.Current(tok) {
		logger.Debug("Discarding stale history response (token %d)", tok)
		return nil, scheduler.ErrStaleResponse
	}
	if err != nil {
		return nil, err
	}
	s.history = append([]models.TradeRecord(nil), records...)
	s.updatedAt = time.Now()
	return append([]models.TradeRecord(nil), s.history...), nil
}

// RefreshStats fetches the ledger statistics and replaces the cached ones.
func (s *State) RefreshStats(ctx context.Context) (models.Stats, error) {
	tok := s.statsTokens.Issue()
	stats, err := s.ledger.Stats(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.statsTokens.Current(tok) {
		logger.Debug("Discarding stale stats response (token %d)", tok)
		return models.Stats{}, scheduler.ErrStaleResponse
	}
	if err != nil {
		return models.Stats{}, err
	}
	s.stats = stats
	s.hasStats = true
	s.updatedAt = time.Now()
	return stats, nil
}

// RefreshAll refreshes portfolio, history and stats one after another. Every
// resource is attempted; the first error encountered is returned.
func (s *State) RefreshAll(ctx context.Context) error {
	var first error
	if _, err := s.RefreshPortfolio(ctx); err != nil {
		first = err
	}
	if _, err := s.RefreshHistory(ctx); err != nil && first == nil {
		first = err
	}
	if _, err := s.RefreshStats(ctx); err != nil && first == nil {
		first = err
	}
	return first
}

// Invalidate discards the results of all in-flight refreshes.
func (s *State) Invalidate() {
	s.portfolioTokens.Invalidate()
	s.historyTokens.Invalidate()
	s.statsTokens.Invalidate()
}

// Cash returns the cached cash balance. ok is false before the first successful fetch.
func (s *State) Cash() (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.portfolio.Cash, s.hasPortfolio
}

// History returns a copy of the cached trade log.
func (s *State) History() []models.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.TradeRecord(nil), s.history...)
}

// Position returns the cached position for an instrument outcome. known is
// false before the first successful fetch.
func (s *State) Position(instrumentID, outcome string) (pos models.Position, held, known bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, held = s.portfolio.Find(instrumentID, outcome)
	return pos, held, s.hasPortfolio
}

// Snapshot returns a copy of the cached state with its derived summary.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats *models.Stats
	if s.hasStats {
		st := s.stats
		stats = &st
	}
	return Snapshot{
		Portfolio:    s.portfolio.Normalize(),
		HasPortfolio: s.hasPortfolio,
		History:      append([]models.TradeRecord(nil), s.history...),
		Stats:        s.stats,
		HasStats:     s.hasStats,
		Summary:      Aggregate(s.history, stats),
		UpdatedAt:    s.updatedAt,
	}
}

// Restore seeds the state with cached data until the first fetch succeeds.
func (s *State) Restore(p models.Portfolio, history []models.TradeRecord, savedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasPortfolio {
		return false
	}
	s.portfolio = p.Normalize()
	s.history = append([]models.TradeRecord(nil), history...)
	s.updatedAt = savedAt
	return true
}
