// Package catalog holds the client's copy of the instrument list and the pure
// filter/sort projection that derives the visible list from it.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/rewired-gh/paperdesk/internal/backend"
	"github.com/rewired-gh/paperdesk/internal/logger"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/scheduler"
)

// Fetcher lists instruments from the market data service.
type Fetcher interface {
	ListMarkets(ctx context.Context, q backend.MarketQuery) ([]models.Instrument, error)
}

// Snapshot is a point-in-time copy of the catalog.
type Snapshot struct {
	Exchange    string
	Search      string
	Instruments []models.Instrument
	Selected    string
	// Stale is set while the catalog holds restored data that no load has confirmed yet.
	Stale     bool
	UpdatedAt time.Time
}

// Catalog is the wholesale-replaced instrument list of one exchange.
type Catalog struct {
	fetcher Fetcher
	tokens  scheduler.Tokens
	limit   int

	mu          sync.RWMutex
	exchange    string
	search      string
	instruments []models.Instrument
	byID        map[string]models.Instrument
	selected    string
	stale       bool
	updatedAt   time.Time
}

// New creates an empty catalog for the given exchange.
func New(fetcher Fetcher, exchange string, limit int) *Catalog {
	return &Catalog{
		fetcher:  fetcher,
		exchange: exchange,
		limit:    limit,
		byID:     make(map[string]models.Instrument),
	}
}

// Load fetches the catalog for the current exchange and search term. The
// result replaces the catalog only if no newer load or exchange switch was
// issued meanwhile; otherwise scheduler.ErrStaleResponse is returned and the
// catalog is left untouched. On fetch failure the previous catalog stays.
func (c *Catalog) Load(ctx context.Context) ([]models.Instrument, error) {
	tok := c.tokens.Issue()

	c.mu.RLock()
	q := backend.MarketQuery{Exchange: c.exchange, Search: c.search, Limit: c.limit}
	c.mu.RUnlock()

	instruments, err := c.fetcher.ListMarkets(ctx, q)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tokens.Current(tok) {
		logger.Debug("Discarding stale catalog response (token %d, latest %d)", tok, c.tokens.Latest())
		return nil, scheduler.ErrStaleResponse
	}
	if err != nil {
		return nil, err
	}

	c.replaceLocked(instruments)
	c.stale = false
	c.updatedAt = time.Now()
	logger.Debug("Catalog for %s replaced with %d instruments", q.Exchange, len(instruments))
	return cloneAll(c.instruments), nil
}

// SetSearch changes the server-side search term used by the next Load.
func (c *Catalog) SetSearch(term string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.search = term
}

// SelectExchange switches exchanges. The catalog and selection are cleared
// immediately and any in-flight load is invalidated, so data of the previous
// exchange can never appear under the new one.
func (c *Catalog) SelectExchange(exchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens.Invalidate()
	c.exchange = exchange
	c.replaceLocked(nil)
	c.selected = ""
	c.stale = false
}

// Invalidate discards the results of any in-flight load.
func (c *Catalog) Invalidate() {
	c.tokens.Invalidate()
}

// Exchange returns the selected exchange.
func (c *Catalog) Exchange() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exchange
}

// Select marks the instrument the user expanded. Unknown IDs clear the selection.
func (c *Catalog) Select(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; !ok {
		c.selected = ""
		return false
	}
	c.selected = id
	return true
}

// Selected returns the expanded instrument, if it is still in the catalog.
func (c *Catalog) Selected() (models.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.byID[c.selected]
	if !ok {
		return nil, false
	}
	return models.CloneInstrument(inst), true
}

// Lookup returns a copy of the instrument with the given ID.
func (c *Catalog) Lookup(id string) (models.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return models.CloneInstrument(inst), true
}

// Snapshot returns a copy of the catalog state.
func (c *Catalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Exchange:    c.exchange,
		Search:      c.search,
		Instruments: cloneAll(c.instruments),
		Selected:    c.selected,
		Stale:       c.stale,
		UpdatedAt:   c.updatedAt,
	}
}

// Restore seeds the catalog with previously cached instruments. The data is
// marked stale until the first successful Load. Restore is a no-op once a
// load has populated the catalog.
func (c *Catalog) Restore(exchange string, instruments []models.Instrument, savedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exchange != c.exchange || !c.updatedAt.IsZero() || len(c.instruments) > 0 {
		return false
	}
	c.replaceLocked(instruments)
	c.stale = true
	c.updatedAt = savedAt
	return true
}

func (c *Catalog) replaceLocked(instruments []models.Instrument) {
	c.instruments = cloneAll(instruments)
	c.byID = make(map[string]models.Instrument, len(c.instruments))
	for _, inst := range c.instruments {
		c.byID[inst.ID()] = inst
	}
	if _, ok := c.byID[c.selected]; !ok {
		c.selected = ""
	}
}

func cloneAll(in []models.Instrument) []models.Instrument {
	out := make([]models.Instrument, 0, len(in))
	for _, inst := range in {
		out = append(out, models.CloneInstrument(inst))
	}
	return out
}
