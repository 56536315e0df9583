// Package engine wires the catalog, portfolio, watchlist, trade executor and
// sync scheduler into one instance handle for a presentation layer.
//
// Every user action returns or records a Status instead of an error; fetch
// failures keep the previous state and raise an inline banner. Nothing here
// is fatal to the process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/paperdesk/internal/backend"
	"github.com/rewired-gh/paperdesk/internal/catalog"
	"github.com/rewired-gh/paperdesk/internal/logger"
	"github.com/rewired-gh/paperdesk/internal/metrics"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/monitor"
	"github.com/rewired-gh/paperdesk/internal/portfolio"
	"github.com/rewired-gh/paperdesk/internal/scheduler"
	"github.com/rewired-gh/paperdesk/internal/telegram"
	"github.com/rewired-gh/paperdesk/internal/trade"
	"github.com/rewired-gh/paperdesk/internal/watchlist"
)

// Backend is the REST surface the engine consumes. *backend.Client implements it.
type Backend interface {
	catalog.Fetcher
	portfolio.Ledger
	watchlist.Store
	trade.Submitter
	Exchanges(ctx context.Context) ([]string, error)
}

var _ Backend = (*backend.Client)(nil)

// Cache persists the last good state between runs. *storage.Storage implements it.
type Cache interface {
	SaveCatalog(ctx context.Context, exchange string, instruments []models.Instrument) error
	LoadCatalog(ctx context.Context, exchange string) ([]models.Instrument, time.Time, bool, error)
	SaveLedger(ctx context.Context, p models.Portfolio, history []models.TradeRecord) error
	LoadLedger(ctx context.Context) (models.Portfolio, []models.TradeRecord, time.Time, bool, error)
	SaveWatchlist(ctx context.Context, entries []models.WatchlistEntry) error
	LoadWatchlist(ctx context.Context) ([]models.WatchlistEntry, bool, error)
}

// Notifier forwards trade outcomes, failure banners and watchlist price
// moves. *telegram.Client implements it.
type Notifier interface {
	NotifyTrade(ctx context.Context, n telegram.TradeNotice) error
	NotifyStatus(ctx context.Context, level, message string) error
	NotifyMoves(ctx context.Context, moves []monitor.Move) error
}

// Banner keys, one per fetched resource group.
const (
	bannerMarkets   = "markets"
	bannerPortfolio = "portfolio"
	bannerWatchlist = "watchlist"
)

// Options configures an Engine.
type Options struct {
	Backend      Backend
	Exchange     string
	Sort         catalog.SortKey
	Categories   map[string][]string
	HideClosed   bool
	MarketLimit  int
	PollInterval time.Duration
	AutoRefresh  bool

	// Optional collaborators.
	Cache    Cache
	Notifier Notifier
	// Monitor detects price moves of watched instruments; alerts need a Notifier.
	Monitor   *monitor.Monitor
	Metrics   *metrics.Registry
	NewTicker func(time.Duration) scheduler.Ticker
}

// Engine is the client-side trading simulation and sync engine.
type Engine struct {
	backend  Backend
	catalog  *catalog.Catalog
	state    *portfolio.State
	watch    *watchlist.Manager
	executor *trade.Executor
	sched    *scheduler.Scheduler
	metrics  *metrics.Registry
	cache    Cache
	notifier Notifier
	monitor  *monitor.Monitor

	categories map[string][]string
	hideClosed bool

	notifyWG sync.WaitGroup

	mu          sync.RWMutex
	ctx         context.Context
	stopped     bool
	category    string
	sortKey     catalog.SortKey
	banners     map[string]string
	status      Status
	lastRefresh time.Time
}

// New builds an engine. Call Start before using the scheduler-driven operations.
func New(opts Options) *Engine {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Sort == "" {
		opts.Sort = catalog.SortDefault
	}
	categories := make(map[string][]string, len(opts.Categories))
	for name, keywords := range opts.Categories {
		categories[strings.ToLower(name)] = append([]string(nil), keywords...)
	}

	e := &Engine{
		backend:    opts.Backend,
		catalog:    catalog.New(opts.Backend, opts.Exchange, opts.MarketLimit),
		state:      portfolio.New(opts.Backend),
		watch:      watchlist.New(opts.Backend),
		metrics:    opts.Metrics,
		cache:      opts.Cache,
		notifier:   opts.Notifier,
		monitor:    opts.Monitor,
		categories: categories,
		hideClosed: opts.HideClosed,
		ctx:        context.Background(),
		sortKey:    opts.Sort,
		banners:    make(map[string]string),
	}
	e.executor = trade.NewExecutor(e.catalog, e.state, opts.Backend)
	e.sched = scheduler.New(scheduler.Options{
		Interval:    opts.PollInterval,
		AutoRefresh: opts.AutoRefresh,
		Cycle: func(ctx context.Context, reason scheduler.Reason) {
			_ = e.runCycle(ctx, reason)
		},
		OnLeave:   e.catalog.Invalidate,
		NewTicker: opts.NewTicker,
	})
	return e
}

// Start restores cached state, if a cache is configured, and arms the scheduler.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.restore(ctx)
	e.sched.Start(ctx)
	logger.Info("Engine started (exchange: %s)", e.catalog.Exchange())
}

// Stop halts polling and waits for in-flight cycles and notifications.
// Notifications raised after Stop are dropped.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.notifyWG.Wait()
	logger.Info("Engine stopped")
}

// Metrics returns the engine's metrics registry.
func (e *Engine) Metrics() *metrics.Registry {
	return e.metrics
}

// EnterMarkets activates the markets view: one refresh runs immediately and
// polling starts if auto refresh is on.
func (e *Engine) EnterMarkets() {
	e.sched.Enter()
}

// LeaveMarkets stops polling. Catalog responses still in flight are discarded.
func (e *Engine) LeaveMarkets() {
	e.sched.Leave()
}

// SetAutoRefresh pauses or resumes polling. Resuming refreshes immediately.
func (e *Engine) SetAutoRefresh(on bool) {
	e.sched.SetAuto(on)
}

// Refresh triggers a manual refresh in the background.
func (e *Engine) Refresh() {
	e.sched.Trigger(scheduler.ReasonManual)
}

// RefreshNow runs a full refresh on the calling goroutine and returns the
// first fetch error. Stale responses are not errors.
func (e *Engine) RefreshNow(ctx context.Context) error {
	return e.runCycle(ctx, scheduler.ReasonManual)
}

// Search sets the server-side search term and reloads the catalog.
func (e *Engine) Search(term string) {
	e.catalog.SetSearch(strings.TrimSpace(term))
	e.sched.Trigger(scheduler.ReasonSearch)
}

// SearchNow sets the search term and reloads the catalog on the calling goroutine.
func (e *Engine) SearchNow(ctx context.Context, term string) error {
	e.catalog.SetSearch(strings.TrimSpace(term))
	return e.loadCatalog(ctx)
}

// SelectExchange switches exchanges. The catalog and selection are cleared
// before the new catalog is requested.
func (e *Engine) SelectExchange(exchange string) {
	e.catalog.SelectExchange(exchange)
	if e.monitor != nil {
		e.monitor.Reset()
	}
	e.clearBanner(bannerMarkets)
	e.sched.Trigger(scheduler.ReasonExchange)
}

// SetCategory selects a keyword category. The empty name shows everything.
func (e *Engine) SetCategory(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" && name != "all" {
		if _, ok := e.categories[name]; !ok {
			return fmt.Errorf("unknown category %q", name)
		}
	} else {
		name = ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.category = name
	return nil
}

// Categories lists the configured category names.
func (e *Engine) Categories() []string {
	names := make([]string, 0, len(e.categories))
	for name := range e.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetSort selects the ordering of the visible instruments.
func (e *Engine) SetSort(key string) error {
	k, err := catalog.ParseSortKey(key)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sortKey = k
	return nil
}

// Select expands an instrument in the view.
func (e *Engine) Select(id string) bool {
	return e.catalog.Select(id)
}

// Lookup returns a catalog instrument by ID.
func (e *Engine) Lookup(id string) (models.Instrument, bool) {
	return e.catalog.Lookup(id)
}

// Estimate returns the advisory cost of an order.
func (e *Engine) Estimate(req trade.Request) (trade.Quote, error) {
	return e.executor.Estimate(req)
}

// Exchanges lists the exchanges the backend can quote.
func (e *Engine) Exchanges(ctx context.Context) ([]string, error) {
	return e.backend.Exchanges(ctx)
}

// Buy submits a buy order and reconciles the portfolio afterwards.
func (e *Engine) Buy(ctx context.Context, req trade.Request) (trade.Result, Status) {
	return e.submit(ctx, models.Buy, req)
}

// Sell submits a sell order and reconciles the portfolio afterwards.
func (e *Engine) Sell(ctx context.Context, req trade.Request) (trade.Result, Status) {
	return e.submit(ctx, models.Sell, req)
}

func (e *Engine) submit(ctx context.Context, side models.Side, req trade.Request) (trade.Result, Status) {
	if req.Exchange == "" {
		req.Exchange = e.catalog.Exchange()
	}

	var (
		res trade.Result
		err error
	)
	if side == models.Buy {
		res, err = e.executor.Buy(ctx, req)
	} else {
		res, err = e.executor.Sell(ctx, req)
	}
	submitted := res.Side != ""

	var st Status
	switch {
	case err != nil && !submitted:
		e.metrics.RecordTrade(string(side), "invalid")
		st = e.setStatus(LevelError, describe(err))
	case err != nil:
		e.metrics.RecordTrade(string(side), "rejected")
		st = e.setStatus(LevelError, describe(err))
	default:
		e.metrics.RecordTrade(string(side), "filled")
		msg := fillMessage(res)
		level := LevelSuccess
		if res.RefreshErr != nil && !errors.Is(res.RefreshErr, scheduler.ErrStaleResponse) {
			msg += "; portfolio refresh failed: " + describe(res.RefreshErr)
			level = LevelWarn
		}
		st = e.setStatus(level, msg)
	}

	if submitted {
		e.afterLedgerRefresh(ctx, res.RefreshErr)
		e.notifyTrade(res, err)
	}
	return res, st
}

// ToggleWatch adds or removes an instrument from the watchlist. The local
// set changes immediately and is rolled back if the backend rejects it.
func (e *Engine) ToggleWatch(ctx context.Context, id string) Status {
	entry := models.WatchlistEntry{InstrumentID: id, Exchange: e.catalog.Exchange()}
	if inst, ok := e.catalog.Lookup(id); ok {
		entry.Label = inst.Label()
	} else {
		for _, w := range e.watch.Entries() {
			if w.InstrumentID == id {
				entry = w
			}
		}
	}
	adding := !e.watch.Contains(id)

	added, err := e.watch.Toggle(ctx, entry)
	e.metrics.RecordToggle(adding, err != nil)
	if err != nil {
		return e.setStatus(LevelError, describe(err))
	}

	e.saveWatchlist(ctx)
	label := entry.Label
	if label == "" {
		label = id
	}
	if added {
		return e.setStatus(LevelSuccess, fmt.Sprintf("Added %s to watchlist", label))
	}
	return e.setStatus(LevelSuccess, fmt.Sprintf("Removed %s from watchlist", label))
}

// runCycle refreshes the catalog and, unless only the catalog query changed,
// the ledger and watchlist.
func (e *Engine) runCycle(ctx context.Context, reason scheduler.Reason) error {
	e.metrics.RecordCycle(string(reason))

	var first error
	note := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	note(e.loadCatalog(ctx))
	switch reason {
	case scheduler.ReasonSearch, scheduler.ReasonExchange:
	default:
		note(e.refreshLedger(ctx))
		note(e.loadWatchlist(ctx))
	}
	return first
}

func (e *Engine) loadCatalog(ctx context.Context) error {
	exchange := e.catalog.Exchange()
	start := time.Now()
	instruments, err := e.catalog.Load(ctx)
	if e.fetchResult("markets", start, err) {
		return nil
	}
	if err != nil {
		e.raiseBanner(bannerMarkets, "Failed to load markets: "+describe(err))
		return err
	}

	e.clearBanner(bannerMarkets)
	e.mu.Lock()
	e.lastRefresh = time.Now()
	e.mu.Unlock()

	if exchange != e.catalog.Exchange() {
		return nil
	}
	if e.cache != nil {
		if err := e.cache.SaveCatalog(ctx, exchange, instruments); err != nil {
			logger.Warn("Failed to cache catalog: %v", err)
		}
	}
	e.detectMoves(instruments)
	return nil
}

// detectMoves forwards price moves of watched instruments. The cooldown
// starts only once an alert was delivered.
func (e *Engine) detectMoves(instruments []models.Instrument) {
	if e.monitor == nil || e.notifier == nil {
		return
	}
	watched := make(map[string]bool)
	for _, w := range e.watch.Entries() {
		watched[w.InstrumentID] = true
	}
	moves := e.monitor.Observe(instruments, watched)
	if len(moves) == 0 {
		return
	}
	logger.Info("Detected %d price moves on watched markets", len(moves))

	e.mu.RLock()
	ctx := e.ctx
	e.mu.RUnlock()
	e.notify(func() error {
		if err := e.notifier.NotifyMoves(ctx, moves); err != nil {
			return err
		}
		e.monitor.RecordNotified(moves)
		return nil
	})
}

func (e *Engine) refreshLedger(ctx context.Context) error {
	var first error
	steps := []struct {
		resource string
		run      func() error
	}{
		{"portfolio", func() error { _, err := e.state.RefreshPortfolio(ctx); return err }},
		{"history", func() error { _, err := e.state.RefreshHistory(ctx); return err }},
		{"stats", func() error { _, err := e.state.RefreshStats(ctx); return err }},
	}
	for _, step := range steps {
		start := time.Now()
		err := step.run()
		if e.fetchResult(step.resource, start, err) {
			continue
		}
		if err != nil && first == nil {
			first = err
		}
	}
	e.afterLedgerRefresh(ctx, first)
	return first
}

// afterLedgerRefresh updates the portfolio banner and cache once a ledger refresh completed.
func (e *Engine) afterLedgerRefresh(ctx context.Context, err error) {
	if err != nil && !errors.Is(err, scheduler.ErrStaleResponse) {
		e.raiseBanner(bannerPortfolio, "Failed to load portfolio: "+describe(err))
		return
	}
	e.clearBanner(bannerPortfolio)
	if e.cache == nil {
		return
	}
	snap := e.state.Snapshot()
	if !snap.HasPortfolio {
		return
	}
	if err := e.cache.SaveLedger(ctx, snap.Portfolio, snap.History); err != nil {
		logger.Warn("Failed to cache ledger: %v", err)
	}
}

func (e *Engine) loadWatchlist(ctx context.Context) error {
	start := time.Now()
	_, err := e.watch.Load(ctx)
	if e.fetchResult("watchlist", start, err) {
		return nil
	}
	if err != nil {
		e.raiseBanner(bannerWatchlist, "Failed to load watchlist: "+describe(err))
		return err
	}
	e.clearBanner(bannerWatchlist)
	e.saveWatchlist(ctx)
	return nil
}

// fetchResult records metrics for one fetch and reports whether it was stale.
func (e *Engine) fetchResult(resource string, start time.Time, err error) (stale bool) {
	switch {
	case errors.Is(err, scheduler.ErrStaleResponse):
		e.metrics.RecordFetch(resource, metrics.ResultStale, 0)
		return true
	case err != nil:
		e.metrics.RecordFetch(resource, metrics.ResultError, time.Since(start))
		logger.Warn("Failed to fetch %s: %v", resource, err)
	default:
		e.metrics.RecordFetch(resource, metrics.ResultOK, time.Since(start))
	}
	return false
}

func (e *Engine) saveWatchlist(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SaveWatchlist(ctx, e.watch.Entries()); err != nil {
		logger.Warn("Failed to cache watchlist: %v", err)
	}
}

func (e *Engine) restore(ctx context.Context) {
	if e.cache == nil {
		return
	}
	exchange := e.catalog.Exchange()
	if instruments, savedAt, ok, err := e.cache.LoadCatalog(ctx, exchange); err != nil {
		logger.Warn("Failed to read cached catalog: %v", err)
	} else if ok && e.catalog.Restore(exchange, instruments, savedAt) {
		logger.Info("Restored %d cached instruments from %s", len(instruments), savedAt.Format(time.RFC3339))
	}
	if p, history, savedAt, ok, err := e.cache.LoadLedger(ctx); err != nil {
		logger.Warn("Failed to read cached ledger: %v", err)
	} else if ok {
		e.state.Restore(p, history, savedAt)
	}
	if entries, ok, err := e.cache.LoadWatchlist(ctx); err != nil {
		logger.Warn("Failed to read cached watchlist: %v", err)
	} else if ok {
		e.watch.Restore(entries)
	}
}

func (e *Engine) setStatus(level Level, message string) Status {
	st := Status{Level: level, Message: message, At: time.Now()}
	e.mu.Lock()
	e.status = st
	e.mu.Unlock()
	return st
}

// raiseBanner sets a fetch failure banner. A newly raised banner is forwarded
// to the notifier; repeats of the same failure are not.
func (e *Engine) raiseBanner(key, message string) {
	e.mu.Lock()
	prev, had := e.banners[key]
	e.banners[key] = message
	ctx := e.ctx
	e.mu.Unlock()

	if !had || prev != message {
		e.notify(func() error { return e.notifier.NotifyStatus(ctx, string(LevelError), message) })
	}
}

func (e *Engine) clearBanner(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.banners, key)
}

func (e *Engine) notifyTrade(res trade.Result, err error) {
	if e.notifier == nil {
		return
	}
	notice := telegram.TradeNotice{
		Side:      res.Side,
		Label:     res.Request.InstrumentID,
		Outcome:   res.Request.Outcome,
		Contracts: res.Request.Contracts,
		Total:     res.Estimate.Total,
		Estimated: true,
		At:        time.Now(),
	}
	if inst, ok := e.catalog.Lookup(res.Request.InstrumentID); ok {
		notice.Label = inst.Label()
	}
	if res.FillTotal != nil {
		notice.Total = *res.FillTotal
		notice.Estimated = false
	}
	if res.HasPortfolio {
		cash := res.Portfolio.Cash
		notice.Cash = &cash
	}
	if err != nil {
		notice.Err = describe(err)
	}

	e.mu.RLock()
	ctx := e.ctx
	e.mu.RUnlock()
	e.notify(func() error { return e.notifier.NotifyTrade(ctx, notice) })
}

// notify delivers in the background; Stop waits for pending deliveries.
func (e *Engine) notify(send func() error) {
	if e.notifier == nil {
		return
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		logger.Debug("Engine stopped, dropping notification")
		return
	}
	e.notifyWG.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.notifyWG.Done()
		if err := send(); err != nil {
			logger.Warn("Failed to send notification: %v", err)
		}
	}()
}

func fillMessage(res trade.Result) string {
	verb := "Bought"
	if res.Side == models.Sell {
		verb = "Sold"
	}
	price := "~" + res.Estimate.Price.StringFixed(2)
	if res.FillPrice != nil {
		price = res.FillPrice.StringFixed(2)
	}
	total := "estimated total " + money(res.Estimate.Total)
	if res.FillTotal != nil {
		total = "total " + money(*res.FillTotal)
	}
	return fmt.Sprintf("%s %s %s of %s at %s (%s)",
		verb, res.Request.Contracts, res.Request.Outcome, res.Request.InstrumentID, price, total)
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
