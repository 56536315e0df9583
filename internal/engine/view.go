package engine

import (
	"sort"
	"time"

	"github.com/rewired-gh/paperdesk/internal/catalog"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/portfolio"
)

// ViewState is everything a presentation layer needs to render one frame.
type ViewState struct {
	Exchange string
	Search   string
	Category string
	Sort     catalog.SortKey

	// Instruments is the filtered and sorted projection of the catalog.
	Instruments []models.Instrument
	Selected    string
	// CatalogStale is set while restored markets are shown before the first load.
	CatalogStale bool

	Ledger    portfolio.Snapshot
	Watchlist []models.WatchlistEntry

	// Banners are inline fetch failures, ordered by resource.
	Banners []string
	Status  Status

	LastRefresh time.Time
	AutoRefresh bool
	Polling     bool
}

// View returns a consistent copy of the visible state.
func (e *Engine) View() ViewState {
	snap := e.catalog.Snapshot()

	e.mu.RLock()
	category, sortKey := e.category, e.sortKey
	v := ViewState{
		Exchange:     snap.Exchange,
		Search:       snap.Search,
		Category:     category,
		Sort:         sortKey,
		Selected:     snap.Selected,
		CatalogStale: snap.Stale,
		Status:       e.status,
		LastRefresh:  e.lastRefresh,
	}
	keys := make([]string, 0, len(e.banners))
	for k := range e.banners {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Banners = append(v.Banners, e.banners[k])
	}
	e.mu.RUnlock()

	v.Instruments = catalog.Project(snap.Instruments, catalog.Query{
		Keywords: e.categories[category],
		SortKey:  sortKey,
		OpenOnly: e.hideClosed,
	})
	v.Ledger = e.state.Snapshot()
	v.Watchlist = e.watch.Entries()
	v.AutoRefresh = e.sched.Auto()
	v.Polling = e.sched.Polling()
	return v
}
