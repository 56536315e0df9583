// Package watchlist tracks the instruments the user follows.
//
// Toggles update the local set immediately and are rolled back when the
// backend rejects them.
package watchlist

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rewired-gh/paperdesk/internal/logger"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/scheduler"
)

// Store is the backend side of the watchlist.
type Store interface {
	Watchlist(ctx context.Context) ([]models.WatchlistEntry, error)
	AddWatch(ctx context.Context, entry models.WatchlistEntry) error
	RemoveWatch(ctx context.Context, instrumentID string) error
}

// Manager holds the local watchlist set keyed by instrument ID.
type Manager struct {
	store  Store
	tokens scheduler.Tokens

	mu      sync.RWMutex
	entries map[string]models.WatchlistEntry
	// pending counts unresolved toggles per instrument; loads never
	// overwrite an entry with a toggle in flight.
	pending map[string]int
}

// New creates an empty manager.
func New(store Store) *Manager {
	return &Manager{
		store:   store,
		entries: make(map[string]models.WatchlistEntry),
		pending: make(map[string]int),
	}
}

// Load replaces the local set with the backend's watchlist.
func (m *Manager) Load(ctx context.Context) ([]models.WatchlistEntry, error) {
	tok := m.tokens.Issue()
	remote, err := m.store.Watchlist(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.tokens.Current(tok) {
		return nil, scheduler.ErrStaleResponse
	}
	if err != nil {
		return nil, err
	}

	next := make(map[string]models.WatchlistEntry, len(remote))
	for _, e := range remote {
		if err := e.Validate(); err != nil {
			logger.Warn("Skipping invalid watchlist entry: %v", err)
			continue
		}
		next[e.InstrumentID] = e
	}
	for id := range m.pending {
		if e, ok := m.entries[id]; ok {
			next[id] = e
		} else {
			delete(next, id)
		}
	}
	m.entries = next
	return m.sortedLocked(), nil
}

// Toggle adds the entry when it is not watched and removes it otherwise. The
// local set changes before the request is sent; if the request fails the
// pre-toggle membership is restored and the error returned.
func (m *Manager) Toggle(ctx context.Context, entry models.WatchlistEntry) (added bool, err error) {
	if err := entry.Validate(); err != nil {
		return false, fmt.Errorf("invalid watchlist entry: %w", err)
	}
	id := entry.InstrumentID

	m.mu.Lock()
	prev, was := m.entries[id]
	if was {
		delete(m.entries, id)
	} else {
		m.entries[id] = entry
	}
	m.pending[id]++
	m.mu.Unlock()

	if was {
		err = m.store.RemoveWatch(ctx, id)
	} else {
		err = m.store.AddWatch(ctx, entry)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[id]--; m.pending[id] == 0 {
		delete(m.pending, id)
	}
	if err != nil {
		if was {
			m.entries[id] = prev
		} else {
			delete(m.entries, id)
		}
		logger.Warn("Watchlist toggle for %s rolled back: %v", id, err)
		return false, err
	}
	return !was, nil
}

// Contains reports whether the instrument is in the local set.
func (m *Manager) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[id]
	return ok
}

// Entries returns the watchlist ordered by label.
func (m *Manager) Entries() []models.WatchlistEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

// Restore seeds the set with cached entries when it is still empty.
func (m *Manager) Restore(entries []models.WatchlistEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 || len(m.pending) > 0 {
		return false
	}
	for _, e := range entries {
		m.entries[e.InstrumentID] = e
	}
	return true
}

func (m *Manager) sortedLocked() []models.WatchlistEntry {
	out := make([]models.WatchlistEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := strings.ToLower(out[i].Label), strings.ToLower(out[j].Label)
		if li != lj {
			return li < lj
		}
		return out[i].InstrumentID < out[j].InstrumentID
	})
	return out
}
