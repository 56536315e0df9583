// Package storage keeps the last successfully fetched catalog, portfolio,
// history and watchlist in a local SQLite file.
//
// The cache is advisory. It lets a restarted client show the previous state
// (marked stale) before the first fetch returns; nothing read from it is ever
// used to validate a trade. Every snapshot is a single row replaced in full.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/paperdesk/internal/models"
)

// payloadVersion is written with every row. Rows with another version are ignored.
const payloadVersion = "1"

// timeLayout has fixed width so saved_at compares correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Storage is a SQLite backed snapshot cache. It is safe for concurrent use.
type Storage struct {
	db   *sql.DB
	path string
}

// catalogPayload is the row format of one exchange's catalog.
type catalogPayload struct {
	Exchange    string                      `json:"exchange"`
	Instruments []models.InstrumentEnvelope `json:"instruments"`
}

// ledgerPayload is the row format of portfolio plus history.
type ledgerPayload struct {
	Portfolio models.Portfolio     `json:"portfolio"`
	History   []models.TradeRecord `json:"history"`
}

// Open opens or creates the cache at path. If path is empty an OS-appropriate
// temp location is used.
func Open(path string) (*Storage, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "paperdesk", "cache.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Storage{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *Storage) Path() string {
	return s.path
}

// Close releases the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS snapshots (
	key      TEXT PRIMARY KEY,
	version  TEXT NOT NULL,
	payload  TEXT NOT NULL,
	saved_at TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("failed to migrate cache: %w", err)
	}
	return nil
}

// SaveCatalog replaces the cached catalog of an exchange.
func (s *Storage) SaveCatalog(ctx context.Context, exchange string, instruments []models.Instrument) error {
	p := catalogPayload{Exchange: exchange, Instruments: make([]models.InstrumentEnvelope, 0, len(instruments))}
	for _, inst := range instruments {
		p.Instruments = append(p.Instruments, models.Wrap(inst))
	}
	return s.put(ctx, catalogKey(exchange), p)
}

// LoadCatalog returns the cached catalog of an exchange. ok is false when
// nothing usable is cached.
func (s *Storage) LoadCatalog(ctx context.Context, exchange string) (instruments []models.Instrument, savedAt time.Time, ok bool, err error) {
	var p catalogPayload
	savedAt, ok, err = s.get(ctx, catalogKey(exchange), &p)
	if err != nil || !ok {
		return nil, time.Time{}, false, err
	}

	instruments = make([]models.Instrument, 0, len(p.Instruments))
	for _, env := range p.Instruments {
		inst, err := env.Unwrap()
		if err != nil {
			return nil, time.Time{}, false, fmt.Errorf("corrupt cached instrument: %w", err)
		}
		instruments = append(instruments, inst)
	}
	return instruments, savedAt, true, nil
}

// SaveLedger replaces the cached portfolio and history.
func (s *Storage) SaveLedger(ctx context.Context, p models.Portfolio, history []models.TradeRecord) error {
	return s.put(ctx, "ledger", ledgerPayload{Portfolio: p.Normalize(), History: history})
}

// LoadLedger returns the cached portfolio and history.
func (s *Storage) LoadLedger(ctx context.Context) (models.Portfolio, []models.TradeRecord, time.Time, bool, error) {
	var p ledgerPayload
	savedAt, ok, err := s.get(ctx, "ledger", &p)
	if err != nil || !ok {
		return models.Portfolio{}, nil, time.Time{}, false, err
	}
	if err := p.Portfolio.Validate(); err != nil {
		return models.Portfolio{}, nil, time.Time{}, false, fmt.Errorf("corrupt cached portfolio: %w", err)
	}
	return p.Portfolio, p.History, savedAt, true, nil
}

// SaveWatchlist replaces the cached watchlist.
func (s *Storage) SaveWatchlist(ctx context.Context, entries []models.WatchlistEntry) error {
	return s.put(ctx, "watchlist", entries)
}

// LoadWatchlist returns the cached watchlist.
func (s *Storage) LoadWatchlist(ctx context.Context) ([]models.WatchlistEntry, bool, error) {
	var entries []models.WatchlistEntry
	_, ok, err := s.get(ctx, "watchlist", &entries)
	return entries, ok, err
}

// Prune deletes snapshots saved more than maxAge ago and returns how many were removed.
func (s *Storage) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE saved_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	return res.RowsAffected()
}

func (s *Storage) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO snapshots (key, version, payload, saved_at)
VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET version=excluded.version, payload=excluded.payload, saved_at=excluded.saved_at
`, key, payloadVersion, string(data), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *Storage) get(ctx context.Context, key string, v any) (time.Time, bool, error) {
	var version, payload, savedAt string
	row := s.db.QueryRowContext(ctx, `SELECT version, payload, saved_at FROM snapshots WHERE key=?`, key)
	if err := row.Scan(&version, &payload, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if version != payloadVersion {
		return time.Time{}, false, nil
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	t, err := time.Parse(timeLayout, savedAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid saved_at for %s: %w", key, err)
	}
	return t, true, nil
}

func catalogKey(exchange string) string {
	return "catalog:" + exchange
}
