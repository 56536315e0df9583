package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/paperdesk/internal/backend"
	"github.com/rewired-gh/paperdesk/internal/backend/backendtest"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/scheduler"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// fakeLedger answers history and stats from fixed values. Portfolio calls
// block until a value is sent on portfolios.
type fakeLedger struct {
	portfolios    chan models.Portfolio
	portfolioErr  error
	history       []models.TradeRecord
	historyErr    error
	stats         models.Stats
	statsErr      error
	portfolioSeen chan struct{}
}

func (f *fakeLedger) Portfolio(ctx context.Context) (models.Portfolio, error) {
	if f.portfolioSeen != nil {
		f.portfolioSeen <- struct{}{}
	}
	p := <-f.portfolios
	return p, f.portfolioErr
}

func (f *fakeLedger) History(ctx context.Context) ([]models.TradeRecord, error) {
	return f.history, f.historyErr
}

func (f *fakeLedger) Stats(ctx context.Context) (models.Stats, error) {
	return f.stats, f.statsErr
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{portfolios: make(chan models.Portfolio, 4)}
}

func TestRefreshPortfolioReplaces(t *testing.T) {
	ledger := newFakeLedger()
	s := New(ledger)

	_, ok := s.Cash()
	assert.False(t, ok, "no cash known before the first fetch")

	ledger.portfolios <- models.Portfolio{Cash: d("100"), Positions: []models.Position{
		{InstrumentID: "m1", Outcome: "Yes", Contracts: d("5"), AvgCost: d("0.4"), CurrentPrice: d("0.5")},
		{InstrumentID: "m2", Outcome: "No", Contracts: decimal.Zero, AvgCost: d("0.3"), CurrentPrice: d("0.3")},
	}}
	p, err := s.RefreshPortfolio(context.Background())
	require.NoError(t, err)
	assert.Len(t, p.Positions, 1, "zero-contract positions dropped")

	cash, ok := s.Cash()
	require.True(t, ok)
	assert.True(t, d("100").Equal(cash))

	pos, held, known := s.Position("m1", "Yes")
	assert.True(t, known)
	require.True(t, held)
	assert.True(t, d("5").Equal(pos.Contracts))

	ledger.portfolios <- models.Portfolio{Cash: d("50")}
	_, err = s.RefreshPortfolio(context.Background())
	require.NoError(t, err)
	_, held, _ = s.Position("m1", "Yes")
	assert.False(t, held, "full replace, no merge")
}

func TestRefreshFailureKeepsPrevious(t *testing.T) {
	ledger := newFakeLedger()
	s := New(ledger)

	ledger.portfolios <- models.Portfolio{Cash: d("100")}
	_, err := s.RefreshPortfolio(context.Background())
	require.NoError(t, err)

	ledger.portfolioErr = &backend.NetworkError{Op: "get portfolio", Err: errors.New("timeout")}
	ledger.portfolios <- models.Portfolio{}
	_, err = s.RefreshPortfolio(context.Background())
	require.Error(t, err)

	cash, ok := s.Cash()
	require.True(t, ok)
	assert.True(t, d("100").Equal(cash), "previous snapshot retained")
}

func TestStalePortfolioDiscarded(t *testing.T) {
	ledger := newFakeLedger()
	ledger.portfolioSeen = make(chan struct{}, 2)
	s := New(ledger)

	first := make(chan error, 1)
	go func() {
		_, err := s.RefreshPortfolio(context.Background())
		first <- err
	}()
	<-ledger.portfolioSeen

	second := make(chan error, 1)
	go func() {
		_, err := s.RefreshPortfolio(context.Background())
		second <- err
	}()
	<-ledger.portfolioSeen

	// Both calls are blocked; whichever receives which value, only the
	// later-issued one may apply.
	ledger.portfolios <- models.Portfolio{Cash: d("1")}
	ledger.portfolios <- models.Portfolio{Cash: d("1")}

	errs := []error{<-first, <-second}
	assert.ErrorIs(t, errs[0], scheduler.ErrStaleResponse)
	assert.NoError(t, errs[1])
}

func TestInvalidateDiscardsInFlight(t *testing.T) {
	ledger := newFakeLedger()
	ledger.portfolioSeen = make(chan struct{}, 1)
	s := New(ledger)

	done := make(chan error, 1)
	go func() {
		_, err := s.RefreshPortfolio(context.Background())
		done <- err
	}()
	<-ledger.portfolioSeen
	s.Invalidate()
	ledger.portfolios <- models.Portfolio{Cash: d("42")}

	assert.ErrorIs(t, <-done, scheduler.ErrStaleResponse)
	_, ok := s.Cash()
	assert.False(t, ok)
}

func TestRefreshAllAttemptsEverything(t *testing.T) {
	ledger := newFakeLedger()
	ledger.portfolios <- models.Portfolio{}
	ledger.portfolioErr = &backend.BackendError{Status: 500, Message: "boom"}
	ledger.history = []models.TradeRecord{{Side: models.Buy, InstrumentID: "m1", Contracts: d("1"), Price: d("0.5"), Total: d("0.5"), Timestamp: time.Now()}}
	ledger.stats = models.Stats{TotalTrades: 1}

	s := New(ledger)
	err := s.RefreshAll(context.Background())
	be, ok := backend.AsBackend(err)
	require.True(t, ok)
	assert.Equal(t, "boom", be.Message)

	snap := s.Snapshot()
	assert.False(t, snap.HasPortfolio)
	assert.Len(t, snap.History, 1)
	assert.True(t, snap.HasStats)
	assert.Equal(t, 1, snap.Summary.TotalTrades)
}

func TestRestoreYieldsToFetch(t *testing.T) {
	ledger := newFakeLedger()
	s := New(ledger)
	savedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, s.Restore(models.Portfolio{Cash: d("7")}, nil, savedAt))
	snap := s.Snapshot()
	assert.True(t, d("7").Equal(snap.Portfolio.Cash))
	assert.False(t, snap.HasPortfolio, "restored data is display only")
	_, ok := s.Cash()
	assert.False(t, ok)

	ledger.portfolios <- models.Portfolio{Cash: d("8")}
	_, err := s.RefreshPortfolio(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Restore(models.Portfolio{Cash: d("9")}, nil, savedAt))
	cash, _ := s.Cash()
	assert.True(t, d("8").Equal(cash))
}

func TestStateAgainstFakeBackend(t *testing.T) {
	srv := backendtest.NewServer(d("10000"), backendtest.Market{
		ID: "m1", Question: "Will X happen?", Outcomes: []string{"Yes", "No"},
		Prices: map[string]float64{"Yes": 0.62, "No": 0.38}, IsOpen: true,
	})
	defer srv.Close()
	client := backend.NewClient(srv.URL, backend.ClientConfig{RateLimit: 1000, Burst: 100})

	_, err := client.Buy(context.Background(), backend.NewTradeRequest("m1", "Yes", d("10"), ""))
	require.NoError(t, err)
	srv.SetStats(models.Stats{TotalTrades: 1, WinRate: dp("0.5")})

	s := New(client)
	require.NoError(t, s.RefreshAll(context.Background()))

	snap := s.Snapshot()
	assert.True(t, d("9993.8").Equal(snap.Portfolio.Cash), "cash %s", snap.Portfolio.Cash)
	assert.True(t, d("10000").Equal(snap.Portfolio.TotalValue()))
	require.Len(t, snap.Summary.Records, 1)
	require.NotNil(t, snap.Summary.WinRate)
	assert.True(t, d("0.5").Equal(*snap.Summary.WinRate))
}
