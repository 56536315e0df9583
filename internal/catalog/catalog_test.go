package catalog

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/paperdesk/internal/backend"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/scheduler"
)

// gatedFetcher blocks each ListMarkets call until the test releases it.
type gatedFetcher struct {
	mu      sync.Mutex
	calls   []backend.MarketQuery
	started chan struct{}
	gates   []chan result
}

type result struct {
	instruments []models.Instrument
	err         error
}

func newGatedFetcher(n int) *gatedFetcher {
	f := &gatedFetcher{started: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		f.gates = append(f.gates, make(chan result, 1))
	}
	return f
}

func (f *gatedFetcher) ListMarkets(ctx context.Context, q backend.MarketQuery) ([]models.Instrument, error) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, q)
	f.mu.Unlock()
	f.started <- struct{}{}
	r := <-f.gates[idx]
	return r.instruments, r.err
}

type staticFetcher struct {
	instruments []models.Instrument
	err         error
}

func (f staticFetcher) ListMarkets(ctx context.Context, q backend.MarketQuery) ([]models.Instrument, error) {
	return f.instruments, f.err
}

func market(id, question string, volume float64) *models.ContractMarket {
	return &models.ContractMarket{
		MarketID:   id,
		Question:   question,
		OutcomeSet: []string{"Yes", "No"},
		Prices:     map[string]float64{"Yes": 0.5, "No": 0.5},
		Volume:     volume,
		Open:       true,
	}
}

func ids(instruments []models.Instrument) []string {
	out := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		out = append(out, inst.ID())
	}
	return out
}

func TestLoadReplacesWholesale(t *testing.T) {
	f := &staticFetcher{instruments: []models.Instrument{market("a", "A", 1), market("b", "B", 2)}}
	c := New(f, "polymarket", 50)

	got, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	f.instruments = []models.Instrument{market("c", "C", 3)}
	_, err = c.Load(context.Background())
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, []string{"c"}, ids(snap.Instruments), "no merge with the previous catalog")
	assert.False(t, snap.Stale)
	_, ok := c.Lookup("a")
	assert.False(t, ok)
}

func TestLoadFailureKeepsPreviousCatalog(t *testing.T) {
	f := &staticFetcher{instruments: []models.Instrument{market("a", "A", 1)}}
	c := New(f, "polymarket", 50)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	f.instruments = nil
	f.err = &backend.NetworkError{Op: "list markets", Err: errors.New("connection refused")}
	_, err = c.Load(context.Background())
	require.Error(t, err)
	assert.True(t, backend.IsNetwork(err))
	assert.Equal(t, []string{"a"}, ids(c.Snapshot().Instruments))
}

func TestOutOfOrderResponsesKeepLatest(t *testing.T) {
	f := newGatedFetcher(2)
	c := New(f, "polymarket", 50)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = c.Load(context.Background())
	}()
	<-f.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = c.Load(context.Background())
	}()
	<-f.started

	// B resolves first, then A.
	f.gates[1] <- result{instruments: []models.Instrument{market("b", "B", 1)}}
	time.Sleep(10 * time.Millisecond)
	f.gates[0] <- result{instruments: []models.Instrument{market("a", "A", 1)}}
	wg.Wait()

	assert.ErrorIs(t, errs[0], scheduler.ErrStaleResponse)
	assert.NoError(t, errs[1])
	assert.Equal(t, []string{"b"}, ids(c.Snapshot().Instruments))
}

func TestSelectExchangeDiscardsInFlightLoad(t *testing.T) {
	f := newGatedFetcher(1)
	c := New(f, "polymarket", 50)
	c.SelectExchange("polymarket")

	done := make(chan error, 1)
	go func() {
		_, err := c.Load(context.Background())
		done <- err
	}()
	<-f.started

	c.SelectExchange("kalshi")
	assert.Empty(t, c.Snapshot().Instruments, "catalog cleared before the new load resolves")

	f.gates[0] <- result{instruments: []models.Instrument{market("p1", "Polymarket only", 1)}}
	assert.ErrorIs(t, <-done, scheduler.ErrStaleResponse)
	assert.Empty(t, c.Snapshot().Instruments)
	assert.Equal(t, "kalshi", c.Exchange())
}

func TestSelectExchangeClearsSelection(t *testing.T) {
	c := New(&staticFetcher{instruments: []models.Instrument{market("a", "A", 1)}}, "polymarket", 50)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	require.True(t, c.Select("a"))
	_, ok := c.Selected()
	require.True(t, ok)

	c.SelectExchange("kalshi")
	_, ok = c.Selected()
	assert.False(t, ok)
	assert.Empty(t, c.Snapshot().Selected)
}

func TestSelectionDroppedWhenInstrumentDisappears(t *testing.T) {
	f := &staticFetcher{instruments: []models.Instrument{market("a", "A", 1)}}
	c := New(f, "polymarket", 50)
	_, err := c.Load(context.Background())
	require.NoError(t, err)
	require.True(t, c.Select("a"))

	f.instruments = []models.Instrument{market("b", "B", 1)}
	_, err = c.Load(context.Background())
	require.NoError(t, err)
	_, ok := c.Selected()
	assert.False(t, ok)
	assert.False(t, c.Select("missing"))
}

func TestSnapshotReturnsCopies(t *testing.T) {
	c := New(&staticFetcher{instruments: []models.Instrument{market("a", "A", 1)}}, "polymarket", 50)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	snap := c.Snapshot()
	snap.Instruments[0].(*models.ContractMarket).Prices["Yes"] = 0.99

	inst, ok := c.Lookup("a")
	require.True(t, ok)
	price, _ := inst.(*models.ContractMarket).Price("Yes")
	assert.Equal(t, 0.5, price)
}

func TestRestoreMarksStaleUntilLoad(t *testing.T) {
	f := &staticFetcher{instruments: []models.Instrument{market("fresh", "Fresh", 1)}}
	c := New(f, "polymarket", 50)

	savedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.False(t, c.Restore("kalshi", []models.Instrument{market("x", "X", 1)}, savedAt), "other exchange")
	require.True(t, c.Restore("polymarket", []models.Instrument{market("cached", "Cached", 1)}, savedAt))

	snap := c.Snapshot()
	assert.True(t, snap.Stale)
	assert.Equal(t, savedAt, snap.UpdatedAt)
	assert.Equal(t, []string{"cached"}, ids(snap.Instruments))

	_, err := c.Load(context.Background())
	require.NoError(t, err)
	snap = c.Snapshot()
	assert.False(t, snap.Stale)
	assert.Equal(t, []string{"fresh"}, ids(snap.Instruments))

	assert.False(t, c.Restore("polymarket", nil, savedAt), "restore never overwrites loaded data")
}

func TestLoadUsesExchangeAndSearch(t *testing.T) {
	f := newGatedFetcher(1)
	c := New(f, "polymarket", 25)
	c.SetSearch("election")

	done := make(chan error, 1)
	go func() {
		_, err := c.Load(context.Background())
		done <- err
	}()
	<-f.started
	f.gates[0] <- result{}
	require.NoError(t, <-done)

	assert.Equal(t, backend.MarketQuery{Exchange: "polymarket", Search: "election", Limit: 25}, f.calls[0])
}

func TestProjectSortVolumeNonIncreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var instruments []models.Instrument
		for i := 0; i < 20; i++ {
			m := market(string(rune('a'+i)), "M", float64(rng.Intn(5)))
			instruments = append(instruments, m)
		}
		rng.Shuffle(len(instruments), func(i, j int) { instruments[i], instruments[j] = instruments[j], instruments[i] })

		out := Project(instruments, Query{SortKey: SortVolume})
		require.Len(t, out, len(instruments))
		for i := 1; i < len(out); i++ {
			assert.GreaterOrEqual(t, volumeOf(out[i-1]), volumeOf(out[i]))
		}
	}
}

func TestProjectSortStable(t *testing.T) {
	in := []models.Instrument{market("a", "A", 1), market("b", "B", 2), market("c", "C", 1), market("d", "D", 2)}
	out := Project(in, Query{SortKey: SortVolume})
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids(out))
}

func TestProjectSortKeys(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	early := market("early", "Early", 0)
	early.CloseTime = &t1
	early.Liquidity = 5
	late := market("late", "Late", 0)
	late.CloseTime = &t2
	none := market("none", "No close", 0)
	none.Liquidity = 10
	stock := &models.StockQuote{Symbol: "AAPL", Name: "Apple", LastPrice: 190, Volume: 7, Open: true}

	in := []models.Instrument{none, late, stock, early}

	tests := []struct {
		name string
		key  SortKey
		want []string
	}{
		{"default keeps catalog order", SortDefault, []string{"none", "late", "AAPL", "early"}},
		{"volume", SortVolume, []string{"AAPL", "none", "late", "early"}},
		{"liquidity missing counts as zero", SortLiquidity, []string{"none", "early", "late", "AAPL"}},
		{"closing soon, missing last", SortClosingSoon, []string{"early", "late", "none", "AAPL"}},
		{"newest, missing last", SortNewest, []string{"late", "early", "none", "AAPL"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Project(in, Query{SortKey: tt.key})))
		})
	}
	assert.Equal(t, []string{"none", "late", "AAPL", "early"}, ids(in), "input untouched")
}

func TestProjectCategoryFilter(t *testing.T) {
	in := []models.Instrument{
		market("1", "Will the FED cut rates?", 0),
		market("2", "Bitcoin above 100k?", 0),
		market("3", "Super Bowl winner", 0),
	}

	tests := []struct {
		name     string
		keywords []string
		want     []string
	}{
		{"empty passes through", nil, []string{"1", "2", "3"}},
		{"case insensitive", []string{"fed"}, []string{"1"}},
		{"any keyword", []string{"bitcoin", "bowl"}, []string{"2", "3"}},
		{"no match", []string{"weather"}, []string{}},
		{"blank keywords ignored", []string{"  "}, []string{"1", "2", "3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Project(in, Query{Keywords: tt.keywords})))
		})
	}
}

func TestProjectSingleClosedInstrument(t *testing.T) {
	m := market("only", "Only market", 0)
	m.Open = false
	in := []models.Instrument{m}

	for _, key := range []SortKey{SortDefault, SortVolume, SortLiquidity, SortClosingSoon, SortNewest} {
		out := Project(in, Query{SortKey: key})
		require.Len(t, out, 1, "sort %s", key)
		assert.Equal(t, "only", out[0].ID())
	}
	assert.Empty(t, Project(in, Query{OpenOnly: true}))
}

func TestExtraClosedMarketDoesNotChangeVisibleSet(t *testing.T) {
	closed := market("z", "Closed market", 9000)
	closed.Open = false

	f := &staticFetcher{instruments: []models.Instrument{market("a", "A", 1), market("b", "B", 2)}}
	c := New(f, "polymarket", 50)
	c.SetSearch("election")
	q := Query{SortKey: SortVolume, OpenOnly: true}

	first, err := c.Load(context.Background())
	require.NoError(t, err)
	firstVisible := ids(Project(first, q))

	f.instruments = []models.Instrument{market("a", "A", 1), closed, market("b", "B", 2)}
	second, err := c.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 3)

	assert.Equal(t, []string{"b", "a"}, firstVisible)
	assert.Equal(t, firstVisible, ids(Project(second, q)))
}

func TestProjectNilCatalog(t *testing.T) {
	assert.Empty(t, Project(nil, Query{SortKey: SortNewest, Keywords: []string{"x"}}))
}

func TestParseSortKey(t *testing.T) {
	tests := []struct {
		in      string
		want    SortKey
		wantErr bool
	}{
		{"", SortDefault, false},
		{"volume", SortVolume, false},
		{"Liquidity", SortLiquidity, false},
		{"closingSoon", SortClosingSoon, false},
		{"closing_soon", SortClosingSoon, false},
		{"newest", SortNewest, false},
		{"price", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSortKey(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
