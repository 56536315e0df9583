package trade

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/paperdesk/internal/backend"
	"github.com/rewired-gh/paperdesk/internal/backend/backendtest"
	"github.com/rewired-gh/paperdesk/internal/catalog"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/portfolio"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	srv      *backendtest.Server
	catalog  *catalog.Catalog
	state    *portfolio.State
	executor *Executor
}

func newFixture(t *testing.T, cash string, markets ...backendtest.Market) *fixture {
	t.Helper()
	srv := backendtest.NewServer(d(cash), markets...)
	t.Cleanup(srv.Close)

	client := backend.NewClient(srv.URL, backend.ClientConfig{RateLimit: 1000, Burst: 100})
	cat := catalog.New(client, "", 50)
	_, err := cat.Load(context.Background())
	require.NoError(t, err)

	state := portfolio.New(client)
	return &fixture{srv: srv, catalog: cat, state: state, executor: NewExecutor(cat, state, client)}
}

func willX() backendtest.Market {
	return backendtest.Market{
		ID: "m1", Question: "Will X happen?", Outcomes: []string{"Yes", "No"},
		Prices: map[string]float64{"Yes": 0.62, "No": 0.38}, Volume: 1000, IsOpen: true,
	}
}

func TestBuyReconcilesPortfolio(t *testing.T) {
	f := newFixture(t, "10000", willX())

	res, err := f.executor.Buy(context.Background(), Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("10")})
	require.NoError(t, err)

	assert.True(t, d("6.2").Equal(res.Estimate.Total))
	require.NotNil(t, res.FillTotal)
	assert.True(t, d("6.2").Equal(*res.FillTotal))
	assert.Equal(t, "Trade executed", res.Message)

	require.True(t, res.HasPortfolio)
	assert.NoError(t, res.RefreshErr)
	assert.True(t, d("9993.80").Equal(res.Portfolio.Cash), "cash %s", res.Portfolio.Cash)
	require.Len(t, res.Portfolio.Positions, 1)
	pos := res.Portfolio.Positions[0]
	assert.True(t, d("10").Equal(pos.Contracts))
	assert.True(t, d("0.62").Equal(pos.AvgCost))

	snap := f.state.Snapshot()
	assert.Len(t, snap.History, 1, "history refreshed after the trade")
	assert.True(t, snap.HasStats)
	assert.Equal(t, 1, f.srv.Calls("GET /portfolio"))
	assert.Equal(t, 1, f.srv.Calls("GET /history"))
	assert.Equal(t, 1, f.srv.Calls("GET /stats"))
}

func TestRejectedBuyLeavesPortfolioUnchanged(t *testing.T) {
	f := newFixture(t, "5", willX())
	ctx := context.Background()

	// Cash is unknown until the first fetch, so the ledger decides.
	_, err := f.executor.Buy(ctx, Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("10")})
	var funds *InsufficientFundsError
	require.ErrorAs(t, err, &funds)
	assert.Equal(t, "Insufficient funds", funds.Error())
	_, fromLedger := backend.AsBackend(err)
	assert.True(t, fromLedger)

	cash, known := f.state.Cash()
	require.True(t, known, "portfolio refreshed after the failed trade")
	assert.True(t, d("5").Equal(cash))
	assert.Empty(t, f.state.Snapshot().Portfolio.Positions)
	assert.Equal(t, 1, f.srv.Calls("POST /markets/buy"))

	// Now cash is cached and the same buy is rejected locally.
	_, err = f.executor.Buy(ctx, Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("10")})
	require.ErrorAs(t, err, &funds)
	assert.True(t, d("6.2").Equal(funds.Required))
	assert.True(t, d("5").Equal(funds.Available))
	assert.Equal(t, 1, f.srv.Calls("POST /markets/buy"), "no second submission")
}

func TestBuySellRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		fee      string
		wantCash string
	}{
		{"no fee is value neutral", "0", "10000"},
		{"fee charged on both legs", "0.01", "9999.876"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "10000", willX())
			f.srv.SetFee(d(tt.fee))
			ctx := context.Background()
			req := Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("10")}

			_, err := f.executor.Buy(ctx, req)
			require.NoError(t, err)
			res, err := f.executor.Sell(ctx, req)
			require.NoError(t, err)

			require.True(t, res.HasPortfolio)
			assert.True(t, d(tt.wantCash).Equal(res.Portfolio.Cash), "cash %s", res.Portfolio.Cash)
			assert.Empty(t, res.Portfolio.Positions, "sold-out position removed")
			assert.Len(t, f.state.Snapshot().History, 2)
		})
	}
}

func TestValidationFailuresSkipNetwork(t *testing.T) {
	closed := willX()
	closed.ID = "closed"
	closed.IsOpen = false

	fx := newFixture(t, "10000", willX(), closed)
	_, err := fx.state.RefreshPortfolio(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name  string
		side  models.Side
		req   Request
		check func(t *testing.T, err error)
	}{
		{"zero contracts", models.Buy, Request{InstrumentID: "m1", Outcome: "Yes", Contracts: decimal.Zero}, isValidation("contracts")},
		{"negative contracts", models.Sell, Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("-1")}, isValidation("contracts")},
		{"unknown instrument", models.Buy, Request{InstrumentID: "nope", Outcome: "Yes", Contracts: d("1")}, isValidation("instrument")},
		{"unknown outcome", models.Buy, Request{InstrumentID: "m1", Outcome: "Maybe", Contracts: d("1")}, isValidation("outcome")},
		{"closed market", models.Buy, Request{InstrumentID: "closed", Outcome: "Yes", Contracts: d("1")}, func(t *testing.T, err error) {
			var closedErr *MarketClosedError
			require.ErrorAs(t, err, &closedErr)
			assert.Equal(t, "closed", closedErr.InstrumentID)
		}},
		{"sell without position", models.Sell, Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("1")}, isValidation("contracts")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.side == models.Buy {
				_, err = fx.executor.Buy(context.Background(), tt.req)
			} else {
				_, err = fx.executor.Sell(context.Background(), tt.req)
			}
			require.Error(t, err)
			tt.check(t, err)
		})
	}

	assert.Equal(t, 0, fx.srv.Calls("POST /markets/buy"))
	assert.Equal(t, 0, fx.srv.Calls("POST /markets/sell"))
	assert.Equal(t, 1, fx.srv.Calls("GET /portfolio"), "validation failures do not refresh")
}

func TestSellMoreThanHeld(t *testing.T) {
	f := newFixture(t, "10000", willX())
	ctx := context.Background()
	_, err := f.executor.Buy(ctx, Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("3")})
	require.NoError(t, err)

	_, err = f.executor.Sell(ctx, Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("5")})
	isValidation("contracts")(t, err)
	assert.Equal(t, 0, f.srv.Calls("POST /markets/sell"))
}

func TestTradeOnCurrencyPairRejected(t *testing.T) {
	pair := &models.CurrencyPair{Base: "EUR", Quote: "USD", Rate: 1.08}
	e := NewExecutor(lookupFunc(func(id string) (models.Instrument, bool) { return pair, true }), nil, nil)

	_, err := e.Estimate(Request{InstrumentID: "EUR/USD", Outcome: "shares", Contracts: d("1")})
	isValidation("instrument")(t, err)
}

func TestStockEstimate(t *testing.T) {
	stock := &models.StockQuote{Symbol: "AAPL", LastPrice: 190.5, Open: true}
	e := NewExecutor(lookupFunc(func(id string) (models.Instrument, bool) { return stock, true }), nil, nil)

	q, err := e.Estimate(Request{InstrumentID: "AAPL", Outcome: models.OutcomeShares, Contracts: d("2")})
	require.NoError(t, err)
	assert.True(t, d("381").Equal(q.Total))
}

func TestBackendClosedMarketMapped(t *testing.T) {
	f := newFixture(t, "10000", willX())
	f.srv.Fail("POST /markets/buy", http.StatusBadRequest, "Market is closed for trading")

	res, err := f.executor.Buy(context.Background(), Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("1")})
	var closedErr *MarketClosedError
	require.ErrorAs(t, err, &closedErr)
	assert.Equal(t, "Market is closed for trading", closedErr.Error())
	assert.True(t, res.HasPortfolio, "portfolio reconciled after a rejected trade")
}

func TestOtherBackendErrorsPassThrough(t *testing.T) {
	f := newFixture(t, "10000", willX())
	f.srv.Fail("POST /markets/buy", http.StatusBadRequest, "Trading halted")

	_, err := f.executor.Buy(context.Background(), Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("1")})
	be, ok := backend.AsBackend(err)
	require.True(t, ok)
	assert.Equal(t, "Trading halted", be.Message)
	var closedErr *MarketClosedError
	assert.False(t, errors.As(err, &closedErr))
}

func TestPostTradeRefreshFailureReported(t *testing.T) {
	f := newFixture(t, "10000", willX())
	f.srv.Fail("GET /portfolio", http.StatusBadRequest, "ledger busy")

	res, err := f.executor.Buy(context.Background(), Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("1")})
	require.NoError(t, err, "the trade itself succeeded")
	assert.False(t, res.HasPortfolio)
	require.Error(t, res.RefreshErr)
	assert.Contains(t, res.RefreshErr.Error(), "ledger busy")
}

type lookupFunc func(id string) (models.Instrument, bool)

func (f lookupFunc) Lookup(id string) (models.Instrument, bool) { return f(id) }

func isValidation(field string) func(t *testing.T, err error) {
	return func(t *testing.T, err error) {
		t.Helper()
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, field, ve.Field)
	}
}

func TestFillTakenFromNewHistoryRecord(t *testing.T) {
	f := newFixture(t, "10000", willX())
	f.srv.SetBareFills(true)
	ctx := context.Background()
	req := Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("10")}

	first, err := f.executor.Buy(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first.FillTotal)
	assert.True(t, d("6.2").Equal(*first.FillTotal))

	// Same order again at a different fee: the earlier identical record must not be used.
	f.srv.SetFee(d("0.5"))
	second, err := f.executor.Buy(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, second.FillPrice)
	require.NotNil(t, second.FillTotal)
	assert.True(t, d("0.62").Equal(*second.FillPrice))
	assert.True(t, d("9.3").Equal(*second.FillTotal), "fill total %s", second.FillTotal)
}

func TestBareFillWithoutHistoryHasNoFill(t *testing.T) {
	f := newFixture(t, "10000", willX())
	f.srv.SetBareFills(true)
	f.srv.Fail("GET /history", http.StatusInternalServerError, "history unavailable")

	res, err := f.executor.Buy(context.Background(), Request{InstrumentID: "m1", Outcome: "Yes", Contracts: d("10")})
	require.NoError(t, err)
	assert.Nil(t, res.FillPrice)
	assert.Nil(t, res.FillTotal)
	assert.Error(t, res.RefreshErr)
}
