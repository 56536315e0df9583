// Package trade validates and submits buy and sell orders against the ledger.
//
// The executor never mutates local portfolio state. After every submission,
// successful or not, it refreshes portfolio, history and stats one after
// another so the displayed state reflects the ledger.
package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/paperdesk/internal/backend"
	"github.com/rewired-gh/paperdesk/internal/logger"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/scheduler"
)

// Instruments resolves instrument IDs against the catalog.
type Instruments interface {
	Lookup(id string) (models.Instrument, bool)
}

// Book is the client's copy of the ledger.
type Book interface {
	Cash() (decimal.Decimal, bool)
	Position(instrumentID, outcome string) (pos models.Position, held, known bool)
	History() []models.TradeRecord
	RefreshPortfolio(ctx context.Context) (models.Portfolio, error)
	RefreshHistory(ctx context.Context) ([]models.TradeRecord, error)
	RefreshStats(ctx context.Context) (models.Stats, error)
}

// Submitter sends orders to the ledger service.
type Submitter interface {
	Buy(ctx context.Context, req backend.TradeRequest) (backend.TradeResponse, error)
	Sell(ctx context.Context, req backend.TradeRequest) (backend.TradeResponse, error)
}

// Request is one order as entered by the user.
type Request struct {
	InstrumentID string
	Outcome      string
	Contracts    decimal.Decimal
	Exchange     string
}

// Quote is the advisory cost of a request at the latest known price.
type Quote struct {
	Price     decimal.Decimal
	Contracts decimal.Decimal
	Total     decimal.Decimal
}

// Result describes a completed submission.
type Result struct {
	Side     models.Side
	Request  Request
	Estimate Quote
	Message  string
	// Fill values come from the trade response or, failing that, from the
	// matching record in the refreshed history. Nil when the ledger reported
	// neither.
	FillPrice *decimal.Decimal
	FillTotal *decimal.Decimal
	// Portfolio is the reconciled post-trade portfolio. HasPortfolio is false
	// when the post-trade portfolio refresh failed.
	Portfolio    models.Portfolio
	HasPortfolio bool
	RefreshErr   error
}

// Executor submits one trade at a time.
type Executor struct {
	instruments Instruments
	book        Book
	submitter   Submitter

	mu sync.Mutex
}

// NewExecutor creates an executor.
func NewExecutor(instruments Instruments, book Book, submitter Submitter) *Executor {
	return &Executor{instruments: instruments, book: book, submitter: submitter}
}

// Estimate returns contracts × latest known price. It performs no balance or
// position checks.
func (e *Executor) Estimate(req Request) (Quote, error) {
	_, quote, err := e.resolve(req)
	return quote, err
}

func (e *Executor) resolve(req Request) (models.Tradable, Quote, error) {
	if !req.Contracts.IsPositive() {
		return nil, Quote{}, &ValidationError{Field: "contracts", Reason: "must be greater than zero"}
	}
	inst, ok := e.instruments.Lookup(req.InstrumentID)
	if !ok {
		return nil, Quote{}, &ValidationError{Field: "instrument", Reason: fmt.Sprintf("%q is not in the catalog", req.InstrumentID)}
	}
	tradable, ok := inst.(models.Tradable)
	if !ok {
		return nil, Quote{}, &ValidationError{Field: "instrument", Reason: fmt.Sprintf("%s instruments cannot be traded", inst.Kind())}
	}
	if !hasOutcome(tradable, req.Outcome) {
		return nil, Quote{}, &ValidationError{Field: "outcome", Reason: fmt.Sprintf("%q is not an outcome of %s", req.Outcome, req.InstrumentID)}
	}
	price, ok := tradable.Price(req.Outcome)
	if !ok {
		return nil, Quote{}, &ValidationError{Field: "price", Reason: fmt.Sprintf("no quoted price for %q", req.Outcome)}
	}

	p := decimal.NewFromFloat(price)
	return tradable, Quote{Price: p, Contracts: req.Contracts, Total: req.Contracts.Mul(p)}, nil
}

// Buy validates and submits a buy order. Insufficient cash and closed markets
// are rejected locally without a network call.
func (e *Executor) Buy(ctx context.Context, req Request) (Result, error) {
	return e.execute(ctx, models.Buy, req)
}

// Sell validates and submits a sell order. Selling more than the cached
// position is rejected locally when a portfolio has been fetched.
func (e *Executor) Sell(ctx context.Context, req Request) (Result, error) {
	return e.execute(ctx, models.Sell, req)
}

func (e *Executor) execute(ctx context.Context, side models.Side, req Request) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	quote, err := e.check(side, req)
	if err != nil {
		return Result{}, err
	}

	res := Result{Side: side, Request: req, Estimate: quote}
	before := e.book.History()
	body := backend.NewTradeRequest(req.InstrumentID, req.Outcome, req.Contracts, req.Exchange)

	var resp backend.TradeResponse
	if side == models.Buy {
		resp, err = e.submitter.Buy(ctx, body)
	} else {
		resp, err = e.submitter.Sell(ctx, body)
	}
	err = interpret(req, quote, err)
	if err != nil {
		logger.Warn("%s %s %s x%s failed: %v", side, req.InstrumentID, req.Outcome, req.Contracts, err)
	} else {
		logger.Info("%s %s %s x%s submitted", side, req.InstrumentID, req.Outcome, req.Contracts)
		res.Message = resp.Message
		if resp.Price != nil {
			p := decimal.NewFromFloat(*resp.Price)
			res.FillPrice = &p
		}
		if resp.Total != nil {
			t := decimal.NewFromFloat(*resp.Total)
			res.FillTotal = &t
		}
	}

	e.reconcile(ctx, &res, before, err == nil)
	return res, err
}

// check runs every precondition that can be decided from cached state.
func (e *Executor) check(side models.Side, req Request) (Quote, error) {
	tradable, quote, err := e.resolve(req)
	if err != nil {
		return Quote{}, err
	}

	switch side {
	case models.Buy:
		if !tradable.IsOpen() {
			return Quote{}, &MarketClosedError{InstrumentID: req.InstrumentID}
		}
		if cash, known := e.book.Cash(); known && quote.Total.GreaterThan(cash) {
			return Quote{}, &InsufficientFundsError{Required: quote.Total, Available: cash}
		}
	case models.Sell:
		pos, held, known := e.book.Position(req.InstrumentID, req.Outcome)
		if known && !held {
			return Quote{}, &ValidationError{Field: "contracts", Reason: fmt.Sprintf("no %s position in %s", req.Outcome, req.InstrumentID)}
		}
		if known && req.Contracts.GreaterThan(pos.Contracts) {
			return Quote{}, &ValidationError{Field: "contracts", Reason: fmt.Sprintf("holding %s, cannot sell %s", pos.Contracts, req.Contracts)}
		}
	}
	return quote, nil
}

// reconcile refreshes portfolio, history and stats strictly in sequence.
func (e *Executor) reconcile(ctx context.Context, res *Result, before []models.TradeRecord, filled bool) {
	p, err := e.book.RefreshPortfolio(ctx)
	if err == nil {
		res.Portfolio = p
		res.HasPortfolio = true
	} else {
		res.RefreshErr = err
	}
	history, err := e.book.RefreshHistory(ctx)
	if err != nil && res.RefreshErr == nil {
		res.RefreshErr = err
	}
	if err == nil && filled && (res.FillPrice == nil || res.FillTotal == nil) {
		if rec, ok := ledgerFill(res, before, history); ok {
			if res.FillPrice == nil {
				price := rec.Price
				res.FillPrice = &price
			}
			if res.FillTotal == nil {
				t := rec.Total
				res.FillTotal = &t
			}
		}
	}
	if _, err := e.book.RefreshStats(ctx); err != nil && res.RefreshErr == nil {
		res.RefreshErr = err
	}
	if res.RefreshErr != nil && !errors.Is(res.RefreshErr, scheduler.ErrStaleResponse) {
		logger.Warn("Post-trade refresh failed: %v", res.RefreshErr)
	}
}

// ledgerFill finds the newest record of the submitted trade that was not in
// the history before submission.
func ledgerFill(res *Result, before, after []models.TradeRecord) (models.TradeRecord, bool) {
	seen := make(map[string]bool, len(before))
	for _, r := range before {
		seen[recordKey(r)] = true
	}
	var (
		best  models.TradeRecord
		found bool
	)
	for _, r := range after {
		if seen[recordKey(r)] || r.Side != res.Side || r.InstrumentID != res.Request.InstrumentID ||
			r.Outcome != res.Request.Outcome || !r.Contracts.Equal(res.Request.Contracts) {
			continue
		}
		if !found || r.Timestamp.After(best.Timestamp) {
			best, found = r, true
		}
	}
	return best, found
}

func recordKey(r models.TradeRecord) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", r.Side, r.InstrumentID, r.Outcome, r.Contracts, r.Total, r.Timestamp.Format(time.RFC3339Nano))
}

// interpret maps ledger rejections onto the trade error types.
func interpret(req Request, quote Quote, err error) error {
	be, ok := backend.AsBackend(err)
	if !ok {
		return err
	}
	switch {
	case be.MentionsInsufficientFunds():
		return &InsufficientFundsError{Required: quote.Total, Message: be.Message, Err: be}
	case be.MentionsClosedMarket():
		return &MarketClosedError{InstrumentID: req.InstrumentID, Message: be.Message, Err: be}
	}
	return err
}

func hasOutcome(t models.Tradable, outcome string) bool {
	for _, o := range t.Outcomes() {
		if o == outcome {
			return true
		}
	}
	return false
}
