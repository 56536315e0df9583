// Package backend is the client for the market data and ledger REST service.
//
// Every call goes through a token bucket rate limiter and a circuit breaker.
// Requests are never retried automatically: transport failures surface as
// NetworkError and are retried by the next scheduled poll or user action.
// Non-2xx responses and structured {error} bodies surface as BackendError.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/paperdesk/internal/logger"
	"github.com/rewired-gh/paperdesk/internal/models"
)

// ClientConfig holds transport tuning parameters.
type ClientConfig struct {
	Timeout         time.Duration
	RateLimit       float64 // requests per second
	Burst           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	MarketLimit     int
}

// Client provides access to the backend REST API
type Client struct {
	http        *resty.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	marketLimit int
}

// MarketQuery filters GET /markets server-side.
type MarketQuery struct {
	Exchange string
	Search   string
	Limit    int
}

// NewClient creates a new backend client
func NewClient(baseURL string, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.MarketLimit <= 0 {
		cfg.MarketLimit = 50
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "backend",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors are answers, not outages.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			be, ok := AsBackend(err)
			return ok && be.Status < http.StatusInternalServerError
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker %s changed state: %s -> %s", name, from, to)
		},
	})

	return &Client{
		http:        httpClient,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breaker:     breaker,
		marketLimit: cfg.MarketLimit,
	}
}

// ListMarkets retrieves the instrument catalog. Invalid entries are skipped.
func (c *Client) ListMarkets(ctx context.Context, q MarketQuery) ([]models.Instrument, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = c.marketLimit
	}
	params := map[string]string{"limit": strconv.Itoa(limit)}
	if q.Exchange != "" {
		params["exchange"] = q.Exchange
	}
	if q.Search != "" {
		params["search"] = q.Search
	}

	var out marketsResponse
	if _, err := c.do(ctx, "list markets", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(params).SetResult(&out).Get("/markets")
	}); err != nil {
		return nil, err
	}

	instruments := make([]models.Instrument, 0, len(out.Markets))
	for _, w := range out.Markets {
		inst, err := w.ToModel()
		if err != nil {
			logger.Warn("Skipping invalid instrument %s: %v", w.ID, err)
			continue
		}
		instruments = append(instruments, inst)
	}
	return instruments, nil
}

// Buy submits a buy order to the ledger.
func (c *Client) Buy(ctx context.Context, req TradeRequest) (TradeResponse, error) {
	return c.trade(ctx, "buy", "/markets/buy", req)
}

// Sell submits a sell order to the ledger.
func (c *Client) Sell(ctx context.Context, req TradeRequest) (TradeResponse, error) {
	return c.trade(ctx, "sell", "/markets/sell", req)
}

// NewTradeRequest builds a trade body with an exact decimal contract count.
func NewTradeRequest(marketID, outcome string, contracts decimal.Decimal, exchange string) TradeRequest {
	return TradeRequest{
		MarketID:  marketID,
		Outcome:   outcome,
		Contracts: json.Number(contracts.String()),
		Exchange:  exchange,
	}
}

func (c *Client) trade(ctx context.Context, op, path string, req TradeRequest) (TradeResponse, error) {
	var out TradeResponse
	resp, err := c.do(ctx, op, func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("X-Request-ID", uuid.NewString()).
			SetBody(req).
			SetResult(&out).
			Post(path)
	})
	if err != nil {
		return TradeResponse{}, err
	}
	// Some ledgers answer 200 with an {error} body.
	if out.Error != "" {
		return out, &BackendError{Status: resp.StatusCode(), Message: out.Error}
	}
	return out, nil
}

// Portfolio retrieves the cash balance and open positions.
func (c *Client) Portfolio(ctx context.Context) (models.Portfolio, error) {
	var out models.Portfolio
	if _, err := c.do(ctx, "get portfolio", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get("/portfolio")
	}); err != nil {
		return models.Portfolio{}, err
	}

	p := out.Normalize()
	if err := p.Validate(); err != nil {
		return models.Portfolio{}, fmt.Errorf("invalid portfolio from backend: %w", err)
	}
	return p, nil
}

// History retrieves the trade log.
func (c *Client) History(ctx context.Context) ([]models.TradeRecord, error) {
	var out []models.TradeRecord
	if _, err := c.do(ctx, "get history", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get("/history")
	}); err != nil {
		return nil, err
	}

	records := make([]models.TradeRecord, 0, len(out))
	for i := range out {
		if err := out[i].Validate(); err != nil {
			logger.Warn("Skipping invalid trade record %d: %v", i, err)
			continue
		}
		records = append(records, out[i])
	}
	return records, nil
}

// Exchanges lists the exchanges the backend can quote.
func (c *Client) Exchanges(ctx context.Context) ([]string, error) {
	var out []string
	if _, err := c.do(ctx, "list exchanges", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get("/exchanges")
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats retrieves the ledger's aggregate trade statistics.
func (c *Client) Stats(ctx context.Context) (models.Stats, error) {
	var out models.Stats
	if _, err := c.do(ctx, "get stats", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get("/stats")
	}); err != nil {
		return models.Stats{}, err
	}
	return out, nil
}

// Watchlist retrieves the tracked instruments.
func (c *Client) Watchlist(ctx context.Context) ([]models.WatchlistEntry, error) {
	var out []models.WatchlistEntry
	if _, err := c.do(ctx, "get watchlist", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get("/watchlist")
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// AddWatch adds an instrument to the watchlist.
func (c *Client) AddWatch(ctx context.Context, entry models.WatchlistEntry) error {
	body := watchRequest{MarketID: entry.InstrumentID, Question: entry.Label, Exchange: entry.Exchange}
	_, err := c.do(ctx, "add watch", func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("X-Request-ID", uuid.NewString()).SetBody(body).Post("/watchlist")
	})
	return err
}

// RemoveWatch removes an instrument from the watchlist.
func (c *Client) RemoveWatch(ctx context.Context, instrumentID string) error {
	_, err := c.do(ctx, "remove watch", func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("X-Request-ID", uuid.NewString()).
			SetPathParam("id", instrumentID).
			Delete("/watchlist/{id}")
	})
	return err
}

// do performs one request through the rate limiter and circuit breaker.
func (c *Client) do(ctx context.Context, op string, send func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var apiErr errorBody
		resp, err := send(c.http.R().SetContext(ctx).SetError(&apiErr))
		if err != nil {
			// A response with a status arrived but its body did not decode.
			if resp != nil && resp.StatusCode() != 0 {
				return nil, &BackendError{
					Status:  resp.StatusCode(),
					Message: fmt.Sprintf("Malformed response from backend during %s", op),
					Err:     err,
				}
			}
			return nil, &NetworkError{Op: op, Err: err}
		}
		if resp.IsError() {
			msg := apiErr.text()
			if msg == "" {
				msg = strings.TrimSpace(string(resp.Body()))
			}
			if msg == "" {
				msg = http.StatusText(resp.StatusCode())
			}
			return resp, &BackendError{Status: resp.StatusCode(), Message: msg}
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("Backend %s completed", op)
	return result.(*resty.Response), nil
}
