package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/paperdesk/internal/engine"
	"github.com/rewired-gh/paperdesk/internal/logger"
	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/trade"
)

var (
	marketsSearch   string
	marketsExchange string
	marketsCategory string
	marketsSort     string
	marketsAll      bool

	tradeExchange string
)

var marketsCmd = &cobra.Command{
	Use:   "markets",
	Short: "List the markets of an exchange",
	Long: `List the markets of an exchange, filtered by category keywords and sorted
client side. Closed markets are hidden unless --all is given or
catalog.hide_closed is false.

Examples:
  paperdesk markets
  paperdesk markets --exchange kalshi --search election
  paperdesk markets --category crypto --sort closingSoon`,
	Args: cobra.NoArgs,
	RunE: runMarkets,
}

var buyCmd = &cobra.Command{
	Use:   "buy <market-id> <outcome> <contracts>",
	Short: "Buy contracts of a market outcome",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrade(cmd, models.Buy, args)
	},
}

var sellCmd = &cobra.Command{
	Use:   "sell <market-id> <outcome> <contracts>",
	Short: "Sell held contracts of a market outcome",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrade(cmd, models.Sell, args)
	},
}

var portfolioCmd = &cobra.Command{
	Use:   "portfolio",
	Short: "Show cash, positions and portfolio value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, nil, nil, func(ctx context.Context, a *app) error {
			a.refresh(ctx)
			v := newPortfolioView(a.engine.View().Ledger)
			return render(a.out, outputFormat, v, func(tw *tabwriter.Writer) { writePortfolio(tw, v) })
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show executed trades, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, nil, nil, func(ctx context.Context, a *app) error {
			a.refresh(ctx)
			rows := tradeRows(a.engine.View().Ledger.Summary.Records)
			return render(a.out, outputFormat, rows, func(tw *tabwriter.Writer) { writeTrades(tw, rows) })
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show trade statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, nil, nil, func(ctx context.Context, a *app) error {
			a.refresh(ctx)
			v := newStatsView(a.engine.View().Ledger.Summary)
			return render(a.out, outputFormat, v, func(tw *tabwriter.Writer) { writeStats(tw, v) })
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <market-id>",
	Short: "Add a market to the watchlist, or remove it if already watched",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, exchangeOverride(tradeExchange), nil, func(ctx context.Context, a *app) error {
			a.refresh(ctx)
			return printStatus(a, a.engine.ToggleWatch(ctx, args[0]))
		})
	},
}

var watchlistCmd = &cobra.Command{
	Use:   "watchlist",
	Short: "List watched markets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, nil, nil, func(ctx context.Context, a *app) error {
			a.refresh(ctx)
			entries := a.engine.View().Watchlist
			return render(a.out, outputFormat, entries, func(tw *tabwriter.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(tw, "Watchlist is empty\t")
					return
				}
				fmt.Fprintln(tw, "ID\tMARKET\tEXCHANGE\t")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t\n", e.InstrumentID, truncate(e.Label, 60), e.Exchange)
				}
			})
		})
	},
}

var exchangesCmd = &cobra.Command{
	Use:   "exchanges",
	Short: "List the exchanges the backend can quote",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, nil, nil, func(ctx context.Context, a *app) error {
			exchanges, err := a.engine.Exchanges(ctx)
			if err != nil {
				return err
			}
			return render(a.out, outputFormat, exchanges, func(tw *tabwriter.Writer) {
				for _, ex := range exchanges {
					marker := " "
					if ex == a.cfg.Catalog.DefaultExchange {
						marker = "*"
					}
					fmt.Fprintf(tw, "%s %s\t\n", marker, ex)
				}
			})
		})
	},
}

func init() {
	marketsCmd.Flags().StringVar(&marketsSearch, "search", "", "Server-side search term")
	marketsCmd.Flags().StringVar(&marketsExchange, "exchange", "", "Exchange to list (defaults to catalog.default_exchange)")
	marketsCmd.Flags().StringVar(&marketsCategory, "category", "", "Keyword category to filter by")
	marketsCmd.Flags().StringVar(&marketsSort, "sort", "", "Sort order (default|volume|liquidity|closingSoon|newest)")
	marketsCmd.Flags().BoolVar(&marketsAll, "all", false, "Include closed markets")

	for _, c := range []*cobra.Command{buyCmd, sellCmd, watchCmd} {
		c.Flags().StringVar(&tradeExchange, "exchange", "", "Exchange of the market (defaults to catalog.default_exchange)")
	}

	rootCmd.AddCommand(marketsCmd, buyCmd, sellCmd, portfolioCmd, historyCmd, statsCmd, watchCmd, watchlistCmd, exchangesCmd)
}

// withApp builds the app for one command invocation and tears it down afterwards.
func withApp(cmd *cobra.Command, tune func(*engine.Options), prepare func(*engine.Engine) error, run func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cmd, tune, prepare)
	if err != nil {
		return err
	}
	defer a.Close()
	return run(ctx, a)
}

func exchangeOverride(exchange string) func(*engine.Options) {
	return func(o *engine.Options) {
		if exchange != "" {
			o.Exchange = exchange
		}
	}
}

func runMarkets(cmd *cobra.Command, args []string) error {
	tune := func(o *engine.Options) {
		exchangeOverride(marketsExchange)(o)
		if marketsAll {
			o.HideClosed = false
		}
	}
	prepare := func(e *engine.Engine) error {
		if marketsSearch != "" {
			e.Search(marketsSearch)
		}
		if err := e.SetCategory(marketsCategory); err != nil {
			return fmt.Errorf("%w (known: %s)", err, strings.Join(e.Categories(), ", "))
		}
		if marketsSort != "" {
			return e.SetSort(marketsSort)
		}
		return nil
	}

	return withApp(cmd, tune, prepare, func(ctx context.Context, a *app) error {
		a.refresh(ctx)
		v := a.engine.View()
		if len(v.Instruments) == 0 && len(v.Banners) > 0 {
			return errors.New(v.Banners[0])
		}
		watched := make(map[string]bool, len(v.Watchlist))
		for _, w := range v.Watchlist {
			watched[w.InstrumentID] = true
		}
		rows := marketRows(v.Instruments, watched)
		return render(a.out, outputFormat, rows, func(tw *tabwriter.Writer) { writeMarkets(tw, rows) })
	})
}

// parseTradeArgs turns "<market-id> <outcome> <contracts>" into a request.
func parseTradeArgs(args []string) (trade.Request, error) {
	contracts, err := decimal.NewFromString(args[2])
	if err != nil {
		return trade.Request{}, fmt.Errorf("invalid contracts %q: %w", args[2], err)
	}
	return trade.Request{InstrumentID: args[0], Outcome: args[1], Contracts: contracts}, nil
}

func runTrade(cmd *cobra.Command, side models.Side, args []string) error {
	req, err := parseTradeArgs(args)
	if err != nil {
		return err
	}

	return withApp(cmd, exchangeOverride(tradeExchange), nil, func(ctx context.Context, a *app) error {
		a.refresh(ctx)
		if _, ok := a.engine.Lookup(req.InstrumentID); !ok {
			// Market lists are capped; search by ID before giving up.
			if err := a.engine.SearchNow(ctx, req.InstrumentID); err != nil {
				logger.Warn("Search for %s failed: %v", req.InstrumentID, err)
			}
		}

		var st engine.Status
		if side == models.Buy {
			_, st = a.engine.Buy(ctx, req)
		} else {
			_, st = a.engine.Sell(ctx, req)
		}
		return printStatus(a, st)
	})
}

// printStatus writes a status line; error statuses become the command error.
func printStatus(a *app, st engine.Status) error {
	if st.IsError() {
		return errors.New(st.Message)
	}
	fmt.Fprintln(a.out, st.Message)
	return nil
}
