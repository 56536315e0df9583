package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/paperdesk/internal/engine"
	"github.com/rewired-gh/paperdesk/internal/logger"
)

var (
	runMetricsAddr string
	runExchange    string
	runReport      time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the local state in sync with the backend until interrupted",
	Long: `Run the sync scheduler with the markets view active: the catalog, portfolio,
history, stats and watchlist are refreshed every sync.poll_interval. Fetch
failures are logged and, when Telegram is enabled, forwarded once per outage.

Examples:
  paperdesk run
  paperdesk run --metrics-addr :9090 --report 5m`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (disabled when empty)")
	runCmd.Flags().StringVar(&runExchange, "exchange", "", "Exchange to follow (defaults to catalog.default_exchange)")
	runCmd.Flags().DurationVar(&runReport, "report", time.Minute, "Interval between portfolio summaries in the log (0 disables)")
	rootCmd.AddCommand(runCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, exchangeOverride(runExchange), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	var srv *http.Server
	if runMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.engine.Metrics().Handler())
		srv = &http.Server{Addr: runMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
		logger.Info("Serving metrics on %s/metrics", runMetricsAddr)
	}

	logger.Info("Starting sync (interval: %v, auto refresh: %v)", a.cfg.Sync.PollInterval, a.cfg.Sync.AutoRefresh)
	a.engine.EnterMarkets()

	var report <-chan time.Time
	if runReport > 0 {
		t := time.NewTicker(runReport)
		defer t.Stop()
		report = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, cleaning up...")
			a.engine.LeaveMarkets()
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to stop metrics server: %v", err)
				}
			}
			logger.Info("Service stopped")
			return nil
		case <-report:
			logger.Info("%s", summaryLine(a.engine.View()))
		}
	}
}

// summaryLine condenses the view into a single log line.
func summaryLine(v engine.ViewState) string {
	p := v.Ledger.Portfolio
	line := fmt.Sprintf("%s: %d markets, cash %s, value %s, %d positions, %d watched",
		v.Exchange, len(v.Instruments),
		money(p.Cash.StringFixed(2)), money(p.TotalValue().StringFixed(2)),
		len(p.Positions), len(v.Watchlist))
	if !v.LastRefresh.IsZero() {
		line += ", refreshed " + humanize.Time(v.LastRefresh)
	}
	for _, b := range v.Banners {
		line += "; " + b
	}
	return line
}
