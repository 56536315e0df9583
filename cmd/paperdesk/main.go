package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/paperdesk/internal/backend"
	"github.com/rewired-gh/paperdesk/internal/catalog"
	"github.com/rewired-gh/paperdesk/internal/config"
	"github.com/rewired-gh/paperdesk/internal/engine"
	"github.com/rewired-gh/paperdesk/internal/logger"
	"github.com/rewired-gh/paperdesk/internal/monitor"
	"github.com/rewired-gh/paperdesk/internal/storage"
	"github.com/rewired-gh/paperdesk/internal/telegram"
)

var (
	configPath   string
	envFile      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "paperdesk",
	Short: "Paper trading client for prediction markets, stocks and currencies",
	Long: `paperdesk browses the markets of a paper trading backend, submits simulated
buy and sell orders and keeps a local view of the portfolio, trade history and
watchlist in sync with the ledger.

Examples:
  paperdesk markets --sort volume --category crypto
  paperdesk buy m1 Yes 10
  paperdesk portfolio --output json
  paperdesk run --metrics-addr :9090`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case formatTable, formatJSON, formatYAML:
			return nil
		}
		return fmt.Errorf("unknown output format %q (table|json|yaml)", outputFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults plus PAPERDESK_* environment when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the configuration")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatTable, "Output format (table|json|yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the per-invocation wiring of configuration, cache, notifier and engine.
type app struct {
	cfg    *config.Config
	engine *engine.Engine
	store  *storage.Storage
	out    io.Writer
	errOut io.Writer
}

// newApp loads configuration and builds a started engine. tune may adjust the
// engine options before construction; prepare runs before Start so that
// query changes do not schedule background cycles.
func newApp(ctx context.Context, cmd *cobra.Command, tune func(*engine.Options), prepare func(*engine.Engine) error) (*app, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logger.InitWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		return nil, err
	}
	if configPath != "" {
		logger.Debug("Configuration loaded from %s", configPath)
	}

	sortKey, err := catalog.ParseSortKey(cfg.Catalog.DefaultSort)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
	client := backend.NewClient(cfg.Backend.BaseURL, backend.ClientConfig{
		Timeout:         cfg.Backend.Timeout,
		RateLimit:       cfg.Backend.RateLimit,
		Burst:           cfg.Backend.Burst,
		BreakerFailures: cfg.Backend.BreakerFailures,
		BreakerTimeout:  cfg.Backend.BreakerTimeout,
		MarketLimit:     cfg.Backend.MarketLimit,
	})

	opts := engine.Options{
		Backend:      client,
		Exchange:     cfg.Catalog.DefaultExchange,
		Sort:         sortKey,
		Categories:   cfg.Catalog.Categories,
		HideClosed:   cfg.Catalog.HideClosed,
		MarketLimit:  cfg.Backend.MarketLimit,
		PollInterval: cfg.Sync.PollInterval,
		AutoRefresh:  cfg.Sync.AutoRefresh,
	}

	if cfg.Storage.Enabled {
		a.store, err = storage.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.MaxAge > 0 {
			if n, err := a.store.Prune(ctx, cfg.Storage.MaxAge); err != nil {
				logger.Warn("Failed to prune cache: %v", err)
			} else if n > 0 {
				logger.Debug("Pruned %d cached snapshots", n)
			}
		}
		opts.Cache = a.store
	}

	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		opts.Notifier = tg
		logger.Debug("Telegram notifications enabled")

		if cfg.Alerts.Enabled {
			opts.Monitor = monitor.New(monitor.Options{
				MinChange: cfg.Alerts.MinChange,
				MinScore:  cfg.Alerts.MinScore,
				VolumeRef: cfg.Alerts.VolumeRef,
				Cooldown:  cfg.Alerts.Cooldown,
				TopK:      cfg.Alerts.TopK,
			})
			logger.Debug("Watchlist price alerts enabled (min change %.3f, cooldown %v)", cfg.Alerts.MinChange, cfg.Alerts.Cooldown)
		}
	}

	if tune != nil {
		tune(&opts)
	}
	a.engine = engine.New(opts)
	if prepare != nil {
		if err := prepare(a.engine); err != nil {
			a.closeStore()
			return nil, err
		}
	}
	a.engine.Start(ctx)
	return a, nil
}

// Close stops the engine and releases the cache.
func (a *app) Close() {
	a.engine.Stop()
	a.closeStore()
}

func (a *app) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		logger.Error("Failed to close storage: %v", err)
	}
}

// refresh runs one synchronous refresh. Fetch failures are reported on the
// error stream; the command still renders whatever state is available.
func (a *app) refresh(ctx context.Context) {
	if err := a.engine.RefreshNow(ctx); err != nil {
		for _, banner := range a.engine.View().Banners {
			fmt.Fprintf(a.errOut, "warning: %s\n", banner)
		}
	}
}
