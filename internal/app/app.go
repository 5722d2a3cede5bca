package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"overbought-alerts/internal/alerting"
	"overbought-alerts/internal/config"
	"overbought-alerts/internal/engine"
	"overbought-alerts/internal/market"
	"overbought-alerts/internal/metrics"
	"overbought-alerts/internal/service"
	"overbought-alerts/internal/storage"
	"overbought-alerts/internal/tracker"
	"overbought-alerts/internal/version"
	"overbought-alerts/internal/window"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newClient() *market.Client {
	ex := a.Config.Exchange
	ua := ex.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	return market.NewClient(market.ClientOptions{
		BaseURL:           ex.BaseURL,
		Category:          ex.Category,
		Timeout:           ex.RequestTimeout,
		RequestsPerSecond: ex.RequestsPerSecond,
		Burst:             ex.Burst,
		UserAgent:         ua,
		Retry: market.RetryPolicy{
			Attempts:         ex.RetryAttempts,
			NetworkBackoff:   ex.NetworkBackoff,
			RateLimitBackoff: ex.RateLimitBackoff,
		},
	}, a.Logger)
}

func (a *App) newDispatcher() *alerting.Dispatcher {
	cfg := a.Config.Alerting
	var notifiers []alerting.Notifier

	if cfg.Discord.Enabled {
		loc, err := time.LoadLocation(cfg.Discord.Timezone)
		if err != nil {
			a.Logger.Warn().Err(err).Str("timezone", cfg.Discord.Timezone).Msg("unknown timezone; using UTC")
			loc = time.UTC
		}
		notifiers = append(notifiers, alerting.NewDiscordNotifier(alerting.DiscordOptions{
			WebhookURL: cfg.Discord.WebhookURL,
			Username:   cfg.Discord.Username,
			Title:      cfg.Discord.Title,
			Brand:      cfg.Discord.Brand,
			Location:   loc,
			Timeout:    cfg.Timeout,
		}, a.Logger))
	}
	if cfg.Telegram.Enabled {
		tg := cfg.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, cfg.Timeout, a.Logger))
	}

	return alerting.NewDispatcher(notifiers, cfg.Timeout, a.Logger)
}

// openRecordStore returns the configured alert log backend. pg is non-nil
// only for the postgres backend and doubles as the advisory locker.
func (a *App) openRecordStore(ctx context.Context) (store storage.RecordStore, pg *storage.Store, closer func(), err error) {
	switch strings.ToLower(a.Config.Tracker.Backend) {
	case "postgres":
		if a.Config.Database.DSN == "" {
			return nil, nil, nil, fmt.Errorf("tracker backend postgres: %w", storage.ErrNotConfigured)
		}
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		pg = storage.NewStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		return pg, pg, pg.Close, nil
	default:
		fs := storage.NewFileStore(a.Config.Tracker.FilePath)
		a.Logger.Info().Str("path", fs.Path()).Msg("using file alert log")
		return fs, nil, func() {}, nil
	}
}

func (a *App) trackerOptions() tracker.Options {
	return tracker.Options{
		TargetPercent: a.Config.Tracker.TargetPercent,
		ExpiryWindow:  a.Config.Tracker.ExpiryWindow,
	}
}

func (a *App) engineConfig() (engine.Config, error) {
	fast, err := market.ParseTimeframe(a.Config.Monitor.FastTimeframe)
	if err != nil {
		return engine.Config{}, err
	}
	priority, err := market.ParseTimeframes(a.Config.Monitor.CompositePriority)
	if err != nil {
		return engine.Config{}, err
	}
	sig := a.Config.Signal
	return engine.Config{
		Threshold:         sig.Threshold,
		ResetMargin:       sig.ResetMargin,
		WatchMargin:       sig.WatchMargin,
		Period:            sig.Period,
		Fast:              fast,
		CompositePriority: priority,
		MinVolume24h:      a.Config.Liquidity.MinVolume24h,
		MinOpenInterest:   a.Config.Liquidity.MinOpenInterest,
		Bias:              a.Config.Monitor.Bias,
	}, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	timeframes, err := a.Config.Monitor.ParsedTimeframes()
	if err != nil {
		return err
	}
	engCfg, err := a.engineConfig()
	if err != nil {
		return err
	}

	m := metrics.New()
	health := metrics.NewHealth()

	client := a.newClient()
	stream := market.NewStream(market.StreamOptions{
		URL:               a.Config.Exchange.WSURL,
		PingInterval:      a.Config.Exchange.PingInterval,
		MaxReconnectDelay: a.Config.Exchange.ReconnectMax,
		OnConnect:         func() { health.SetStreamConnected(true) },
		OnReconnect: func() {
			health.SetStreamConnected(false)
			m.StreamReconnect()
		},
	}, a.Logger)

	store, pg, closeStore, err := a.openRecordStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	trk := tracker.New(ctx, store, a.trackerOptions(), a.Logger)

	dispatcher := a.newDispatcher()
	dispatcher.OnResult(m.NotifierResult)
	if dispatcher.Len() == 0 {
		a.Logger.Warn().Msg("no notifier enabled; alerts will not be delivered")
	}

	windows := window.NewStore(a.Config.Signal.WindowSize())
	eng := engine.New(engCfg, windows, client, dispatcher, trk, a.Logger, engine.WithMetrics(m))

	repoll := make(map[market.Timeframe]time.Duration, len(timeframes))
	for _, tf := range timeframes {
		repoll[tf] = a.Config.RepollInterval(tf)
	}

	opts := []service.Option{service.WithMetrics(m, health)}
	var lockKey int64
	if pg != nil {
		opts = append(opts, service.WithLocker(pg))
		lockKey = a.Config.Database.AdvisoryLockKey
	}
	mon := service.New(service.Options{
		Category:          a.Config.Exchange.Category,
		Timeframes:        timeframes,
		Blacklist:         a.Config.Monitor.Blacklist,
		Period:            a.Config.Signal.Period,
		BaseInterval:      a.Config.Monitor.BaseInterval,
		RepollIntervals:   repoll,
		WarmupConcurrency: a.Config.Monitor.WarmupConcurrency,
		RepollConcurrency: a.Config.Monitor.RepollConcurrency,
		Workers:           a.Config.Monitor.Workers,
		Evaluators:        a.Config.Monitor.Evaluators,
		TrackingInterval:  a.Config.Monitor.TrackingInterval,
		LockKey:           lockKey,
	}, client, stream, windows, eng, trk, a.Logger, opts...)

	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, m, health, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	a.Logger.Info().
		Float64("threshold", engCfg.Threshold).
		Strs("timeframes", a.Config.Monitor.Timeframes).
		Int("notifiers", dispatcher.Len()).
		Msg("starting monitoring service")
	err = mon.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the alert log.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Symbol    string
	Timeframe string
}

// StatsOptions configure the stats command.
type StatsOptions struct {
	Recent int
}

// SimulateOptions describe a synthetic alert.
type SimulateOptions struct {
	Symbol    string
	Timeframe string
	RSI       float64
	// Other, when set, additionally sends a composite alert paired with it.
	Other    string
	OtherRSI float64
}
