package app

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"whale-flow-alerts/internal/alerting"
	"whale-flow-alerts/internal/config"
	"whale-flow-alerts/internal/dedup"
	"whale-flow-alerts/internal/domain"
	"whale-flow-alerts/internal/pool"
	"whale-flow-alerts/internal/service"
	"whale-flow-alerts/internal/storage"
	"whale-flow-alerts/internal/transport"
	"whale-flow-alerts/internal/window"
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

func (a *App) loadWatchlist() ([]domain.WatchedEntity, error) {
	entities, err := config.LoadWatchlist(a.Config.App.WatchlistPath)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().Int("entities", len(entities)).Str("path", a.Config.App.WatchlistPath).Msg("watchlist loaded")
	return entities, nil
}

// newSourceFactory selects the transport strategy.
func (a *App) newSourceFactory() transport.Factory {
	ex := a.Config.Exchange
	if ex.Strategy == "poll" {
		return func() transport.EventSource {
			return transport.NewPoller(transport.PollOptions{
				InfoURL:   ex.InfoURL,
				Interval:  ex.PollInterval,
				Timeout:   ex.RequestTimeout,
				UserAgent: ex.UserAgent,
			}, a.Logger)
		}
	}
	return func() transport.EventSource {
		return transport.NewHyperliquid(ex.WSURL, a.Logger)
	}
}

// newNotifier assembles the sink fan-out. With no external channel
// configured, alerts still land on the console sink.
func (a *App) newNotifier() (alerting.Notifier, func()) {
	sinks := make([]alerting.Notifier, 0, 2)
	closers := make([]func(), 0, 1)

	if a.Config.Alerting.Telegram.Enabled {
		tg := a.Config.Alerting.Telegram
		sinks = append(sinks, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
	}
	if a.Config.Alerting.NATS.Enabled {
		pub, err := alerting.NewNATSPublisher(a.Config.Alerting.NATS.URL, a.Config.Alerting.NATS.Subject, a.Logger)
		if err != nil {
			a.Logger.Error().Err(err).Msg("NATS sink unavailable; continuing without it")
		} else {
			sinks = append(sinks, pub)
			closers = append(closers, pub.Close)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, alerting.NewConsoleNotifier(a.Logger))
	}

	closer := func() {
		for _, c := range closers {
			c()
		}
	}
	return alerting.NewFanout(a.Logger, sinks...), closer
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pgPool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pgPool)
	return store, store.Close, nil
}

func (a *App) openRedis(ctx context.Context) (*goredis.Client, error) {
	rc := a.Config.Redis
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         rc.Addr,
		Username:     rc.Username,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// newStores builds the dedup and window stores, Redis-backed when an
// address is configured and in-memory otherwise.
func (a *App) newStores(ctx context.Context, anchor time.Time) (dedup.Store, window.Aggregator, func(), error) {
	ttl := a.Config.DedupTTL()

	if a.Config.Redis.Addr == "" {
		a.Logger.Warn().Msg("redis.addr not configured; dedup and windows are process-local")
		ded := dedup.NewMemory(ttl, time.Minute)
		win := window.NewMemory(anchor, a.Config.Window.Length, a.Config.Window.RecentSamples, nil)
		return ded, win, ded.Close, nil
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	ded := dedup.NewRedis(rdb, a.Config.Redis.KeyPrefix, ttl, a.Logger)
	win := window.NewRedis(rdb, window.RedisOptions{
		Prefix:     a.Config.Redis.KeyPrefix,
		Anchor:     anchor,
		Length:     a.Config.Window.Length,
		TTLMargin:  a.Config.Dedup.Margin,
		MaxSamples: a.Config.Window.RecentSamples,
	}, a.Logger)
	return ded, win, func() { _ = rdb.Close() }, nil
}

// applyStoredOverrides layers database threshold overrides on top of the
// watchlist file. A load failure keeps the file values and is not fatal.
func (a *App) applyStoredOverrides(ctx context.Context, store storage.OverrideStore, entities []domain.WatchedEntity) []domain.WatchedEntity {
	overrides, err := store.LoadThresholdOverrides(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("threshold overrides unavailable; using watchlist values")
		return entities
	}
	if len(overrides) == 0 {
		return entities
	}

	byID := make(map[string]storage.OverrideRecord, len(overrides))
	for _, o := range overrides {
		byID[strings.ToLower(o.EntityID)] = o
	}

	applied := 0
	for i := range entities {
		o, ok := byID[entities[i].ID]
		if !ok {
			continue
		}
		if o.SingleThreshold != nil {
			entities[i].Thresholds.Single = o.SingleThreshold
		}
		if o.CumulativeThreshold != nil {
			entities[i].Thresholds.Cumulative = o.CumulativeThreshold
		}
		applied++
	}
	if applied > 0 {
		a.Logger.Info().Int("entities", applied).Msg("stored threshold overrides applied")
	}
	return entities
}

// Run executes the long-running watch service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	entities, err := a.loadWatchlist()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert audit disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if store != nil {
		entities = a.applyStoredOverrides(ctx, store, entities)
	}

	anchor := a.Config.WindowAnchor()
	ded, win, closeStores, err := a.newStores(ctx, anchor)
	if err != nil {
		return err
	}
	defer closeStores()

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	pc := a.Config.Pool
	mgr := pool.NewManager(pool.Options{
		Connections:        pc.Connections,
		ConnectTimeout:     pc.ConnectTimeout,
		SubscribeDelay:     pc.SubscribeDelay,
		SubscribeRetries:   pc.SubscribeRetries,
		BackoffBase:        pc.BackoffBase,
		BackoffCap:         pc.BackoffCap,
		HealthInterval:     pc.HealthInterval,
		StaleWarn:          pc.StaleWarn,
		StaleCritical:      pc.StaleCritical,
		FailureCeiling:     pc.FailureCeiling,
		SuccessFloorPct:    pc.SuccessFloorPct,
		CloseTimeout:       pc.CloseTimeout,
		DegradedMultiplier: pc.DegradedMultiplier,
	}, a.newSourceFactory(), nil, a.Logger)

	var alertStore storage.AlertStore
	var statusStore storage.StatusStore
	if store != nil {
		alertStore = store
		statusStore = store
	}

	watcher := service.New(a.Config, service.Deps{
		Pool:        mgr,
		Dedup:       ded,
		Windows:     win,
		Entities:    entities,
		AlertStore:  alertStore,
		StatusStore: statusStore,
		Notifier:    notifier,
		Logger:      a.Logger,
	})
	mgr.SetEventFunc(watcher.HandleRaw)

	a.Logger.Info().Str("strategy", a.Config.Exchange.Strategy).Msg("starting watch service")
	err = watcher.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("watch service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	EntityID string
}

// SimulateOptions configure the synthetic fill run.
type SimulateOptions struct {
	EntityID string
	Asset    string
	Fills    int
	FillSize float64
	Price    float64
}
