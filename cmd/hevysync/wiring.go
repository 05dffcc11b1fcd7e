package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"hevysync.dev/agent/breaker"
	"hevysync.dev/agent/cache"
	"hevysync.dev/agent/hevyclient"
	"hevysync.dev/agent/internal/clock"
	"hevysync.dev/agent/internal/config"
	"hevysync.dev/agent/internal/logging"
	"hevysync.dev/agent/kv"
	"hevysync.dev/agent/orchestrator"
	"hevysync.dev/agent/progress"
	"hevysync.dev/agent/ratelimit"
	"hevysync.dev/agent/store"
	"hevysync.dev/agent/timer"
	"hevysync.dev/agent/transport"
	"hevysync.dev/agent/ui"
)

// initialSetupDeferDelay is how long after the initial-setup dialog
// saves a key the actual import starts, per spec.md §6: "a few seconds
// out so the key-save dialog can close promptly."
const initialSetupDeferDelay = 3 * time.Second

// app bundles every long-lived collaborator the run/validate-key
// commands need, assembled once at startup.
type app struct {
	cfg *config.Config
	log *logging.ContextLogger
	clk clock.Clock

	boltStore  *kv.BoltStore
	properties kv.PropertyStore
	durable    kv.DurableCache

	breaker   *breaker.Breaker
	cache     *cache.Cache
	rateLimit *ratelimit.Tracker
	client    *hevyclient.Client

	tabularStore    *store.PostgresStore
	lock            *orchestrator.RedisLock
	progressTracker *progress.Tracker
	dialog          ui.Dialog
	timers          *timer.Facility
	orch            *orchestrator.Orchestrator
}

// applyViperOverrides lets flags/env/file (collected by viper) win over
// internal/config's own environment-variable defaults, so a user can
// set HEVYSYNC_BASE_URL or --base-url interchangeably.
func applyViperOverrides(cfg *config.Config) {
	if v := viper.GetString("base_url"); v != "" {
		cfg.BaseURL = v
	}
	if v := viper.GetString("postgres_dsn"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := viper.GetString("redis_url"); v != "" {
		cfg.RedisURL = v
	}
	if v := viper.GetString("bbolt_path"); v != "" {
		cfg.BboltPath = v
	}
}

func logLevel() logging.Level {
	switch viper.GetString("log_level") {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func logFormat() string {
	if f := viper.GetString("log_format"); f != "" {
		return f
	}
	return "text"
}

// newApp wires every collaborator together per spec.md §6/§4.5, using
// the real Clock and a bbolt file as both the property store and the
// durable cache tier (kv.BoltStore backs both, per the spec's "single
// durable key/value store" framing).
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	applyViperOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{Level: logLevel(), Format: logFormat()})
	log := logging.NewContext(logger, map[string]interface{}{"component": "hevysync"})

	c := clock.New()

	boltStore, err := kv.OpenBolt(cfg.BboltPath)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt store at %s: %w", cfg.BboltPath, err)
	}
	properties := boltStore.Properties()
	durable := boltStore.Cache()

	br := breaker.New(breaker.Config{
		FailureThreshold: float64(cfg.FailureThreshold),
		ResetAfter:       cfg.ResetAfter,
		Clock:            c,
	})

	ch := cache.New(cache.Config{
		Max:     cfg.CacheMax,
		TTL:     cfg.CacheTTL,
		Durable: durable,
		Log:     log.WithField("component", "cache"),
	})

	rl := ratelimit.New(ratelimit.Config{
		Durable: durable,
		Log:     log.WithField("component", "ratelimit"),
		Clock:   c,
		// RequestsPerSecond left at zero (unthrottled locally): pace is
		// governed by the breaker plus whatever the upstream's own
		// rate-limit headers report via Observe.
	})

	client := hevyclient.New(hevyclient.Config{
		Executor:          transport.New(cfg.BaseURL, ""),
		Breaker:           br,
		Cache:             ch,
		RateLimit:         rl,
		Log:               log.WithField("component", "hevyclient"),
		Clock:             c,
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		MaxRetries:        cfg.MaxRetries,
		RequestTimeout:    cfg.RequestTimeout,
		ValidationTimeout: cfg.ValidationTimeout,
	})

	var tabularStore *store.PostgresStore
	if cfg.PostgresDSN != "" {
		tabularStore, err = store.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres tabular store: %w", err)
		}
	}

	lock, err := orchestrator.NewRedisLock(ctx, cfg.RedisURL, cfg.LockWait*2)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis lock backend: %w", err)
	}

	progressTracker := progress.New(progress.Config{
		Store:      properties,
		Clock:      c,
		StaleAfter: cfg.ActiveImportStale,
	})

	dialog := ui.NewCLIDialog(stdinReader(), stdoutWriter(), properties)

	timers := timer.New(c)

	orch := orchestrator.New(orchestrator.Config{
		Lock:                   lock,
		Progress:               progressTracker,
		Dialog:                 dialog,
		Keys:                   orchestrator.NewPropertyKeyResolver(properties),
		Log:                    log.WithField("component", "orchestrator"),
		Clock:                  c,
		LockWait:               cfg.LockWait,
		MaxExecutionTime:       cfg.MaxExecutionTime,
		ActiveImportHeartbeat:  cfg.ActiveImportHeartbeat,
		Timers:                 timers,
		InitialSetupDeferDelay: initialSetupDeferDelay,
	})

	return &app{
		cfg:             cfg,
		log:             log,
		clk:             c,
		boltStore:       boltStore,
		properties:      properties,
		durable:         durable,
		breaker:         br,
		cache:           ch,
		rateLimit:       rl,
		client:          client,
		tabularStore:    tabularStore,
		lock:            lock,
		progressTracker: progressTracker,
		dialog:          dialog,
		timers:          timers,
		orch:            orch,
	}, nil
}

func (a *app) Close() {
	_ = a.boltStore.Close()
}

// setClientAPIKey rebuilds the resilient client with the resolved key,
// called from the orchestrator's onKeyResolved hook once the key is
// known (the client is constructed key-less at startup, since the key
// may only become available after the initial-setup dialog runs).
func (a *app) setClientAPIKey(key string) error {
	a.client = hevyclient.New(hevyclient.Config{
		Executor:          transport.New(a.cfg.BaseURL, key),
		Breaker:           a.breaker,
		Cache:             a.cache,
		RateLimit:         a.rateLimit,
		Log:               a.log.WithField("component", "hevyclient"),
		Clock:             a.clk,
		BaseDelay:         a.cfg.BaseDelay,
		MaxDelay:          a.cfg.MaxDelay,
		MaxRetries:        a.cfg.MaxRetries,
		RequestTimeout:    a.cfg.RequestTimeout,
		ValidationTimeout: a.cfg.ValidationTimeout,
	})
	return nil
}
