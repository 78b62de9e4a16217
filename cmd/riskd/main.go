package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wildfire-labs/riskd/internal/cache"
	"github.com/wildfire-labs/riskd/internal/cache/memstore"
	"github.com/wildfire-labs/riskd/internal/cache/redisstore"
	"github.com/wildfire-labs/riskd/internal/core/config"
	"github.com/wildfire-labs/riskd/internal/core/httpclient"
	"github.com/wildfire-labs/riskd/internal/core/model"
	"github.com/wildfire-labs/riskd/internal/core/observability"
	"github.com/wildfire-labs/riskd/internal/core/router"
	"github.com/wildfire-labs/riskd/internal/core/server"
	"github.com/wildfire-labs/riskd/internal/features"
	"github.com/wildfire-labs/riskd/internal/janitor"
	"github.com/wildfire-labs/riskd/internal/locate"
	"github.com/wildfire-labs/riskd/internal/logger"
	"github.com/wildfire-labs/riskd/internal/retry"
	"github.com/wildfire-labs/riskd/internal/risk"
	"github.com/wildfire-labs/riskd/internal/telemetry"
	"github.com/wildfire-labs/riskd/internal/telemetry/kafkasink"
	"github.com/wildfire-labs/riskd/internal/upstream/effis"
	"github.com/wildfire-labs/riskd/internal/upstream/regional"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "riskd",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting riskd",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.RedisAddr != "",
		"kafka", cfg.Kafka.Enabled)

	// One store backs all caches; Redis when configured, otherwise the
	// in-process LRU.
	var store cache.Store
	var ready func() bool
	if cfg.RedisAddr != "" {
		rs, err := redisstore.New(context.Background(), cfg.RedisAddr)
		if err != nil {
			appLog.Error("redis connect failed", "err", err)
			return 1
		}
		defer func() { _ = rs.Close() }()
		store = rs
		ready = func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, _, err := rs.Get(ctx, "readyz-probe")
			return err == nil
		}
	} else {
		size := cfg.CacheCapacity + cfg.FeatureCap + 16
		store = memstore.New(size, 2*cfg.FeatureTTL)
		ready = func() bool { return true }
	}

	riskCache := cache.New[model.RiskAssessment](store, appLog, cache.Options{
		Prefix:   "risk:",
		TTL:      cfg.CacheTTL,
		Capacity: cfg.CacheCapacity,
	})
	featureCache := cache.New[model.FeatureBundle](store, appLog, cache.Options{
		Prefix:   "fires:",
		TTL:      cfg.FeatureTTL,
		Capacity: cfg.FeatureCap,
	})

	sink := telemetry.Sink(telemetry.Prom{})
	if cfg.Kafka.Enabled {
		ks, err := kafkasink.New(strings.Split(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic, cfg.Kafka.Queue)
		if err != nil {
			appLog.Error("kafka sink init failed", "err", err)
			return 1
		}
		defer func() { _ = ks.Close() }()
		sink = telemetry.Multi{telemetry.Prom{}, ks}
	}

	httpClient := httpclient.NewOutbound()
	retryCfg := retry.Config{Timeout: cfg.RetryTimeout, MaxRetries: cfg.RetryMax}

	effisClient, err := effis.New(appLog, effis.Options{
		IndexURL: cfg.EffisIndexURL,
		OWSURL:   cfg.EffisOWSURL,
		Layer:    cfg.EffisLayer,
		Filters:  cfg.EffisFilters,
		Client:   httpClient,
		Retry:    retryCfg,
	})
	if err != nil {
		appLog.Error("effis client init failed", "err", err)
		return 1
	}

	riskOpts := risk.Options{
		Primary:        effisClient,
		Cache:          riskCache,
		Deadline:       cfg.GlobalDeadline,
		PrimaryBudget:  cfg.PrimaryBudget,
		RegionalBudget: cfg.RegionalBudget,
		Sink:           sink,
	}
	if cfg.RegionalURL != "" {
		regionalClient, err := regional.New(appLog, regional.Options{
			BaseURL:  cfg.RegionalURL,
			Coverage: cfg.RegionalBBox,
			Client:   httpClient,
			Retry:    retryCfg,
		})
		if err != nil {
			appLog.Error("regional client init failed", "err", err)
			return 1
		}
		riskOpts.Regional = regionalClient
		riskOpts.RegionalBBox = regionalClient.Coverage()
	}

	riskSvc, err := risk.NewService(appLog, riskOpts)
	if err != nil {
		appLog.Error("risk service init failed", "err", err)
		return 1
	}
	defer riskSvc.Close()

	featureSvc, err := features.NewService(appLog, features.Options{
		Provider:   effisClient,
		Cache:      featureCache,
		Layer:      "burnt_area",
		Resolution: cfg.H3Res,
		Filters:    cfg.EffisFilters,
		Workers:    cfg.FeatureWorkers,
	})
	if err != nil {
		appLog.Error("feature service init failed", "err", err)
		return 1
	}

	locateSvc, err := locate.NewService(appLog, locate.Options{
		FixBudget:    cfg.LocateFixBudget,
		Store:        store,
		AllowDefault: cfg.LocateAllowDefault,
		Sink:         sink,
	})
	if err != nil {
		appLog.Error("locate service init failed", "err", err)
		return 1
	}

	jan := janitor.New(appLog, cfg.CleanupInterval, riskCache, featureCache)
	if err := jan.Start(); err != nil {
		appLog.Error("janitor start failed", "err", err)
		return 1
	}
	defer jan.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handlers := router.New(appLog, riskSvc, featureSvc, locateSvc)
	if err := server.Run(ctx, cfg, appLog, handlers, readyFunc(ready)); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

type readyFunc func() bool

func (f readyFunc) Ready() bool { return f() }
