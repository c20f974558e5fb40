package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/agroweather/internal/api/http"
	"github.com/i474232898/agroweather/internal/config"
	"github.com/i474232898/agroweather/internal/farmcalendar"
	"github.com/i474232898/agroweather/internal/geocode"
	"github.com/i474232898/agroweather/internal/lock"
	"github.com/i474232898/agroweather/internal/scheduler"
	"github.com/i474232898/agroweather/internal/store"
	"github.com/i474232898/agroweather/internal/weather"
	"github.com/i474232898/agroweather/internal/weather/providers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("agroweather stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func run(cfg *config.AppConfig, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	st, closeStore, err := openStore(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := providers.NewRegistry(httpClient, providers.Keys{
		OpenWeatherMap: cfg.OpenWeatherKey,
		WeatherAPI:     cfg.WeatherAPIKey,
	})
	source, err := registry.ForecastSource(cfg.ForecastProvider)
	if err != nil {
		return fmt.Errorf("forecast provider: %w", err)
	}

	opts := []weather.Option{
		weather.WithFreshness(weather.Freshness{
			Prediction:  cfg.PredictionTTL,
			WeatherData: cfg.WeatherDataTTL,
			Forecast:    weather.DefaultFreshness.Forecast,
		}),
		weather.WithHistoryVariables(weather.HistoryVariables{
			Hourly: cfg.HourlyVariables,
			Daily:  cfg.DailyVariables,
		}),
		weather.WithLocationRadius(cfg.LocationRadiusMeters),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		opts = append(opts, weather.WithGuard(lock.NewRedis(rdb, time.Minute, lock.DefaultWait, zlog)))
	}
	if cfg.GeocoderKey != "" {
		opts = append(opts, weather.WithNamer(geocode.New(cfg.GeocoderKey)))
	}

	service := weather.NewService(st, providers.NewDeduper(source), registry, cfg.WeatherProvider, zlog, opts...)

	if cfg.UAVCSVPath != "" {
		if err := seedUAVs(ctx, service, cfg.UAVCSVPath); err != nil {
			return err
		}
	}
	if len(cfg.Locations) > 0 {
		added, err := service.RegisterLocations(ctx, cfg.Locations, true)
		if err != nil {
			return fmt.Errorf("register configured locations: %w", err)
		}
		zlog.Info("configured locations registered", zap.Int("added", len(added)))
	}

	var farms *scheduler.FarmJobs
	if cfg.FarmCalendarURL != "" {
		calendar := farmcalendar.New(farmcalendar.Config{
			BaseURL:       cfg.FarmCalendarURL,
			GatekeeperURL: cfg.GatekeeperURL,
			Username:      cfg.GatekeeperUser,
			Password:      cfg.GatekeeperPassword,
			Timeout:       cfg.HTTPTimeout,
		}, zlog.Named("farmcalendar"))
		farms = scheduler.NewFarmJobs(calendar, service, zlog.Named("farmjobs"))
	}

	sched := scheduler.New(service, farms, scheduler.Options{
		SlidingAt:        cfg.SlidingWindowAt,
		THIInterval:      cfg.THIInterval,
		ForecastInterval: cfg.ForecastInterval,
		PushTHI:          cfg.PushTHI,
		PushFlight:       cfg.PushFlightForecast,
		PushSpray:        cfg.PushSprayForecast,
	}, zlog.Named("scheduler"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "agroweather",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          2 * cfg.HTTPTimeout,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "agroweather",
		})
	})

	httpapi.RegisterRoutes(app, httpapi.Deps{
		Service:   service,
		Scheduler: sched,
		Logger:    zlog.Named("http"),
		JWTKey:    cfg.JWTKey,
	})

	listenErr := make(chan error, 1)
	go func() {
		zlog.Info("listening", zap.String("port", cfg.Port))
		listenErr <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("fiber server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		zlog.Error("error during shutdown", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.AppConfig, zlog *zap.Logger) (weather.Store, func(), error) {
	if cfg.StoreBackend != "mongo" {
		return store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge), func() {}, nil
	}
	ms, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, zlog.Named("mongo"))
	if err != nil {
		return nil, nil, fmt.Errorf("open mongo store: %w", err)
	}
	return ms, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ms.Close(closeCtx); err != nil {
			zlog.Warn("mongo disconnect failed", zap.Error(err))
		}
	}, nil
}

func seedUAVs(ctx context.Context, service *weather.Service, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("uav registry %s not found", path)
	}
	if err != nil {
		return fmt.Errorf("open uav registry: %w", err)
	}
	defer f.Close()

	if _, err := service.SeedUAVModels(ctx, f); err != nil {
		return fmt.Errorf("seed uav models: %w", err)
	}
	return nil
}
