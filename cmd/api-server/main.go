package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/careslot/careslot/internal/api"
	"github.com/careslot/careslot/internal/appointment"
	"github.com/careslot/careslot/internal/availability"
	"github.com/careslot/careslot/internal/booking"
	"github.com/careslot/careslot/internal/clock"
	"github.com/careslot/careslot/internal/config"
	"github.com/careslot/careslot/internal/db"
	redisclient "github.com/careslot/careslot/internal/redis"
)

const version = "1.0.0"

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "api-server").Logger()
	log.Info().Msg("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("configuration loaded")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		Timeout:  cfg.RedisTimeout,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	clk := clock.System()
	repo := appointment.NewPgRepository(pgPool)
	rules := availability.NewPgRepository(pgPool)
	locker := redisclient.NewRedisDoctorDayLocker(rdb, cfg.LockTTL)
	publisher := redisclient.NewPublisher(rdb)

	calendar := availability.NewCalendar(rules, log)
	slots := availability.NewGenerator(rules, repo, clk)
	coordinator := booking.NewCoordinator(repo, slots, locker, publisher, clk, log, booking.Options{
		Retries:    cfg.BookingRetries,
		BackoffMin: cfg.BackoffMin,
		BackoffMax: cfg.BackoffMax,
	})
	apptService := appointment.NewService(repo, publisher, clk, log)
	queries := appointment.NewQueryService(repo, clk)

	handlers := api.NewHandlers(coordinator, apptService, queries, calendar, slots)
	router := api.NewRouter(api.RouterConfig{
		Handlers: handlers,
		PgPool:   pgPool,
		Redis:    rdb,
		Logger:   log,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
}
