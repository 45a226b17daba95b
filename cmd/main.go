package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatch-service/internal/config"
	"dispatch-service/internal/location"
	"dispatch-service/internal/logging"
	"dispatch-service/internal/observability"
	"dispatch-service/internal/profiles"
	"dispatch-service/internal/rides"
	"dispatch-service/migrations"
	"dispatch-service/pkg/db"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/kafka"
	"dispatch-service/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel)

	if err := jwt.Init(cfg.JWTSecret); err != nil {
		log.Error("jwt init", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.PGDSN)
	if err != nil {
		log.Error("postgres connect", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if cfg.RunMigrations {
		if err := database.RunMigrations(ctx, migrations.FS); err != nil {
			log.Error("run migrations", "error", err)
			os.Exit(1)
		}
	}

	rdb, err := redis.NewClient(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Error("redis connect", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	kc := kafka.NewClient(cfg.KafkaBrokers)
	defer kc.Close()
	if err := kc.EnsureTopics(ctx,
		kafka.TopicBookingMatchRequested,
		kafka.TopicBookingCancelled,
		kafka.TopicRideOffered,
		kafka.TopicRideAccepted,
		kafka.TopicPassengerPickedUp,
		kafka.TopicRideCompleted,
		kafka.TopicRideCancelled,
		kafka.TopicRideOfferCancelled,
	); err != nil {
		log.Error("ensure kafka topics", "error", err)
		os.Exit(1)
	}

	store := rides.NewPGStore(database.Pool)
	loc := location.NewClient(cfg.LocationBaseURL)
	locator := locatorAdapter{loc}
	prof := profiles.NewClient(cfg.ProfileBaseURL)

	dispatchCfg := rides.Config{
		OfferTimeout:   cfg.OfferTimeout,
		LockTTL:        cfg.DriverLockTTL(),
		RetryInterval:  cfg.RetryInterval,
		MaxRetries:     cfg.MaxRetries,
		CandidateLimit: cfg.CandidateLimit,
		SearchRadiusKm: cfg.SearchRadiusKm,
		SweepBatchSize: cfg.SweepBatchSize,
	}

	seq := rides.NewSequencer(store, rdb, kc, prof, dispatchCfg, log)
	svc := rides.NewService(store, rdb, locator, loc, prof, kc, seq, dispatchCfg, log)

	timeoutMon := rides.NewTimeoutMonitor(store, rdb, seq, cfg.TimeoutPollInterval, cfg.SweepBatchSize, log)
	retryMon := rides.NewRetryMonitor(store, locator, seq, dispatchCfg, cfg.RetryPollInterval, log)
	go timeoutMon.Run(ctx)
	go retryMon.Run(ctx)

	consumer := rides.NewConsumer(kc, rdb, svc, log)
	consumer.Start(ctx, cfg.ConsumerGroup)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetrics)
	r.Use(jwt.OptionalAuth)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if err := database.Pool.Ping(req.Context()); err != nil {
			http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/rides", rides.NewHandler(svc, log).Routes())

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Info("dispatch service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	log.Info("bye")
}

// locatorAdapter converts the location client's candidate type into the
// dispatch domain's.
type locatorAdapter struct {
	c *location.Client
}

func (a locatorAdapter) Nearby(ctx context.Context, lat, lng, radiusKm float64, vehicleType string, limit int) ([]rides.Candidate, error) {
	found, err := a.c.Nearby(ctx, lat, lng, radiusKm, vehicleType, limit)
	if err != nil {
		return nil, err
	}
	out := make([]rides.Candidate, len(found))
	for i, f := range found {
		out[i] = rides.Candidate{DriverID: f.DriverID, DistanceMeters: f.DistanceMeters}
	}
	return out, nil
}
