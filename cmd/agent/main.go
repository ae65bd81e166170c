package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reefmind/posepair/internal/capture"
	"github.com/reefmind/posepair/internal/config"
	"github.com/reefmind/posepair/internal/database"
	"github.com/reefmind/posepair/internal/handler"
	"github.com/reefmind/posepair/internal/identity"
	"github.com/reefmind/posepair/internal/jobs"
	"github.com/reefmind/posepair/internal/middleware"
	"github.com/reefmind/posepair/internal/pipeline"
	"github.com/reefmind/posepair/internal/realtime"
	"github.com/reefmind/posepair/internal/redis"
	"github.com/reefmind/posepair/internal/repository"
	"github.com/reefmind/posepair/internal/session"
	"github.com/reefmind/posepair/internal/sse"
	"github.com/reefmind/posepair/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	verifier := identity.NewVerifier(cfg.IdentitySecret)
	userID, err := verifier.Verify(cfg.IdentityToken)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to verify identity token")
	}
	log.Info().Str("userId", userID).Msg("identity verified")

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	bus := realtime.NewBus(redisClient)
	defer bus.Close()

	roomRepo := repository.NewRoomRepository(db.DB)
	notificationRepo := repository.NewNotificationRepository(db.DB)
	roomStore := store.New(db, roomRepo, notificationRepo, bus)

	source := newCaptureSource(cfg)

	newPipeline := func(p session.PipelineParams) session.Pipeline {
		return pipeline.New(pipeline.Config{
			RoomID:          p.RoomID,
			SelfID:          p.SelfID,
			PartnerID:       p.PartnerID,
			Pose:            p.Pose,
			AnalysisURL:     cfg.AnalysisURL,
			AnalysisHz:      cfg.AnalysisRateHz,
			RelayHz:         cfg.RelayRateHz,
			AnalysisTimeout: cfg.AnalysisTimeout(),
			SubscribeGrace:  cfg.SubscribeGrace(),
		}, pipeline.Deps{
			Bus:            bus,
			Source:         source,
			OnSlot:         p.OnSlot,
			OnAnalysisLost: p.OnAnalysisLost,
			OnPartnerLost:  p.OnPartnerLost,
		})
	}

	controller := session.NewController(session.Options{
		UserID:         userID,
		StoreTimeout:   cfg.StoreTimeout(),
		SubscribeGrace: cfg.SubscribeGrace(),
	}, roomStore, newPipeline)

	broker := sse.NewBroker()
	defer broker.Close()

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	controllerDone := make(chan struct{})
	go func() {
		defer close(controllerDone)
		if err := controller.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("session controller stopped")
		}
	}()

	go forwardUpdates(runCtx, controller.Updates(), controller.Frames(), broker)

	identityMiddleware := middleware.NewIdentityMiddleware(verifier, userID)
	joinRateLimitMiddleware := middleware.NewJoinRateLimitMiddleware(
		middleware.NewRedisRateLimiter(redisClient.Client, middleware.NewRateLimiter()), cfg.JoinRequestLimitPerMin,
	)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware()

	eventsHandler := handler.NewEventsHandler(broker, controller)
	sessionHandler := handler.NewSessionHandler(controller, roomStore, userID, joinRateLimitMiddleware.Handler)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"state":     controller.Snapshot().State,
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(identityMiddleware.Handler)
		r.Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Mount("/session", sessionHandler.Routes())
		})
	})

	cleanupJob := jobs.NewCleanupJob(roomStore, cfg.InviteTTL(), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting agent")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down agent")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	broker.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	stopRun()
	select {
	case <-controllerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("session controller did not stop in time")
	}

	log.Info().Msg("agent stopped")
}

func newCaptureSource(cfg *config.Config) capture.Source {
	if cfg.SnapshotURL != "" {
		log.Info().Str("url", cfg.SnapshotURL).Msg("capturing from snapshot url")
		return capture.NewHTTPSnapshotSource(cfg.SnapshotURL, cfg.AnalysisTimeout())
	}
	if cfg.CaptureFramesDir != "" {
		source, err := capture.LoadStaticSource(cfg.CaptureFramesDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load capture frames")
		}
		log.Info().Str("dir", cfg.CaptureFramesDir).Msg("capturing from static frames")
		return source
	}
	log.Warn().Msg("no capture source configured, self frames will not be produced")
	return capture.NewStaticSource()
}

// forwardUpdates pushes every controller update to the connected event streams.
func forwardUpdates(ctx context.Context, updates, frames <-chan session.Update, broker *sse.Broker) {
	for {
		var u session.Update
		select {
		case <-ctx.Done():
			return
		case u = <-updates:
		case u = <-frames:
		}
		if err := broker.Broadcast(string(u.Kind), u.Data); err != nil {
			log.Warn().Err(err).Str("kind", string(u.Kind)).Msg("failed to broadcast update")
		}
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
