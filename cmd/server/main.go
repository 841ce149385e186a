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

	"github.com/syncflow/link-server/internal/config"
	"github.com/syncflow/link-server/internal/database"
	"github.com/syncflow/link-server/internal/handler"
	"github.com/syncflow/link-server/internal/identity"
	"github.com/syncflow/link-server/internal/jobs"
	"github.com/syncflow/link-server/internal/middleware"
	"github.com/syncflow/link-server/internal/model"
	"github.com/syncflow/link-server/internal/redis"
	"github.com/syncflow/link-server/internal/repository"
	"github.com/syncflow/link-server/internal/service"
	"github.com/syncflow/link-server/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := database.Migrate(ctx, db.DB); err != nil {
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

	sessionRepo := repository.NewSessionRepository(redisClient.Client, cfg.RedisKeyPrefix)
	vault := repository.NewCredentialVault(redisClient.Client, cfg.RedisKeyPrefix, cfg.EncryptionKey)
	deletionQueue := repository.NewDeletionQueue(redisClient.Client, cfg.RedisKeyPrefix)
	deviceState := repository.NewDeviceStateStore(redisClient.Client, cfg.RedisKeyPrefix)
	deviceRepo := repository.NewDeviceRepository(db.DB)
	planRepo := repository.NewPlanRepository(db.DB)

	minter := identity.NewJWTMinter(cfg.CredentialSigningKey, cfg.CredentialIssuer, cfg.CredentialTTL())

	verifierCtx, verifierCancel := context.WithCancel(context.Background())
	defer verifierCancel()
	accountVerifier, err := identity.NewAccountVerifier(verifierCtx, identity.AccountVerifierConfig{
		Secret:  cfg.AccountTokenSecret,
		JWKSURL: cfg.AccountJWKSURL,
		Issuer:  cfg.AccountTokenIssuer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up account verifier")
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	planService := service.NewPlanService(planRepo, cfg.PlanCacheTTL())
	defer planService.Stop()
	pairingService := service.NewPairingService(
		sessionRepo, vault, deletionQueue, deviceRepo, planService, minter, broker,
	)
	deviceService := service.NewDeviceService(deviceRepo, deviceState, planService, minter)

	authMiddleware := middleware.NewAuthMiddleware(accountVerifier, deviceService)
	limiter := middleware.NewRedisRateLimiter(redisClient.Client, cfg.RedisKeyPrefix)
	accountLimit := middleware.NewRedisRateLimitMiddleware(limiter, config.DefaultRateLimitPerMin)
	createLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.CreateRateLimitPerMin, config.RateLimitWindow, "create")
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	pairingV1 := handler.NewPairingHandler(pairingService, broker, model.ProtocolV1)
	pairingV2 := handler.NewPairingHandler(pairingService, broker, model.ProtocolV2)
	deviceHandler := handler.NewDeviceHandler(deviceService)

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
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Mount("/v1/pairing", pairingV1.Routes(authMiddleware, createLimit.Handler, accountLimit.Handler))
	r.Mount("/v2/pairing", pairingV2.Routes(authMiddleware, createLimit.Handler, accountLimit.Handler))
	r.Mount("/v1/devices", deviceHandler.Routes(authMiddleware, accountLimit.Handler))

	reaper := jobs.NewSessionReaper(sessionRepo, vault, deletionQueue, config.ReaperInterval)
	reaper.Start()
	defer reaper.Stop()

	deletionJob := jobs.NewDeletionJob(sessionRepo, vault, deletionQueue, config.DeletionPollInterval)
	deletionJob.Start()
	defer deletionJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// Open event streams only end when the broker closes them.
	broker.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
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
