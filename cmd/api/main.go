package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fairbet-gateway/internal/config"
	"fairbet-gateway/internal/fairness"
	"fairbet-gateway/internal/handlers"
	"fairbet-gateway/internal/logging"
	"fairbet-gateway/internal/metrics"
	"fairbet-gateway/internal/middleware"
	"fairbet-gateway/internal/services"
	"fairbet-gateway/internal/statestore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New("fairbet-gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := openStateStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open state store", zap.String("backend", cfg.StateBackend), zap.Error(err))
	}
	defer state.Close()

	commitments, closeCommitments, err := openCommitmentStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open commitment store", zap.Error(err))
	}
	defer closeCommitments()

	var publisher services.EventPublisher = services.NopPublisher{}
	if cfg.KafkaEnabled() {
		publisher = services.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("publishing terminal commitments", zap.String("topic", cfg.KafkaTopic))
	}
	defer publisher.Close()

	var verifier services.CaptchaVerifier = services.NewHTTPCaptchaVerifier(cfg.Captcha)
	if cfg.CaptchaBypassAllowed() {
		logger.Warn("captcha dev bypass enabled, every challenge passes")
		verifier = services.DevBypassVerifier{}
	}

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		// Non-production only; Validate refuses this in production.
		if jwtSecret, err = fairness.GenerateServerSeed(); err != nil {
			logger.Fatal("failed to generate ephemeral jwt secret", zap.Error(err))
		}
		logger.Warn("JWT_SECRET not set, using an ephemeral secret")
	}
	jwtService := services.NewJWTService(jwtSecret)

	captcha := services.NewCaptchaService(state, verifier, cfg.Captcha, logger.Named("captcha"))
	risk := services.NewRiskEngine(state, commitments, captcha, cfg.Risk, cfg.StoreTimeout, logger.Named("risk"))
	guard := services.NewReplayGuard(state, commitments, risk, cfg.Replay, cfg.StoreTimeout, logger.Named("replay"))

	feed := handlers.NewFairnessFeed(logger.Named("feed"))
	defer feed.Close()

	gateway := services.NewGateway(guard, risk, commitments, state, publisher, feed, services.GatewayOptions{
		CommitmentTTL: cfg.CommitmentTTL,
		StoreTimeout:  cfg.StoreTimeout,
	}, logger.Named("gateway"))

	go runEvery(ctx, cfg.ExpireInterval, func() {
		if n, err := gateway.ExpireStale(ctx); err != nil {
			logger.Warn("commitment expiry pass failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("expired stale commitments", zap.Int("count", n))
		}
	})
	go runEvery(ctx, cfg.SweepInterval, func() {
		if n, err := gateway.SweepState(ctx); err != nil {
			logger.Warn("state sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Debug("swept expired state", zap.Int("count", n))
		}
	})

	floodGuard := middleware.NewIPFloodGuard(cfg.IPRateLimitRPS, cfg.IPRateLimitBurst)
	go floodGuard.Cleanup(ctx, time.Minute)

	gameHandler := handlers.NewGameHandler(gateway, logger.Named("http"))
	userHandler := handlers.NewUserHandler(gateway, logger.Named("http"))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router, err := handlers.NewEngine(cfg.TrustedProxies)
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger.Named("http")))
	router.Use(metrics.Middleware())
	router.Use(middleware.CORS())
	router.Use(floodGuard.Middleware())

	router.GET("/healthz", func(c *gin.Context) {
		rctx, cancel := context.WithTimeout(c.Request.Context(), cfg.StoreTimeout)
		defer cancel()
		if err := gateway.Ready(rctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	router.POST("/verify", gameHandler.VerifyGame)
	router.POST("/verify/draw", gameHandler.VerifyDraw)
	router.GET("/ws/fairness", feed.HandleWebSocket)

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(jwtService, risk, logger.Named("auth")))
	{
		protected.GET("/me", userHandler.GetCurrentUser)
		protected.GET("/risk", userHandler.GetRiskStatus)

		bets := protected.Group("/bets")
		{
			bets.POST("/commit", gameHandler.CommitBet)
			bets.POST("/reveal", gameHandler.RevealBet)
			bets.GET("/:requestId", gameHandler.GetBet)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("state_backend", cfg.StateBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openStateStore(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	if cfg.StateBackend == "redis" {
		return statestore.NewRedisStore(ctx, statestore.RedisOptions{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	}
	return statestore.NewMemoryStore(), nil
}

// durableStore is the store of record for commitments and review flags.
type durableStore interface {
	services.CommitmentStore
	services.ReviewQueue
}

func openCommitmentStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (durableStore, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, commitments will not survive a restart")
		mem := services.NewMemoryCommitmentStore()
		return mem, func() {}, nil
	}

	pg, err := services.NewPostgresCommitmentStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// runEvery calls fn on a fixed interval until ctx is done.
func runEvery(ctx context.Context, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
