package main // Entry point of the auth server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/backoffice-auth/internal/config"
	"github.com/iliyamo/backoffice-auth/internal/database"
	"github.com/iliyamo/backoffice-auth/internal/handler"
	"github.com/iliyamo/backoffice-auth/internal/logging"
	"github.com/iliyamo/backoffice-auth/internal/middleware"
	"github.com/iliyamo/backoffice-auth/internal/queue"
	"github.com/iliyamo/backoffice-auth/internal/ratelimit"
	"github.com/iliyamo/backoffice-auth/internal/repository"
	"github.com/iliyamo/backoffice-auth/internal/router"
	"github.com/iliyamo/backoffice-auth/internal/service"
	"github.com/iliyamo/backoffice-auth/internal/utils"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil { // .env is optional
		logging.New(os.Stderr, "").Error(context.Background(), "load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "").Error(context.Background(), "load config", "error", err)
		os.Exit(1)
	}
	log := logging.New(os.Stdout, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log logging.Logger) error {
	db, err := database.Open(ctx, cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.DBMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
	}

	// Redis is optional: without it the API throttle is off and failed
	// logins are counted in memory.
	var rdb *redis.Client
	if cfg.RateLimit.Enabled || cfg.Login.Backend == "redis" {
		rdb, err = config.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Warn(ctx, "redis unavailable; continuing without it", "error", err)
		} else {
			defer rdb.Close()
		}
	}

	limiter := newLoginLimiter(ctx, cfg, rdb, log)

	var events service.EventPublisher = service.NopPublisher{}
	var publisher *service.AsyncPublisher
	pubCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()
	if cfg.Events.Enabled {
		publisher = service.NewAsyncPublisher(service.NewAMQPPublisher(cfg.Events.URL, cfg.Events.Queue), 256, log)
		go publisher.Run(pubCtx) // flushes on shutdown
		events = publisher
		if cfg.Events.Consumer {
			c := &queue.Consumer{URL: cfg.Events.URL, Queue: cfg.Events.Queue, LogPath: cfg.Events.LogPath, Log: log}
			go func() {
				if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error(ctx, "auth event consumer stopped", "error", err)
				}
			}()
		}
	}

	tokens, err := utils.NewTokenIssuer(utils.TokenConfig{
		AccessSecret:  cfg.JWTAccessSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		Issuer:        cfg.JWTIssuer,
	})
	if err != nil {
		return err
	}
	svc, err := service.NewAuthService(repository.NewUserRepo(db), utils.NewBcryptHasher(cfg.BcryptCost), tokens,
		service.Options{Limiter: limiter, Events: events, Logger: log})
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.NewErrorHandler(cfg.IsDev(), log)
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			log.Info(c.Request().Context(), "request",
				"method", v.Method, "uri", v.URI, "status", v.Status,
				"latency", v.Latency, "request_id", v.RequestID)
			return nil
		},
	}))
	e.Use(echomw.Recover())

	var throttle echo.MiddlewareFunc
	if rdb != nil {
		throttle = middleware.NewTokenBucket(cfg.RateLimit, rdb, log)
	}
	router.Setup(e, router.Deps{
		Auth:     handler.NewAuthHandler(svc),
		Users:    handler.NewUserHandler(svc),
		Contact:  handler.NewContactHandler(log),
		Authn:    svc,
		Throttle: throttle,
		DB:       db,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.Info(ctx, "listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if publisher != nil {
		stopPublisher()
		select {
		case <-publisher.Done():
		case <-shutdownCtx.Done():
		}
	}
	log.Info(context.Background(), "server stopped cleanly")
	return nil
}

// newLoginLimiter picks the failed-login counter backend.
func newLoginLimiter(ctx context.Context, cfg config.Config, rdb *redis.Client, log logging.Logger) *ratelimit.Limiter {
	lc := ratelimit.Config{MaxAttempts: cfg.Login.MaxAttempts, Window: cfg.Login.Window}
	if cfg.Login.Backend == "redis" && rdb != nil {
		return ratelimit.New(ratelimit.NewRedisStore(rdb), lc)
	}
	if cfg.Login.Backend == "redis" {
		log.Warn(ctx, "login limiter falls back to memory")
	}
	store := ratelimit.NewMemoryStore()
	go store.RunSweeper(ctx, time.Minute)
	return ratelimit.New(store, lc)
}
