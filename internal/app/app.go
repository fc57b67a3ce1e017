// Package app wires the entitlement service together: configuration,
// logging, store selection, broadcast hub, expiry monitor, and the HTTP
// server with graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"entitle/internal/config"
	"entitle/internal/core"
	"entitle/internal/expiry"
	"entitle/internal/infra"
	"entitle/internal/metrics"
	custommw "entitle/internal/middleware"
	"entitle/internal/ratelimit"
	"entitle/internal/store"
	"entitle/internal/token"
	transport "entitle/internal/transport/http"
	"entitle/internal/ws"
)

// Version is stamped by the build.
var Version = "dev"

// Application is the composed service.
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	Router  chi.Router
	Server  *http.Server
	Hub     *ws.Hub
	Monitor *expiry.Monitor
	Service *core.Service
	Metrics *metrics.Metrics

	mongoClient *mongo.Client
	redisClient *redis.Client
}

// New builds the application from configuration.
func New(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := infra.NewLogger(cfg.Logging)
	logger.Info("service starting",
		slog.String("version", Version),
		slog.String("store", cfg.Store.Driver),
		slog.Int("port", cfg.Server.Port))

	app := &Application{Config: cfg, Logger: logger, Metrics: metrics.New()}

	st, err := app.buildStore(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	app.Hub = ws.NewHub(logger, app.Metrics)

	var issuer *token.Issuer
	if cfg.Token.Secret != "" {
		issuer, err = token.NewIssuer([]byte(cfg.Token.Secret), cfg.Token.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("building token issuer: %w", err)
		}
	} else {
		logger.Warn("token secret not configured, token issuance disabled")
	}

	app.Service = core.NewService(st, app.Hub, issuer, logger,
		core.WithTimezone(cfg.Location()),
		core.WithLimiter(app.buildLimiter()),
		core.WithMetrics(app.Metrics),
	)

	monitorOpts := []expiry.Option{expiry.WithMetrics(app.Metrics)}
	if app.redisClient != nil {
		lease := expiry.NewLeaderLease(app.redisClient, cfg.Expiry.Interval+time.Minute)
		monitorOpts = append(monitorOpts, expiry.WithLeaderLease(lease))
	}
	app.Monitor = expiry.NewMonitor(st, app.Service, cfg.Expiry.Interval, cfg.Expiry.Horizon, logger, monitorOpts...)

	app.buildRouter()
	app.Server = &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return app, nil
}

// buildStore selects the configured store implementation and wraps it with
// the retry decorator.
func (a *Application) buildStore(ctx context.Context) (store.Store, error) {
	cfg := a.Config.Store
	var inner store.Store
	switch cfg.Driver {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connecting to mongo: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			return nil, fmt.Errorf("pinging mongo: %w", err)
		}
		a.mongoClient = client
		ms := store.NewMongo(client.Database(cfg.MongoDatabase), cfg.OpTimeout, a.Logger)
		if err := ms.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		inner = ms
	case "memory":
		inner = store.NewMemory()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	return store.NewRetry(inner, cfg.RetryAttempts, cfg.RetryBackoff, a.Logger), nil
}

// buildLimiter picks the redis-backed limiter when redis is configured so
// budgets hold across instances, the in-process one otherwise.
func (a *Application) buildLimiter() ratelimit.Limiter {
	cfg := a.Config.RateLimit
	if !cfg.Enabled {
		return nil
	}
	budgets := ratelimit.Budgets{
		ratelimit.OpIssue: {Requests: cfg.IssuePerWindow, Window: cfg.IssueWindow},
		ratelimit.OpCheck: {Requests: cfg.CheckPerWindow, Window: cfg.CheckWindow},
		ratelimit.OpAdmin: {Requests: cfg.AdminPerWindow, Window: cfg.AdminWindow},
	}
	if a.redisClient != nil {
		return ratelimit.NewRedis(a.redisClient, budgets, a.Logger)
	}
	return ratelimit.NewLocal(budgets)
}

func (a *Application) buildRouter() {
	r := chi.NewRouter()
	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)
	r.Use(custommw.Logger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))
	r.Use(custommw.SecurityHeaders)
	r.Use(custommw.CORS(a.Config.Server.AllowedOrigins))

	r.Mount("/api/licenses", transport.NewLicenseHandler(a.Service, a.Logger).Routes())
	r.Method(http.MethodGet, "/ws", transport.NewWSHandler(a.Hub, a.Config.WebSocket, a.Config.Server.AllowedOrigins, a.Logger))
	r.Method(http.MethodGet, "/healthz", transport.NewHealthHandler(Version))
	r.Handle("/metrics", promhttp.HandlerFor(a.Metrics.Registry, promhttp.HandlerOpts{}))

	a.Router = r
}

// Run starts the hub, expiry monitor, and HTTP server, and blocks until
// the context is cancelled or a component fails. Shutdown order: stop
// accepting requests, cancel the monitor mid-scan if needed, close all
// subscriber connections without flushing.
func (a *Application) Run(ctx context.Context) error {
	a.Hub.Start()
	defer a.Hub.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.close()
	return err
}

// close releases external connections.
func (a *Application) close() {
	if a.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.mongoClient.Disconnect(ctx); err != nil {
			a.Logger.Warn("mongo disconnect failed", slog.String("error", err.Error()))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.Logger.Warn("redis close failed", slog.String("error", err.Error()))
		}
	}
	a.Logger.Info("service stopped")
}
