package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"call-signaling/internal/audit"
	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/config"
	"call-signaling/internal/httpapi"
	"call-signaling/internal/pricing"
	"call-signaling/internal/reporting"
	"call-signaling/internal/signaling"
	"call-signaling/internal/wallet"
	"call-signaling/pkg/logger"
	"call-signaling/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	be, err := openBackends(rootCtx, cfg, log)
	if err != nil {
		log.Error("backend init failed", "err", err)
		os.Exit(1)
	}
	defer be.close()

	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	hubOpts := signaling.HubOptions{
		Conn: signaling.ConnOptions{
			WriteTimeout: cfg.Signaling.WriteTimeout,
			PongWait:     cfg.Signaling.PongWait,
			PingInterval: cfg.Signaling.PingInterval,
			SendBuffer:   cfg.Signaling.SendBuffer,
		},
		Logger: logger.Component(log, "signaling"),
	}
	var relay *signaling.RedisRelay
	if rdb != nil {
		relay = signaling.NewRedisRelay(rdb, uuid.NewString(), logger.Component(log, "relay"))
		hubOpts.Relay = relay
	}
	hub := signaling.NewHub(hubOpts)
	if relay != nil {
		relay.Start(rootCtx, hub.DeliverLocal)
	}

	auditSvc := audit.NewService(be.audit)
	opts := calls.Options{
		Fanout:     calls.NewFanout(hub, logger.Component(log, "fanout")),
		Recorder:   calls.AuditAdapter{Audit: auditSvc},
		Logger:     logger.Component(log, "calls"),
		RingWindow: cfg.Call.RingWindow,
	}
	if be.wallet != nil {
		opts.Funds = be.wallet
		opts.Biller = calls.NewBiller(be.store, be.wallet, logger.Component(log, "billing"))
	} else {
		opts.Biller = calls.NewBiller(be.store, nil, logger.Component(log, "billing"))
	}
	oracle := pricing.NewCachedOracle(be.prices, rdb, cfg.Pricing.CacheTTL, logger.Component(log, "pricing"))
	callSvc := calls.NewService(be.store, oracle, opts)

	hub.SetHandler(httpapi.SignalRouter{Calls: callSvc, Log: logger.Component(log, "signal-router")}.Handle)

	if _, err := callSvc.Recover(rootCtx); err != nil {
		log.Error("ring timer recovery failed", "err", err)
		os.Exit(1)
	}

	h := httpapi.Handlers{
		Auth:         authManager,
		Calls:        callSvc,
		Reports:      reporting.NewService(reporting.NewStoreRepo(be.store)),
		Hub:          hub,
		Audit:        auditSvc,
		PollInterval: cfg.Call.PollInterval,
		DevLogin:     !cfg.IsProduction() && cfg.App.Env != "staging",
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, auth.RequireAccessToken(authManager), h, be.health)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env,
			"store", cfg.Call.StoreDriver, "redis", cfg.RedisEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// RINGING sessions keep their deadline in the store; the next process re-arms them.
	callSvc.Shutdown()
	hub.Close()
	if relay != nil {
		if err := relay.Close(); err != nil {
			log.Warn("relay close failed", "err", err)
		}
	}
}

// backends are the storage-side collaborators selected by STORE_DRIVER.
type backends struct {
	db     *sql.DB
	store  calls.Store
	prices pricing.Oracle
	audit  audit.Repository
	wallet *wallet.Service
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (backends, error) {
	if cfg.Call.StoreDriver == "memory" {
		log.Warn("using in-memory store; sessions are lost on restart and calls are free")
		prices := pricing.NewMemoryRepo()
		prices.Fallback = &pricing.Prices{VoiceEnabled: true, VideoEnabled: true}
		return backends{
			store:  calls.NewMemoryStore(),
			prices: prices,
			audit:  audit.NewMemoryRepo(),
		}, nil
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return backends{}, err
	}
	store := calls.NewPostgresStore(db)
	prices := pricing.NewPostgresRepo(db)
	auditRepo := audit.NewPostgresRepo(db)
	wallets := wallet.NewService(db)

	migrations := []interface {
		Migrate(context.Context) error
	}{store, prices, auditRepo, wallets}
	for _, m := range migrations {
		if err := m.Migrate(ctx); err != nil {
			_ = db.Close()
			return backends{}, err
		}
	}

	return backends{db: db, store: store, prices: prices, audit: auditRepo, wallet: wallets}, nil
}

func (b backends) health(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	return utils.HealthCheck(ctx, b.db, 2*time.Second)
}

func (b backends) close() {
	if b.db != nil {
		_ = b.db.Close()
	}
}
