package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/medchain-labs/healthmesh/internal/api"
	"github.com/medchain-labs/healthmesh/internal/auditlog"
	"github.com/medchain-labs/healthmesh/internal/auth"
	"github.com/medchain-labs/healthmesh/internal/clock"
	"github.com/medchain-labs/healthmesh/internal/consent"
	"github.com/medchain-labs/healthmesh/internal/market"
	"github.com/medchain-labs/healthmesh/internal/mesh"
	"github.com/medchain-labs/healthmesh/internal/record"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("meshd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("meshd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("mesh.port", 8080)
	viper.SetDefault("mesh.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("mesh.rate_limit_rps", 20)
	viper.SetDefault("mesh.link_secret", "")
	viper.SetDefault("mesh.tick_interval", "30s")
	viper.SetDefault("database.url", "")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("consent.max_attestation_window", "15m")
	viper.SetDefault("market.platform_fee_bps", 250)
	viper.SetDefault("market.pending_timeout", "5m")
	viper.SetDefault("market.grant_timeout", "5m")
	viper.SetDefault("market.settle_timeout", "24h")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	linkSecret := []byte(viper.GetString("mesh.link_secret"))
	if len(linkSecret) == 0 {
		linkSecret = make([]byte, 32)
		if _, err := rand.Read(linkSecret); err != nil {
			return fmt.Errorf("generate link secret: %w", err)
		}
		logger.Warn("MESH_LINK_SECRET not set — generated an ephemeral secret; envelopes will not survive a restart")
	}

	clk := clock.System{}
	startCtx := context.Background()

	// ── Audit trails ─────────────────────────────────────────────────────────
	var audits mesh.Audits
	dbURL := viper.GetString("database.url")
	if dbURL != "" {
		db, err := pgxpool.New(startCtx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(startCtx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		tables := map[string]*auditlog.Ledger{
			"audit_consent": &audits.Consent,
			"audit_record":  &audits.Record,
			"audit_market":  &audits.Market,
		}
		for table, slot := range tables {
			trail := auditlog.NewPostgres(db, table, logger.Named("audit"))
			if err := trail.EnsureGenesis(startCtx, clk.Now()); err != nil {
				return fmt.Errorf("genesis for %s: %w", table, err)
			}
			if err := trail.Verify(startCtx); err != nil {
				logger.Warn("audit trail integrity check FAILED",
					zap.String("table", table), zap.Error(err))
			} else {
				n, _ := trail.Len(startCtx)
				logger.Info("audit trail verified",
					zap.String("table", table), zap.Int("entries", n))
			}
			*slot = trail
		}
	} else {
		logger.Warn("DATABASE_URL not set — audit trails are in-memory and will not survive a restart")
		now := clk.Now()
		audits = mesh.Audits{
			Consent: auditlog.NewMemory(now),
			Record:  auditlog.NewMemory(now),
			Market:  auditlog.NewMemory(now),
		}
	}

	// ── Access decision cache ────────────────────────────────────────────────
	var cache record.DecisionCache
	redisAddr := viper.GetString("redis.addr")
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(startCtx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer rdb.Close() //nolint:errcheck
		cache = record.NewRedisCache(rdb, "")
		logger.Info("redis decision cache configured", zap.String("addr", redisAddr))
	} else {
		cache = record.NewMemoryCache(clk)
		logger.Info("decision cache: in-memory (set REDIS_ADDR to enable redis)")
	}

	// ── Mesh ─────────────────────────────────────────────────────────────────
	m, err := mesh.New(mesh.Config{
		LinkSecret: linkSecret,
		Consent: consent.Config{
			MaxAttestationWindow: viper.GetDuration("consent.max_attestation_window"),
		},
		Market: market.Config{
			PlatformFeeBps: viper.GetInt64("market.platform_fee_bps"),
			PendingTimeout: viper.GetDuration("market.pending_timeout"),
			GrantTimeout:   viper.GetDuration("market.grant_timeout"),
			SettleTimeout:  viper.GetDuration("market.settle_timeout"),
		},
	}, clk, audits, cache, logger.Named("mesh"))
	if err != nil {
		return err
	}

	keys := auth.NewKeychain(clk, logger.Named("auth"))

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Config{
		CORSOrigins:  viper.GetStringSlice("mesh.cors_origins"),
		RateLimitRPS: viper.GetInt("mesh.rate_limit_rps"),
	}, m, keys, logger.Named("api"))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// done stops the background sweep; only main receives from quit, so a
	// single signal always reaches the shutdown path.
	done := make(chan struct{})

	// ── Background: timeout sweep and message delivery ───────────────────────
	tickInterval := viper.GetDuration("mesh.tick_interval")
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				refunded := m.Tick(ctx)
				if len(refunded) > 0 {
					api.RecordTimeoutRefunds(len(refunded))
					logger.Info("timeout sweep refunded deals",
						zap.Strings("deal_ids", refunded))
				}
				if err := m.Run(ctx); err != nil {
					logger.Warn("message delivery error", zap.Error(err))
				}
				cancel()
			case <-done:
				return
			}
		}
	}()

	httpPort := viper.GetInt("mesh.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("meshd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	close(done)
	logger.Info("shutting down meshd...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	// Drain whatever is still queued so no enqueued effect is lost.
	if err := m.Run(ctx); err != nil {
		logger.Error("final delivery error", zap.Error(err))
	}

	logger.Info("meshd stopped")
	return nil
}
