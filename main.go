// Command smtp-edge runs the SMTP-edge trust subsystem: SASL authentication
// against the user directory, OAuth2 bearer-token validation, and ARC
// signing/verification for mail passing through this hop. Message routing,
// queueing, and delivery are not this binary's concern; it accepts mail on
// behalf of whatever sits downstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgetrust/smtp-edge/auth"
	"github.com/edgetrust/smtp-edge/config"
	"github.com/edgetrust/smtp-edge/domain"
	"github.com/edgetrust/smtp-edge/oauth2"
	"github.com/edgetrust/smtp-edge/repository"
	"github.com/edgetrust/smtp-edge/smtp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging.Level)
	defer logger.Sync()

	logger.Info("starting SMTP edge trust subsystem",
		zap.String("hostname", cfg.Server.Hostname))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := initDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	redisClient := initRedis(cfg.Redis)
	defer redisClient.Close()

	if cfg.ARC.SigningKeyEncryptionKey != "" {
		repository.SetDKIMEncryptionKey(cfg.ARC.SigningKeyEncryptionKey)
	}

	domainRepo := repository.NewDomainRepository(dbPool, logger.Named("domain-repo"))
	authRepo := repository.NewAuthRepository(dbPool, logger.Named("auth-repo"))

	domainCache := domain.NewKeyCache(domainRepo, logger.Named("domain-cache"), cfg.ARC.KeyCacheTTL)
	if err := domainCache.Start(ctx); err != nil {
		logger.Fatal("failed to start domain key cache", zap.Error(err))
	}
	defer domainCache.Stop()

	var oauth2Validator auth.TokenValidator
	if cfg.OAuth2.Enabled {
		oauth2Validator = oauth2.NewValidator(oauth2Config(cfg.OAuth2), redisClient, logger.Named("oauth2"))
	}

	authConfig := &auth.Config{
		MaxFailedAttempts: cfg.Limits.MaxFailedAttemptsPerIdentity,
		LockoutDuration:   cfg.Limits.LockoutDuration,
		RateLimitWindow:   cfg.Limits.RateLimitWindow,
	}
	authenticator := auth.NewAuthenticator(authRepo, redisClient, logger.Named("auth"), authConfig, oauth2Validator)

	smtpServer := smtp.NewServer(cfg, domainCache, redisClient, authenticator, logger.Named("smtp"))
	if err := smtpServer.Start(ctx); err != nil {
		logger.Fatal("failed to start SMTP server", zap.Error(err))
	}

	metricsServer := initMetricsServer(cfg.Metrics, smtpServer)
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
	go func() {
		logger.Info("starting metrics server", zap.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop metrics server", zap.Error(err))
	}

	if err := smtpServer.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop SMTP server", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

func oauth2Config(cfg config.OAuth2Config) *oauth2.Config {
	return &oauth2.Config{
		Enabled:                  cfg.Enabled,
		AllowedProviders:         []oauth2.Provider{oauth2.ProviderGoogle, oauth2.ProviderMicrosoft, oauth2.ProviderInternal},
		GoogleClientIDs:          cfg.GoogleAllowedClientIDs,
		InternalJWTSecret:        cfg.InternalJWTSecret,
		InternalRealmTag:         cfg.InternalRealmTag,
		MicrosoftAssumedTokenTTL: cfg.MicrosoftAssumedTokenTTL,
		CacheTokenValidation:     true,
		TokenCacheTTL:            cfg.CacheTTL,
		HTTPTimeout:              cfg.HTTPTimeout,
	}
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	return logger
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

func initMetricsServer(cfg config.MetricsConfig, smtpServer *smtp.Server) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	smtpServer.Metrics().Register(registry)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
