// Command credcored runs the credential core as a standalone HTTP service.
// Configuration comes from CREDCORE_* environment variables; the process
// fails fast on missing or malformed values.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	credcore "github.com/krroki/Dhacle-sub006"
	"github.com/krroki/Dhacle-sub006/apikeys"
	"github.com/krroki/Dhacle-sub006/instrumentation"
	"github.com/krroki/Dhacle-sub006/providers/youtube"
	"github.com/krroki/Dhacle-sub006/quota"
	"github.com/krroki/Dhacle-sub006/security"
	"github.com/krroki/Dhacle-sub006/storage"
	"github.com/krroki/Dhacle-sub006/storage/memory"
	"github.com/krroki/Dhacle-sub006/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// userHeader carries the authenticated platform user. The platform's edge
// strips and re-injects it after session validation; credcored must never be
// exposed to clients directly.
const userHeader = "X-Authenticated-User"

type envConfig struct {
	EncryptionKey string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	ListenAddr    string
	DBPath        string
	DailyQuota    int64
	TrustProxy    bool
	AuditLogging  bool
	OTelEnabled   bool
}

// loadEnv reads and validates the process environment.
func loadEnv() (*envConfig, error) {
	cfg := &envConfig{
		ListenAddr:   "127.0.0.1:8090",
		AuditLogging: true,
	}

	cfg.EncryptionKey = os.Getenv("CREDCORE_ENCRYPTION_KEY")
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("CREDCORE_ENCRYPTION_KEY is required (64 hex characters)")
	}

	cfg.ClientID = os.Getenv("CREDCORE_YOUTUBE_CLIENT_ID")
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("CREDCORE_YOUTUBE_CLIENT_ID is required")
	}
	cfg.ClientSecret = os.Getenv("CREDCORE_YOUTUBE_CLIENT_SECRET")
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("CREDCORE_YOUTUBE_CLIENT_SECRET is required")
	}
	cfg.RedirectURL = os.Getenv("CREDCORE_OAUTH_REDIRECT_URL")
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("CREDCORE_OAUTH_REDIRECT_URL is required")
	}

	if addr, ok := os.LookupEnv("CREDCORE_LISTEN_ADDR"); ok {
		cfg.ListenAddr = addr
	}
	cfg.DBPath = os.Getenv("CREDCORE_DB_PATH")

	if raw, ok := os.LookupEnv("CREDCORE_DAILY_QUOTA"); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("CREDCORE_DAILY_QUOTA must be a positive integer, got %q", raw)
		}
		cfg.DailyQuota = n
	}

	if raw, ok := os.LookupEnv("CREDCORE_TRUST_PROXY"); ok {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("CREDCORE_TRUST_PROXY must be a boolean, got %q", raw)
		}
		cfg.TrustProxy = b
	}

	if raw, ok := os.LookupEnv("CREDCORE_OTEL"); ok {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("CREDCORE_OTEL must be a boolean, got %q", raw)
		}
		cfg.OTelEnabled = b
	}

	return cfg, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("credcored exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}

	vault, err := security.NewVault(env.EncryptionKey)
	if err != nil {
		return fmt.Errorf("invalid encryption key: %w", err)
	}

	store, closeStore, err := openStore(env.DBPath, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := youtube.NewProvider(&youtube.Config{
		ClientID:     env.ClientID,
		ClientSecret: env.ClientSecret,
		RedirectURL:  env.RedirectURL,
	})
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "credcored",
		Enabled:     env.OTelEnabled,
	})
	if err != nil {
		return fmt.Errorf("create instrumentation: %w", err)
	}

	coreCfg := credcore.Config{
		Provider:           provider,
		Vault:              vault,
		Store:              store,
		Quota:              credcore.QuotaConfig{DailyLimit: env.DailyQuota},
		RateLimit:          credcore.RateLimitConfig{TrustProxy: env.TrustProxy},
		EnableAuditLogging: env.AuditLogging,
		Logger:             logger,
		Instrumentation:    inst,
	}

	manager, err := credcore.NewManager(coreCfg)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	tracker := quota.New(store, coreCfg.Quota.DailyLimit, logger,
		quota.WithAuditor(manager.Auditor()),
		quota.WithMetrics(inst.Metrics()))
	validator := apikeys.NewValidator(provider, vault, store, logger, manager.Auditor())

	sessions := credcore.SessionResolverFunc(func(r *http.Request) (string, bool) {
		userID := r.Header.Get(userHeader)
		return userID, userID != ""
	})

	handler, err := credcore.NewHandler(coreCfg, manager, validator, tracker, sessions)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	defer handler.Close()

	server := &http.Server{
		Addr:              env.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credcored listening", "addr", env.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore selects the storage backend: a path means durable SQLite with
// migrations applied, empty means in-memory (single instance, dev/test).
func openStore(dbPath string, logger *slog.Logger) (storage.Store, func(), error) {
	if dbPath == "" {
		logger.Warn("no CREDCORE_DB_PATH set, using in-memory storage")
		mem := memory.New(logger)
		return mem, func() { mem.Close() }, nil
	}

	db, err := sqlite.NewDB(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlite.RunMigrations(db.Writer); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database ready", "path", dbPath)
	return sqlite.NewStore(db), func() { db.Close() }, nil
}
