package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kasirinaja/settlement/internal/cashdrawer"
	"kasirinaja/settlement/internal/config"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/httpapi"
	"kasirinaja/settlement/internal/inventory"
	"kasirinaja/settlement/internal/lock"
	"kasirinaja/settlement/internal/logger"
	"kasirinaja/settlement/internal/metrics"
	"kasirinaja/settlement/internal/notify"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/refund"
	"kasirinaja/settlement/internal/service"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/store/memory"
	pgstore "kasirinaja/settlement/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "optional config file (toml, yaml or json)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	zlog, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: "stdout"})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	var pg *pgstore.Store
	closers := make([]func() error, 0, 2)

	if cfg.Database.URL != "" {
		pg, err = pgstore.New(ctx, cfg.Database.URL)
		if err != nil {
			zlog.Fatal("postgres unavailable and database url is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.Database.AutoMigrate {
			if err := pg.Migrate(); err != nil {
				zlog.Fatal("apply migrations", zap.Error(err))
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		zlog.Info("repository ready", zap.String("backend", "postgres"))
	} else {
		repo = memory.NewSeeded(zlog)
		zlog.Info("repository ready", zap.String("backend", "memory"))
	}

	var locker lock.Locker = lock.NewLocalLocker()
	var notifier refund.Notifier = notify.NewLogNotifier(zlog)
	if cfg.Redis.Addr != "" {
		redisLocker := lock.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := redisLocker.Ping(ctx); err != nil {
			zlog.Warn("redis unavailable, using process-local lock", zap.Error(err))
			_ = redisLocker.Close()
		} else {
			locker = redisLocker
			notifier = notify.NewRedisNotifier(redisLocker.Client(), cfg.Notify.Channel, zlog)
			closers = append(closers, redisLocker.Close)
			zlog.Info("settlement lock ready", zap.String("backend", "redis"))
		}
	}

	recorder := metrics.New(cfg.App.Env)
	drawer := cashdrawer.New(repo, zlog)

	opts := refund.DefaultOptions()
	opts.LockTTL = cfg.Settlement.LockTTL
	opts.BlockUnreconciled = cfg.Settlement.BlockUnreconciled

	engine := refund.NewEngine(repo, refund.Dependencies{
		Stock:     inventory.New(repo, zlog),
		Cash:      drawer,
		Identity:  service.ContextIdentity{},
		Numbering: numbering.New(repo),
		Notifier:  notifier,
		Locker:    locker,
		Recorder:  recorder,
	}, opts, zlog)

	svc := service.New(repo, engine, drawer, cfg.Settlement.DefaultOrg, zlog)
	auth := httpapi.NewAuthManager(cfg.Auth.Secret, cfg.Auth.TokenTTL, cfg.Auth.ManagerPIN, repo, zlog)

	if pg != nil && cfg.Auth.AdminPassword != "" {
		created, err := auth.EnsureUser(ctx, domain.UserAccount{
			Username: cfg.Auth.AdminUsername,
			Password: cfg.Auth.AdminPassword,
			Role:     "admin",
			OrgID:    cfg.Settlement.DefaultOrg,
		})
		if err != nil {
			zlog.Fatal("bootstrap admin user", zap.Error(err))
		}
		if created {
			zlog.Info("admin user created", zap.String("username", cfg.Auth.AdminUsername))
		}
	}

	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.App.AllowedOrigin,
		Metrics:       recorder,
		Log:           zlog,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info("settlement api listening", zap.String("addr", cfg.Address()), zap.String("env", cfg.App.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zlog.Error("close error", zap.Error(err))
		}
	}

	zlog.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("SETTLEMENT_AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.Auth.ManagerPIN) < 6 {
		return fmt.Errorf("SETTLEMENT_AUTH_MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.Auth.ManagerPIN); err != nil {
		return fmt.Errorf("SETTLEMENT_AUTH_MANAGER_PIN is too weak: %w", err)
	}
	if cfg.Auth.AdminPassword != "" && len(cfg.Auth.AdminPassword) < 8 {
		return fmt.Errorf("SETTLEMENT_AUTH_ADMIN_PASSWORD must be at least 8 characters")
	}
	if cfg.IsProduction() && cfg.Database.URL == "" {
		return fmt.Errorf("SETTLEMENT_DATABASE_URL is required in production")
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return fmt.Errorf("PIN must be numeric")
		}
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	// 123456 and 987654 style runs.
	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
