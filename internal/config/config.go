package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SETTLEMENT"

type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Log        LogConfig
	Settlement SettlementConfig
	Notify     NotifyConfig
}

type AppConfig struct {
	Port          string
	Env           string
	AllowedOrigin string
}

type DatabaseConfig struct {
	URL         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	Secret     string
	TokenTTL   time.Duration
	ManagerPIN string

	// AdminUsername/AdminPassword seed the first admin of DefaultOrg on an
	// empty postgres store. Ignored when the user already exists.
	AdminUsername string
	AdminPassword string
}

type LogConfig struct {
	Level  string
	Format string
}

type SettlementConfig struct {
	LockTTL           time.Duration
	BlockUnreconciled bool
	DefaultOrg        string
}

type NotifyConfig struct {
	Channel string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.allowed_origin", "http://127.0.0.1:3000")
	v.SetDefault("database.url", "")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", "8h")
	v.SetDefault("auth.manager_pin", "")
	v.SetDefault("auth.admin_username", "admin")
	v.SetDefault("auth.admin_password", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("settlement.lock_ttl", "30s")
	v.SetDefault("settlement.block_unreconciled", true)
	v.SetDefault("settlement.default_org", "org-main")
	v.SetDefault("notify.channel", "settlement.returns")
}

// Load reads defaults, then the optional config file, then SETTLEMENT_*
// environment variables (SETTLEMENT_AUTH_SECRET overrides auth.secret).
// An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := Config{
		App: AppConfig{
			Port:          v.GetString("app.port"),
			Env:           v.GetString("app.env"),
			AllowedOrigin: v.GetString("app.allowed_origin"),
		},
		Database: DatabaseConfig{
			URL:         strings.TrimSpace(v.GetString("database.url")),
			AutoMigrate: v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(v.GetString("redis.addr")),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			Secret:        strings.TrimSpace(v.GetString("auth.secret")),
			TokenTTL:      v.GetDuration("auth.token_ttl"),
			ManagerPIN:    strings.TrimSpace(v.GetString("auth.manager_pin")),
			AdminUsername: strings.TrimSpace(v.GetString("auth.admin_username")),
			AdminPassword: v.GetString("auth.admin_password"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Settlement: SettlementConfig{
			LockTTL:           v.GetDuration("settlement.lock_ttl"),
			BlockUnreconciled: v.GetBool("settlement.block_unreconciled"),
			DefaultOrg:        strings.TrimSpace(v.GetString("settlement.default_org")),
		},
		Notify: NotifyConfig{
			Channel: v.GetString("notify.channel"),
		},
	}

	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = 8 * time.Hour
	}
	if cfg.Settlement.LockTTL <= 0 {
		cfg.Settlement.LockTTL = 30 * time.Second
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.App.Port)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}
