package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

type Config struct {
	App        AppConfig
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	NATS       NATSConfig
	JWT        JWTConfig
	Log        LogConfig
	Medplum    MedplumConfig
	RevenueCat RevenueCatConfig
	Voice      VoiceConfig
	CORS       CORSConfig
	RateLimit  RateLimitConfig
}

type AppConfig struct {
	Env string
}

// IsDevelopment reports whether the process runs a development build.
func (c AppConfig) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL string
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// MedplumConfig points at the FHIR server holding profiles and chat threads.
type MedplumConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WSURL        string
	Timeout      time.Duration
}

type RevenueCatConfig struct {
	BaseURL       string
	APIKey        string
	EntitlementID string
	WebhookSecret string
	InitDelay     time.Duration
	RetryAttempts int
	RetryDelays   []time.Duration
}

type VoiceConfig struct {
	DailyLimit int
	FailOpen   bool
	Timezone   string
	AttemptTTL time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	AuthMaxRequests    int
	AuthWindowSec      int
	MessageMaxRequests int
	MessageWindowSec   int
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Env: k.String("app.env"),
		},
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			AccessSecret:  k.String("jwt.access.secret"),
			RefreshSecret: k.String("jwt.refresh.secret"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		Medplum: MedplumConfig{
			BaseURL:      k.String("medplum.base.url"),
			ClientID:     k.String("medplum.client.id"),
			ClientSecret: k.String("medplum.client.secret"),
			WSURL:        k.String("medplum.ws.url"),
		},
		RevenueCat: RevenueCatConfig{
			BaseURL:       k.String("revenuecat.base.url"),
			APIKey:        k.String("revenuecat.api.key"),
			EntitlementID: k.String("revenuecat.entitlement.id"),
			WebhookSecret: k.String("revenuecat.webhook.secret"),
			RetryAttempts: k.Int("revenuecat.retry.attempts"),
		},
		Voice: VoiceConfig{
			DailyLimit: k.Int("voice.daily.limit"),
			FailOpen:   true,
			Timezone:   k.String("voice.timezone"),
		},
		RateLimit: RateLimitConfig{
			AuthMaxRequests:    k.Int("ratelimit.auth.max"),
			AuthWindowSec:      k.Int("ratelimit.auth.window"),
			MessageMaxRequests: k.Int("ratelimit.message.max"),
			MessageWindowSec:   k.Int("ratelimit.message.window"),
		},
	}

	if k.Exists("voice.fail.open") {
		cfg.Voice.FailOpen = k.Bool("voice.fail.open")
	}
	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}

	// Apply defaults
	if cfg.App.Env == "" {
		cfg.App.Env = EnvProduction
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "reflect"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "reflect"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Medplum.BaseURL == "" {
		cfg.Medplum.BaseURL = "https://api.medplum.com"
	}
	if cfg.RevenueCat.BaseURL == "" {
		cfg.RevenueCat.BaseURL = "https://api.revenuecat.com"
	}
	if cfg.RevenueCat.EntitlementID == "" {
		cfg.RevenueCat.EntitlementID = "premium"
	}
	if cfg.RevenueCat.RetryAttempts == 0 {
		cfg.RevenueCat.RetryAttempts = 3
	}
	if cfg.Voice.DailyLimit == 0 {
		cfg.Voice.DailyLimit = 10
	}
	if cfg.Voice.Timezone == "" {
		cfg.Voice.Timezone = "UTC"
	}
	if cfg.RateLimit.AuthMaxRequests == 0 {
		cfg.RateLimit.AuthMaxRequests = 10
	}
	if cfg.RateLimit.AuthWindowSec == 0 {
		cfg.RateLimit.AuthWindowSec = 60
	}
	if cfg.RateLimit.MessageMaxRequests == 0 {
		cfg.RateLimit.MessageMaxRequests = 30
	}
	if cfg.RateLimit.MessageWindowSec == 0 {
		cfg.RateLimit.MessageWindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	cfg.JWT.AccessExpiry, err = parseDuration(k, "jwt.access.expiry", "15m")
	if err != nil {
		return nil, err
	}
	cfg.JWT.RefreshExpiry, err = parseDuration(k, "jwt.refresh.expiry", "168h")
	if err != nil {
		return nil, err
	}
	cfg.Medplum.Timeout, err = parseDuration(k, "medplum.timeout", "15s")
	if err != nil {
		return nil, err
	}
	cfg.RevenueCat.InitDelay, err = parseDuration(k, "revenuecat.init.delay", "1s")
	if err != nil {
		return nil, err
	}
	cfg.Voice.AttemptTTL, err = parseDuration(k, "voice.attempt.ttl", "10m")
	if err != nil {
		return nil, err
	}

	delays := k.String("revenuecat.retry.delays")
	if delays == "" {
		delays = "1s,2s,4s"
	}
	for _, d := range strings.Split(delays, ",") {
		parsed, err := time.ParseDuration(strings.TrimSpace(d))
		if err != nil {
			return nil, fmt.Errorf("parsing revenuecat retry delay %q: %w", d, err)
		}
		cfg.RevenueCat.RetryDelays = append(cfg.RevenueCat.RetryDelays, parsed)
	}

	return cfg, nil
}

func parseDuration(k *koanf.Koanf, path, fallback string) (time.Duration, error) {
	raw := k.String(path)
	if raw == "" {
		raw = fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return d, nil
}
