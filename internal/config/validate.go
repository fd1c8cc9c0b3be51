package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Env != EnvProduction && c.App.Env != EnvDevelopment {
		errs = append(errs, fmt.Sprintf("APP_ENV must be %q or %q, got %q", EnvProduction, EnvDevelopment, c.App.Env))
	}

	// JWT secrets
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		errs = append(errs, "JWT_REFRESH_SECRET must be at least 32 characters")
	}
	if c.JWT.AccessSecret != "" && c.JWT.RefreshSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, "JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Medplum
	if u, err := url.Parse(c.Medplum.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("MEDPLUM_BASE_URL must be an absolute URL, got %q", c.Medplum.BaseURL))
	}
	if c.Medplum.ClientID == "" || c.Medplum.ClientSecret == "" {
		errs = append(errs, "MEDPLUM_CLIENT_ID and MEDPLUM_CLIENT_SECRET are required")
	}

	// RevenueCat
	if c.RevenueCat.APIKey == "" {
		errs = append(errs, "REVENUECAT_API_KEY is required")
	}
	if c.RevenueCat.RetryAttempts < 1 {
		errs = append(errs, fmt.Sprintf("REVENUECAT_RETRY_ATTEMPTS must be at least 1, got %d", c.RevenueCat.RetryAttempts))
	}
	for _, d := range c.RevenueCat.RetryDelays {
		if d < 0 {
			errs = append(errs, "REVENUECAT_RETRY_DELAYS must not contain negative durations")
			break
		}
	}

	// Voice gate
	if c.Voice.DailyLimit < 1 {
		errs = append(errs, fmt.Sprintf("VOICE_DAILY_LIMIT must be at least 1, got %d", c.Voice.DailyLimit))
	}
	if _, err := time.LoadLocation(c.Voice.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("VOICE_TIMEZONE is not a known location: %q", c.Voice.Timezone))
	}

	// Warn only
	if c.RevenueCat.WebhookSecret == "" {
		slog.Warn("REVENUECAT_WEBHOOK_SECRET is empty, webhook endpoint will reject every request")
	}
	if c.Voice.FailOpen {
		slog.Info("voice gate fails open on usage-record errors", "flag", "VOICE_FAIL_OPEN")
	}
	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty, audit events will only be logged")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
