/**
 * @description
 * This package handles configuration management for the donation and scheduler
 * services. Settings come from environment variables, optionally backed by a .env
 * file, and are bound to a struct with Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading and environment binding.
 */

package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the donation-service and the scheduler-service.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	ClerkJWKSURL   string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience  string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer    string `mapstructure:"CLERK_ISSUER"`
	AdminRole      string `mapstructure:"ADMIN_ROLE"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	StatusChangeRateLimitPerMin   int    `mapstructure:"STATUS_CHANGE_RATE_LIMIT_PER_MINUTE"`
	DonationEventsExchange        string `mapstructure:"DONATION_EVENTS_EXCHANGE"`
	PaymentEventsExchange         string `mapstructure:"PAYMENT_EVENTS_EXCHANGE"`
	ChargeResultQueue             string `mapstructure:"CHARGE_RESULT_QUEUE"`
	ChargeSucceededRoutingKey     string `mapstructure:"CHARGE_SUCCEEDED_ROUTING_KEY"`
	DonationServiceURL            string `mapstructure:"DONATION_SERVICE_URL"`
	DueDonationsJobSchedule       string `mapstructure:"DUE_DONATIONS_JOB_SCHEDULE"`
	ExhaustedDonationsJobSchedule string `mapstructure:"EXHAUSTED_DONATIONS_JOB_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ADMIN_ROLE", "admin")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "donations:rate_limit")
	viper.SetDefault("STATUS_CHANGE_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("DONATION_EVENTS_EXCHANGE", "donation_events")
	viper.SetDefault("PAYMENT_EVENTS_EXCHANGE", "payment_events")
	viper.SetDefault("CHARGE_RESULT_QUEUE", "donation_service.charge_results")
	viper.SetDefault("CHARGE_SUCCEEDED_ROUTING_KEY", "payment.charge.succeeded")
	viper.SetDefault("DUE_DONATIONS_JOB_SCHEDULE", "0 6 * * *")        // Daily at 06:00.
	viper.SetDefault("EXHAUSTED_DONATIONS_JOB_SCHEDULE", "30 0 * * *") // Daily at 00:30.

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("ADMIN_ROLE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "DONATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("STATUS_CHANGE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("DONATION_EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_EVENTS_EXCHANGE")
	_ = viper.BindEnv("CHARGE_RESULT_QUEUE")
	_ = viper.BindEnv("CHARGE_SUCCEEDED_ROUTING_KEY")
	_ = viper.BindEnv("DONATION_SERVICE_URL")
	_ = viper.BindEnv("DUE_DONATIONS_JOB_SCHEDULE")
	_ = viper.BindEnv("EXHAUSTED_DONATIONS_JOB_SCHEDULE")

	// The .env file is optional.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.ClerkAudience = strings.TrimSpace(config.ClerkAudience)
	config.ClerkIssuer = strings.TrimSpace(config.ClerkIssuer)
	config.DonationServiceURL = strings.TrimSuffix(strings.TrimSpace(config.DonationServiceURL), "/")
	if config.StatusChangeRateLimitPerMin <= 0 {
		config.StatusChangeRateLimitPerMin = 20
	}

	return &config, nil
}

// ValidateDonationService checks the settings the HTTP service cannot start without.
func (c *Config) ValidateDonationService() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.ClerkJWKSURL == "" {
		missing = append(missing, "CLERK_JWKS_URL")
	}
	if c.InternalAPIKey == "" {
		missing = append(missing, "INTERNAL_API_KEY")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}
	return nil
}

// ValidateScheduler checks the settings the scheduler cannot start without.
func (c *Config) ValidateScheduler() error {
	var missing []string
	if c.DonationServiceURL == "" {
		missing = append(missing, "DONATION_SERVICE_URL")
	}
	if c.InternalAPIKey == "" {
		missing = append(missing, "INTERNAL_API_KEY")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}
	return nil
}
