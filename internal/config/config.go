/**
 * @description
 * This file handles the configuration management for the credit-service.
 * It uses the 'viper' library to load configuration from environment
 * variables, providing a centralized and consistent way to manage
 * application settings.
 */
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	JWTSecret                  string `mapstructure:"JWT_SECRET"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	CreditIncrement            string `mapstructure:"CREDIT_INCREMENT"`
	LowBalanceThresholdPercent int    `mapstructure:"LOW_BALANCE_THRESHOLD_PERCENT"`
	RolloverSchedule           string `mapstructure:"ROLLOVER_SCHEDULE"`
	IdempotencyRetentionHours  int    `mapstructure:"IDEMPOTENCY_RETENTION_HOURS"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("CREDIT_INCREMENT", "0.1")
	viper.SetDefault("LOW_BALANCE_THRESHOLD_PERCENT", 90)
	viper.SetDefault("ROLLOVER_SCHEDULE", "@every 15m")
	viper.SetDefault("IDEMPOTENCY_RETENTION_HOURS", 24)
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("CREDIT_INCREMENT")
	_ = viper.BindEnv("LOW_BALANCE_THRESHOLD_PERCENT")
	_ = viper.BindEnv("ROLLOVER_SCHEDULE")
	_ = viper.BindEnv("IDEMPOTENCY_RETENTION_HOURS")

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if config.DatabaseURL == "" {
		err = fmt.Errorf("DATABASE_URL is required")
		return
	}
	if config.JWTSecret == "" {
		err = fmt.Errorf("JWT_SECRET is required")
		return
	}
	if config.InternalAPIKey == "" {
		err = fmt.Errorf("INTERNAL_API_KEY is required")
		return
	}
	return
}
