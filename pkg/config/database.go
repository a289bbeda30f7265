// pkg/config/database.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// FeatureServiceConfig holds connection parameters for a hosted feature
// layer endpoint
type FeatureServiceConfig struct {
	LayerURL string // Full ".../FeatureServer/<id>" endpoint
	Token    string // Optional access token

	// Request timeout
	RequestTimeout time.Duration
}

// PostgresConfig holds PostgreSQL connection parameters for the local
// spatial table backend
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadFeatureServiceConfig loads feature service configuration from
// environment variables
func LoadFeatureServiceConfig() (*FeatureServiceConfig, error) {
	layerURL := os.Getenv("FEATURE_LAYER_URL")
	if layerURL == "" {
		return nil, errors.New("FEATURE_LAYER_URL environment variable is required")
	}

	cfg := &FeatureServiceConfig{
		LayerURL:       layerURL,
		Token:          getEnv("FEATURE_LAYER_TOKEN", ""),
		RequestTimeout: time.Duration(getEnvAsInt("FEATURE_LAYER_TIMEOUT_SECONDS", 60)) * time.Second,
	}

	return cfg, nil
}

// LoadPostgresConfig loads PostgreSQL configuration from environment variables
func LoadPostgresConfig() (*PostgresConfig, error) {
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		return nil, errors.New("POSTGRES_USER environment variable is required")
	}

	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		return nil, errors.New("POSTGRES_PASSWORD environment variable is required")
	}

	database := os.Getenv("POSTGRES_DB")
	if database == "" {
		return nil, errors.New("POSTGRES_DB environment variable is required")
	}

	cfg := &PostgresConfig{
		Host:     getEnv("POSTGRES_HOST", "localhost"),
		Port:     getEnvAsInt("POSTGRES_PORT", 5432),
		User:     user,
		Password: password,
		Database: database,
		SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		MaxOpenConns:    getEnvAsInt("POSTGRES_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("POSTGRES_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: time.Duration(getEnvAsInt("POSTGRES_CONN_MAX_LIFETIME_SECONDS", 1800)) * time.Second,
		ConnMaxIdleTime: time.Duration(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_TIME_SECONDS", 600)) * time.Second,
	}

	return cfg, nil
}

// ConnectionString returns a formatted PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}
