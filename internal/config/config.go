package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	BackendAPIURL string
	SinkURL       string
	SinkSecret    string
	Port          string
	LogLevel      string
	HTTPTimeout   time.Duration
	RetryAttempts int

	OAuth    OAuthConfig
	Wizard   WizardConfig
	Broker   BrokerConfig
	Database DatabaseConfig

	ViewsRegistryFile string
	SessionTTL        time.Duration
}

// OAuthConfig bounds the fallback status poll used while a popup is open.
type OAuthConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

type WizardConfig struct {
	UniqueValuesLimit   int
	DefaultLookbackDays int
	MaxLookbackDays     int
}

// BrokerConfig is optional. An empty URL disables the MQTT broadcast channel.
type BrokerConfig struct {
	URL      string
	ClientID string
	Username string
	Password string
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found, using environment variables")
	}

	return &Config{
		BackendAPIURL: getEnv("BACKEND_API_URL", "http://localhost:5000"),
		SinkURL:       getEnv("SINK_URL", ""),
		SinkSecret:    getEnv("SINK_SECRET", "marketpulse_secret_example"),
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		HTTPTimeout:   getDuration("HTTP_TIMEOUT", 30*time.Second),
		RetryAttempts: getInt("RETRY_ATTEMPTS", 3),
		OAuth: OAuthConfig{
			PollInterval: getDuration("OAUTH_POLL_INTERVAL", 1200*time.Millisecond),
			Timeout:      getDuration("OAUTH_TIMEOUT", 60*time.Second),
		},
		Wizard: WizardConfig{
			UniqueValuesLimit:   getInt("UNIQUE_VALUES_LIMIT", 300),
			DefaultLookbackDays: getInt("DEFAULT_LOOKBACK_DAYS", 90),
			MaxLookbackDays:     getInt("MAX_LOOKBACK_DAYS", 730),
		},
		Broker: BrokerConfig{
			URL:      getEnv("BROKER_URL", ""),
			ClientID: getEnv("BROKER_CLIENT_ID", "marketpulse-001"),
			Username: getEnv("BROKER_USERNAME", ""),
			Password: getEnv("BROKER_PASSWORD", ""),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DATABASE_DRIVER", "sqlite"),
			DSN:    getEnv("DATABASE_URL", "file:marketpulse.db?_pragma=busy_timeout(5000)"),
		},
		ViewsRegistryFile: getEnv("VIEWS_REGISTRY_FILE", ""),
		SessionTTL:        getDuration("SESSION_TTL", 2*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}
