package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Logger    Logger    `mapstructure:"logger"`
	Auth      Auth      `mapstructure:"auth"`
	Vault     Vault     `mapstructure:"vault"`
	Connector Connector `mapstructure:"connector"`
	Sync      Sync      `mapstructure:"sync"`
}

// Server holds the configuration for the HTTP API server.
type Server struct {
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"environment"` // "development" or "production"
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Auth holds the configuration for verifying bearer tokens on the API.
type Auth struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Vault holds the configuration for the credential vault.
type Vault struct {
	Secret string `mapstructure:"secret"`
}

// Connector selects and configures the broker access strategy.
// Mode is one of: bridge, cloud, mock, external.
type Connector struct {
	Mode string `mapstructure:"mode"`

	BridgeURL string `mapstructure:"bridge_url"`

	CloudURL   string `mapstructure:"cloud_url"`
	CloudToken string `mapstructure:"cloud_token"`

	ExternalURL    string  `mapstructure:"external_url"`
	ExternalAPIKey string  `mapstructure:"external_api_key"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	TestTimeoutSeconds  int `mapstructure:"test_timeout_seconds"`
	FetchTimeoutSeconds int `mapstructure:"fetch_timeout_seconds"`
}

// Sync holds the configuration for the sync orchestrator and scheduler.
type Sync struct {
	Workers            int `mapstructure:"workers"`
	MaxAttempts        int `mapstructure:"max_attempts"`
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds"`
	KeepCompleted      int `mapstructure:"keep_completed"`
	KeepFailed         int `mapstructure:"keep_failed"`
	// ScheduleMinutes is the interval for automatic background syncs of all
	// active accounts. Zero disables the scheduler.
	ScheduleMinutes int `mapstructure:"schedule_minutes"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.environment", "development")
	viper.SetDefault("database.dsn", "ledger.db")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("connector.mode", "external")
	viper.SetDefault("connector.bridge_url", "http://localhost:5000")
	viper.SetDefault("connector.rate_limit", 10) // requests per second
	viper.SetDefault("connector.rate_limit_burst", 5)
	viper.SetDefault("connector.test_timeout_seconds", 5)
	viper.SetDefault("connector.fetch_timeout_seconds", 120)
	viper.SetDefault("sync.workers", 5)
	viper.SetDefault("sync.max_attempts", 3)
	viper.SetDefault("sync.backoff_base_seconds", 5)
	viper.SetDefault("sync.keep_completed", 100)
	viper.SetDefault("sync.keep_failed", 1000)
	viper.SetDefault("sync.schedule_minutes", 0)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

// IsProduction reports whether the server runs in production mode. Connection
// test failures during account creation are fatal only in production.
func (s Server) IsProduction() bool {
	return s.Environment == "production"
}
