package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/gregtusar/kiteexec/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Kite       KiteConfig       `mapstructure:"kite"`
	Trading    TradingConfig    `mapstructure:"trading"`
	RateLimits RateLimitConfig  `mapstructure:"rate_limits"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Protection ProtectionConfig `mapstructure:"protection"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Integrity  IntegrityConfig  `mapstructure:"integrity"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp"`

	// File is the config file actually read, empty when running on defaults.
	File string `mapstructure:"-"`
}

type KiteConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	AccessToken string        `mapstructure:"access_token"`
	UserID      string        `mapstructure:"user_id"`
	RootURL     string        `mapstructure:"root_url"`
	WSURL       string        `mapstructure:"ws_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type TradingConfig struct {
	DryRun           bool          `mapstructure:"dry_run"`
	DefaultProduct   string        `mapstructure:"default_product"`
	DefaultExchange  string        `mapstructure:"default_exchange"`
	MarketProtection float64       `mapstructure:"market_protection"`
	Autoslice        bool          `mapstructure:"autoslice"`
	ModificationCap  int           `mapstructure:"modification_cap"`
	ChaseInterval    time.Duration `mapstructure:"chase_interval"`
	ScaleInterval    time.Duration `mapstructure:"scale_interval"`
	SwarmInterval    time.Duration `mapstructure:"swarm_interval"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	DefaultTickSize  float64       `mapstructure:"default_tick_size"`
}

type RateLimitConfig struct {
	GlobalPerSecond                int `mapstructure:"global_per_second"`
	PlacementsPerMinute            int `mapstructure:"placements_per_minute"`
	PlacementsPerDay               int `mapstructure:"placements_per_day"`
	ModificationsPerSecond         int `mapstructure:"modifications_per_second"`
	PerOrderModificationsPerMinute int `mapstructure:"per_order_modifications_per_minute"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type ProtectionConfig struct {
	ProtectedRoles []string `mapstructure:"protected_roles"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type IntegrityConfig struct {
	BaselinePath string `mapstructure:"baseline_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Dir is the per-user configuration directory.
func Dir() string {
	if dir := os.Getenv("KITEEXEC_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "kiteexec")
}

func Load(configPath string) (*Config, error) {
	// .env never overrides variables already present in the environment
	envFile := os.Getenv("KITEEXEC_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath(Dir())
	}

	v.SetEnvPrefix("KITEEXEC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.File = v.ConfigFileUsed()

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns the built-in configuration without reading files or the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kite.root_url", "https://api.kite.trade")
	v.SetDefault("kite.ws_url", "wss://ws.kite.trade")
	v.SetDefault("kite.timeout", 10*time.Second)

	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.default_product", "MIS")
	v.SetDefault("trading.default_exchange", "NSE")
	v.SetDefault("trading.market_protection", 2.5)
	v.SetDefault("trading.autoslice", false)
	v.SetDefault("trading.modification_cap", 25)
	v.SetDefault("trading.chase_interval", 500*time.Millisecond)
	v.SetDefault("trading.scale_interval", 200*time.Millisecond)
	v.SetDefault("trading.swarm_interval", 100*time.Millisecond)
	v.SetDefault("trading.sync_interval", 2*time.Second)
	v.SetDefault("trading.default_tick_size", 0.05)

	v.SetDefault("rate_limits.global_per_second", 10)
	v.SetDefault("rate_limits.placements_per_minute", 200)
	v.SetDefault("rate_limits.placements_per_day", 3000)
	v.SetDefault("rate_limits.modifications_per_second", 10)
	v.SetDefault("rate_limits.per_order_modifications_per_minute", 20)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", 200*time.Millisecond)
	v.SetDefault("retry.max_interval", 2*time.Second)

	roles := make([]string, 0, len(models.DefaultProtectedRoles))
	for _, r := range models.DefaultProtectedRoles {
		roles = append(roles, string(r))
	}
	v.SetDefault("protection.protected_roles", roles)

	v.SetDefault("database.path", filepath.Join(Dir(), "registry.db"))

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("integrity.baseline_path", filepath.Join(Dir(), "integrity.json"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key", secretNames.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", secretNames.APISecret)
	v.SetDefault("gcp.secret_names.access_token", secretNames.AccessToken)
	v.SetDefault("gcp.secret_names.jwt_secret", secretNames.JWTSecret)
}

// Validate rejects limits that would make a rate scope or the modification cap unusable.
func (c *Config) Validate() error {
	limits := map[string]int{
		"rate_limits.global_per_second":                  c.RateLimits.GlobalPerSecond,
		"rate_limits.placements_per_minute":              c.RateLimits.PlacementsPerMinute,
		"rate_limits.placements_per_day":                 c.RateLimits.PlacementsPerDay,
		"rate_limits.modifications_per_second":           c.RateLimits.ModificationsPerSecond,
		"rate_limits.per_order_modifications_per_minute": c.RateLimits.PerOrderModificationsPerMinute,
		"trading.modification_cap":                       c.Trading.ModificationCap,
		"retry.max_attempts":                             c.Retry.MaxAttempts,
	}
	for key, value := range limits {
		if value <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %d", key, value)
		}
	}
	if c.Trading.MarketProtection < 0 {
		return fmt.Errorf("invalid config: trading.market_protection must not be negative")
	}
	return nil
}

// ProtectedRoles converts the configured role names.
func (c *Config) ProtectedRoles() []models.OrderRole {
	roles := make([]models.OrderRole, 0, len(c.Protection.ProtectedRoles))
	for _, r := range c.Protection.ProtectedRoles {
		if role := models.ParseRole(r); role != models.RoleUnspecified {
			roles = append(roles, role)
		}
	}
	return roles
}

// Mode reports whether orders go to the broker or the paper book.
func (c *Config) Mode() models.ExecutionMode {
	if c.Trading.DryRun {
		return models.ModeSimulated
	}
	return models.ModeLive
}

// MissingCredentials lists the live credentials that are not set.
func (c *Config) MissingCredentials() []string {
	var missing []string
	if c.Kite.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if c.Kite.APISecret == "" {
		missing = append(missing, "api_secret")
	}
	if c.Kite.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	return missing
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func overrideFromEnv(config *Config) {
	if apiKey := firstEnv("ZERODHA_API_KEY", "KITE_API_KEY"); apiKey != "" {
		config.Kite.APIKey = apiKey
	}
	if apiSecret := firstEnv("ZERODHA_API_SECRET", "KITE_API_SECRET"); apiSecret != "" {
		config.Kite.APISecret = apiSecret
	}
	if token := firstEnv("ZERODHA_ACCESS_TOKEN", "KITE_ACCESS_TOKEN"); token != "" {
		config.Kite.AccessToken = token
	}
	if userID := firstEnv("ZERODHA_USER_ID", "KITE_USER_ID"); userID != "" {
		config.Kite.UserID = userID
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	targets := config.GCP.SecretNames.Targets(
		&config.Kite.APIKey, &config.Kite.APISecret, &config.Kite.AccessToken, &config.Server.JWTSecret)
	filled := secrets.Fill(ctx, secretManager, targets, logger)

	logger.WithField("secrets", filled).Info("Loaded secrets from GCP Secret Manager")
	return nil
}
