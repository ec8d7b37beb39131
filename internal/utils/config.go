package utils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Environment             string
	CertsDir                string
	ConfigDir               string
	LogLevel                string
	APIPort                 int
	APIRateLimit            int
	MetricsPort             int
	MetricsEnabled          bool
	JWTSecret               string
	VaultMasterSecret       string
	RenewalSchedule         string
	DefaultValidityDays     int
	DefaultRenewDays        int
	DefaultKeySize          int
	WatcherEnabled          bool
	PrimaryDebounce         time.Duration
	CompanionDebounce       time.Duration
	IgnoreListTTL           time.Duration
	LocalActionTimeout      time.Duration
	NetworkActionTimeout    time.Duration
	SMTPHost                string
	SMTPPort                int
	SMTPUser                string
	SMTPPassword            string
	SMTPFrom                string
	SMTPUseTLS              bool
	DockerHost              string
	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	IdleTimeout             time.Duration
	GracefulShutdownTimeout time.Duration
}

func LoadConfig() (*Config, error) {
	config := &Config{
		Environment:             getEnv("ENVIRONMENT", "development"),
		CertsDir:                getEnv("CERTS_DIR", "./data/certificates"),
		ConfigDir:               getEnv("CONFIG_DIR", "./data/config"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		APIPort:                 getEnvInt("API_PORT", 8080),
		APIRateLimit:            getEnvInt("API_RATE_LIMIT", 120),
		MetricsPort:             getEnvInt("METRICS_PORT", 9090),
		MetricsEnabled:          getEnvBool("METRICS_ENABLED", true),
		RenewalSchedule:         getEnv("RENEWAL_SCHEDULE", "0 0 * * *"),
		DefaultValidityDays:     getEnvInt("DEFAULT_VALIDITY_DAYS", 365),
		DefaultRenewDays:        getEnvInt("DEFAULT_RENEW_DAYS", 30),
		DefaultKeySize:          getEnvInt("DEFAULT_KEY_SIZE", 2048),
		WatcherEnabled:          getEnvBool("WATCHER_ENABLED", true),
		PrimaryDebounce:         getEnvDuration("PRIMARY_DEBOUNCE", "2s"),
		CompanionDebounce:       getEnvDuration("COMPANION_DEBOUNCE", "1s"),
		IgnoreListTTL:           getEnvDuration("IGNORE_LIST_TTL", "150s"),
		LocalActionTimeout:      getEnvDuration("LOCAL_ACTION_TIMEOUT", "10s"),
		NetworkActionTimeout:    getEnvDuration("NETWORK_ACTION_TIMEOUT", "30s"),
		SMTPHost:                getEnv("SMTP_HOST", ""),
		SMTPPort:                getEnvInt("SMTP_PORT", 587),
		SMTPUser:                getEnv("SMTP_USER", ""),
		SMTPPassword:            getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:                getEnv("SMTP_FROM", ""),
		SMTPUseTLS:              getEnvBool("SMTP_USE_TLS", true),
		DockerHost:              getEnv("DOCKER_HOST", ""),
		ReadTimeout:             getEnvDuration("READ_TIMEOUT", "30s"),
		WriteTimeout:            getEnvDuration("WRITE_TIMEOUT", "30s"),
		IdleTimeout:             getEnvDuration("IDLE_TIMEOUT", "120s"),
		GracefulShutdownTimeout: getEnvDuration("GRACEFUL_SHUTDOWN_TIMEOUT", "30s"),
	}

	if err := config.loadSecrets(); err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := config.createDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return config, nil
}

func (c *Config) loadSecrets() error {
	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		var err error
		jwtSecret, err = generateRandomSecret(64)
		if err != nil {
			return fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	c.JWTSecret = jwtSecret

	vaultSecret := getEnv("VAULT_MASTER_SECRET", "")
	if vaultSecret == "" {
		var err error
		vaultSecret, err = generateRandomSecret(32)
		if err != nil {
			return fmt.Errorf("failed to generate vault master secret: %w", err)
		}
	}
	c.VaultMasterSecret = vaultSecret

	return nil
}

func (c *Config) validate() error {
	if c.Environment != "development" && c.Environment != "staging" && c.Environment != "production" {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}

	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.APIRateLimit < 1 {
		return fmt.Errorf("invalid API rate limit: %d", c.APIRateLimit)
	}

	if c.DefaultValidityDays < 1 || c.DefaultValidityDays > 10950 {
		return fmt.Errorf("invalid default validity days: %d", c.DefaultValidityDays)
	}

	if c.DefaultRenewDays < 1 || c.DefaultRenewDays > c.DefaultValidityDays {
		return fmt.Errorf("invalid default renew days: %d", c.DefaultRenewDays)
	}

	if c.IgnoreListTTL < time.Second {
		return fmt.Errorf("invalid ignore list TTL: %v", c.IgnoreListTTL)
	}

	logLevels := []string{"debug", "info", "warn", "error", "fatal"}
	validLogLevel := false
	for _, level := range logLevels {
		if c.LogLevel == level {
			validLogLevel = true
			break
		}
	}
	if !validLogLevel {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}

func (c *Config) createDirectories() error {
	dirs := []string{
		c.CertsDir,
		c.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.Chmod(c.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", c.ConfigDir, err)
	}

	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func generateRandomSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
