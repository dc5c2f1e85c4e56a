package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the reliability core configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Breaker     BreakerConfig     `json:"breaker"`
	Health      HealthConfig      `json:"health"`
	Degradation DegradationConfig `json:"degradation"`
	Alerting    AlertingConfig    `json:"alerting"`
}

// ServerConfig contains HTTP server configuration for the daemon
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// BreakerConfig contains process-wide circuit breaker defaults
type BreakerConfig struct {
	FailureThreshold         int           `json:"failure_threshold"`
	Timeout                  time.Duration `json:"timeout"`
	HalfOpenMaxCalls         int           `json:"half_open_max_calls"`
	VolumeThreshold          int           `json:"volume_threshold"`
	ErrorThresholdPercentage float64       `json:"error_threshold_percentage"`
	MonitoringPeriod         time.Duration `json:"monitoring_period"`
	DefaultCallTimeout       time.Duration `json:"default_call_timeout"`
	RecoverySweepInterval    time.Duration `json:"recovery_sweep_interval"`
}

// HealthConfig contains health check scheduling and thresholds
type HealthConfig struct {
	SystemCheckInterval     time.Duration `json:"system_check_interval"`
	AgentCheckInterval      time.Duration `json:"agent_check_interval"`
	ResourceCheckInterval   time.Duration `json:"resource_check_interval"`
	DependencyCheckInterval time.Duration `json:"dependency_check_interval"`
	CleanupInterval         time.Duration `json:"cleanup_interval"`
	HistoryRetention        time.Duration `json:"history_retention"`
	Thresholds              Thresholds    `json:"thresholds"`
}

// Thresholds holds warning/critical limits for observed health metrics
type Thresholds struct {
	CPUWarning               float64       `json:"cpu_warning"`
	CPUCritical              float64       `json:"cpu_critical"`
	MemoryWarning            float64       `json:"memory_warning"`
	MemoryCritical           float64       `json:"memory_critical"`
	DiskWarning              float64       `json:"disk_warning"`
	DiskCritical             float64       `json:"disk_critical"`
	ResponseTimeWarning      time.Duration `json:"response_time_warning"`
	ResponseTimeCritical     time.Duration `json:"response_time_critical"`
	ErrorRateWarning         float64       `json:"error_rate_warning"`
	ErrorRateCritical        float64       `json:"error_rate_critical"`
	AvailabilityWarning      float64       `json:"availability_warning"`
	AvailabilityCritical     float64       `json:"availability_critical"`
}

// DegradationConfig contains fallback strategy configuration
type DegradationConfig struct {
	MaxCacheSize    int           `json:"max_cache_size"`
	DefaultCacheTTL time.Duration `json:"default_cache_ttl"`
}

// AlertingConfig contains alert dispatch configuration
type AlertingConfig struct {
	Enabled         bool          `json:"enabled"`
	RateLimit       int           `json:"rate_limit"`
	RateLimitWindow time.Duration `json:"rate_limit_window"`
	SlackWebhookURL string        `json:"slack_webhook_url"`
	WebhookURL      string        `json:"webhook_url"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Breaker: BreakerConfig{
			FailureThreshold:         5,
			Timeout:                  30 * time.Second,
			HalfOpenMaxCalls:         3,
			VolumeThreshold:          10,
			ErrorThresholdPercentage: 50,
			MonitoringPeriod:         60 * time.Second,
			DefaultCallTimeout:       30 * time.Second,
			RecoverySweepInterval:    30 * time.Second,
		},
		Health: HealthConfig{
			SystemCheckInterval:     30 * time.Second,
			AgentCheckInterval:      60 * time.Second,
			ResourceCheckInterval:   30 * time.Second,
			DependencyCheckInterval: 120 * time.Second,
			CleanupInterval:         time.Hour,
			HistoryRetention:        7 * 24 * time.Hour,
			Thresholds: Thresholds{
				CPUWarning:           70,
				CPUCritical:          90,
				MemoryWarning:        80,
				MemoryCritical:       95,
				DiskWarning:          85,
				DiskCritical:         95,
				ResponseTimeWarning:  5000 * time.Millisecond,
				ResponseTimeCritical: 10000 * time.Millisecond,
				ErrorRateWarning:     5,
				ErrorRateCritical:    15,
				AvailabilityWarning:  95,
				AvailabilityCritical: 90,
			},
		},
		Degradation: DegradationConfig{
			MaxCacheSize:    1000,
			DefaultCacheTTL: 5 * time.Minute,
		},
		Alerting: AlertingConfig{
			Enabled:         true,
			RateLimit:       100,
			RateLimitWindow: time.Hour,
		},
	}
}

// Load builds the configuration from defaults, an optional JSON file
// (path from RELIABILITY_CONFIG_FILE or the argument), and environment
// variable overrides, in that order. A missing file is not an error.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		path = os.Getenv("RELIABILITY_CONFIG_FILE")
	}
	if path != "" {
		if err := loadFile(config, path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

func loadFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Fall back to documented defaults
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(config *Config) {
	config.Server.Host = getEnvString("SERVER_HOST", config.Server.Host)
	config.Server.Port = getEnvInt("SERVER_PORT", config.Server.Port)

	config.Logging.Level = getEnvString("LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnvString("LOG_FORMAT", config.Logging.Format)
	config.Logging.Output = getEnvString("LOG_OUTPUT", config.Logging.Output)

	config.Breaker.FailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", config.Breaker.FailureThreshold)
	config.Breaker.Timeout = getEnvDuration("BREAKER_TIMEOUT", config.Breaker.Timeout)
	config.Breaker.HalfOpenMaxCalls = getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", config.Breaker.HalfOpenMaxCalls)
	config.Breaker.DefaultCallTimeout = getEnvDuration("BREAKER_DEFAULT_CALL_TIMEOUT", config.Breaker.DefaultCallTimeout)

	config.Degradation.MaxCacheSize = getEnvInt("DEGRADATION_MAX_CACHE_SIZE", config.Degradation.MaxCacheSize)
	config.Degradation.DefaultCacheTTL = getEnvDuration("DEGRADATION_CACHE_TTL", config.Degradation.DefaultCacheTTL)

	config.Alerting.SlackWebhookURL = getEnvString("ALERT_SLACK_WEBHOOK_URL", config.Alerting.SlackWebhookURL)
	config.Alerting.WebhookURL = getEnvString("ALERT_WEBHOOK_URL", config.Alerting.WebhookURL)
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker half-open max calls must be positive, got %d", c.Breaker.HalfOpenMaxCalls)
	}
	if c.Breaker.ErrorThresholdPercentage <= 0 || c.Breaker.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("breaker error threshold percentage must be in (0, 100], got %v", c.Breaker.ErrorThresholdPercentage)
	}
	if c.Degradation.MaxCacheSize <= 0 {
		return fmt.Errorf("degradation max cache size must be positive, got %d", c.Degradation.MaxCacheSize)
	}
	if c.Health.HistoryRetention <= 0 {
		return fmt.Errorf("health history retention must be positive, got %s", c.Health.HistoryRetention)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
