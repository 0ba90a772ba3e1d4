// Package config provides configuration management for the orchestrator core.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	NATS           NATSConfig           `mapstructure:"nats"`
	Docker         DockerConfig         `mapstructure:"docker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Workflow       WorkflowConfig       `mapstructure:"workflow"`
	Pool           PoolConfig           `mapstructure:"pool"`
	Router         RouterConfig         `mapstructure:"router"`
	Recovery       RecoveryConfig       `mapstructure:"recovery"`
	Checkpoint     CheckpointConfig     `mapstructure:"checkpoint"`
	ContextMonitor ContextMonitorConfig `mapstructure:"contextMonitor"`
}

// ServerConfig holds HTTP/WebSocket control-plane configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// DatabaseConfig holds the StorageAdapter backend configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "memory" | "sqlite" | "postgres"
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds Router transport configuration. An empty URL means the
// Router uses its in-process transport instead of NATS.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds the reference ProcessRuntime's Docker client configuration.
type DockerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"apiVersion"`
	Image       string `mapstructure:"image"`
	NetworkMode string `mapstructure:"networkMode"`
	MemoryMB    int64  `mapstructure:"memoryMb"`
	CPUQuota    int64  `mapstructure:"cpuQuota"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkflowConfig configures the Workflow State Machine's persistence.
type WorkflowConfig struct {
	PersistenceEnabled bool `mapstructure:"persistenceEnabled"`
}

// PoolConfig configures the Agent Pool Manager and its collocated health monitor.
type PoolConfig struct {
	MaxConcurrentAgents     int   `mapstructure:"maxConcurrentAgents"`
	CheckIntervalMs         int   `mapstructure:"checkIntervalMs"`
	PingTimeoutMs           int   `mapstructure:"pingTimeoutMs"`
	FailureThreshold        int   `mapstructure:"failureThreshold"`
	RecoveryThreshold       int   `mapstructure:"recoveryThreshold"`
	UnresponsiveThresholdMs int64 `mapstructure:"unresponsiveThresholdMs"`
	AutoRestart             bool  `mapstructure:"autoRestart"`
	MaxRestartAttempts      int   `mapstructure:"maxRestartAttempts"`
	RestartCooldownMs       int64 `mapstructure:"restartCooldownMs"`
}

// RouterConfig configures the Message Router's queue and RPC defaults.
type RouterConfig struct {
	MaxQueueSize             int   `mapstructure:"maxQueueSize"`
	QueueProcessingIntervalMs int  `mapstructure:"queueProcessingIntervalMs"`
	MaxRetryCount            int   `mapstructure:"maxRetryCount"`
	DefaultRequestTimeoutMs  int   `mapstructure:"defaultRequestTimeoutMs"`
	MaxIPCMessageSize        int64 `mapstructure:"maxIPCMessageSize"`
	MessageLogSize           int   `mapstructure:"messageLogSize"`
}

// RecoveryConfig configures the Error Recovery Manager's circuit breakers
// and fallback behaviour.
type RecoveryConfig struct {
	Enabled                   bool  `mapstructure:"enabled"`
	EnableFallbacks           bool  `mapstructure:"enableFallbacks"`
	EnableGracefulDegradation bool  `mapstructure:"enableGracefulDegradation"`
	FailureThreshold          int   `mapstructure:"failureThreshold"`
	FailureWindowMs           int64 `mapstructure:"failureWindowMs"`
	ResetTimeoutMs            int64 `mapstructure:"resetTimeoutMs"`
	SuccessThreshold          int   `mapstructure:"successThreshold"`
}

// CheckpointConfig configures the Checkpoint subsystem and its bridge to the WSM.
type CheckpointConfig struct {
	AutoCheckpoint        bool     `mapstructure:"autoCheckpoint"`
	AutoCheckpointStates  []string `mapstructure:"autoCheckpointStates"`
	MaxCheckpointsPerSession int   `mapstructure:"maxCheckpointsPerSession"`
}

// ContextMonitorConfig configures the Context Window Monitor's budget and thresholds.
type ContextMonitorConfig struct {
	MaxTokens          int     `mapstructure:"maxTokens"`
	WarningThreshold   float64 `mapstructure:"warningThreshold"`
	HighThreshold      float64 `mapstructure:"highThreshold"`
	CriticalThreshold  float64 `mapstructure:"criticalThreshold"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" under Kubernetes or an explicit
// production environment, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCHESTRATOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "./orchestrator.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchestrator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orchestrator-core")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "orchestrator/agent-runtime:latest")
	v.SetDefault("docker.networkMode", "bridge")
	v.SetDefault("docker.memoryMb", 1024)
	v.SetDefault("docker.cpuQuota", 100000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("workflow.persistenceEnabled", true)

	v.SetDefault("pool.maxConcurrentAgents", 5)
	v.SetDefault("pool.checkIntervalMs", 10000)
	v.SetDefault("pool.pingTimeoutMs", 5000)
	v.SetDefault("pool.failureThreshold", 3)
	v.SetDefault("pool.recoveryThreshold", 2)
	v.SetDefault("pool.unresponsiveThresholdMs", 60000)
	v.SetDefault("pool.autoRestart", true)
	v.SetDefault("pool.maxRestartAttempts", 3)
	v.SetDefault("pool.restartCooldownMs", 5000)

	v.SetDefault("router.maxQueueSize", 1000)
	v.SetDefault("router.queueProcessingIntervalMs", 100)
	v.SetDefault("router.maxRetryCount", 3)
	v.SetDefault("router.defaultRequestTimeoutMs", 30000)
	v.SetDefault("router.maxIPCMessageSize", 1048576)
	v.SetDefault("router.messageLogSize", 100)

	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.enableFallbacks", true)
	v.SetDefault("recovery.enableGracefulDegradation", true)
	v.SetDefault("recovery.failureThreshold", 5)
	v.SetDefault("recovery.failureWindowMs", 60000)
	v.SetDefault("recovery.resetTimeoutMs", 30000)
	v.SetDefault("recovery.successThreshold", 2)

	v.SetDefault("checkpoint.autoCheckpoint", true)
	v.SetDefault("checkpoint.autoCheckpointStates", []string{
		"PLAN_REVIEW", "CODE_REVIEW", "TESTING", "COMPLETED",
	})
	v.SetDefault("checkpoint.maxCheckpointsPerSession", 50)

	v.SetDefault("contextMonitor.maxTokens", 128000)
	v.SetDefault("contextMonitor.warningThreshold", 0.60)
	v.SetDefault("contextMonitor.highThreshold", 0.80)
	v.SetDefault("contextMonitor.criticalThreshold", 0.90)
}

func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix ORCHESTRATOR_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Pool.MaxConcurrentAgents <= 0 {
		errs = append(errs, "pool.maxConcurrentAgents must be positive")
	}
	if cfg.Router.MaxQueueSize <= 0 {
		errs = append(errs, "router.maxQueueSize must be positive")
	}
	if cfg.ContextMonitor.MaxTokens <= 0 {
		errs = append(errs, "contextMonitor.maxTokens must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
