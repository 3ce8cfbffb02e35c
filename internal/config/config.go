package config

import (
	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/relaydist/relay/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logger    logger.Config   `yaml:"logger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Auth      AuthConfig      `yaml:"auth"`
	Platforms []TargetConfig  `yaml:"platforms"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SweepInterval string `yaml:"sweep_interval"`
	StatsInterval string `yaml:"stats_interval"`
}

type ExecutorConfig struct {
	DefaultMaxRetries int    `yaml:"default_max_retries"`
	DefaultRetryDelay string `yaml:"default_retry_delay"`
	PublishTimeout    string `yaml:"publish_timeout"`
}

type TriggerConfig struct {
	URL        string `yaml:"url"`
	StreamName string `yaml:"stream_name"`
}

type AuthConfig struct {
	TOTPSecret string `yaml:"totp_secret"`
}

// TargetConfig holds one publishing target registered at startup.
type TargetConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Enabled  bool              `yaml:"enabled"`
	Settings map[string]string `yaml:"settings"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	// Set default values
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5380
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Scheduler.SweepInterval == "" {
		cfg.Scheduler.SweepInterval = "30s"
	}
	if cfg.Scheduler.StatsInterval == "" {
		cfg.Scheduler.StatsInterval = "5m"
	}
	if !cfg.Scheduler.Enabled {
		cfg.Scheduler.Enabled = true
	}
	if cfg.Executor.DefaultMaxRetries == 0 {
		cfg.Executor.DefaultMaxRetries = 3
	}
	if cfg.Executor.DefaultRetryDelay == "" {
		cfg.Executor.DefaultRetryDelay = "5m"
	}
	if cfg.Executor.PublishTimeout == "" {
		cfg.Executor.PublishTimeout = "60s"
	}
	if cfg.Trigger.StreamName == "" {
		cfg.Trigger.StreamName = "RELAY"
	}

	return cfg, nil
}
