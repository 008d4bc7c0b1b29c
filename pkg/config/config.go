package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for both warden binaries. The agent
// reads LogLevel, Agent and Monitors; the collector reads LogLevel and
// Collector. Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Collector CollectorConfig `mapstructure:"collector"`
	Monitors  []MonitorConfig `mapstructure:"monitors"`
}

// AgentConfig holds the agent-wide settings shared by every monitor.
type AgentConfig struct {
	ServerURL       string `mapstructure:"server_url"`
	CACertPath      string `mapstructure:"ca_cert_path"`
	CredentialsPath string `mapstructure:"credentials_path"`
	StateDir        string `mapstructure:"state_dir"`
	SpoolDir        string `mapstructure:"spool_dir"`
	RequestTimeout  string `mapstructure:"request_timeout"`
}

// CollectorConfig holds the collector server settings.
type CollectorConfig struct {
	ListenAddr           string `mapstructure:"listen_addr"`
	DBPath               string `mapstructure:"db_path"`
	TLSCertPath          string `mapstructure:"tls_cert_path"`
	TLSKeyPath           string `mapstructure:"tls_key_path"`
	JWTSecret            string `mapstructure:"jwt_secret"`
	OperatorUser         string `mapstructure:"operator_user"`
	OperatorPasswordHash string `mapstructure:"operator_password_hash"`
}

// MonitorConfig defines the configuration for a single monitor: its name,
// whether it is enabled, its run interval and an opaque per-monitor block
// decoded by monitors implementing scheduler.ConfigurableMonitor.
type MonitorConfig struct {
	Name     string                 `mapstructure:"name"`
	Enabled  bool                   `mapstructure:"enabled"`
	Interval string                 `mapstructure:"interval"`
	Config   map[string]interface{} `mapstructure:"config"`
}

// GetMonitorConfig returns the configuration block for a named monitor, or
// nil if the monitor is not configured.
func (c *Config) GetMonitorConfig(name string) *MonitorConfig {
	for i := range c.Monitors {
		if c.Monitors[i].Name == name {
			return &c.Monitors[i]
		}
	}
	return nil
}

// LoadConfig reads configuration from config.yaml and environment variables.
// Viper searches the working directory and /etc/warden/, applies defaults and
// allows WARDEN_-prefixed environment overrides.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/warden/")

	v.SetDefault("log_level", "info")
	v.SetDefault("agent.credentials_path", "/etc/warden/agent.json")
	v.SetDefault("agent.state_dir", "/var/lib/warden")
	v.SetDefault("agent.spool_dir", "/var/lib/warden/spool")
	v.SetDefault("agent.request_timeout", "15s")
	v.SetDefault("collector.listen_addr", ":8443")
	v.SetDefault("collector.db_path", "/var/lib/warden/collector.db")
	v.SetDefault("collector.operator_user", "admin")

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
