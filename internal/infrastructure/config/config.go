package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Auth modes selecting which credential backend is active.
// Fixed at startup; never mutated at runtime.
const (
	// AuthModeDynamicSecurity uses the broker's dynamic-security control plane.
	AuthModeDynamicSecurity = "dynamic_security"

	// AuthModePasswordFile uses a flat password file plus broker reload signals.
	AuthModePasswordFile = "password_file"
)

// Config is the root configuration structure for credsync.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Control   ControlConfig   `yaml:"control"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MQTTConfig contains MQTT broker connection settings.
// The configured credentials must belong to a privileged administrative
// identity with access to the dynamic-security control topics.
type MQTTConfig struct {
	Broker MQTTBrokerConfig `yaml:"broker"`
	Auth   MQTTAuthConfig   `yaml:"auth"`
	QoS    int              `yaml:"qos"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DatabaseConfig contains SQLite database settings.
// The database is owned by the fleet-management service; credsync only reads
// the device roster from it.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// AuthConfig selects and configures the credential backend.
type AuthConfig struct {
	// Mode is either "dynamic_security" or "password_file".
	Mode string `yaml:"mode"`

	// DeviceRole is the single role assigned to every device credential
	// created through the dynamic-security backend.
	DeviceRole string `yaml:"device_role"`

	// PasswordFile configures the legacy flat-file backend.
	PasswordFile PasswordFileConfig `yaml:"password_file"`
}

// PasswordFileConfig contains settings for the legacy password-file backend.
type PasswordFileConfig struct {
	// Path is the broker's password file.
	Path string `yaml:"path"`

	// PasswdBinary is the path to the mosquitto_passwd utility.
	PasswdBinary string `yaml:"passwd_binary"`

	// ReloadCommand is executed (via the shell) to make the broker re-read
	// the password file, e.g. "pkill -HUP mosquitto".
	ReloadCommand string `yaml:"reload_command"`

	// DebounceSeconds is the quiet window before a reload actually fires.
	// Repeated credential writes within the window coalesce into one reload.
	DebounceSeconds int `yaml:"debounce_seconds"`
}

// ControlConfig contains dynamic-security control-channel settings.
type ControlConfig struct {
	// CommandTopic is where administrative commands are published.
	CommandTopic string `yaml:"command_topic"`

	// ResponseTopic is where the broker publishes command responses.
	ResponseTopic string `yaml:"response_topic"`

	// CommandTimeoutSeconds bounds how long a single command waits for its
	// response before failing.
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
}

// ReconcileConfig contains reconciliation and rebuild settings.
type ReconcileConfig struct {
	// SystemAccounts are broker usernames that are never device credentials
	// (the admin identity, bridge services, monitoring). They are excluded
	// from drift classification.
	SystemAccounts []string `yaml:"system_accounts"`

	// OpDelayMillis is the pause between per-device broker operations during
	// batch runs, as courtesy to the broker's control channel.
	OpDelayMillis int `yaml:"op_delay_millis"`
}

// InfluxDBConfig contains settings for the optional provisioning audit trail.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CREDSYNC_SECTION_KEY
// For example: CREDSYNC_DATABASE_PATH, CREDSYNC_MQTT_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "credsync",
			},
			QoS: 1,
		},
		Database: DatabaseConfig{
			Path:        "./data/fleet.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Auth: AuthConfig{
			Mode:       AuthModeDynamicSecurity,
			DeviceRole: "device",
			PasswordFile: PasswordFileConfig{
				Path:            "/etc/mosquitto/passwd",
				PasswdBinary:    "mosquitto_passwd",
				ReloadCommand:   "pkill -HUP mosquitto",
				DebounceSeconds: 2,
			},
		},
		Control: ControlConfig{
			CommandTopic:          "$CONTROL/dynamic-security/v1",
			ResponseTopic:         "$CONTROL/dynamic-security/v1/response",
			CommandTimeoutSeconds: 10,
		},
		Reconcile: ReconcileConfig{
			SystemAccounts: []string{"admin"},
			OpDelayMillis:  100,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CREDSYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("CREDSYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("CREDSYNC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CREDSYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CREDSYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Auth mode
	if v := os.Getenv("CREDSYNC_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}

	// InfluxDB
	if v := os.Getenv("CREDSYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port <= 0 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch c.Auth.Mode {
	case AuthModeDynamicSecurity:
		if c.Auth.DeviceRole == "" {
			errs = append(errs, "auth.device_role is required in dynamic_security mode")
		}
		if c.Control.CommandTopic == "" {
			errs = append(errs, "control.command_topic is required in dynamic_security mode")
		}
		if c.Control.ResponseTopic == "" {
			errs = append(errs, "control.response_topic is required in dynamic_security mode")
		}
	case AuthModePasswordFile:
		if c.Auth.PasswordFile.Path == "" {
			errs = append(errs, "auth.password_file.path is required in password_file mode")
		}
		if c.Auth.PasswordFile.PasswdBinary == "" {
			errs = append(errs, "auth.password_file.passwd_binary is required in password_file mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.mode must be %q or %q", AuthModeDynamicSecurity, AuthModePasswordFile))
	}

	if c.Control.CommandTimeoutSeconds <= 0 {
		errs = append(errs, "control.command_timeout_seconds must be positive")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}
