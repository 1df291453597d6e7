package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
)

// Storage drivers
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// EnvPrefix prefixes environment overrides, e.g. EVALRECORDER_SERVER_PORT.
const EnvPrefix = "EVALRECORDER"

// Config represents the recorder configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Export     ExportConfig     `mapstructure:"export" yaml:"export"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Recorder   RecorderConfig   `mapstructure:"recorder" yaml:"recorder"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig selects where conversations are kept
type StorageConfig struct {
	Driver           string `mapstructure:"driver" yaml:"driver"`
	ConversationsDir string `mapstructure:"conversations_dir" yaml:"conversations_dir"`
	SavedDir         string `mapstructure:"saved_dir" yaml:"saved_dir"`
	DSN              string `mapstructure:"dsn" yaml:"dsn,omitempty"`
}

// ExportConfig holds the session input written into eval cases
type ExportConfig struct {
	AppName string `mapstructure:"app_name" yaml:"app_name"`
	UserID  string `mapstructure:"user_id" yaml:"user_id"`
}

// LogConfig controls the zap backend
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// ClassifierConfig holds the markers of disguised thinking steps
type ClassifierConfig struct {
	ThinkingToolName string `mapstructure:"thinking_tool_name" yaml:"thinking_tool_name"`
	ThinkingIDMarker string `mapstructure:"thinking_id_marker" yaml:"thinking_id_marker"`
}

// RecorderConfig holds per-session recorder settings
type RecorderConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:           DriverFile,
			ConversationsDir: "conversations",
			SavedDir:         "conversations_saved",
		},
		Export: ExportConfig{
			AppName: "agent_ui",
			UserID:  "user",
		},
		Log: LogConfig{
			Level: "info",
		},
		Classifier: ClassifierConfig{
			ThinkingToolName: "thinking_step",
			ThinkingIDMarker: "thinking",
		},
		Recorder: RecorderConfig{
			BufferSize: 50,
		},
	}
}

// SetDefaults fills zero values from DefaultConfig
func (c *Config) SetDefaults() {
	d := DefaultConfig()

	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.ConversationsDir == "" {
		c.Storage.ConversationsDir = d.Storage.ConversationsDir
	}
	if c.Storage.SavedDir == "" {
		c.Storage.SavedDir = d.Storage.SavedDir
	}

	if c.Export.AppName == "" {
		c.Export.AppName = d.Export.AppName
	}
	if c.Export.UserID == "" {
		c.Export.UserID = d.Export.UserID
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}

	if c.Classifier.ThinkingToolName == "" {
		c.Classifier.ThinkingToolName = d.Classifier.ThinkingToolName
	}
	if c.Classifier.ThinkingIDMarker == "" {
		c.Classifier.ThinkingIDMarker = d.Classifier.ThinkingIDMarker
	}

	if c.Recorder.BufferSize <= 0 {
		c.Recorder.BufferSize = d.Recorder.BufferSize
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}

	switch c.Storage.Driver {
	case DriverFile:
		if c.Storage.ConversationsDir == c.Storage.SavedDir {
			return invalid("storage.conversations_dir and storage.saved_dir must differ")
		}
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return invalid("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		return invalid("unknown storage.driver %q", c.Storage.Driver)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("unknown log.level %q", c.Log.Level)
	}

	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func invalid(format string, args ...any) error {
	return apperrors.New(apperrors.ErrCodeConfig, fmt.Sprintf(format, args...), nil)
}

// NewViper creates a viper instance seeded with the defaults and bound to
// EVALRECORDER_* environment variables. configFile may be empty, in which
// case ./evalrecorder.yaml is read when present.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setViperDefaults(v, DefaultConfig())

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to read config file", err)
		}
		return v, nil
	}

	v.SetConfigName("evalrecorder")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to read config file", err)
		}
	}
	return v, nil
}

func setViperDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.conversations_dir", d.Storage.ConversationsDir)
	v.SetDefault("storage.saved_dir", d.Storage.SavedDir)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("export.app_name", d.Export.AppName)
	v.SetDefault("export.user_id", d.Export.UserID)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("classifier.thinking_tool_name", d.Classifier.ThinkingToolName)
	v.SetDefault("classifier.thinking_id_marker", d.Classifier.ThinkingIDMarker)
	v.SetDefault("recorder.buffer_size", d.Recorder.BufferSize)
}

// Load decodes v into a Config, applies defaults and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to decode config", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeConfig, "failed to marshal config", err)
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return apperrors.New(apperrors.ErrCodeFileOperation, "failed to write config file", err)
	}

	return nil
}
