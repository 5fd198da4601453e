// Package config loads daemon settings and resolves per-run mirror options.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config is the daemon configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Libvirt LibvirtConfig `mapstructure:"libvirt"`
	Storage StorageConfig `mapstructure:"storage"`
	MinIO   MinIOConfig   `mapstructure:"minio"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Logging LoggingConfig `mapstructure:"logging"`

	// mirror holds the file-level defaults for Options.
	mirror map[string]any
	// images holds overrides scoped by target image name.
	images map[string]map[string]any
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	// TLS is disabled when no certificate is configured.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// AuthConfig locates API tokens and the client CA bundle.
type AuthConfig struct {
	ClientCACert  string `mapstructure:"client_ca_cert"`
	APITokensFile string `mapstructure:"api_tokens_file"`
}

// LibvirtConfig controls the hypervisor connection.
type LibvirtConfig struct {
	URI string `mapstructure:"uri"`
	// Events enables block job event delivery. Without it steady state and
	// cutover are judged from job status and disk lookups only.
	Events bool `mapstructure:"events"`
}

// StorageConfig locates the run journal.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// MinIOConfig is used to fetch seed images.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Enabled reports whether credentials were supplied.
func (m MinIOConfig) Enabled() bool {
	return m.AccessKey != "" && m.SecretKey != ""
}

// JobsConfig bounds concurrent runs.
type JobsConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// RunTimeoutMinutes caps a whole run, cleanup excluded.
	RunTimeoutMinutes int `mapstructure:"run_timeout_minutes"`
	RetainCompleted   int `mapstructure:"retain_completed"`
}

// RunTimeout returns the per-run deadline.
func (j JobsConfig) RunTimeout() time.Duration {
	return time.Duration(j.RunTimeoutMinutes) * time.Minute
}

// RetryConfig tunes retries of host storage commands.
type RetryConfig struct {
	Attempts  string `mapstructure:"attempts"`
	BackoffMS string `mapstructure:"backoff_ms"`
}

// LoggingConfig controls logrus.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers daemon defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")

	v.SetDefault("auth.client_ca_cert", "/etc/ssl/certs/client-ca.pem")
	v.SetDefault("auth.api_tokens_file", "/etc/libvirt-mirror-orchestrator/api-tokens")

	v.SetDefault("libvirt.uri", "qemu:///system")
	v.SetDefault("libvirt.events", true)

	v.SetDefault("storage.db_path", "/var/lib/libvirt-mirror-orchestrator/runs.db")

	v.SetDefault("minio.endpoint", "https://minio.golder.lan")

	v.SetDefault("jobs.max_concurrent", 2)
	v.SetDefault("jobs.run_timeout_minutes", 120)
	v.SetDefault("jobs.retain_completed", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configFile (or searches the default locations when empty) and
// the MIRROR_* environment.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("mirrord")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/libvirt-mirror-orchestrator")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The MinIO SDK's conventional variable names are honoured as well.
	_ = v.BindEnv("minio.endpoint", "MIRROR_MINIO_ENDPOINT", "MINIO_ENDPOINT")
	_ = v.BindEnv("minio.access_key", "MIRROR_MINIO_ACCESS_KEY", "MINIO_ACCESS_KEY", "MINIO_ACCESS_KEY_ID")
	_ = v.BindEnv("minio.secret_key", "MIRROR_MINIO_SECRET_KEY", "MINIO_SECRET_KEY", "MINIO_SECRET_ACCESS_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logrus.Debug("No config file found, using defaults")
	}

	return FromViper(v)
}

// FromViper decodes an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.mirror = v.GetStringMap("mirror")
	cfg.images = make(map[string]map[string]any)
	for name, raw := range v.GetStringMap("images") {
		scoped, err := cast.ToStringMapE(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid overrides for image %s: %w", name, err)
		}
		cfg.images[strings.ToLower(name)] = scoped
	}

	if cfg.Jobs.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("jobs.max_concurrent must be positive, got %d", cfg.Jobs.MaxConcurrent)
	}

	return cfg, nil
}

// ConfigureLogging applies the logging section to the global logrus logger.
func ConfigureLogging(cfg LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return nil
}
