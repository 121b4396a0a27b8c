package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/logger"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. DEVILCLOUD_SERVER_LISTEN for server.listen.
const EnvPrefix = "DEVILCLOUD"

// Config is the top-level TOML structure.
type Config struct {
	DataDir  string            `toml:"data_dir" mapstructure:"data_dir"`
	Env      []string          `toml:"env" mapstructure:"env"`
	EnvFiles []string          `toml:"env_files" mapstructure:"env_files"`
	Registry RegistryConfig    `toml:"registry" mapstructure:"registry"`
	Logs     LogsConfig        `toml:"logs" mapstructure:"logs"`
	Monitor  MonitorConfig     `toml:"monitor" mapstructure:"monitor"`
	Control  ControlConfig     `toml:"control" mapstructure:"control"`
	Limits   LimitsConfig      `toml:"limits" mapstructure:"limits"`
	Runtimes map[string]string `toml:"runtimes" mapstructure:"runtimes"`
	History  HistoryConfig     `toml:"history" mapstructure:"history"`
	Server   ServerConfig      `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Tracing  TracingConfig     `toml:"tracing" mapstructure:"tracing"`
	Log      LogConfig         `toml:"log" mapstructure:"log"`
}

type RegistryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// LogsConfig locates per-bot logs and controls their rotation.
type LogsConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MonitorConfig struct {
	Interval       time.Duration `toml:"interval" mapstructure:"interval"`
	ErrorBackoff   time.Duration `toml:"error_backoff" mapstructure:"error_backoff"`
	MaxRestarts    int           `toml:"max_restarts" mapstructure:"max_restarts"`
	Window         time.Duration `toml:"window" mapstructure:"window"`
	Cooldown       time.Duration `toml:"cooldown" mapstructure:"cooldown"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

type ControlConfig struct {
	StopGrace   time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	SettleDelay time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
}

// Limit caps what a single owner may hold.
type Limit struct {
	MaxProcesses int   `toml:"max_processes" mapstructure:"max_processes"`
	MaxStorageMB int64 `toml:"max_storage_mb" mapstructure:"max_storage_mb"`
}

// LimitsConfig holds the default limit and per-owner overrides.
// Owner keys are matched case-insensitively.
type LimitsConfig struct {
	MaxProcesses int              `toml:"max_processes" mapstructure:"max_processes"`
	MaxStorageMB int64            `toml:"max_storage_mb" mapstructure:"max_storage_mb"`
	Owners       map[string]Limit `toml:"owners" mapstructure:"owners"`
}

// For returns the effective limit of owner.
func (l LimitsConfig) For(owner string) Limit {
	out := Limit{MaxProcesses: l.MaxProcesses, MaxStorageMB: l.MaxStorageMB}
	if o, ok := l.Owners[strings.ToLower(owner)]; ok {
		if o.MaxProcesses > 0 {
			out.MaxProcesses = o.MaxProcesses
		}
		if o.MaxStorageMB > 0 {
			out.MaxStorageMB = o.MaxStorageMB
		}
	}
	return out
}

// HistoryConfig selects lifecycle event sinks. DSN and DSNs are combined.
type HistoryConfig struct {
	DSN  string   `toml:"dsn" mapstructure:"dsn"`
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// All returns every configured sink DSN, blanks and duplicates removed.
func (h HistoryConfig) All() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range append([]string{h.DSN}, h.DSNs...) {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

type ServerConfig struct {
	Listen      string    `toml:"listen" mapstructure:"listen"`
	BasePath    string    `toml:"base_path" mapstructure:"base_path"`
	UploadDir   string    `toml:"upload_dir" mapstructure:"upload_dir"`
	MaxUploadMB int64     `toml:"max_upload_mb" mapstructure:"max_upload_mb"`
	TLS         TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. Either CertFile/KeyFile or Dir
// (tls.crt, tls.key) must be set; AutoGenerate creates a self-signed pair in Dir.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
}

// TracingConfig enables OTLP/gRPC trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `toml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool    `toml:"insecure" mapstructure:"insecure"`
	ServiceName string  `toml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `toml:"sample_ratio" mapstructure:"sample_ratio"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// LogConfig configures the supervisor's own log output.
type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
	Color  bool   `toml:"color" mapstructure:"color"`
	File   string `toml:"file" mapstructure:"file"`
}

// setDefaults also registers every key with viper; AutomaticEnv only
// overrides keys viper knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("registry.dsn", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("logs.compress", false)
	v.SetDefault("logs.dir", "logs")
	v.SetDefault("logs.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("logs.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("logs.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.error_backoff", "10s")
	v.SetDefault("monitor.max_restarts", 5)
	v.SetDefault("monitor.window", "1m")
	v.SetDefault("monitor.cooldown", "5m")
	v.SetDefault("monitor.sample_interval", "15s")
	v.SetDefault("control.stop_grace", "5s")
	v.SetDefault("control.settle_delay", "1s")
	v.SetDefault("limits.max_processes", 10)
	v.SetDefault("limits.max_storage_mb", 500)
	v.SetDefault("runtimes.python", "python3")
	v.SetDefault("runtimes.php", "php")
	v.SetDefault("runtimes.node", "node")
	v.SetDefault("runtimes.shell", "bash")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.upload_dir", "")
	v.SetDefault("server.max_upload_mb", 100)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.service_name", "devilcloud")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
}

// Load reads the TOML file at path. An empty path yields defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Registry.DSN == "" {
		c.Registry.DSN = filepath.Join(c.DataDir, "bots.json")
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = filepath.Join(c.DataDir, "uploads")
	}
	if t := &c.Server.TLS; t.Enabled && t.CertFile == "" && t.Dir == "" {
		t.Dir = filepath.Join(c.DataDir, "tls")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects negative durations and limits.
func (c *Config) Validate() error {
	var errs []error
	durations := map[string]time.Duration{
		"monitor.interval":        c.Monitor.Interval,
		"monitor.error_backoff":   c.Monitor.ErrorBackoff,
		"monitor.window":          c.Monitor.Window,
		"monitor.cooldown":        c.Monitor.Cooldown,
		"monitor.sample_interval": c.Monitor.SampleInterval,
		"control.stop_grace":      c.Control.StopGrace,
		"control.settle_delay":    c.Control.SettleDelay,
	}
	for k, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", k))
		}
	}
	if c.Monitor.MaxRestarts < 0 {
		errs = append(errs, errors.New("monitor.max_restarts must not be negative"))
	}
	if c.Limits.MaxProcesses < 0 || c.Limits.MaxStorageMB < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	for owner, l := range c.Limits.Owners {
		if l.MaxProcesses < 0 || l.MaxStorageMB < 0 {
			errs = append(errs, fmt.Errorf("limits.owners.%s must not be negative", owner))
		}
	}
	if c.Server.MaxUploadMB < 0 {
		errs = append(errs, errors.New("server.max_upload_mb must not be negative"))
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	if strings.TrimSpace(c.Logs.Dir) == "" {
		errs = append(errs, errors.New("logs.dir is required"))
	}
	return errors.Join(errs...)
}

// LoggerConfig maps the log sections to the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{Level: c.Log.Level, Format: c.Log.Format, Color: c.Log.Color},
		File: logger.FileConfig{
			Dir:        c.Logs.Dir,
			Path:       c.Log.File,
			MaxSizeMB:  c.Logs.MaxSizeMB,
			MaxBackups: c.Logs.MaxBackups,
			MaxAgeDays: c.Logs.MaxAgeDays,
			Compress:   c.Logs.Compress,
		},
	}
}

// GlobalEnv returns the variables handed to every bot: env_files in order,
// then the env list, later entries winning.
func (c *Config) GlobalEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m, nil
}

// loadEnvFile parses KEY=VALUE lines; blank lines and # comments are skipped.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if k, v, ok := strings.Cut(line, "="); ok {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			m[k] = strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	return m, nil
}
