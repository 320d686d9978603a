// Package config loads scanner settings from defaults, an optional YAML
// file, a .env file and the process environment.
package config

import (
	stderrors "errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/exploopio/surface/pkg/errors"
)

// Settings is the complete scanner configuration.
type Settings struct {
	Redis  RedisConfig  `mapstructure:"redis" yaml:"redis"`
	Scan   ScanConfig   `mapstructure:"scan" yaml:"scan"`
	HTTP   HTTPConfig   `mapstructure:"http" yaml:"http"`
	Ports  PortsConfig  `mapstructure:"ports" yaml:"ports"`
	DNS    DNSConfig    `mapstructure:"dns" yaml:"dns"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Guard  GuardConfig  `mapstructure:"guard" yaml:"guard"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`
}

// RedisConfig locates the task broker.
type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ScanConfig bounds scan execution.
type ScanConfig struct {
	// Timeout is the per-module time budget in seconds
	Timeout       int `mapstructure:"timeout" yaml:"timeout"`
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// HTTPConfig configures the probe HTTP client.
type HTTPConfig struct {
	Timeout      int     `mapstructure:"timeout" yaml:"timeout"`
	UserAgent    string  `mapstructure:"user_agent" yaml:"user_agent"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
}

// PortsConfig configures the port scanner.
type PortsConfig struct {
	TopPorts int `mapstructure:"top_ports" yaml:"top_ports"`
}

// DNSConfig configures DNS probes and target resolution.
type DNSConfig struct {
	Resolvers []string `mapstructure:"resolvers" yaml:"resolvers"`
	Timeout   int      `mapstructure:"timeout" yaml:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Output     string `mapstructure:"output" yaml:"output"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	Caller     bool   `mapstructure:"caller" yaml:"caller"`
}

// GuardConfig configures the target guard.
type GuardConfig struct {
	BlockedCIDRs []string `mapstructure:"blocked_cidrs" yaml:"blocked_cidrs"`
	FailClosed   bool     `mapstructure:"fail_closed" yaml:"fail_closed"`
}

// ServerConfig configures the worker's health endpoints.
type ServerConfig struct {
	HealthAddr string `mapstructure:"health_addr" yaml:"health_addr"`
	GRPCAddr   string `mapstructure:"grpc_addr" yaml:"grpc_addr"`
}

// WorkerConfig names the broker channels.
type WorkerConfig struct {
	TasksChannel   string `mapstructure:"tasks_channel" yaml:"tasks_channel"`
	ResultsChannel string `mapstructure:"results_channel" yaml:"results_channel"`
	// DrainTimeout is how long Stop waits for in-flight scans, in seconds
	DrainTimeout int `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// ModuleTimeout returns the per-module time budget.
func (s *Settings) ModuleTimeout() time.Duration {
	return time.Duration(s.Scan.Timeout) * time.Second
}

// HTTPTimeout returns the probe request timeout.
func (s *Settings) HTTPTimeout() time.Duration {
	return time.Duration(s.HTTP.Timeout) * time.Second
}

// DNSTimeout returns the DNS query timeout.
func (s *Settings) DNSTimeout() time.Duration {
	return time.Duration(s.DNS.Timeout) * time.Second
}

// DrainTimeout returns how long the worker waits for in-flight scans on stop.
func (s *Settings) DrainTimeout() time.Duration {
	return time.Duration(s.Worker.DrainTimeout) * time.Second
}

// envBindings maps configuration keys to their environment variables.
var envBindings = map[string]string{
	"redis.url":              "REDIS_URL",
	"scan.timeout":           "SCAN_TIMEOUT",
	"scan.max_concurrent":    "MAX_CONCURRENT_SCANS",
	"http.rate_limit_rps":    "RATE_LIMIT_RPS",
	"http.timeout":           "HTTP_TIMEOUT",
	"http.user_agent":        "HTTP_USER_AGENT",
	"ports.top_ports":        "NMAP_TOP_PORTS",
	"dns.resolvers":          "DNS_RESOLVERS",
	"dns.timeout":            "DNS_TIMEOUT",
	"log.level":              "LOG_LEVEL",
	"log.format":             "LOG_FORMAT",
	"log.output":             "LOG_OUTPUT",
	"log.file_path":          "LOG_FILE_PATH",
	"guard.blocked_cidrs":    "BLOCKED_CIDRS",
	"guard.fail_closed":      "GUARD_FAIL_CLOSED",
	"server.health_addr":     "HEALTH_ADDR",
	"server.grpc_addr":       "GRPC_ADDR",
	"worker.tasks_channel":   "TASKS_CHANNEL",
	"worker.results_channel": "RESULTS_CHANNEL",
	"worker.drain_timeout":   "DRAIN_TIMEOUT",
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("scan.timeout", 3600)
	v.SetDefault("scan.max_concurrent", 5)

	v.SetDefault("http.timeout", 10)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (compatible; SurfaceScanner/1.0)")
	v.SetDefault("http.rate_limit_rps", 10)

	v.SetDefault("ports.top_ports", 1000)

	v.SetDefault("dns.resolvers", []string{"8.8.8.8", "1.1.1.1"})
	v.SetDefault("dns.timeout", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.file_path", "./logs/surface.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.caller", false)

	v.SetDefault("guard.blocked_cidrs", []string{})
	v.SetDefault("guard.fail_closed", true)

	v.SetDefault("server.health_addr", ":8080")
	v.SetDefault("server.grpc_addr", "")

	v.SetDefault("worker.tasks_channel", "scanner:tasks")
	v.SetDefault("worker.results_channel", "scanner:results")
	v.SetDefault("worker.drain_timeout", 30)
}

// Loader reads Settings. Use Viper to bind command line flags before Load.
type Loader struct {
	// ConfigFile is an explicit YAML file. When empty, config.yaml in the
	// working directory is used if present.
	ConfigFile string

	// EnvFile is loaded into the environment before it is read. Variables
	// already set are not overridden. A missing file is not an error.
	EnvFile string

	v *viper.Viper
}

// NewLoader creates a loader with defaults registered.
func NewLoader(configFile string) *Loader {
	v := viper.New()
	SetDefaults(v)
	return &Loader{ConfigFile: configFile, EnvFile: ".env", v: v}
}

// Viper returns the underlying viper instance.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads and validates the settings.
func (l *Loader) Load() (*Settings, error) {
	if l.EnvFile != "" {
		if err := godotenv.Load(l.EnvFile); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.E(errors.KindConfig, "config.Load", "failed to load env file", err)
		}
	}

	for key, env := range envBindings {
		if err := l.v.BindEnv(key, env); err != nil {
			return nil, errors.E(errors.KindConfig, "config.Load", "failed to bind "+env, err)
		}
	}

	l.v.SetConfigType("yaml")
	if l.ConfigFile != "" {
		l.v.SetConfigFile(l.ConfigFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, errors.E(errors.KindConfig, "config.Load", "failed to read config file", err)
		}
	} else {
		l.v.SetConfigName("config")
		l.v.AddConfigPath(".")
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return nil, errors.E(errors.KindConfig, "config.Load", "failed to read config file", err)
			}
		}
	}

	var s Settings
	if err := l.v.Unmarshal(&s); err != nil {
		return nil, errors.E(errors.KindConfig, "config.Load", "failed to decode settings", err)
	}
	s.DNS.Resolvers = splitList(s.DNS.Resolvers)
	s.Guard.BlockedCIDRs = splitList(s.Guard.BlockedCIDRs)

	if err := s.Validate(); err != nil {
		return nil, errors.E(errors.KindConfig, "config.Load", err)
	}
	return &s, nil
}

// ConfigFileUsed returns the config file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load reads settings with the default loader.
func Load(configFile string) (*Settings, error) {
	return NewLoader(configFile).Load()
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	v := NewValidator()
	v.URL("redis.url", s.Redis.URL)
	v.Min("scan.timeout", s.Scan.Timeout, 1)
	v.Min("scan.max_concurrent", s.Scan.MaxConcurrent, 1)
	v.Max("scan.max_concurrent", s.Scan.MaxConcurrent, 100)
	v.Min("http.timeout", s.HTTP.Timeout, 1)
	v.Custom("http.rate_limit_rps", func() bool { return s.HTTP.RateLimitRPS >= 0 }, "must not be negative")
	v.Min("ports.top_ports", s.Ports.TopPorts, 1)
	v.Max("ports.top_ports", s.Ports.TopPorts, 65535)
	v.IPs("dns.resolvers", s.DNS.Resolvers)
	v.Min("dns.timeout", s.DNS.Timeout, 1)
	v.OneOf("log.level", strings.ToLower(s.Log.Level), []string{"trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"})
	v.OneOf("log.format", strings.ToLower(s.Log.Format), []string{"text", "json"})
	v.OneOf("log.output", strings.ToLower(s.Log.Output), []string{"stdout", "stderr", "file"})
	if strings.EqualFold(s.Log.Output, "file") {
		v.Required("log.file_path", s.Log.FilePath)
	}
	v.CIDRs("guard.blocked_cidrs", s.Guard.BlockedCIDRs)
	v.HostPort("server.health_addr", s.Server.HealthAddr)
	v.HostPort("server.grpc_addr", s.Server.GRPCAddr)
	v.Required("worker.tasks_channel", s.Worker.TasksChannel)
	v.Required("worker.results_channel", s.Worker.ResultsChannel)
	return v.Validate()
}

// splitList flattens comma-separated entries, as produced by environment
// variables such as BLOCKED_CIDRS="10.0.0.0/8,127.0.0.0/8".
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
