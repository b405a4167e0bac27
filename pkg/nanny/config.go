package nanny

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a nanny cluster supervisor.
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool"`
	Balancer BalancerConfig `mapstructure:"balancer"`
	Health   HealthConfig   `mapstructure:"health"`
	Socket   SocketConfig   `mapstructure:"socket"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// PoolConfig defines the fixed worker fleet.
type PoolConfig struct {
	WorkerCount int           `mapstructure:"worker_count"`
	LogicalIds  []string      `mapstructure:"logical_ids"`
	GraceWindow time.Duration `mapstructure:"grace_window"`
	Restart     RestartConfig `mapstructure:"restart"`
	WorkerPath  string        `mapstructure:"worker_path"`
	WorkerArgv  []string      `mapstructure:"worker_argv"`
}

// RestartConfig governs the backoff applied to repeated involuntary
// worker exits (a slot that keeps crashing is not restarted at full
// speed forever — see SPEC_FULL.md's restart-backoff supplement).
type RestartConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	StableAfter    time.Duration `mapstructure:"stable_after"`
}

// BalancerConfig defines the backlog and restart behavior shared by every
// LoadBalancer the cluster supervisor creates on demand.
type BalancerConfig struct {
	BacklogCap        int           `mapstructure:"backlog_cap"` // 0 = unbounded
	BacklogDropOldest bool          `mapstructure:"backlog_drop_oldest"`
	RestartDelay      time.Duration `mapstructure:"restart_delay"`
}

// HealthConfig governs the pulse loop.
type HealthConfig struct {
	Pulse time.Duration `mapstructure:"pulse"`
}

// SocketConfig defines where control sockets for process-based workers live.
type SocketConfig struct {
	Dir         string `mapstructure:"dir"`
	Prefix      string `mapstructure:"prefix"`
	Permissions uint32 `mapstructure:"permissions"`
}

// SecurityConfig defines how a child process is authenticated on its
// control socket: an HMAC challenge/response plus, optionally, a check of
// the connecting peer's Unix UID.
type SecurityConfig struct {
	SecretHex       string   `mapstructure:"secret_hex"` // empty = generate a random per-run secret
	RequireSameUser bool     `mapstructure:"require_same_user"`
	AllowedUIDs     []uint32 `mapstructure:"allowed_uids"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines metrics collection settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// LoadConfig loads configuration from file and environment, the way the
// teacher's pyproc.LoadConfig does.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("nanny")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/nanny")
	}

	v.SetEnvPrefix("NANNY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Pool.LogicalIds) > 0 {
		cfg.Pool.WorkerCount = len(cfg.Pool.LogicalIds)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.worker_count", 2)
	v.SetDefault("pool.grace_window", "10s")
	v.SetDefault("pool.restart.max_attempts", 5)
	v.SetDefault("pool.restart.initial_backoff", "1s")
	v.SetDefault("pool.restart.max_backoff", "30s")
	v.SetDefault("pool.restart.multiplier", 2.0)
	v.SetDefault("pool.restart.stable_after", "10s")

	v.SetDefault("balancer.backlog_cap", 0)
	v.SetDefault("balancer.backlog_drop_oldest", true)
	v.SetDefault("balancer.restart_delay", "0s")

	v.SetDefault("health.pulse", "5s")

	v.SetDefault("socket.dir", "/tmp")
	v.SetDefault("socket.prefix", "nanny")
	v.SetDefault("socket.permissions", 0600)

	v.SetDefault("security.secret_hex", "")
	v.SetDefault("security.require_same_user", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
