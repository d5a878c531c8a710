package procpool

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all host-level configuration: the pool itself plus the
// ambient concerns (socket placement, wire protocol, logging, metrics)
// around it.
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool"`
	Socket   SocketConfig   `mapstructure:"socket"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// PoolConfig is the recognized option set of spec.md §6.3. NewPool takes it
// as given; when it is built by LoadConfig, PROCPOOL_-prefixed environment
// variables (e.g. PROCPOOL_POOL_MAX_POOL_SIZE) override its fields.
type PoolConfig struct {
	MinPoolSize             int           `mapstructure:"min_pool_size"`
	MaxPoolSize             int           `mapstructure:"max_pool_size"`
	ImplementationLocator   string        `mapstructure:"implementation_locator"`
	ImplementationTypeName  string        `mapstructure:"implementation_type_name"`
	MaxMemoryMB             uint64        `mapstructure:"max_memory_mb"`
	MaxGdiHandles           uint64        `mapstructure:"max_gdi_handles"`
	MaxUserHandles          uint64        `mapstructure:"max_user_handles"`
	MaxTotalHandles         uint64        `mapstructure:"max_total_handles"`
	ProcessRecycleThreshold uint64        `mapstructure:"process_recycle_threshold"`
	MaxProcessLifetime      time.Duration `mapstructure:"max_process_lifetime"`
	MethodCallTimeout       time.Duration `mapstructure:"method_call_timeout"`
	ProcessStartTimeout     time.Duration `mapstructure:"process_start_timeout"`
	RecycleCheckCalls       uint64        `mapstructure:"recycle_check_calls"`
	VerboseWorkerLogging    bool          `mapstructure:"verbose_worker_logging"`
	// StartupConcurrency bounds simultaneous spawns during pool Start.
	StartupConcurrency int `mapstructure:"startup_concurrency"`
}

// Validate checks PoolConfig invariants, returning a *ConfigurationError on
// the first violation found.
func (c PoolConfig) Validate() error {
	if c.MinPoolSize < 0 {
		return &ConfigurationError{Reason: "min_pool_size must be >= 0"}
	}
	if c.MaxPoolSize < 1 {
		return &ConfigurationError{Reason: "max_pool_size must be >= 1"}
	}
	if c.MinPoolSize > c.MaxPoolSize {
		return &ConfigurationError{Reason: "min_pool_size must be <= max_pool_size"}
	}
	if c.ImplementationLocator == "" {
		return &ConfigurationError{Reason: "implementation_locator is required"}
	}
	if c.ImplementationTypeName == "" {
		return &ConfigurationError{Reason: "implementation_type_name is required"}
	}
	if c.MethodCallTimeout <= 0 {
		return &ConfigurationError{Reason: "method_call_timeout must be > 0"}
	}
	if c.ProcessStartTimeout <= 0 {
		return &ConfigurationError{Reason: "process_start_timeout must be > 0"}
	}
	if c.RecycleCheckCalls < 1 {
		return &ConfigurationError{Reason: "recycle_check_calls must be >= 1"}
	}
	if c.StartupConcurrency < 1 {
		return &ConfigurationError{Reason: "startup_concurrency must be >= 1"}
	}
	return nil
}

// SocketConfig controls where worker endpoints are created.
type SocketConfig struct {
	Dir         string `mapstructure:"dir"`
	Prefix      string `mapstructure:"prefix"`
	Permissions uint32 `mapstructure:"permissions"`
}

// ProtocolConfig controls the wire protocol.
type ProtocolConfig struct {
	MaxFrameSize      int           `mapstructure:"max_frame_size"`
	Codec             string        `mapstructure:"codec"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// Transport selects the worker Duplex Channel realization: "unix"
	// (default, a bare framed Unix-domain socket) or "grpc" (the same
	// wire format tunneled over one bidirectional gRPC stream).
	Transport string `mapstructure:"transport"`
	// RequirePeerCreds has each worker verify connecting peer credentials
	// (same effective UID) on its listening endpoint before serving it.
	RequirePeerCreds bool `mapstructure:"require_peer_creds"`
}

// LoggingConfig controls the ambient Logger.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig controls the optional metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// LoadConfig loads Config from an optional file plus PROCPOOL_-prefixed
// environment overrides, applying defaults for anything unset.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/procpool")
	}

	v.SetEnvPrefix("PROCPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("procpool: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("procpool: unmarshal config: %w", err)
	}

	// Duration fields are given in the config as bare numbers of seconds;
	// viper decodes them as nanoseconds, so every one is scaled by
	// time.Second here. A Go duration string ("5m") is scaled the same way
	// and so does not give the duration it spells.
	cfg.Pool.MaxProcessLifetime *= time.Second
	cfg.Pool.MethodCallTimeout *= time.Second
	cfg.Pool.ProcessStartTimeout *= time.Second
	cfg.Protocol.RequestTimeout *= time.Second
	cfg.Protocol.ConnectionTimeout *= time.Second

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.min_pool_size", 1)
	v.SetDefault("pool.max_pool_size", 5)
	v.SetDefault("pool.max_memory_mb", 1024)
	v.SetDefault("pool.max_gdi_handles", 10000)
	v.SetDefault("pool.max_user_handles", 10000)
	v.SetDefault("pool.max_total_handles", 10000)
	v.SetDefault("pool.process_recycle_threshold", 0)
	v.SetDefault("pool.max_process_lifetime", 3600)
	v.SetDefault("pool.method_call_timeout", 300)
	v.SetDefault("pool.process_start_timeout", 60)
	v.SetDefault("pool.recycle_check_calls", 100)
	v.SetDefault("pool.verbose_worker_logging", false)
	v.SetDefault("pool.startup_concurrency", 3)

	v.SetDefault("socket.dir", "/tmp")
	v.SetDefault("socket.prefix", "procpool")
	v.SetDefault("socket.permissions", 0600)

	v.SetDefault("protocol.max_frame_size", 100*1024*1024)
	v.SetDefault("protocol.codec", "msgpack")
	v.SetDefault("protocol.request_timeout", 60)
	v.SetDefault("protocol.connection_timeout", 5)
	v.SetDefault("protocol.transport", "unix")
	v.SetDefault("protocol.require_peer_creds", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
