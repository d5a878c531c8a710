package procpool

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPoolConfig_Validate(t *testing.T) {
	valid := PoolConfig{
		MinPoolSize:            1,
		MaxPoolSize:            5,
		ImplementationLocator:  "echoworker",
		ImplementationTypeName: "echoworker",
		MethodCallTimeout:      time.Second,
		ProcessStartTimeout:    time.Second,
		RecycleCheckCalls:      1,
		StartupConcurrency:     1,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on a valid config: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(c PoolConfig) PoolConfig
	}{
		{"negative min", func(c PoolConfig) PoolConfig { c.MinPoolSize = -1; return c }},
		{"zero max", func(c PoolConfig) PoolConfig { c.MaxPoolSize = 0; return c }},
		{"min exceeds max", func(c PoolConfig) PoolConfig { c.MinPoolSize = 10; return c }},
		{"missing locator", func(c PoolConfig) PoolConfig { c.ImplementationLocator = ""; return c }},
		{"missing type name", func(c PoolConfig) PoolConfig { c.ImplementationTypeName = ""; return c }},
		{"zero call timeout", func(c PoolConfig) PoolConfig { c.MethodCallTimeout = 0; return c }},
		{"zero start timeout", func(c PoolConfig) PoolConfig { c.ProcessStartTimeout = 0; return c }},
		{"zero recycle check calls", func(c PoolConfig) PoolConfig { c.RecycleCheckCalls = 0; return c }},
		{"zero startup concurrency", func(c PoolConfig) PoolConfig { c.StartupConcurrency = 0; return c }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.mutate(valid).Validate()
			if err == nil {
				t.Fatal("Validate() error = nil, want a ConfigurationError")
			}
			var cfgErr *ConfigurationError
			if !isConfigurationError(err, &cfgErr) {
				t.Errorf("Validate() error type = %T, want *ConfigurationError", err)
			}
		})
	}
}

func isConfigurationError(err error, target **ConfigurationError) bool {
	cfgErr, ok := err.(*ConfigurationError)
	if ok {
		*target = cfgErr
	}
	return ok
}

func TestLoadConfig_ExplicitMissingPathFails(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist.yaml")

	cfg, err := LoadConfig(missing)
	if err == nil {
		t.Fatal("LoadConfig() with an explicit, nonexistent path should fail rather than silently default")
	}
	_ = cfg
}

func TestLoadConfig_NoPathFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("os.Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("os.Chdir() error = %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") with no config file present: %v", err)
	}

	if cfg.Pool.MinPoolSize != 1 {
		t.Errorf("Pool.MinPoolSize = %d, want default 1", cfg.Pool.MinPoolSize)
	}
	if cfg.Pool.MaxPoolSize != 5 {
		t.Errorf("Pool.MaxPoolSize = %d, want default 5", cfg.Pool.MaxPoolSize)
	}
	if cfg.Pool.MethodCallTimeout != 300*time.Second {
		t.Errorf("Pool.MethodCallTimeout = %v, want 300s", cfg.Pool.MethodCallTimeout)
	}
	if cfg.Protocol.Codec != "msgpack" {
		t.Errorf("Protocol.Codec = %q, want msgpack", cfg.Protocol.Codec)
	}
	if cfg.Socket.Dir != "/tmp" {
		t.Errorf("Socket.Dir = %q, want /tmp", cfg.Socket.Dir)
	}
	if cfg.Metrics.Endpoint != ":9090" {
		t.Errorf("Metrics.Endpoint = %q, want :9090", cfg.Metrics.Endpoint)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	contents := `
pool:
  min_pool_size: 2
  max_pool_size: 8
  implementation_locator: custom-locator
  implementation_type_name: custom-type
socket:
  dir: /var/run/procpool
protocol:
  codec: json
`
	if err := os.WriteFile(configPath, []byte(contents), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Pool.MinPoolSize != 2 {
		t.Errorf("Pool.MinPoolSize = %d, want 2", cfg.Pool.MinPoolSize)
	}
	if cfg.Pool.MaxPoolSize != 8 {
		t.Errorf("Pool.MaxPoolSize = %d, want 8", cfg.Pool.MaxPoolSize)
	}
	if cfg.Pool.ImplementationLocator != "custom-locator" {
		t.Errorf("Pool.ImplementationLocator = %q, want custom-locator", cfg.Pool.ImplementationLocator)
	}
	if cfg.Socket.Dir != "/var/run/procpool" {
		t.Errorf("Socket.Dir = %q, want /var/run/procpool", cfg.Socket.Dir)
	}
	if cfg.Protocol.Codec != "json" {
		t.Errorf("Protocol.Codec = %q, want json", cfg.Protocol.Codec)
	}
	// Fields untouched by the file keep their defaults.
	if cfg.Pool.RecycleCheckCalls != 100 {
		t.Errorf("Pool.RecycleCheckCalls = %d, want default 100", cfg.Pool.RecycleCheckCalls)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("os.Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("os.Chdir() error = %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	t.Setenv("PROCPOOL_POOL_MAX_POOL_SIZE", "42")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Pool.MaxPoolSize != 42 {
		t.Errorf("Pool.MaxPoolSize = %d, want 42 from PROCPOOL_POOL_MAX_POOL_SIZE", cfg.Pool.MaxPoolSize)
	}
}
