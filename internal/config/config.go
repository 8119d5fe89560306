// Package config loads bridge configuration from a YAML file with
// environment overrides. Values are read once at startup and treated as
// immutable afterwards.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// ANYLOG_BRIDGE_MCP_CALL_DELAY=2s overrides mcp.call_delay.
const EnvPrefix = "ANYLOG_BRIDGE"

// Config is the root configuration for both the MCP gateway and the legacy
// REST proxy.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	MCP    MCPConfig    `mapstructure:"mcp"`
	Query  QueryConfig  `mapstructure:"query"`
	AnyLog AnyLogConfig `mapstructure:"anylog"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig controls the listen address of whichever server runs.
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the host:port listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MCPConfig controls the gateway: the mcp-proxy subprocess and the
// queue/cache/throttle policy around it.
type MCPConfig struct {
	// ProxyPath is the mcp-proxy executable spawned as the backend bridge.
	ProxyPath string `mapstructure:"proxy_path"`

	// ServerURL is the MCP server endpoint handed to mcp-proxy.
	ServerURL string `mapstructure:"server_url"`

	// CallDelay is the minimum spacing between consecutive backend calls.
	CallDelay time.Duration `mapstructure:"call_delay"`

	// CallTimeout bounds a single tools/call round trip.
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// HandshakeTimeout bounds the initialize request after a spawn.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// WaitTimeout bounds how long an HTTP caller blocks on a job.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`

	// MetadataTTL is the freshness window for metadata results
	// (status, tables, columns, policies).
	MetadataTTL time.Duration `mapstructure:"metadata_ttl"`

	// DataTTL is the freshness window for sensor-data results.
	DataTTL time.Duration `mapstructure:"data_ttl"`

	// ErrorTTL caps how long a failed call stays cached.
	ErrorTTL time.Duration `mapstructure:"error_ttl"`
}

// QueryConfig holds SQL defaults applied when a request omits them.
type QueryConfig struct {
	DefaultDBMS  string `mapstructure:"default_dbms"`
	DefaultHours int    `mapstructure:"default_hours"`
}

// AnyLogConfig points the legacy REST proxy at an AnyLog node.
type AnyLogConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NodeAddr returns the AnyLog node host:port.
func (c AnyLogConfig) NodeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// setDefaults registers every default on v. The defaults mirror the knobs
// the bridge shipped with: 1.5s between MCP calls, 5 minute metadata cache,
// 1 minute data cache, 45s caller patience.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)

	v.SetDefault("mcp.proxy_path", "mcp-proxy")
	v.SetDefault("mcp.server_url", "")
	v.SetDefault("mcp.call_delay", 1500*time.Millisecond)
	v.SetDefault("mcp.call_timeout", 30*time.Second)
	v.SetDefault("mcp.handshake_timeout", 20*time.Second)
	v.SetDefault("mcp.wait_timeout", 45*time.Second)
	v.SetDefault("mcp.metadata_ttl", 300*time.Second)
	v.SetDefault("mcp.data_ttl", 60*time.Second)
	v.SetDefault("mcp.error_ttl", 10*time.Second)

	v.SetDefault("query.default_dbms", "manufacturing_historian")
	v.SetDefault("query.default_hours", 4)

	v.SetDefault("anylog.host", "127.0.0.1")
	v.SetDefault("anylog.port", 32049)
	v.SetDefault("anylog.timeout", 60*time.Second)
}

// Load reads configuration from path (optional) and the environment.
// A missing file is not an error when path is empty; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be in 1..65535, got %d", c.HTTP.Port)
	}
	if c.MCP.CallDelay < 0 {
		return fmt.Errorf("mcp.call_delay must be >= 0, got %s", c.MCP.CallDelay)
	}
	for name, d := range map[string]time.Duration{
		"mcp.call_timeout":      c.MCP.CallTimeout,
		"mcp.handshake_timeout": c.MCP.HandshakeTimeout,
		"mcp.wait_timeout":      c.MCP.WaitTimeout,
		"mcp.metadata_ttl":      c.MCP.MetadataTTL,
		"mcp.data_ttl":          c.MCP.DataTTL,
		"mcp.error_ttl":         c.MCP.ErrorTTL,
		"anylog.timeout":        c.AnyLog.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}
	return nil
}
