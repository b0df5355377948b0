package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/mscluster/pkg/storage"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load,
// e.g. MSCLUSTER_CLUSTER_SERVICE_PORT
const EnvPrefix = "MSCLUSTER"

// Config represents the management server configuration
type Config struct {
	Node    NodeConfig    `mapstructure:"node" yaml:"node"`
	Cluster ClusterConfig `mapstructure:"cluster" yaml:"cluster"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	API     APIConfig     `mapstructure:"api" yaml:"api"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// NodeConfig identifies this management server
type NodeConfig struct {
	MsID    int64  `mapstructure:"msid" yaml:"msid"`
	Name    string `mapstructure:"name" yaml:"name"`
	Version string `mapstructure:"version" yaml:"version"`
}

// ClusterConfig contains the cluster service and heartbeat settings
type ClusterConfig struct {
	ServiceIP          string        `mapstructure:"service_ip" yaml:"service_ip"`
	ServicePort        int           `mapstructure:"service_port" yaml:"service_port"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatThreshold time.Duration `mapstructure:"heartbeat_threshold" yaml:"heartbeat_threshold"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	PingTimeout        time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`
	PingBeforeDown     bool          `mapstructure:"ping_before_down" yaml:"ping_before_down"`
	Workers            int           `mapstructure:"workers" yaml:"workers"`
	DefaultDispatcher  string        `mapstructure:"default_dispatcher" yaml:"default_dispatcher"`
}

// StorageConfig selects the peer registry backend
type StorageConfig struct {
	Backend      string `mapstructure:"backend" yaml:"backend"`
	DataDir      string `mapstructure:"data_dir" yaml:"data_dir"`
	RegistryAddr string `mapstructure:"registry_addr" yaml:"registry_addr"`
}

// APIConfig contains the admin HTTP server settings
type APIConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// FlagKeys maps command-line flag names to configuration keys
var FlagKeys = map[string]string{
	"msid":          "node.msid",
	"name":          "node.name",
	"service-ip":    "cluster.service_ip",
	"service-port":  "cluster.service_port",
	"backend":       "storage.backend",
	"data-dir":      "storage.data_dir",
	"registry-addr": "storage.registry_addr",
	"api-addr":      "api.addr",
	"log-level":     "logging.level",
	"log-json":      "logging.json",
}

// Load reads configuration from the file at path (optional), the environment
// and flags listed in FlagKeys. Flags set on the command line take precedence
// over the environment, which takes precedence over the file.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		millisecondsHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Storage.DataDir = filepath.Clean(cfg.Storage.DataDir)

	return &cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// millisecondsHook reads a bare number given for a duration as milliseconds,
// so heartbeat_threshold: 150000 means 150s. Strings with a unit such as
// "1500ms" or "2m30s" are left to StringToTimeDurationHookFunc.
func millisecondsHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType || from == durationType {
		return data, nil
	}

	v := reflect.ValueOf(data)
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(v.Int()) * time.Millisecond, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(v.Uint()) * time.Millisecond, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(v.Float() * float64(time.Millisecond)), nil
	case reflect.String:
		if ms, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
	}
	return data, nil
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	cfg, _ := Load("", nil)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.msid", 0)
	v.SetDefault("node.name", "")
	v.SetDefault("node.version", "dev")

	v.SetDefault("cluster.service_ip", "127.0.0.1")
	v.SetDefault("cluster.service_port", 9090)
	v.SetDefault("cluster.heartbeat_interval", 1500*time.Millisecond)
	v.SetDefault("cluster.heartbeat_threshold", 150*time.Second)
	v.SetDefault("cluster.request_timeout", 300*time.Second)
	v.SetDefault("cluster.ping_timeout", 5*time.Second)
	v.SetDefault("cluster.ping_before_down", true)
	v.SetDefault("cluster.workers", 16)
	v.SetDefault("cluster.default_dispatcher", "ping")

	v.SetDefault("storage.backend", storage.BackendBolt)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.registry_addr", "")

	v.SetDefault("api.addr", "127.0.0.1:9091")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
}

// Validate checks the settings a management server needs to start
func (c *Config) Validate() error {
	var errs []error

	if c.Node.MsID <= 0 {
		errs = append(errs, fmt.Errorf("node.msid must be positive, got %d", c.Node.MsID))
	}
	if c.Cluster.ServicePort < 0 || c.Cluster.ServicePort > 65535 {
		errs = append(errs, fmt.Errorf("cluster.service_port must be between 0 and 65535"))
	}
	if net.ParseIP(c.Cluster.ServiceIP) == nil {
		errs = append(errs, fmt.Errorf("cluster.service_ip %q is not an IP address", c.Cluster.ServiceIP))
	}
	if c.Cluster.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("cluster.heartbeat_interval must be positive"))
	}
	if c.Cluster.HeartbeatThreshold <= c.Cluster.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("cluster.heartbeat_threshold (%s) must exceed cluster.heartbeat_interval (%s)",
			c.Cluster.HeartbeatThreshold, c.Cluster.HeartbeatInterval))
	}
	if c.Cluster.RequestTimeout <= 0 || c.Cluster.PingTimeout <= 0 {
		errs = append(errs, errors.New("cluster.request_timeout and cluster.ping_timeout must be positive"))
	}
	if c.Cluster.Workers <= 0 {
		errs = append(errs, errors.New("cluster.workers must be positive"))
	}
	if err := c.ValidateStorage(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := net.SplitHostPort(c.API.Addr); c.API.Addr != "" && err != nil {
		errs = append(errs, fmt.Errorf("api.addr: %w", err))
	}

	return errors.Join(errs...)
}

// ValidateStorage checks only the registry settings, for commands that
// open the registry without running a management server
func (c *Config) ValidateStorage() error {
	switch c.Storage.Backend {
	case "", storage.BackendBolt, storage.BackendBadger:
		if c.Storage.DataDir == "" {
			return errors.New("storage.data_dir is required")
		}
	case storage.BackendRemote:
		if c.Storage.RegistryAddr == "" {
			return errors.New("storage.registry_addr is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// StorageOptions converts the storage section for storage.Open
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Backend:      c.Storage.Backend,
		DataDir:      c.Storage.DataDir,
		RegistryAddr: c.Storage.RegistryAddr,
	}
}

// Dump renders the effective configuration as YAML
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(dumpView(c))
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(out), nil
}

// dumpView renders durations in their string form, which Load accepts back
func dumpView(c *Config) map[string]any {
	return map[string]any{
		"node": c.Node,
		"cluster": map[string]any{
			"service_ip":          c.Cluster.ServiceIP,
			"service_port":        c.Cluster.ServicePort,
			"heartbeat_interval":  c.Cluster.HeartbeatInterval.String(),
			"heartbeat_threshold": c.Cluster.HeartbeatThreshold.String(),
			"request_timeout":     c.Cluster.RequestTimeout.String(),
			"ping_timeout":        c.Cluster.PingTimeout.String(),
			"ping_before_down":    c.Cluster.PingBeforeDown,
			"workers":             c.Cluster.Workers,
			"default_dispatcher":  c.Cluster.DefaultDispatcher,
		},
		"storage": c.Storage,
		"api":     c.API,
		"logging": c.Logging,
	}
}
