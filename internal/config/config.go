// Package config loads daemon and CLI settings from flags, environment, and
// an optional config file, in that precedence order.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Network       string              `mapstructure:"network"`
	Relays        []RelayConfig       `mapstructure:"relays"`
	Node          NodeConfig          `mapstructure:"node"`
	Store         StoreConfig         `mapstructure:"store"`
	Relay         RelayServerConfig   `mapstructure:"relay"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// RelayConfig is one relay endpoint with its connection priority.
type RelayConfig struct {
	URL      string `mapstructure:"url"`
	Priority string `mapstructure:"priority"`
}

// NodeConfig points at the Bitcoin node used for broadcast and balance.
type NodeConfig struct {
	RPCHost    string `mapstructure:"rpc_host"`
	RPCUser    string `mapstructure:"rpc_user"`
	RPCPass    string `mapstructure:"rpc_pass"`
	DisableTLS bool   `mapstructure:"disable_tls"`
}

// StoreConfig selects the local event store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // badger or memory
}

// RelayServerConfig configures the reference relay daemon.
type RelayServerConfig struct {
	Addr      string `mapstructure:"addr"`
	RedisAddr string `mapstructure:"redis_addr"`
	// BacklogLimit caps retained events per group on the relay.
	BacklogLimit int `mapstructure:"backlog_limit"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".potluck"
	}
	return filepath.Join(home, ".potluck")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("network", "testnet3")

	v.SetDefault("node.rpc_host", "localhost:18332")
	v.SetDefault("node.disable_tls", true)

	v.SetDefault("store.backend", "badger")

	v.SetDefault("relay.addr", ":8480")
	v.SetDefault("relay.redis_addr", "")
	v.SetDefault("relay.backlog_limit", 4096)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.service_name", "potluck")
	v.SetDefault("observability.service_version", "dev")
}

// BindClientFlags binds the shared client flags to viper.
func BindClientFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("data-dir", "", "data directory (default ~/.potluck)")
	f.String("config", "", "config file path")
	f.String("network", "", "bitcoin network (mainnet, testnet3, regtest)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("network", f.Lookup("network"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
}

// BindRelayFlags binds the relay daemon flags to viper.
func BindRelayFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("addr", "", "websocket listen address")
	f.String("redis-addr", "", "redis address for the backlog (empty = in-memory)")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.Int("backlog-limit", 0, "retained events per group")

	_ = v.BindPFlag("relay.addr", f.Lookup("addr"))
	_ = v.BindPFlag("relay.redis_addr", f.Lookup("redis-addr"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("relay.backlog_limit", f.Lookup("backlog-limit"))
}

// Load merges flags, POTLUCK_* environment variables, and the config file.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("POTLUCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("potluck")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.potluck")
		v.AddConfigPath("/etc/potluck")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
