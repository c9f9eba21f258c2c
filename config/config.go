package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const (
	// AppName names the binary, the config file and metric namespace
	AppName = "minewatch"

	// EnvPrefix prefixes environment overrides, e.g. MINEWATCH_NODE_URL
	EnvPrefix = "MINEWATCH"

	// Version is the current release
	Version = "0.1.0"

	redacted = "<redacted>"
)

// Config is the full runtime configuration
type Config struct {
	Network  string            `mapstructure:"network" yaml:"network"`
	Networks map[string]string `mapstructure:"networks" yaml:"networks"`
	Node     NodeConfig        `mapstructure:"node" yaml:"node"`
	Miner    MinerConfig       `mapstructure:"miner" yaml:"miner"`
	API      APIConfig         `mapstructure:"api" yaml:"api"`
	Log      LogConfig         `mapstructure:"log" yaml:"log"`
}

// NodeConfig selects and bounds the connection to the node
type NodeConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// MinerConfig holds settings passed to the node's miner
type MinerConfig struct {
	Threads int `mapstructure:"threads" yaml:"threads"`
}

// APIConfig configures the status HTTP server. An empty Listen disables it.
type APIConfig struct {
	Listen      string   `mapstructure:"listen" yaml:"listen"`
	TokenHash   string   `mapstructure:"token_hash" yaml:"token_hash"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultNetworks are the named node endpoints known out of the box. All of
// them expect a local node with its websocket endpoint on the default port.
var DefaultNetworks = map[string]string{
	"dev":         "ws://localhost:8546",
	"mainnetgeth": "ws://localhost:8546",
	"rinkeby":     "ws://localhost:8546",
}

// Default returns the built-in configuration
func Default() Config {
	networks := make(map[string]string, len(DefaultNetworks))
	for name, u := range DefaultNetworks {
		networks[name] = u
	}
	return Config{
		Network:  "dev",
		Networks: networks,
		Node: NodeConfig{
			DialTimeout: 10 * time.Second,
			CallTimeout: 5 * time.Second,
		},
		Miner: MinerConfig{
			Threads: 1,
		},
		API: APIConfig{
			Listen:      "127.0.0.1:8080",
			CORSOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Flags are the command line switches understood by the binary
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet(AppName, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("network", "", "named network profile to connect to")
	fs.String("node-url", "", "websocket endpoint of the node, overrides --network")
	fs.Int("threads", 0, "miner threads to start")
	fs.String("listen", "", "status API listen address, empty keeps the configured one")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Bool("print-config", false, "print the effective configuration and exit")
	fs.String("hash-token", "", "print the bcrypt hash of an API token and exit")
	return fs
}

var flagKeys = map[string]string{
	"network":   "network",
	"node-url":  "node.url",
	"threads":   "miner.threads",
	"listen":    "api.listen",
	"log-level": "log.level",
}

// New returns a viper instance carrying defaults, environment overrides and,
// when fs is not nil, the flags that were set on it.
func New(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	d := Default()
	v.SetDefault("network", d.Network)
	v.SetDefault("networks", d.Networks)
	v.SetDefault("node.url", d.Node.URL)
	v.SetDefault("node.dial_timeout", d.Node.DialTimeout)
	v.SetDefault("node.call_timeout", d.Node.CallTimeout)
	v.SetDefault("miner.threads", d.Miner.Threads)
	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.token_hash", d.API.TokenHash)
	v.SetDefault("api.cors_origins", d.API.CORSOrigins)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			// only flags given on the command line override lower layers
			flag := fs.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
		if path, err := fs.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
		}
	}

	return v, nil
}

// Load reads the config file registered on v, if any, and returns the
// validated configuration with the node URL resolved.
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve fills Node.URL from the selected network when it is not set
func (c *Config) resolve() error {
	if c.Node.URL != "" {
		return nil
	}
	if c.Network == "" {
		return errors.New("no node url and no network selected")
	}
	u, ok := c.Networks[strings.ToLower(c.Network)]
	if !ok {
		return fmt.Errorf("unknown network %q", c.Network)
	}
	c.Node.URL = u
	return nil
}

// Validate checks the configuration for values the binary cannot run with
func (c *Config) Validate() error {
	u, err := url.Parse(c.Node.URL)
	if err != nil {
		return fmt.Errorf("node url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("node url %q must use ws:// or wss://", c.Node.URL)
	}
	if c.Node.DialTimeout <= 0 || c.Node.CallTimeout <= 0 {
		return errors.New("node timeouts must be positive")
	}
	if c.Miner.Threads < 1 {
		return fmt.Errorf("miner threads must be at least 1, got %d", c.Miner.Threads)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format %q must be text or json", c.Log.Format)
	}
	if c.API.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.API.TokenHash)); err != nil {
			return fmt.Errorf("api token hash: %w", err)
		}
	}
	for _, origin := range c.API.CORSOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("cors origin %q must be * or an http(s) origin", origin)
		}
	}
	return nil
}

// Dump renders the configuration as YAML with secrets redacted
func (c *Config) Dump() ([]byte, error) {
	out := *c
	if out.API.TokenHash != "" {
		out.API.TokenHash = redacted
	}
	return yaml.Marshal(&out)
}
