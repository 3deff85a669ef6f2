package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EndpointConfig is one RPC provider entry. Lists are ordered by priority
// (lower first) and immutable after load.
type EndpointConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// ChainConfig names a chain and its endpoint list.
type ChainConfig struct {
	ChainID   uint64           `mapstructure:"chain_id"`
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
}

// ListenerConfig configures one protocol listener across its chains.
type ListenerConfig struct {
	Name             string              `mapstructure:"name"`
	Decoder          string              `mapstructure:"decoder"`
	Chains           []string            `mapstructure:"chains"`
	Contracts        map[string][]string `mapstructure:"contracts"`
	StartBlocks      map[string]uint64   `mapstructure:"start_blocks"`
	ChunkSize        uint64              `mapstructure:"chunk_size"`
	Delay            time.Duration       `mapstructure:"delay"`
	MaxChunkAttempts int                 `mapstructure:"max_chunk_attempts"`
}

// AffiliateConfig is the identity being attributed fees.
type AffiliateConfig struct {
	Address  string `mapstructure:"address"`
	MemoCode string `mapstructure:"memo_code"`
}

// Config holds configuration merged from config file, env, and flags.
type Config struct {
	Affiliate AffiliateConfig
	Chains    map[string]ChainConfig
	Listeners []ListenerConfig

	Chain    string
	Listener string

	FromBlock uint64
	ToBlock   uint64

	OutDir        string
	PGDSN         string
	CheckpointDir string

	RPCTimeout        time.Duration
	RequestsPerSecond float64

	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEESCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("out", "./data")
	v.SetDefault("checkpoint-dir", "./data/checkpoints")
	v.SetDefault("rpc-timeout", 30*time.Second)
	v.SetDefault("rps", float64(10))
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Chain:             v.GetString("chain"),
		Listener:          v.GetString("listener"),
		FromBlock:         v.GetUint64("from"),
		ToBlock:           v.GetUint64("to"),
		OutDir:            v.GetString("out"),
		PGDSN:             v.GetString("pg-dsn"),
		CheckpointDir:     v.GetString("checkpoint-dir"),
		RPCTimeout:        v.GetDuration("rpc-timeout"),
		RequestsPerSecond: v.GetFloat64("rps"),
		LogLevel:          v.GetString("log-level"),
	}

	if err := v.UnmarshalKey("affiliate", &cfg.Affiliate); err != nil {
		return Config{}, fmt.Errorf("parse affiliate config: %w", err)
	}
	if err := v.UnmarshalKey("chains", &cfg.Chains); err != nil {
		return Config{}, fmt.Errorf("parse chains config: %w", err)
	}
	if err := v.UnmarshalKey("listeners", &cfg.Listeners); err != nil {
		return Config{}, fmt.Errorf("parse listeners config: %w", err)
	}

	return cfg, nil
}

// Validate checks cross references between listeners and chains. Start
// blocks must be explicit: scanning a chain's whole history by accident is
// worse than failing fast.
func (c Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}

	seen := make(map[uint64]string, len(c.Chains))
	for name, chainCfg := range c.Chains {
		if chainCfg.ChainID == 0 {
			return fmt.Errorf("chain %s: chain_id is required", name)
		}
		if prev, dup := seen[chainCfg.ChainID]; dup {
			return fmt.Errorf("chains %s and %s share chain_id %d", prev, name, chainCfg.ChainID)
		}
		seen[chainCfg.ChainID] = name
		if len(chainCfg.Endpoints) == 0 {
			return fmt.Errorf("chain %s: at least one endpoint is required", name)
		}
		for _, ep := range chainCfg.Endpoints {
			if ep.URL == "" {
				return fmt.Errorf("chain %s: endpoint url is required", name)
			}
		}
	}

	names := make(map[string]struct{}, len(c.Listeners))
	for _, listener := range c.Listeners {
		if listener.Name == "" {
			return fmt.Errorf("listener name is required")
		}
		if _, dup := names[listener.Name]; dup {
			return fmt.Errorf("duplicate listener %s", listener.Name)
		}
		names[listener.Name] = struct{}{}
		if listener.Decoder == "" {
			return fmt.Errorf("listener %s: decoder is required", listener.Name)
		}
		if len(listener.Chains) == 0 {
			return fmt.Errorf("listener %s: at least one chain is required", listener.Name)
		}
		for _, chainName := range listener.Chains {
			if _, ok := c.Chains[chainName]; !ok {
				return fmt.Errorf("listener %s: unknown chain %s", listener.Name, chainName)
			}
			if _, ok := listener.StartBlocks[chainName]; !ok {
				return fmt.Errorf("listener %s: start block for chain %s is required", listener.Name, chainName)
			}
		}
	}

	return nil
}

// ChainNames returns the configured chain names, sorted.
func (c Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
