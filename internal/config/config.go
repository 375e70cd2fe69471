// Package config loads each binary's runtime configuration via
// github.com/spf13/viper: environment variables first, an optional YAML
// file as fallback, then built-in defaults.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func newViper(envPrefix, configPath string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		_ = v.ReadInConfig() // absent config file is not an error; env + defaults still apply
	}
	return v
}

// RMConfig is the runtime configuration for one cmd/rm process.
type RMConfig struct {
	Table           string
	ListenAddr      string
	DataDir         string
	TMAddr          string
	PoolSize        int
	IndexStrategy   string // "prefix" or "composite"
	PrefixLen       int
	CompositeWidths []int
	CompositeCols   int // leading columns of CompositeWidths used to assign a page
	LogLevel        string
}

// LoadRMConfig reads RM_* environment variables, optionally overlaid by
// a YAML file at configPath.
func LoadRMConfig(configPath string) (RMConfig, error) {
	v := newViper("RM", configPath)

	v.SetDefault("table", "flights")
	v.SetDefault("listen_addr", ":9101")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("tm_addr", "http://localhost:9100")
	v.SetDefault("pool_size", 256)
	v.SetDefault("index_strategy", "prefix")
	v.SetDefault("prefix_len", 2)
	v.SetDefault("composite_cols", 1)
	v.SetDefault("log_level", "info")

	cfg := RMConfig{
		Table:         v.GetString("table"),
		ListenAddr:    v.GetString("listen_addr"),
		DataDir:       v.GetString("data_dir"),
		TMAddr:        v.GetString("tm_addr"),
		PoolSize:      v.GetInt("pool_size"),
		IndexStrategy: v.GetString("index_strategy"),
		PrefixLen:     v.GetInt("prefix_len"),
		CompositeCols: v.GetInt("composite_cols"),
		LogLevel:      v.GetString("log_level"),
	}
	if widths := v.GetIntSlice("composite_widths"); len(widths) > 0 {
		cfg.CompositeWidths = widths
	} else if raw := strings.TrimSpace(v.GetString("composite_widths")); raw != "" {
		// RM_COMPOSITE_WIDTHS arrives from the environment as a
		// comma-separated string, e.g. "64,16,64".
		for _, part := range strings.Split(raw, ",") {
			w, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return RMConfig{}, fmt.Errorf("config: invalid RM_COMPOSITE_WIDTHS entry %q", part)
			}
			cfg.CompositeWidths = append(cfg.CompositeWidths, w)
		}
	}

	if cfg.Table == "" {
		return RMConfig{}, fmt.Errorf("config: RM_TABLE must be set")
	}
	if cfg.IndexStrategy != "prefix" && cfg.IndexStrategy != "composite" {
		return RMConfig{}, fmt.Errorf("config: RM_INDEX_STRATEGY must be \"prefix\" or \"composite\", got %q", cfg.IndexStrategy)
	}
	if cfg.IndexStrategy == "composite" && len(cfg.CompositeWidths) == 0 {
		return RMConfig{}, fmt.Errorf("config: RM_COMPOSITE_WIDTHS must be set when RM_INDEX_STRATEGY is \"composite\"")
	}
	return cfg, nil
}

// TMConfig is the runtime configuration for the single cmd/tm process.
type TMConfig struct {
	ListenAddr     string
	PrepareTimeout time.Duration
	CommitTimeout  time.Duration
	BroadcastRetry time.Duration
	LogLevel       string
}

// LoadTMConfig reads TM_* environment variables, optionally overlaid by
// a YAML file at configPath.
func LoadTMConfig(configPath string) (TMConfig, error) {
	v := newViper("TM", configPath)

	v.SetDefault("listen_addr", ":9100")
	v.SetDefault("prepare_timeout_ms", 5000)
	v.SetDefault("commit_timeout_ms", 10000)
	v.SetDefault("broadcast_retry_ms", 30000)
	v.SetDefault("log_level", "info")

	return TMConfig{
		ListenAddr:     v.GetString("listen_addr"),
		PrepareTimeout: time.Duration(v.GetInt("prepare_timeout_ms")) * time.Millisecond,
		CommitTimeout:  time.Duration(v.GetInt("commit_timeout_ms")) * time.Millisecond,
		BroadcastRetry: time.Duration(v.GetInt("broadcast_retry_ms")) * time.Millisecond,
		LogLevel:       v.GetString("log_level"),
	}, nil
}

// WCConfig is the runtime configuration for the single cmd/wc process.
type WCConfig struct {
	ListenAddr    string
	TMAddr        string
	RMAddrs       map[string]string // table name -> base URL
	AutoAbort     bool
	CommitTimeout time.Duration
	LogLevel      string
}

// LoadWCConfig reads WC_* environment variables, optionally overlaid by
// a YAML file at configPath. WC_RM_ADDRS is a comma-separated
// table=url list, e.g. "flights=http://rm-flights:9101,cars=http://rm-cars:9101".
func LoadWCConfig(configPath string) (WCConfig, error) {
	v := newViper("WC", configPath)

	v.SetDefault("listen_addr", ":9200")
	v.SetDefault("tm_addr", "http://localhost:9100")
	v.SetDefault("auto_abort", true)
	v.SetDefault("commit_timeout_ms", 10000)
	v.SetDefault("log_level", "info")

	rmAddrs, err := parseRMAddrs(v.GetString("rm_addrs"))
	if err != nil {
		return WCConfig{}, err
	}

	return WCConfig{
		ListenAddr:    v.GetString("listen_addr"),
		TMAddr:        v.GetString("tm_addr"),
		RMAddrs:       rmAddrs,
		AutoAbort:     v.GetBool("auto_abort"),
		CommitTimeout: time.Duration(v.GetInt("commit_timeout_ms")) * time.Millisecond,
		LogLevel:      v.GetString("log_level"),
	}, nil
}

func parseRMAddrs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("config: invalid WC_RM_ADDRS entry %q, expected table=url", pair)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}
