// Package config loads orchestrator configuration from environment
// variables via spf13/viper, binding into a typed struct and decoding
// the matcher list with mitchellh/mapstructure. Every numeric env falls
// back to a documented default on parse failure.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MatthiasValvekens/bench-orchestrator/discovery"
)

// Config is the fully-resolved orchestrator configuration.
type Config struct {
	ClientLogsSnapshot bool `mapstructure:"client_logs_snapshot"`
	ClientLogsCapacity int  `mapstructure:"client_logs_capacity"`

	LogChannelAllowlist string `mapstructure:"log_channel_allowlist"`
	LogLevelMin         string `mapstructure:"log_level_min"`
	LogRedactPattern    string `mapstructure:"log_redact_pattern"`

	WSHeartbeatIntervalMs int `mapstructure:"ws_heartbeat_interval_ms"`
	WSReconnectBaseMs     int `mapstructure:"ws_reconnect_base_ms"`
	WSReconnectMaxMs      int `mapstructure:"ws_reconnect_max_ms"`

	SerialPrinterHistoryLimit int `mapstructure:"serial_printer_history_limit"`
	SerialPrinterIdleFlushMs  int `mapstructure:"serial_printer_idle_flush_ms"`

	AtlonaReconnectBaseMs int `mapstructure:"atlona_reconnect_base_ms"`
	AtlonaReconnectMaxMs  int `mapstructure:"atlona_reconnect_max_ms"`

	SidecarHost string `mapstructure:"sidecar_host"`
	SidecarPort string `mapstructure:"sidecar_port"`

	SheetsWorkerURL      string `mapstructure:"sheets_worker_url"`
	SheetsMaxPending      int    `mapstructure:"sheets_max_pending"`
	SheetsTimeoutMs       int    `mapstructure:"sheets_timeout_ms"`
	SheetsLockMode        string `mapstructure:"sheets_lock_mode"`
	SheetsAuthStrategy    string `mapstructure:"sheets_auth_strategy"`

	LogIngestToken string `mapstructure:"log_ingest_token"`

	ListenAddr string `mapstructure:"listen_addr"`

	RescanIntervalMs int `mapstructure:"rescan_interval_ms"`

	// Matchers is decoded separately from the raw config tree (see
	// decodeMatchers), not through viper's own struct unmarshal.
	Matchers []discovery.Matcher `mapstructure:"-"`
}

// decodeMatchers decodes the matchers list entry by entry so that a
// malformed entry is reported with its index rather than swallowed by a
// whole-struct unmarshal.
func decodeMatchers(v *viper.Viper) ([]discovery.Matcher, error) {
	raw := v.Get("matchers")
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, errors.Newf("matchers must be a list, got %T", raw)
	}
	out := make([]discovery.Matcher, len(list))
	for i, def := range list {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &out[i],
			TagName: "mapstructure",
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, errors.Wrapf(err, "failed to decode matcher %d", i)
		}
	}
	return out, nil
}

func defaults(v *viper.Viper) {
	v.SetDefault("client_logs_snapshot", true)
	v.SetDefault("client_logs_capacity", 500)
	v.SetDefault("log_channel_allowlist", "")
	v.SetDefault("log_level_min", "info")
	v.SetDefault("log_redact_pattern", "")
	v.SetDefault("ws_heartbeat_interval_ms", 1000)
	v.SetDefault("ws_reconnect_base_ms", 250)
	v.SetDefault("ws_reconnect_max_ms", 30000)
	v.SetDefault("serial_printer_history_limit", 50)
	v.SetDefault("serial_printer_idle_flush_ms", 500)
	v.SetDefault("atlona_reconnect_base_ms", 250)
	v.SetDefault("atlona_reconnect_max_ms", 30000)
	v.SetDefault("sidecar_host", "")
	v.SetDefault("sidecar_port", "8081")
	v.SetDefault("sheets_worker_url", "")
	v.SetDefault("sheets_max_pending", 64)
	v.SetDefault("sheets_timeout_ms", 30000)
	v.SetDefault("sheets_lock_mode", "none")
	v.SetDefault("sheets_auth_strategy", "none")
	v.SetDefault("log_ingest_token", "")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("rescan_interval_ms", 5000)
}

// Load builds a Config from environment variables (and, if present,
// pflag-bound command-line flags), falling back to documented defaults
// for any value that's unset or fails to parse.
func Load(args []string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("matchers")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bench-orchestrator")
	// Matcher list lives in an optional matchers.yaml; absence is not an
	// error (discovery simply starts with zero matchers configured).
	_ = v.MergeInConfig()

	fs := pflag.NewFlagSet("bench-orchestrator", pflag.ContinueOnError)
	fs.String("listen-addr", ":8080", "HTTP/WS listen address")
	fs.String("sidecar-host", "", "capture sidecar host")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	_ = v.BindPFlag("listen_addr", fs.Lookup("listen-addr"))
	_ = v.BindPFlag("sidecar_host", fs.Lookup("sidecar-host"))

	// A numeric setting whose value does not parse as an integer falls
	// back to its default instead of failing the whole load.
	dv := viper.New()
	defaults(dv)
	for _, k := range dv.AllKeys() {
		if _, numeric := dv.Get(k).(int); !numeric {
			continue
		}
		if _, err := strconv.ParseInt(v.GetString(k), 0, 0); err != nil {
			v.Set(k, dv.Get(k))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	matchers, err := decodeMatchers(v)
	if err != nil {
		return nil, err
	}
	cfg.Matchers = matchers
	return &cfg, nil
}

func (c *Config) WSHeartbeatInterval() time.Duration {
	return durationMs(c.WSHeartbeatIntervalMs, time.Second)
}

func (c *Config) WSReconnectBase() time.Duration {
	return durationMs(c.WSReconnectBaseMs, 250*time.Millisecond)
}

func (c *Config) WSReconnectMax() time.Duration {
	return durationMs(c.WSReconnectMaxMs, 30*time.Second)
}

func (c *Config) RescanInterval() time.Duration {
	return durationMs(c.RescanIntervalMs, 5*time.Second)
}

func durationMs(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
