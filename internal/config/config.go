// Package config loads the process's ambient configuration — ports,
// thresholds, the child agent binary path — by layering defaults, an
// optional config file, and environment overrides via spf13/viper, in
// the style of the teacher's internal/config/layered.go.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the merged ambient process configuration.
type Config struct {
	ProjectsDir string `mapstructure:"projects_dir"`

	RPCAddr  string `mapstructure:"rpc_addr"`
	HTTPAddr string `mapstructure:"http_addr"`

	AgentCommand string   `mapstructure:"agent_command"`
	AgentArgs    []string `mapstructure:"agent_args"`

	MaxConcurrent int `mapstructure:"max_concurrent"`

	StallTimeoutSeconds  int `mapstructure:"stall_timeout_seconds"`
	StreamCloseTimeoutMS int `mapstructure:"stream_close_timeout_ms"`

	GenericRepeatWarn int `mapstructure:"generic_repeat_warn"`
	GenericRepeatKill int `mapstructure:"generic_repeat_kill"`
	PingPongWarn      int `mapstructure:"ping_pong_warn"`
	PingPongKill      int `mapstructure:"ping_pong_kill"`

	DebounceWindowMS int `mapstructure:"debounce_window_ms"`
}

// StallTimeout returns the configured stall timeout as a duration.
func (c Config) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// DebounceWindow returns the configured debounce window as a duration.
func (c Config) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceWindowMS) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("projects_dir", "./projects")
	v.SetDefault("rpc_addr", ":7077")
	v.SetDefault("http_addr", ":7078")
	v.SetDefault("agent_command", "claude-code")
	v.SetDefault("agent_args", []string{})
	v.SetDefault("max_concurrent", 4)
	v.SetDefault("stall_timeout_seconds", 300)
	v.SetDefault("stream_close_timeout_ms", 600000)
	v.SetDefault("generic_repeat_warn", 3)
	v.SetDefault("generic_repeat_kill", 5)
	v.SetDefault("ping_pong_warn", 3)
	v.SetDefault("ping_pong_kill", 4)
	v.SetDefault("debounce_window_ms", 1500)
}

// Load layers defaults, an optional config file at path (searched as
// "dispatchd.yaml"/"dispatchd.json"/etc. when path is empty), and
// environment variables prefixed DISPATCHD_ (e.g. DISPATCHD_RPC_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("dispatchd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dispatchd")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
