package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named spawn template.
type Profile struct {
	DisplayName string `yaml:"display_name"`
	Command     string `yaml:"command"`
	WorkingDir  string `yaml:"working_dir"`
}

type Config struct {
	SocketPath           string             `yaml:"socket_path"`
	ListenAddr           string             `yaml:"listen_addr"`
	DBPath               string             `yaml:"db_path"`
	SessionPrefix        string             `yaml:"session_prefix"`
	DefaultWorkingDir    string             `yaml:"default_working_dir"`
	TmuxHost             string             `yaml:"tmux_host"`
	CommandTimeout       time.Duration      `yaml:"command_timeout"`
	ConnectTimeout       time.Duration      `yaml:"connect_timeout"`
	RetryBackoff         []time.Duration    `yaml:"retry_backoff"`
	SpawnTimeout         time.Duration      `yaml:"spawn_timeout"`
	RebindStagger        time.Duration      `yaml:"rebind_stagger"`
	ReconcileInterval    time.Duration      `yaml:"reconcile_interval"`
	HostDownWindow       time.Duration      `yaml:"host_down_window"`
	HostDownFailures     int                `yaml:"host_down_failures"`
	HostRecoverSuccesses int                `yaml:"host_recover_successes"`
	DedupCapacity        int                `yaml:"dedup_capacity"`
	RequestDedupCapacity int                `yaml:"request_dedup_capacity"`
	BulkConcurrency      int                `yaml:"bulk_concurrency"`
	LogLevel             string             `yaml:"log_level"`
	LogPretty            bool               `yaml:"log_pretty"`
	Profiles             map[string]Profile `yaml:"profiles"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		DBPath:               defaultDBPath(),
		SessionPrefix:        "ctt",
		CommandTimeout:       5 * time.Second,
		ConnectTimeout:       3 * time.Second,
		RetryBackoff:         []time.Duration{250 * time.Millisecond, 1 * time.Second},
		SpawnTimeout:         5 * time.Second,
		RebindStagger:        50 * time.Millisecond,
		ReconcileInterval:    5 * time.Second,
		HostDownWindow:       30 * time.Second,
		HostDownFailures:     3,
		HostRecoverSuccesses: 2,
		DedupCapacity:        4096,
		RequestDedupCapacity: 1024,
		BulkConcurrency:      4,
		LogLevel:             "info",
		Profiles:             map[string]Profile{},
	}
}

// Load overlays the YAML file at path (if any) and CTT_* environment
// variables onto the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("CTT_SOCKET", &c.SocketPath)
	str("CTT_LISTEN", &c.ListenAddr)
	str("CTT_DB", &c.DBPath)
	str("CTT_SESSION_PREFIX", &c.SessionPrefix)
	str("CTT_WORKDIR", &c.DefaultWorkingDir)
	str("CTT_TMUX_HOST", &c.TmuxHost)
	str("CTT_LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("CTT_LOG_PRETTY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CTT_LOG_PRETTY: %w", err)
		}
		c.LogPretty = b
	}
	if v, ok := lookup("CTT_SPAWN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CTT_SPAWN_TIMEOUT: %w", err)
		}
		c.SpawnTimeout = d
	}
	return nil
}

// EffectiveWorkingDir resolves the directory a new session starts in:
// an explicit request wins, then the profile's directory, then the global
// default, then the user's home. A leading ~ is expanded.
func EffectiveWorkingDir(requested, profileDir, globalDefault string) string {
	for _, candidate := range []string{requested, profileDir, globalDefault} {
		if c := strings.TrimSpace(candidate); c != "" {
			return expandHome(c)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "cttmux", "cttd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cttd.sock"
	}
	return filepath.Join(home, ".local", "state", "cttmux", "cttd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cttmux.db"
	}
	return filepath.Join(home, ".local", "state", "cttmux", "state.db")
}
