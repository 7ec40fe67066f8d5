package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ctt", cfg.SessionPrefix)
	assert.Equal(t, 5*time.Second, cfg.SpawnTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.RebindStagger)
	assert.Equal(t, 4096, cfg.DedupCapacity)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cttd.yaml")
	body := `
session_prefix: work
spawn_timeout: 2s
rebind_stagger: 10ms
bulk_concurrency: 8
profiles:
  lazygit:
    command: lazygit
    working_dir: ~/src
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "work", cfg.SessionPrefix)
	assert.Equal(t, 2*time.Second, cfg.SpawnTimeout)
	assert.Equal(t, 10*time.Millisecond, cfg.RebindStagger)
	assert.Equal(t, 8, cfg.BulkConcurrency)
	assert.Equal(t, 5*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, "lazygit", cfg.Profiles["lazygit"].Command)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("spawn_timeout: [nope"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"CTT_SESSION_PREFIX": "dev",
		"CTT_TMUX_HOST":      "vm1",
		"CTT_LOG_PRETTY":     "true",
		"CTT_SPAWN_TIMEOUT":  "750ms",
	}
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "dev", cfg.SessionPrefix)
	assert.Equal(t, "vm1", cfg.TmuxHost)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, 750*time.Millisecond, cfg.SpawnTimeout)

	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "CTT_LOG_PRETTY" {
			return "maybe", true
		}
		return "", false
	})
	require.Error(t, err)
}

func TestEffectiveWorkingDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "/req", EffectiveWorkingDir("/req", "/profile", "/global"))
	assert.Equal(t, "/profile", EffectiveWorkingDir("", "/profile", "/global"))
	assert.Equal(t, "/global", EffectiveWorkingDir("  ", "", "/global"))
	assert.Equal(t, filepath.Join(home, "src"), EffectiveWorkingDir("", "~/src", ""))
	assert.Equal(t, home, EffectiveWorkingDir("", "", ""))
}
