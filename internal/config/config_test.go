package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("BOTFLEET_LISTEN_ADDR", ":9999")
	env, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9999", env.ListenAddr)
	assert.Equal(t, "sqlite", env.Store)
	assert.Equal(t, time.Hour, env.TokenTTL)
}

func TestLoadSettingsDefaultsWithoutFile(t *testing.T) {
	l, err := LoadSettings("")
	require.NoError(t, err)
	s := l.Current()
	assert.Equal(t, DefaultReconnectInterval, s.ReconnectInterval)
	assert.Equal(t, DefaultMaintenanceInterval, s.MaintenanceInterval)
	assert.Equal(t, "/", s.Prefix)
	assert.False(t, s.Premium)
}

func TestLoadSettingsFromYAMLAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
premium: true
prefix: "!"
disabledCommands: [ping]
loginOptions:
  selfListen: false
reconnectInterval: 2h
cacheCleanup:
  enabled: true
  dirs: [cache]
`), 0o600))

	l, err := LoadSettings(path)
	require.NoError(t, err)
	s := l.Current()
	assert.True(t, s.Premium)
	assert.Equal(t, "!", s.Prefix)
	assert.True(t, s.CommandDisabled("ping"))
	assert.False(t, s.EventDisabled("ping"))
	assert.Equal(t, 2*time.Hour, s.ReconnectInterval)
	assert.Equal(t, []string{"cache"}, s.CacheCleanup.Dirs)
	assert.Contains(t, s.LoginOptions, "selflisten")

	var notified *Settings
	l.OnChange(func(s *Settings) { notified = s })

	require.NoError(t, os.WriteFile(path, []byte("prefix: \"#\"\n"), 0o600))
	l.reload(fsnotify.Event{Name: path, Op: fsnotify.Write})

	assert.Equal(t, "#", l.Current().Prefix)
	assert.False(t, l.Current().CommandDisabled("ping"))
	require.NotNil(t, notified)
	assert.Equal(t, "#", notified.Prefix)
	assert.Equal(t, "!", s.Prefix, "earlier snapshots are immutable")
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"prefix":"!"}`), 0o600))
	l, err := LoadSettings(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"prefix":`), 0o600))
	l.reload(fsnotify.Event{Name: path, Op: fsnotify.Write})
	assert.Equal(t, "!", l.Current().Prefix)
}

func TestStaticSource(t *testing.T) {
	src := Static(Settings{Prefix: "?"})
	assert.Equal(t, "?", src.Current().Prefix)
	assert.Equal(t, DefaultReconnectInterval, src.Current().ReconnectInterval)
}

func TestCommandDisabledIgnoresCase(t *testing.T) {
	s := &Settings{DisabledCommands: []string{"Ping"}, DisabledEvents: []string{"welcome"}}
	assert.True(t, s.CommandDisabled("ping"))
	assert.True(t, s.CommandDisabled("PING"))
	assert.False(t, s.CommandDisabled("help"))
	assert.True(t, s.EventDisabled("welcome"))

	var none *Settings
	assert.False(t, none.CommandDisabled("ping"))
}
