package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultReconnectInterval   = 6 * time.Hour
	DefaultMaintenanceInterval = time.Second
)

// Settings is the deployment settings snapshot.
type Settings struct {
	Premium             bool           `mapstructure:"premium"`
	Prefix              string         `mapstructure:"prefix"`
	BotName             string         `mapstructure:"botName"`
	DisabledCommands    []string       `mapstructure:"disabledCommands"`
	DisabledEvents      []string       `mapstructure:"disabledEvents"`
	LoginOptions        map[string]any `mapstructure:"loginOptions"`
	ReconnectInterval   time.Duration  `mapstructure:"reconnectInterval"`
	MaintenanceInterval time.Duration  `mapstructure:"maintenanceInterval"`
	AutoRestart         JobSettings    `mapstructure:"autoRestart"`
	CacheCleanup        CacheSettings  `mapstructure:"cacheCleanup"`
}

type JobSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type CacheSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Dirs     []string      `mapstructure:"dirs"`
}

// CommandDisabled reports whether the command name is in the disabled set.
// Command names compare case-insensitively.
func (s *Settings) CommandDisabled(name string) bool {
	return s != nil && slices.ContainsFunc(s.DisabledCommands, func(d string) bool {
		return strings.EqualFold(d, name)
	})
}

// EventDisabled reports whether the event name is in the disabled set.
func (s *Settings) EventDisabled(name string) bool {
	return s != nil && slices.Contains(s.DisabledEvents, name)
}

// Source provides the current settings snapshot. Snapshots are immutable;
// a reload publishes a new one.
type Source interface {
	Current() *Settings
}

type staticSource struct{ s *Settings }

func (s staticSource) Current() *Settings { return s.s }

// Static returns a Source that always yields s.
func Static(s Settings) Source {
	withDefaults(&s)
	return staticSource{s: &s}
}

// Loader reads the settings file with viper and keeps the latest snapshot.
type Loader struct {
	v       *viper.Viper
	log     *slog.Logger
	current atomic.Pointer[Settings]

	mu        sync.Mutex
	listeners []func(*Settings)
}

type LoaderOption func(*Loader)

func WithLogger(log *slog.Logger) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// LoadSettings reads path (JSON, YAML or TOML by extension). An empty path
// yields the defaults.
func LoadSettings(path string, opts ...LoaderOption) (*Loader, error) {
	l := &Loader{v: viper.New(), log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	setDefaults(l.v)
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read settings file: %w", err)
			}
		}
	}
	s, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current.Store(s)
	return l, nil
}

// Current implements Source.
func (l *Loader) Current() *Settings { return l.current.Load() }

// OnChange registers fn to run after every successful reload.
func (l *Loader) OnChange(fn func(*Settings)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Watch starts watching the settings file for changes.
func (l *Loader) Watch() {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(l.reload)
	l.v.WatchConfig()
}

func (l *Loader) reload(ev fsnotify.Event) {
	if err := l.v.ReadInConfig(); err != nil {
		l.log.Error("config.reload.fail", slog.String("file", ev.Name), slog.String("err", err.Error()))
		return
	}
	s, err := l.decode()
	if err != nil {
		l.log.Error("config.reload.fail", slog.String("file", ev.Name), slog.String("err", err.Error()))
		return
	}
	l.current.Store(s)
	l.log.Info("config.reload.ok", slog.String("file", ev.Name), slog.String("op", ev.Op.String()))

	l.mu.Lock()
	listeners := append([]func(*Settings)(nil), l.listeners...)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (l *Loader) decode() (*Settings, error) {
	var s Settings
	if err := l.v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	withDefaults(&s)
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("premium", false)
	v.SetDefault("prefix", "/")
	v.SetDefault("botName", "botfleet")
	v.SetDefault("reconnectInterval", DefaultReconnectInterval)
	v.SetDefault("maintenanceInterval", DefaultMaintenanceInterval)
	v.SetDefault("autoRestart.enabled", false)
	v.SetDefault("autoRestart.interval", time.Hour)
	v.SetDefault("cacheCleanup.enabled", false)
	v.SetDefault("cacheCleanup.interval", 30*time.Minute)
}

func withDefaults(s *Settings) {
	if s.ReconnectInterval <= 0 {
		s.ReconnectInterval = DefaultReconnectInterval
	}
	if s.MaintenanceInterval <= 0 {
		s.MaintenanceInterval = DefaultMaintenanceInterval
	}
}
