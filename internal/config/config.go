// Package config loads and persists the caster settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	appDirName = "castaudio"
	fileName   = "settings.json"

	DefaultLagValue         = 1000
	DefaultAutoRestartDelay = 5 * time.Second
	DefaultVolumeStep       = 0.05
	DefaultStatusInterval   = 10 * time.Second

	keyHotkeys          = "hotkeys"
	keyShowLog          = "show_log"
	keyShowLagControl   = "show_lag_control"
	keyLagValue         = "lag_value"
	keyAutoStart        = "auto_start"
	keyAutoRestart      = "auto_restart"
	keyAutoRestartDelay = "auto_restart_delay"
	keyShowWindow       = "show_window"
	keyStaticDevices    = "static_devices"
	keyInterface        = "interface"
	keyMetricsAddr      = "metrics_addr"
	keyVolumeStep       = "volume_step"
	keyStatusInterval   = "status_interval"
)

const reloadDelay = 50 * time.Millisecond

type Config struct {
	Hotkeys          bool          `mapstructure:"hotkeys"`
	ShowLog          bool          `mapstructure:"show_log"`
	ShowLagControl   bool          `mapstructure:"show_lag_control"`
	LagValue         int           `mapstructure:"lag_value"`
	AutoStart        bool          `mapstructure:"auto_start"`
	AutoRestart      bool          `mapstructure:"auto_restart"`
	AutoRestartDelay time.Duration `mapstructure:"auto_restart_delay"`
	ShowWindow       bool          `mapstructure:"show_window"`
	StaticDevices    string        `mapstructure:"static_devices"`
	Interface        string        `mapstructure:"interface"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	VolumeStep       float64       `mapstructure:"volume_step"`
	StatusInterval   time.Duration `mapstructure:"status_interval"`
}

// Default returns the settings a fresh install starts with.
func Default() Config {
	return Config{
		Hotkeys:          true,
		ShowWindow:       true,
		LagValue:         DefaultLagValue,
		AutoRestartDelay: DefaultAutoRestartDelay,
		VolumeStep:       DefaultVolumeStep,
		StatusInterval:   DefaultStatusInterval,
	}
}

// normalize pulls out of range values back to their defaults.
func (c *Config) normalize() {
	if c.LagValue <= 0 || c.LagValue > DefaultLagValue {
		c.LagValue = DefaultLagValue
	}
	if c.AutoRestartDelay <= 0 {
		c.AutoRestartDelay = DefaultAutoRestartDelay
	}
	if c.VolumeStep <= 0 || c.VolumeStep > 1 {
		c.VolumeStep = DefaultVolumeStep
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
}

// Manager owns one settings file.
type Manager struct {
	path string
	v    *viper.Viper

	mu      sync.RWMutex
	current Config

	Logger zerolog.Logger
}

// DefaultPath is settings.json under the user's config directory.
func DefaultPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("DefaultPath: failed to get config dir due to error %w", err)
	}

	return filepath.Join(oscfg, appDirName, fileName), nil
}

// New prepares a manager for path, or for DefaultPath when path is empty.
// Nothing is read until Load.
func New(path string, logger zerolog.Logger) (*Manager, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v, Default())

	return &Manager{
		path:    path,
		v:       v,
		current: Default(),
		Logger:  logger,
	}, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault(keyHotkeys, c.Hotkeys)
	v.SetDefault(keyShowLog, c.ShowLog)
	v.SetDefault(keyShowLagControl, c.ShowLagControl)
	v.SetDefault(keyLagValue, c.LagValue)
	v.SetDefault(keyAutoStart, c.AutoStart)
	v.SetDefault(keyAutoRestart, c.AutoRestart)
	v.SetDefault(keyAutoRestartDelay, c.AutoRestartDelay.String())
	v.SetDefault(keyShowWindow, c.ShowWindow)
	v.SetDefault(keyStaticDevices, c.StaticDevices)
	v.SetDefault(keyInterface, c.Interface)
	v.SetDefault(keyMetricsAddr, c.MetricsAddr)
	v.SetDefault(keyVolumeStep, c.VolumeStep)
	v.SetDefault(keyStatusInterval, c.StatusInterval.String())
}

func set(v *viper.Viper, c Config) {
	v.Set(keyHotkeys, c.Hotkeys)
	v.Set(keyShowLog, c.ShowLog)
	v.Set(keyShowLagControl, c.ShowLagControl)
	v.Set(keyLagValue, c.LagValue)
	v.Set(keyAutoStart, c.AutoStart)
	v.Set(keyAutoRestart, c.AutoRestart)
	v.Set(keyAutoRestartDelay, c.AutoRestartDelay.String())
	v.Set(keyShowWindow, c.ShowWindow)
	v.Set(keyStaticDevices, c.StaticDevices)
	v.Set(keyInterface, c.Interface)
	v.Set(keyMetricsAddr, c.MetricsAddr)
	v.Set(keyVolumeStep, c.VolumeStep)
	v.Set(keyStatusInterval, c.StatusInterval.String())
}

func (m *Manager) Path() string {
	return m.path
}

// Current returns the last successfully loaded settings.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Load reads the settings file. A missing file is created with the defaults.
func (m *Manager) Load() error {
	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
			return fmt.Errorf("Load: failed to create default path due to error %w", err)
		}
		if err := m.v.WriteConfigAs(m.path); err != nil {
			return fmt.Errorf("Load: failed to create default config due to error %w", err)
		}
		m.Logger.Info().Str("Method", "Load").Str("Path", m.path).Msg("created default settings")
	}

	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("Load: failed to read config due to error %w", err)
	}

	return m.populate()
}

func (m *Manager) populate() error {
	_, err := m.decode()
	return err
}

// decode makes the viper state current and reports whether it differs from
// what was current before.
func (m *Manager) decode() (bool, error) {
	var c Config
	err := m.v.Unmarshal(&c, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = true
	})
	if err != nil {
		return false, fmt.Errorf("populate: failed to decode config due to error %w", err)
	}
	c.normalize()

	m.mu.Lock()
	changed := m.current != c
	m.current = c
	m.mu.Unlock()

	m.Logger.Debug().Str("Method", "populate").Interface("Config", c).Msg("settings loaded")
	return changed, nil
}

// Save persists c and makes it current.
func (m *Manager) Save(c Config) error {
	c.normalize()
	set(m.v, c)

	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("Save: failed to create config dir due to error %w", err)
	}
	if err := m.v.WriteConfigAs(m.path); err != nil {
		return fmt.Errorf("Save: failed save config due to error %w", err)
	}

	m.mu.Lock()
	m.current = c
	m.mu.Unlock()
	return nil
}

// WatchChanges reloads the file whenever it is written and hands the new
// settings to fn when they changed. A file that fails to parse keeps the
// previous settings.
func (m *Manager) WatchChanges(fn func(Config)) {
	m.v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}

		// let the editor finish writing
		time.Sleep(reloadDelay)
		if err := m.v.ReadInConfig(); err != nil {
			m.Logger.Warn().Str("Method", "WatchChanges").Err(err).Msg("failed to reload settings")
			return
		}

		changed, err := m.decode()
		if err != nil {
			m.Logger.Warn().Str("Method", "WatchChanges").Err(err).Msg("failed to reload settings")
			return
		}
		if !changed {
			return
		}

		m.Logger.Info().Str("Method", "WatchChanges").Str("Path", m.path).Msg("settings reloaded")
		if fn != nil {
			fn(m.Current())
		}
	})
	m.v.WatchConfig()
}
