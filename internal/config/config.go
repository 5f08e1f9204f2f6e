// Package config loads the overlay client configuration from defaults, an
// optional YAML file, .env files and OVERLAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/logger"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/overlay"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/playback"
)

// Config is the complete client configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Sync     SyncConfig     `yaml:"sync"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Recorder RecorderConfig `yaml:"recorder"`
	Log      LogConfig      `yaml:"log"`
}

// BackendConfig locates the detection backend.
type BackendConfig struct {
	BaseURL          string        `yaml:"base_url"`   // upload/start API
	SocketURL        string        `yaml:"socket_url"` // shared annotation stream
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// SyncConfig controls the playback synchronizer.
type SyncConfig struct {
	DefaultFPS     float64 `yaml:"default_fps"`
	DriftTolerance float64 `yaml:"drift_tolerance"` // seconds
	LatePolicy     string  `yaml:"late_policy"`     // accept, drop
}

// OverlayConfig controls classification and drawing.
type OverlayConfig struct {
	ViolationLabels   []string `yaml:"violation_labels"`
	MaxWidth          int      `yaml:"max_width"`
	MaxHeight         int      `yaml:"max_height"`
	PlaceholderWidth  int      `yaml:"placeholder_width"`
	PlaceholderHeight int      `yaml:"placeholder_height"`
	LineWidth         int      `yaml:"line_width"`
}

// MonitorConfig controls the local HTTP monitor.
type MonitorConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Metrics        bool          `yaml:"metrics"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// RecorderConfig controls writing rendered overlays to disk.
type RecorderConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
	Quality   int    `yaml:"quality"`
}

// LogConfig controls the module logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Color      bool   `yaml:"color"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns a config aligned with the backend's local defaults.
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:          "http://127.0.0.1:8000",
			SocketURL:        "ws://127.0.0.1:8000/ws",
			RequestTimeout:   5 * time.Minute,
			HandshakeTimeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			DefaultFPS:     playback.DefaultFPS,
			DriftTolerance: playback.DefaultDriftTolerance,
			LatePolicy:     "accept",
		},
		Overlay: OverlayConfig{
			PlaceholderWidth:  640,
			PlaceholderHeight: 360,
			LineWidth:         2,
		},
		Monitor: MonitorConfig{
			Enabled:        true,
			Addr:           ":8090",
			Metrics:        true,
			JPEGQuality:    80,
			StatusInterval: 2 * time.Second,
		},
		Recorder: RecorderConfig{
			OutputDir: "./overlays",
			Quality:   90,
		},
		Log: LogConfig{
			Level:      "info",
			Color:      true,
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the config: defaults, then the YAML file at path (if any), then
// OVERLAY_* environment variables. The result is not validated so callers can
// apply their own overrides first; call Validate before use.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment. Missing files are
// skipped; variables already set are not overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
		logger.Debug("Config", "Loaded environment from %s", f)
	}
	return nil
}

// ApplyEnv overrides cfg from OVERLAY_* variables found through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("OVERLAY_BACKEND_URL", &cfg.Backend.BaseURL)
	str("OVERLAY_SOCKET_URL", &cfg.Backend.SocketURL)
	num("OVERLAY_DEFAULT_FPS", &cfg.Sync.DefaultFPS)
	num("OVERLAY_DRIFT_TOLERANCE", &cfg.Sync.DriftTolerance)
	str("OVERLAY_LATE_POLICY", &cfg.Sync.LatePolicy)
	if v, ok := lookup("OVERLAY_VIOLATION_LABELS"); ok && v != "" {
		cfg.Overlay.ViolationLabels = splitList(v)
	}
	flag("OVERLAY_MONITOR", &cfg.Monitor.Enabled)
	str("OVERLAY_MONITOR_ADDR", &cfg.Monitor.Addr)
	flag("OVERLAY_RECORD", &cfg.Recorder.Enabled)
	str("OVERLAY_RECORD_DIR", &cfg.Recorder.OutputDir)
	str("OVERLAY_LOG_LEVEL", &cfg.Log.Level)
	str("OVERLAY_LOG_FILE", &cfg.Log.File)
	flag("OVERLAY_LOG_COLOR", &cfg.Log.Color)

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects values the client cannot run with.
func (c Config) Validate() error {
	var errs []error
	if err := checkURL(c.Backend.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("backend.base_url: %w", err))
	}
	if err := checkURL(c.Backend.SocketURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("backend.socket_url: %w", err))
	}
	if !(c.Sync.DefaultFPS > 0) {
		errs = append(errs, fmt.Errorf("sync.default_fps must be positive, got %v", c.Sync.DefaultFPS))
	}
	if !(c.Sync.DriftTolerance >= 0) {
		errs = append(errs, fmt.Errorf("sync.drift_tolerance must not be negative, got %v", c.Sync.DriftTolerance))
	}
	if _, err := playback.ParseLatePolicy(c.Sync.LatePolicy); err != nil {
		errs = append(errs, fmt.Errorf("sync.late_policy: %w", err))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		errs = append(errs, errors.New("monitor.addr is required when the monitor is enabled"))
	}
	if c.Recorder.Enabled && c.Recorder.OutputDir == "" {
		errs = append(errs, errors.New("recorder.output_dir is required when recording"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be a %s URL", raw, strings.Join(schemes, "/"))
}

// PlaybackConfig converts the sync section. Call after Validate.
func (c Config) PlaybackConfig() playback.Config {
	policy, _ := playback.ParseLatePolicy(c.Sync.LatePolicy)
	return playback.Config{
		DefaultFPS:     c.Sync.DefaultFPS,
		DriftTolerance: c.Sync.DriftTolerance,
		LatePolicy:     policy,
	}
}

// RendererConfig converts the overlay section.
func (c Config) RendererConfig() overlay.RendererConfig {
	return overlay.RendererConfig{
		MaxWidth:          c.Overlay.MaxWidth,
		MaxHeight:         c.Overlay.MaxHeight,
		PlaceholderWidth:  c.Overlay.PlaceholderWidth,
		PlaceholderHeight: c.Overlay.PlaceholderHeight,
		LineWidth:         c.Overlay.LineWidth,
	}
}

// LogFile returns the rotation settings, or nil when no log file is set.
func (c Config) LogFile() *logger.FileConfig {
	if c.Log.File == "" {
		return nil
	}
	return &logger.FileConfig{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}
