package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog/log"
)

// Config holds the tunable imaging settings. Values outside the
// supported ranges are clamped on load rather than rejected.
type Config struct {
	BlockSizeBytes        int    `json:"block_size_bytes"`
	ProgressSampleMS      int    `json:"progress_sample_ms"`
	LogDir                string `json:"log_dir"`
	AllowLastDiskFallback bool   `json:"allow_last_disk_fallback"`
	Verbose               bool   `json:"verbose"`
}

const (
	defaultBlockSize = 1 << 20
	defaultSampleMS  = 100
	appDirName       = "rawburn"
	configFileName   = "config.json"
)

var config *Config

// Path returns the config file location under the XDG config home.
func Path() string {
	return filepath.Join(xdg.ConfigHome, appDirName, configFileName)
}

// DefaultLogDir returns the log location under the XDG state home.
func DefaultLogDir() string {
	return filepath.Join(xdg.StateHome, appDirName)
}

func defaults() *Config {
	return &Config{
		BlockSizeBytes:   defaultBlockSize,
		ProgressSampleMS: defaultSampleMS,
		LogDir:           DefaultLogDir(),
	}
}

// InitConfig loads the config file, creating it with defaults when
// missing. A corrupted file is replaced with defaults and a warning.
func InitConfig() error {
	config = defaults()

	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return SaveConfig()
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, config); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config file corrupted, recreating with defaults")
		config = defaults()
		return SaveConfig()
	}
	config.clamp()
	return nil
}

// GetConfig returns the loaded config, initializing defaults if
// InitConfig has not run.
func GetConfig() *Config {
	if config == nil {
		config = defaults()
	}
	return config
}

// SaveConfig writes the current config to disk.
func SaveConfig() error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(), data, 0o644)
}

// SampleInterval returns the progress sampling cadence.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.ProgressSampleMS) * time.Millisecond
}

func (c *Config) clamp() {
	if c.BlockSizeBytes <= 0 {
		c.BlockSizeBytes = defaultBlockSize
	}
	if c.ProgressSampleMS <= 0 {
		c.ProgressSampleMS = defaultSampleMS
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir()
	}
}
