package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"sundial/internal/epd"
)

// Update modes for the refresh cycle.
const (
	// UpdateExplicit runs power up, write, refresh, power down.
	UpdateExplicit = "explicit"
	// UpdateSleeping lets the controller power itself off after refreshing.
	UpdateSleeping = "sleeping"
)

// PanelConfig describes how the JD79661 is wired.
type PanelConfig struct {
	// SPIPort is the periph.io SPI port name; empty selects the first port.
	SPIPort string `yaml:"spi_port" json:"spi_port"`
	// SpeedHz is the SPI clock rate.
	SpeedHz int64 `yaml:"speed_hz" json:"speed_hz"`

	// Control line names as known to periph.io's gpioreg (e.g. "GPIO25").
	DCPin   string `yaml:"dc_pin" json:"dc_pin"`
	RSTPin  string `yaml:"rst_pin" json:"rst_pin"`
	CSPin   string `yaml:"cs_pin" json:"cs_pin"`
	BusyPin string `yaml:"busy_pin" json:"busy_pin"`

	// BusyTimeout bounds each wait on the busy line. Zero waits forever.
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// ThemeConfig names the two inks used for drawing.
type ThemeConfig struct {
	Background string `yaml:"background" json:"background"`
	Text       string `yaml:"text" json:"text"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the preview server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the preview server address. Empty disables the server.
	Listen string `yaml:"listen" json:"listen"`

	// RefreshCron is a cron-style schedule string (e.g. "0 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// UpdateMode is "explicit" or "sleeping".
	UpdateMode string `yaml:"update_mode" json:"update_mode"`

	// LogLevel is "debug", "info" or "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	// FixedTime, if set, freezes the clock at this Unix time. Useful on
	// boards without a battery-backed RTC and for reproducible previews.
	FixedTime *int64 `yaml:"fixed_time,omitempty" json:"fixed_time,omitempty"`

	Theme ThemeConfig `yaml:"theme" json:"theme"`
	Panel PanelConfig `yaml:"panel" json:"panel"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		RefreshCron: "0 * * * *",
		UpdateMode:  UpdateExplicit,
		LogLevel:    "info",
		Theme: ThemeConfig{
			Background: "white",
			Text:       "black",
		},
		Panel: PanelConfig{
			SPIPort: "",
			SpeedHz: int64(epd.DefaultSpeed / physic.Hertz),
			DCPin:   epd.DefaultPins.DC,
			RSTPin:  epd.DefaultPins.RST,
			CSPin:   epd.DefaultPins.CS,
			BusyPin: epd.DefaultPins.Busy,
		},
	}
}

// Normalize fills in missing/zero values with defaults so partially-filled
// files still behave.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	switch c.UpdateMode {
	case UpdateExplicit, UpdateSleeping:
	default:
		c.UpdateMode = UpdateExplicit
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Theme.Background == "" {
		c.Theme.Background = def.Theme.Background
	}
	if c.Theme.Text == "" {
		c.Theme.Text = def.Theme.Text
	}
	if c.Panel.SpeedHz <= 0 {
		c.Panel.SpeedHz = def.Panel.SpeedHz
	}
	if c.Panel.DCPin == "" {
		c.Panel.DCPin = def.Panel.DCPin
	}
	if c.Panel.RSTPin == "" {
		c.Panel.RSTPin = def.Panel.RSTPin
	}
	if c.Panel.CSPin == "" {
		c.Panel.CSPin = def.Panel.CSPin
	}
	if c.Panel.BusyPin == "" {
		c.Panel.BusyPin = def.Panel.BusyPin
	}
	if c.Panel.BusyTimeout < 0 {
		c.Panel.BusyTimeout = 0
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".sundial-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
