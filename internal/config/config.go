package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BackendBase    string        `yaml:"backend_base"`
	ProfilePath    string        `yaml:"profile_path"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	RunningPollMin time.Duration `yaml:"running_poll_min"`
	RunningPollMax time.Duration `yaml:"running_poll_max"`
	IdlePollMin    time.Duration `yaml:"idle_poll_min"`
	IdlePollMax    time.Duration `yaml:"idle_poll_max"`
	PrinterFields  []string      `yaml:"printer_fields"`

	WebcamSettleDelay     time.Duration `yaml:"webcam_settle_delay"`
	WebcamDefaultInterval time.Duration `yaml:"webcam_default_interval"`
	WebcamRetryDelay      time.Duration `yaml:"webcam_retry_delay"`

	RefreshLead       time.Duration `yaml:"refresh_lead"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

func DefaultConfig() Config {
	return Config{
		BackendBase:           "http://localhost:8000/api",
		ProfilePath:           defaultProfilePath(),
		LogLevel:              "info",
		LogFormat:             "json",
		RequestTimeout:        10 * time.Second,
		RunningPollMin:        5 * time.Second,
		RunningPollMax:        9 * time.Second,
		IdlePollMin:           11 * time.Second,
		IdlePollMax:           18 * time.Second,
		PrinterFields:         []string{"job", "status", "webcam", "lights"},
		WebcamSettleDelay:     300 * time.Millisecond,
		WebcamDefaultInterval: 60 * time.Second,
		WebcamRetryDelay:      5 * time.Second,
		RefreshLead:           90 * time.Second,
		KeepaliveInterval:     30 * time.Second,
	}
}

// Load overlays the YAML file at path onto the defaults, then applies
// PRINTWATCH_* environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path = strings.TrimSpace(path); path != "" {
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
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PRINTWATCH_BACKEND_BASE"); ok && strings.TrimSpace(v) != "" {
		c.BackendBase = strings.TrimSpace(v)
	}
	if v, ok := lookup("PRINTWATCH_PROFILE_PATH"); ok && strings.TrimSpace(v) != "" {
		c.ProfilePath = strings.TrimSpace(v)
	}
	if v, ok := lookup("PRINTWATCH_LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		c.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := lookup("PRINTWATCH_LOG_FORMAT"); ok && strings.TrimSpace(v) != "" {
		c.LogFormat = strings.TrimSpace(v)
	}
	if v, ok := lookup("PRINTWATCH_REQUEST_TIMEOUT"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PRINTWATCH_REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = d
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BackendBase) == "" {
		return fmt.Errorf("backend_base is required")
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if c.RunningPollMin <= 0 || c.RunningPollMax < c.RunningPollMin {
		return fmt.Errorf("invalid running poll window %s..%s", c.RunningPollMin, c.RunningPollMax)
	}
	if c.IdlePollMin <= 0 || c.IdlePollMax < c.IdlePollMin {
		return fmt.Errorf("invalid idle poll window %s..%s", c.IdlePollMin, c.IdlePollMax)
	}
	if c.WebcamDefaultInterval <= 0 {
		return fmt.Errorf("webcam_default_interval must be positive")
	}
	return nil
}

func defaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "printwatch.db"
	}
	return filepath.Join(home, ".local", "state", "printwatch", "profile.db")
}
