// Package config handles protect-motion configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/protect-motion/internal/retry"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/protect-motion/config.yaml,
// /etc/protect-motion/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "protect-motion", "config.yaml"))
	}

	paths = append(paths, "/etc/protect-motion/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all protect-motion configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// ControllerConfig defines the UniFi Protect controller connection and
// the motion detection tuning.
type ControllerConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// MotionScore is the minimum event score (0-100) that counts as
	// motion. Default 50.
	MotionScore float64 `yaml:"motion_score"`

	// PollIntervalMS is how often motion is polled. Default 15000.
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// InitialBackoffMS is the first retry delay of every controller
	// call. Default 500.
	InitialBackoffMS int `yaml:"initial_backoff_ms"`

	// MaxRetries is the total attempt budget of every controller call,
	// including the first. Default 2.
	MaxRetries int `yaml:"max_retries"`

	// RefreshIntervalSec is how often the camera roster is refreshed.
	// Default 300.
	RefreshIntervalSec int `yaml:"refresh_interval_sec"`

	// scoreSet records that motion_score appeared in the file, so an
	// explicit 0 survives applyDefaults.
	scoreSet bool
}

// PollInterval returns the motion poll interval.
func (c ControllerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// RefreshInterval returns the roster refresh interval.
func (c ControllerConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSec) * time.Second
}

// RetryPolicy returns the policy applied to each controller call.
func (c ControllerConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.MaxRetries,
		InitialDelay: time.Duration(c.InitialBackoffMS) * time.Millisecond,
		Multiplier:   2,
	}
}

// MQTTConfig defines the Home Assistant MQTT publisher. The publisher
// is disabled when Broker is empty.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether the publisher has enough to connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// MetricsConfig defines the Prometheus endpoint. Disabled when Listen
// is empty.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Defaults for fields left unset in the file.
const (
	DefaultMotionScore        = 50
	DefaultPollIntervalMS     = 15000
	DefaultInitialBackoffMS   = 500
	DefaultMaxRetries         = 2
	DefaultRefreshIntervalSec = 300
	DefaultDeviceName         = "protect-motion"
	DefaultDiscoveryPrefix    = "homeassistant"
	DefaultDataDir            = "./data"
)

// LoadDotEnv loads environment variables from path. Missing files are
// ignored. Variables already set in the environment win.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads configuration from a YAML file. A .env file in the same
// directory is loaded first so ${VAR} references can resolve secrets
// kept out of the YAML.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	var probe struct {
		Controller map[string]any `yaml:"controller"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &probe); err == nil {
		_, cfg.Controller.scoreSet = probe.Controller["motion_score"]
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	cc := &c.Controller
	if !cc.scoreSet && cc.MotionScore == 0 {
		cc.MotionScore = DefaultMotionScore
	}
	if cc.PollIntervalMS == 0 {
		cc.PollIntervalMS = DefaultPollIntervalMS
	}
	if cc.InitialBackoffMS == 0 {
		cc.InitialBackoffMS = DefaultInitialBackoffMS
	}
	if cc.MaxRetries == 0 {
		cc.MaxRetries = DefaultMaxRetries
	}
	if cc.RefreshIntervalSec == 0 {
		cc.RefreshIntervalSec = DefaultRefreshIntervalSec
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = DefaultDeviceName
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values the bridge cannot run
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	cc := c.Controller
	if cc.URL == "" {
		errs = append(errs, errors.New("controller.url is required"))
	} else if u, err := url.Parse(cc.URL); err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		errs = append(errs, fmt.Errorf("controller.url %q must be an http(s) URL", cc.URL))
	}
	if cc.Username == "" || cc.Password == "" {
		errs = append(errs, errors.New("controller.username and controller.password are required"))
	}
	if cc.MotionScore < 0 || cc.MotionScore > 100 {
		errs = append(errs, fmt.Errorf("controller.motion_score %v must be between 0 and 100", cc.MotionScore))
	}
	if cc.PollIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("controller.poll_interval_ms %d must be positive", cc.PollIntervalMS))
	}
	if cc.InitialBackoffMS < 0 {
		errs = append(errs, fmt.Errorf("controller.initial_backoff_ms %d must not be negative", cc.InitialBackoffMS))
	}
	if cc.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("controller.max_retries %d must be at least 1", cc.MaxRetries))
	}
	if cc.RefreshIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("controller.refresh_interval_sec %d must be positive", cc.RefreshIntervalSec))
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker))
		} else {
			switch u.Scheme {
			case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
			default:
				errs = append(errs, fmt.Errorf("mqtt.broker scheme %q is not supported", u.Scheme))
			}
		}
		if (c.MQTT.Username == "") != (c.MQTT.Password == "") {
			errs = append(errs, errors.New("mqtt.username and mqtt.password must be set together"))
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	return errors.Join(errs...)
}
