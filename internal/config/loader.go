// Package config loads the scheduler configuration from a YAML file and
// applies environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"outletscheduler/internal/banwindow"
	"outletscheduler/internal/daylight"
	"outletscheduler/internal/decision"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("8h", "30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// BanWindowConfig is the quiet-hours window as HH:MM times of day
type BanWindowConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// RemoteConfig points at the remote sunrise/sunset table
type RemoteConfig struct {
	DSN              string   `yaml:"dsn"`
	Table            string   `yaml:"table"`
	OffsetCorrection Duration `yaml:"offset_correction"`
	Timeout          Duration `yaml:"timeout"`
}

// OverrideLogConfig points at the manual-override event log. An empty DSN
// reuses the remote DSN; an empty DeviceID reuses the actuated device id.
type OverrideLogConfig struct {
	DSN      string   `yaml:"dsn"`
	Table    string   `yaml:"table"`
	DeviceID string   `yaml:"device_id"`
	Timeout  Duration `yaml:"timeout"`
}

// Cache backends
const (
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// CacheConfig selects and configures the local daylight cache
type CacheConfig struct {
	Backend       string   `yaml:"backend"`
	Path          string   `yaml:"path"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	KeyPrefix     string   `yaml:"key_prefix"`
	TTL           Duration `yaml:"ttl"`
}

// Device kinds
const (
	DeviceHA   = "homeassistant"
	DeviceMQTT = "mqtt"
)

// DeviceConfig selects and configures the actuator
type DeviceConfig struct {
	Kind            string   `yaml:"kind"`
	HAURL           string   `yaml:"ha_url"`
	HAToken         string   `yaml:"ha_token"`
	MQTTBroker      string   `yaml:"mqtt_broker"`
	MQTTClientID    string   `yaml:"mqtt_client_id"`
	MQTTUsername    string   `yaml:"mqtt_username"`
	MQTTPassword    string   `yaml:"mqtt_password"`
	MQTTTopicPrefix string   `yaml:"mqtt_topic_prefix"`
	Timeout         Duration `yaml:"timeout"`
}

// APIConfig configures the status server. Port 0 disables it.
type APIConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete scheduler configuration
type Config struct {
	DeviceID          string          `yaml:"device_id"`
	Timezone          string          `yaml:"timezone"`
	InterruptionDelay Duration        `yaml:"interruption_delay"`
	BanWindow         BanWindowConfig `yaml:"ban_window"`
	DefaultSunrise    string          `yaml:"default_sunrise"`
	DefaultSunset     string          `yaml:"default_sunset"`
	Latitude          *float64        `yaml:"latitude"`
	Longitude         *float64        `yaml:"longitude"`
	MaxPollInterval   Duration        `yaml:"max_poll_interval"`
	MinSleep          Duration        `yaml:"min_sleep"`
	OverrideMargin    Duration        `yaml:"override_margin"`
	CacheFreshness    Duration        `yaml:"cache_freshness"`

	Remote      RemoteConfig      `yaml:"remote"`
	OverrideLog OverrideLogConfig `yaml:"override_log"`
	Cache       CacheConfig       `yaml:"cache"`
	Device      DeviceConfig      `yaml:"device"`
	API         APIConfig         `yaml:"api"`
	Log         LogConfig         `yaml:"log"`

	DryRun   bool `yaml:"dry_run"`
	ReadOnly bool `yaml:"read_only"`
}

// Defaults returns the configuration used for every field the file and
// environment leave unset.
func Defaults() Config {
	return Config{
		Timezone:          "Local",
		InterruptionDelay: Duration(8 * time.Hour),
		BanWindow:         BanWindowConfig{From: "23:00", To: "08:00"},
		DefaultSunrise:    "07:30",
		DefaultSunset:     "18:00",
		MaxPollInterval:   Duration(decision.DefaultConfig.MaxPollInterval),
		MinSleep:          Duration(decision.DefaultConfig.MinSleep),
		OverrideMargin:    Duration(decision.DefaultConfig.OverrideMargin),
		CacheFreshness:    Duration(daylight.DefaultOptions.Freshness),
		Remote: RemoteConfig{
			Table:            "weather_outside",
			OffsetCorrection: Duration(daylight.DefaultOptions.OffsetCorrection),
			Timeout:          Duration(10 * time.Second),
		},
		OverrideLog: OverrideLogConfig{
			Table:   "eventlog",
			Timeout: Duration(10 * time.Second),
		},
		Cache: CacheConfig{
			Backend:   CacheSQLite,
			Path:      "data/daylight.db",
			RedisAddr: "localhost:6379",
			KeyPrefix: "outletscheduler:daylight",
			TTL:       Duration(7 * 24 * time.Hour),
		},
		Device: DeviceConfig{
			Kind:            DeviceHA,
			HAURL:           "ws://homeassistant.local:8123/api/websocket",
			MQTTClientID:    "outletscheduler",
			MQTTTopicPrefix: "",
			Timeout:         Duration(10 * time.Second),
		},
		API: APIConfig{Port: 8080},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string, logger *zap.Logger) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		logger.Debug("Loading config file", zap.String("path", path))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.String("device_id", cfg.DeviceID),
		zap.String("device_kind", cfg.Device.Kind),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("ban_window", cfg.BanWindow.From+"-"+cfg.BanWindow.To),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("read_only", cfg.ReadOnly))
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DEVICE_ID":     &c.DeviceID,
		"TIMEZONE":      &c.Timezone,
		"HA_URL":        &c.Device.HAURL,
		"HA_TOKEN":      &c.Device.HAToken,
		"REMOTE_DSN":    &c.Remote.DSN,
		"OVERRIDE_DSN":  &c.OverrideLog.DSN,
		"CACHE_BACKEND": &c.Cache.Backend,
		"CACHE_PATH":    &c.Cache.Path,
		"REDIS_ADDR":    &c.Cache.RedisAddr,
		"MQTT_BROKER":   &c.Device.MQTTBroker,
		"DEVICE_KIND":   &c.Device.Kind,
		"LOG_LEVEL":     &c.Log.Level,
		"LOG_FORMAT":    &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"DRY_RUN":   &c.DryRun,
		"READ_ONLY": &c.ReadOnly,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = b
		}
	}

	if v, ok := lookup("API_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid API_PORT %q: %w", v, err)
		}
		c.API.Port = port
	}
	return nil
}

// Validate rejects configurations the scheduler cannot start with
func (c *Config) Validate() error {
	var errs []error

	if c.DeviceID == "" {
		errs = append(errs, errors.New("device_id is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Ban(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.FixedDefault(); err != nil {
		errs = append(errs, err)
	}
	if (c.Latitude == nil) != (c.Longitude == nil) {
		errs = append(errs, errors.New("latitude and longitude must be set together"))
	}
	if c.InterruptionDelay <= 0 {
		errs = append(errs, errors.New("interruption_delay must be positive"))
	}
	if c.MaxPollInterval <= 0 || c.MinSleep <= 0 {
		errs = append(errs, errors.New("max_poll_interval and min_sleep must be positive"))
	}
	if c.MinSleep > c.MaxPollInterval {
		errs = append(errs, errors.New("min_sleep must not exceed max_poll_interval"))
	}
	if c.CacheFreshness <= 0 {
		errs = append(errs, errors.New("cache_freshness must be positive"))
	}

	switch c.Cache.Backend {
	case CacheSQLite:
		if c.Cache.Path == "" {
			errs = append(errs, errors.New("cache.path is required for the sqlite cache"))
		}
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis cache"))
		}
	case CacheNone:
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	switch c.Device.Kind {
	case DeviceHA:
		if c.Device.HAURL == "" {
			errs = append(errs, errors.New("device.ha_url is required for homeassistant"))
		}
	case DeviceMQTT:
		if c.Device.MQTTBroker == "" {
			errs = append(errs, errors.New("device.mqtt_broker is required for mqtt"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown device kind %q", c.Device.Kind))
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid api.port %d", c.API.Port))
	}

	return errors.Join(errs...)
}

// Location resolves the configured timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Ban parses the quiet-hours window
func (c *Config) Ban() (banwindow.Window, error) {
	w, err := banwindow.Parse(c.BanWindow.From, c.BanWindow.To)
	if err != nil {
		return banwindow.Window{}, fmt.Errorf("invalid ban_window: %w", err)
	}
	return w, nil
}

// FixedDefault parses the fixed default sunrise and sunset
func (c *Config) FixedDefault() (daylight.FixedDefault, error) {
	rise, err := banwindow.ParseTimeOfDay(c.DefaultSunrise)
	if err != nil {
		return daylight.FixedDefault{}, fmt.Errorf("invalid default_sunrise: %w", err)
	}
	set, err := banwindow.ParseTimeOfDay(c.DefaultSunset)
	if err != nil {
		return daylight.FixedDefault{}, fmt.Errorf("invalid default_sunset: %w", err)
	}
	if rise >= set {
		return daylight.FixedDefault{}, fmt.Errorf("default_sunrise %s must be before default_sunset %s", rise, set)
	}
	return daylight.FixedDefault{Sunrise: rise, Sunset: set}, nil
}

// Fallback builds the default tier: astronomical when coordinates are set,
// fixed otherwise.
func (c *Config) Fallback(logger *zap.Logger) (daylight.Fallback, error) {
	fixed, err := c.FixedDefault()
	if err != nil {
		return nil, err
	}
	if c.Latitude != nil && c.Longitude != nil {
		return daylight.NewAstronomicalDefault(*c.Latitude, *c.Longitude, fixed, logger), nil
	}
	return fixed, nil
}

// EngineConfig returns the decision engine bounds
func (c *Config) EngineConfig() decision.Config {
	return decision.Config{
		MaxPollInterval: c.MaxPollInterval.Std(),
		MinSleep:        c.MinSleep.Std(),
		OverrideMargin:  c.OverrideMargin.Std(),
	}
}

// ResolverOptions returns the daylight resolver options
func (c *Config) ResolverOptions() daylight.Options {
	return daylight.Options{
		Freshness:        c.CacheFreshness.Std(),
		OffsetCorrection: c.Remote.OffsetCorrection.Std(),
	}
}

// OverrideDSN is the event log DSN, defaulting to the remote DSN
func (c *Config) OverrideDSN() string {
	if c.OverrideLog.DSN != "" {
		return c.OverrideLog.DSN
	}
	return c.Remote.DSN
}

// OverrideDeviceID is the device id used in the event log
func (c *Config) OverrideDeviceID() string {
	if c.OverrideLog.DeviceID != "" {
		return c.OverrideLog.DeviceID
	}
	return c.DeviceID
}
