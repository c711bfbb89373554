package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/relabs-tech/geotracker/internal/gps"
)

// EnvPrefix is stripped from environment variables; "__" separates sections,
// so GEOTRACKER_MQTT__BROKER sets mqtt.broker.
const EnvPrefix = "GEOTRACKER_"

// Config holds all application configuration values.
type Config struct {
	MQTT       MQTTConfig       `koanf:"mqtt"`
	NATS       NATSConfig       `koanf:"nats"`
	GPS        GPSConfig        `koanf:"gps"`
	Tracker    TrackerConfig    `koanf:"tracker"`
	Web        WebConfig        `koanf:"web"`
	Display    DisplayConfig    `koanf:"display"`
	Publish    PublishConfig    `koanf:"publish"`
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

type MQTTConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Broker         string        `koanf:"broker" validate:"required_if=Enabled true"`
	ClientID       string        `koanf:"client_id" validate:"required"`
	TopicFix       string        `koanf:"topic_fix" validate:"required"`
	TopicStatus    string        `koanf:"topic_status" validate:"required"`
	TopicCommand   string        `koanf:"topic_command" validate:"required"`
	QoS            byte          `koanf:"qos" validate:"lte=2"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gt=0"`
}

type NATSConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url" validate:"required_if=Enabled true"`
	SubjectFix    string        `koanf:"subject_fix" validate:"required"`
	SubjectStatus string        `koanf:"subject_status" validate:"required"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait" validate:"gte=0"`
}

type GPSConfig struct {
	// Source selects the position sensor: "serial" reads NMEA from a
	// receiver, "simulated" generates a moving track.
	Source     string `koanf:"source" validate:"oneof=serial simulated"`
	SerialPort string `koanf:"serial_port" validate:"required_if=Source serial"`
	BaudRate   uint   `koanf:"baud_rate" validate:"gt=0"`

	// UERE converts HDOP into an accuracy radius in meters.
	UERE float64 `koanf:"uere" validate:"gt=0"`
	// HighAccuracyMeters is the largest radius accepted when high accuracy
	// is requested.
	HighAccuracyMeters float64 `koanf:"high_accuracy_meters" validate:"gt=0"`

	// PermissionPoll is how often the device node permission is re-checked.
	PermissionPoll time.Duration `koanf:"permission_poll" validate:"gt=0"`

	SimLatitude  float64       `koanf:"sim_latitude" validate:"gte=-90,lte=90"`
	SimLongitude float64       `koanf:"sim_longitude" validate:"gte=-180,lte=180"`
	SimInterval  time.Duration `koanf:"sim_interval" validate:"gt=0"`
}

// TrackerConfig holds the default subscription options.
type TrackerConfig struct {
	HighAccuracy bool          `koanf:"high_accuracy"`
	MaximumAge   time.Duration `koanf:"maximum_age" validate:"gte=0"`
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
}

// Options converts the tracker section into sensor options.
func (c TrackerConfig) Options() gps.Options {
	return gps.Options{
		HighAccuracy: c.HighAccuracy,
		MaxFixAge:    c.MaximumAge,
		Timeout:      c.Timeout,
	}
}

type WebConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Listen          string        `koanf:"listen" validate:"required_if=Enabled true"`
	StaticDir       string        `koanf:"static_dir"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	// OneShotTimeout bounds POST /api/oneshot.
	OneShotTimeout time.Duration `koanf:"oneshot_timeout" validate:"gt=0"`
}

type DisplayConfig struct {
	Enabled        bool          `koanf:"enabled"`
	I2CBus         string        `koanf:"i2c_bus"`
	UpdateInterval time.Duration `koanf:"update_interval" validate:"gt=0"`
}

// PublishConfig bounds outbound publishing to MQTT and NATS.
type PublishConfig struct {
	RatePerSecond   float64       `koanf:"rate_per_second" validate:"gt=0"`
	Burst           int           `koanf:"burst" validate:"gt=0"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	Level      string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format     string `koanf:"format" validate:"oneof=json console"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"gte=0"`
	Compress   bool   `koanf:"compress"`
}

type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold" validate:"gt=0"`
	FailureDecay     float64       `koanf:"failure_decay" validate:"gt=0"`
	FailureBackoff   time.Duration `koanf:"failure_backoff" validate:"gt=0"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	opts := gps.DefaultOptions()
	return &Config{
		MQTT: MQTTConfig{
			Enabled:        true,
			Broker:         "tcp://localhost:1883",
			ClientID:       "geotracker",
			TopicFix:       "geotracker/fix",
			TopicStatus:    "geotracker/status",
			TopicCommand:   "geotracker/command",
			QoS:            0,
			ConnectTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectFix:    "geotracker.fix",
			SubjectStatus: "geotracker.status",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		GPS: GPSConfig{
			Source:             "serial",
			SerialPort:         "/dev/serial0",
			BaudRate:           9600,
			UERE:               5,
			HighAccuracyMeters: 10,
			PermissionPoll:     2 * time.Second,
			SimLatitude:        41.3874,
			SimLongitude:       2.1686,
			SimInterval:        time.Second,
		},
		Tracker: TrackerConfig{
			HighAccuracy: opts.HighAccuracy,
			MaximumAge:   opts.MaxFixAge,
			Timeout:      opts.Timeout,
		},
		Web: WebConfig{
			Enabled:         true,
			Listen:          ":8080",
			StaticDir:       "web",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			OneShotTimeout:  30 * time.Second,
		},
		Display: DisplayConfig{
			Enabled:        false,
			UpdateInterval: 500 * time.Millisecond,
		},
		Publish: PublishConfig{
			RatePerSecond:   5,
			Burst:           10,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load layers defaults, the optional YAML file at configPath and
// GEOTRACKER_ environment variables, then validates the result.
// An empty configPath skips the file layer.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform maps GEOTRACKER_WEB__LISTEN to web.listen.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

var validate = validator.New()

// Validate checks field constraints and cross-section rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid configuration: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.MQTT.TopicCommand == c.MQTT.TopicStatus || c.MQTT.TopicCommand == c.MQTT.TopicFix {
		return errors.New("invalid configuration: mqtt.topic_command must differ from the publish topics")
	}
	return nil
}

// InitGlobal initializes the global configuration.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
