// Package config loads hellobus settings from defaults, an optional file,
// a .env file and HELLOBUS_ prefixed environment variables, in rising priority.
package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/trickstertwo/hellobus/contracts"
	"github.com/trickstertwo/hellobus/logging"
)

// EnvPrefix prefixes every environment override, e.g. HELLOBUS_TRANSPORT_NAME.
const EnvPrefix = "HELLOBUS"

type Config struct {
	Topic     string          `mapstructure:"topic"`
	Transport TransportConfig `mapstructure:"transport"`
	Producer  ProducerConfig  `mapstructure:"producer"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Bus       BusConfig       `mapstructure:"bus"`
	Log       LogConfig       `mapstructure:"log"`
}

type TransportConfig struct {
	// Name is a registered transport: memory, redis-streams, rabbitmq, kafka.
	Name string `mapstructure:"name"`
	// Options is passed as-is to the transport factory.
	Options map[string]any `mapstructure:"options"`
}

type ProducerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ConsumerConfig struct {
	Names []string `mapstructure:"names"`
}

type BusConfig struct {
	AckTimeout     time.Duration  `mapstructure:"ack_timeout"`
	HandlerTimeout time.Duration  `mapstructure:"handler_timeout"`
	Retry          RetryConfig    `mapstructure:"retry"`
	Observer       ObserverConfig `mapstructure:"observer"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// ObserverConfig sizes the async observer pool; zero workers means observers run inline.
type ObserverConfig struct {
	Workers int `mapstructure:"workers"`
	Buffer  int `mapstructure:"buffer"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("topic", contracts.DefaultTopic)
	v.SetDefault("transport.name", "memory")
	v.SetDefault("transport.options", map[string]any{})
	v.SetDefault("producer.interval", time.Second)
	v.SetDefault("consumer.names", []string{"consumer", "another-consumer"})
	v.SetDefault("bus.ack_timeout", 5*time.Second)
	v.SetDefault("bus.handler_timeout", time.Duration(0))
	v.SetDefault("bus.retry.max_attempts", 1)
	v.SetDefault("bus.retry.backoff", 100*time.Millisecond)
	v.SetDefault("bus.observer.workers", 0)
	v.SetDefault("bus.observer.buffer", 1000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
}

// Load reads configuration. path may be empty; when set it must exist and be
// a format viper understands (yaml, json, toml).
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "config: load .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if c.Transport.Options == nil {
		c.Transport.Options = map[string]any{}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("config: topic must not be empty")
	}
	if c.Transport.Name == "" {
		return errors.New("config: transport.name must not be empty")
	}
	if c.Producer.Interval <= 0 {
		return errors.Errorf("config: producer.interval must be positive, got %s", c.Producer.Interval)
	}
	seen := make(map[string]struct{}, len(c.Consumer.Names))
	for _, n := range c.Consumer.Names {
		if strings.TrimSpace(n) == "" {
			return errors.New("config: consumer.names must not contain empty names")
		}
		if _, dup := seen[n]; dup {
			return errors.Errorf("config: consumer name %q listed twice", n)
		}
		seen[n] = struct{}{}
	}
	if c.Bus.AckTimeout < 0 || c.Bus.HandlerTimeout < 0 || c.Bus.Retry.Backoff < 0 {
		return errors.New("config: bus timeouts and backoff must not be negative")
	}
	if c.Bus.Retry.MaxAttempts < 1 {
		return errors.Errorf("config: bus.retry.max_attempts must be >= 1, got %d", c.Bus.Retry.MaxAttempts)
	}
	if c.Bus.Observer.Workers < 0 || c.Bus.Observer.Buffer < 0 {
		return errors.New("config: bus.observer sizes must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "config: log.level")
	}
	return nil
}
