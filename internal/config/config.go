package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	Secret     string        `mapstructure:"secret"`

	Session   SessionConfig   `mapstructure:"session"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Recording RecordingConfig `mapstructure:"recording"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

type SessionConfig struct {
	PresenceGrace   time.Duration `mapstructure:"presence_grace"`
	EndGrace        time.Duration `mapstructure:"end_grace"`
	Retention       time.Duration `mapstructure:"retention"`
	JanitorSchedule string        `mapstructure:"janitor_schedule"`
	Mailbox         int           `mapstructure:"mailbox"`
	QueueSize       int           `mapstructure:"queue_size"`
	// Backpressure is "kick" or "lenient".
	Backpressure  string        `mapstructure:"backpressure"`
	ReplayTimeout time.Duration `mapstructure:"replay_timeout"`
}

type SignalConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	ChatLimit    int           `mapstructure:"chat_limit"`
	ChatInterval time.Duration `mapstructure:"chat_interval"`
}

type RecordingConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// LiveKit egress is used when URL is set; otherwise recordings are
	// confirmed locally.
	LiveKitURL    string `mapstructure:"livekit_url"`
	LiveKitKey    string `mapstructure:"livekit_key"`
	LiveKitSecret string `mapstructure:"livekit_secret"`
	OutputPrefix  string `mapstructure:"output_prefix"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Buffer  int    `mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "20s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("secret", "change-me")

	v.SetDefault("session.presence_grace", "30s")
	v.SetDefault("session.end_grace", "60s")
	v.SetDefault("session.retention", "10m")
	v.SetDefault("session.janitor_schedule", "@every 1m")
	v.SetDefault("session.mailbox", 64)
	v.SetDefault("session.queue_size", 256)
	v.SetDefault("session.backpressure", "kick")
	v.SetDefault("session.replay_timeout", "10s")

	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.chat_limit", 20)
	v.SetDefault("signal.chat_interval", "10s")

	v.SetDefault("recording.timeout", "15s")
	v.SetDefault("recording.output_prefix", "recordings/")
	v.SetDefault("recording.livekit_url", "")
	v.SetDefault("recording.livekit_key", "")
	v.SetDefault("recording.livekit_secret", "")

	// keys without a real default still need one for AutomaticEnv to see them
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.lease_ttl", "15s")
	v.SetDefault("redis.prefix", "liveroom:owner:")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "liveroom.events")
	v.SetDefault("nats.buffer", 1024)
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Every key
// can be overridden from the environment as LIVEROOM_<SECTION>_<KEY>.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file; a missing file means defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("liveroom")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Bool("redis", cfg.Redis.Enabled).Bool("nats", cfg.NATS.Enabled).Bool("livekit", cfg.Recording.LiveKitURL != "").Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	switch c.Session.Backpressure {
	case "kick", "lenient":
	default:
		return fmt.Errorf("session.backpressure must be kick or lenient, got %q", c.Session.Backpressure)
	}
	if c.Recording.LiveKitURL != "" && (c.Recording.LiveKitKey == "" || c.Recording.LiveKitSecret == "") {
		return errors.New("recording.livekit_key and recording.livekit_secret are required with livekit_url")
	}
	return nil
}
