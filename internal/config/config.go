// Package config loads service configuration from defaults, an optional YAML file,
// a .env file and WORDCHAT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "WORDCHAT"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Matching MatchingConfig `mapstructure:"matching"`
	Room     RoomConfig     `mapstructure:"room"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects the document store backend: "memory" or "postgres".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig enables the Redis notification bus and rate limiter when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
	Issuer string        `mapstructure:"issuer"`
}

type MatchingConfig struct {
	WaitTTL         time.Duration `mapstructure:"wait_ttl"`
	RoomTTL         time.Duration `mapstructure:"room_ttl"`
	MaxRetries      int           `mapstructure:"max_retries"`
	FreshRoomWindow time.Duration `mapstructure:"fresh_room_window"`
}

type RoomConfig struct {
	InactivityWindow  time.Duration `mapstructure:"inactivity_window"`
	InactivityWarning time.Duration `mapstructure:"inactivity_warning"`
	TypingTTL         time.Duration `mapstructure:"typing_ttl"`
	MessageInterval   time.Duration `mapstructure:"message_interval"`
	WatchInterval     time.Duration `mapstructure:"watch_interval"`
	Language          string        `mapstructure:"language"`
}

type CleanupConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "host=localhost user=user password=password dbname=wordchatdb port=5432 sslmode=disable")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.ttl", 72*time.Hour)
	v.SetDefault("jwt.issuer", "wordchat-service")

	v.SetDefault("matching.wait_ttl", DefaultWaitTTL)
	v.SetDefault("matching.room_ttl", DefaultRoomTTL)
	v.SetDefault("matching.max_retries", DefaultMaxMatchRetries)
	v.SetDefault("matching.fresh_room_window", DefaultFreshRoomWindow)

	v.SetDefault("room.inactivity_window", DefaultInactivityWindow)
	v.SetDefault("room.inactivity_warning", DefaultInactivityWarning)
	v.SetDefault("room.typing_ttl", DefaultTypingTTL)
	v.SetDefault("room.message_interval", DefaultMessageInterval)
	v.SetDefault("room.watch_interval", DefaultWatchInterval)
	v.SetDefault("room.language", DefaultLanguage)

	v.SetDefault("cleanup.interval", DefaultCleanupInterval)

	v.SetDefault("telegram.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the configuration. path may point to a YAML file; an empty path or a
// missing file falls back to defaults and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: no .env file loaded")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// The bot token keeps its historical variable name.
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Matching.WaitTTL <= 0 || c.Matching.RoomTTL <= 0 {
		return errors.New("matching TTLs must be positive")
	}
	if c.Matching.MaxRetries < 0 {
		return errors.New("matching.max_retries must not be negative")
	}
	if c.Room.InactivityWindow <= 0 || c.Room.InactivityWarning < 0 || c.Room.InactivityWarning >= c.Room.InactivityWindow {
		return errors.New("room inactivity warning must be shorter than the inactivity window")
	}
	if c.Cleanup.Interval <= 0 {
		return errors.New("cleanup.interval must be positive")
	}
	return nil
}
