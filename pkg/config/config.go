package config

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Conf is the snapshot loaded at startup. Code that must observe hot reloads
// (the auth token, for instance) reads Current() instead.
var Conf = new(AppConfig)

var current atomic.Pointer[AppConfig]

type AppConfig struct {
	Port      int    `mapstructure:"port"`
	Name      string `mapstructure:"name"`
	Mode      string `mapstructure:"mode"`
	Version   string `mapstructure:"version"`
	AuthToken string `mapstructure:"auth_token"`
	MachineID int64  `mapstructure:"machine_id"`

	*LogConfig       `mapstructure:"log"`
	*RedisConfig     `mapstructure:"redis"`
	*WebSocketConfig `mapstructure:"websocket"`
	*PresenceConfig  `mapstructure:"presence"`
	*MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type WebSocketConfig struct {
	SendChannelSize  int   `mapstructure:"send_channel_size"`
	EnqueueTimeoutMs int   `mapstructure:"enqueue_timeout_ms"`
	WriteWait        int   `mapstructure:"write_wait"`
	PongWait         int   `mapstructure:"pong_wait"`
	ReadLimit        int64 `mapstructure:"read_limit"`
}

type PresenceConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTL       int    `mapstructure:"ttl"`
	QueueSize int    `mapstructure:"queue_size"`
}

type MetricsConfig struct {
	Interval int `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3000)
	v.SetDefault("name", "push-relay")
	v.SetDefault("mode", "release")
	v.SetDefault("version", "1.0.0")
	v.SetDefault("auth_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.filename", "push-relay.log")
	v.SetDefault("log.max_size", 200)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("websocket.send_channel_size", 128)
	v.SetDefault("websocket.enqueue_timeout_ms", 0)
	v.SetDefault("websocket.write_wait", 10)
	v.SetDefault("websocket.pong_wait", 60)
	v.SetDefault("websocket.read_limit", 64*1024)

	v.SetDefault("presence.enabled", false)
	v.SetDefault("presence.key_prefix", "pushrelay")
	v.SetDefault("presence.ttl", 120)
	v.SetDefault("presence.queue_size", 1024)

	v.SetDefault("metrics.interval", 5)
}

// Init loads config.yaml from the working directory.
func Init() error {
	return InitFromFile("")
}

// InitFromFile loads the given YAML file (or ./config.yaml when path is empty),
// applies PORT and AUTH_TOKEN from the environment and starts watching the file.
// A missing file is not an error: defaults and environment still apply.
func InitFromFile(path string) error {
	v := viper.New()
	setDefaults(v)
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("auth_token", "AUTH_TOKEN")

	fileLoaded := false
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", path, err)
			}
			fileLoaded = true
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		} else {
			fileLoaded = true
		}
	}

	cfg := new(AppConfig)
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	Conf = cfg
	current.Store(cfg)

	if fileLoaded {
		v.OnConfigChange(func(in fsnotify.Event) {
			next := new(AppConfig)
			if err := v.Unmarshal(next); err != nil {
				fmt.Printf("reload config %s failed, err:%v\n", in.Name, err)
				return
			}
			current.Store(next)
			fmt.Printf("config reloaded from %s\n", in.Name)
		})
		v.WatchConfig()
	}
	return nil
}

// Current returns the most recently loaded configuration.
func Current() *AppConfig {
	if c := current.Load(); c != nil {
		return c
	}
	return Conf
}

// Set replaces the active configuration. Intended for tests and embedding.
func Set(cfg *AppConfig) {
	Conf = cfg
	current.Store(cfg)
}

// Default returns the built-in defaults without reading a file or the environment.
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)
	cfg := new(AppConfig)
	_ = v.Unmarshal(cfg)
	return cfg
}
