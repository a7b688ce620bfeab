// Package config loads the server configuration from an optional YAML file
// and CHATRELAY_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Server struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	ReadDeadline      time.Duration `mapstructure:"read_deadline"`
	WriteDeadline     time.Duration `mapstructure:"write_deadline"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type Session struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type Generator struct {
	ChunkDelay time.Duration `mapstructure:"chunk_delay"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server    Server    `mapstructure:"server"`
	Session   Session   `mapstructure:"session"`
	Generator Generator `mapstructure:"generator"`
	Log       Log       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.keepalive_interval", 30*time.Second)
	v.SetDefault("server.read_deadline", 90*time.Second)
	v.SetDefault("server.write_deadline", 10*time.Second)
	v.SetDefault("server.max_message_size", 64*1024)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("session.buffer_size", 100)
	v.SetDefault("session.grace_period", time.Minute)
	v.SetDefault("session.sweep_interval", 10*time.Second)

	v.SetDefault("generator.chunk_delay", 50*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply. The returned viper instance can be passed
// to Watch for live reloads.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Watch re-reads the file on change and invokes onChange with the fresh
// configuration. Only settings that components re-read take effect live; in
// practice that is the log level.
func Watch(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
