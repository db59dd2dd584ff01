// Package config loads daemon configuration from file, environment, and
// flags using spf13/viper, the configuration library the pack's p2p
// daemon manifests (doublezero, teleport, and others) standardize on.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/shieldmsg/pingpong/internal/transport"
)

// Config is everything pingpongd needs to bring up the overlay, the
// store, and the four listeners.
type Config struct {
	DataDir          string        `mapstructure:"data_dir"`
	IdentityFile     string        `mapstructure:"identity_file"`
	SocksAddr        string        `mapstructure:"socks_addr"`
	LogLevel         string        `mapstructure:"log_level"`
	PingPort         int           `mapstructure:"ping_port"`
	TapPort          int           `mapstructure:"tap_port"`
	PongPort         int           `mapstructure:"pong_port"`
	AckPort          int           `mapstructure:"ack_port"`
	BindAddr         string        `mapstructure:"bind_addr"`
	RetryTick        time.Duration `mapstructure:"retry_tick"`
	DownloadWatchdog time.Duration `mapstructure:"download_watchdog"`
}

// Defaults returns the default port table and recommended retry/backoff
// timings.
func Defaults() Config {
	return Config{
		DataDir:          "./data",
		IdentityFile:     "./data/identity.seed",
		SocksAddr:        "127.0.0.1:9050",
		LogLevel:         "info",
		PingPort:         transport.DefaultPorts[transport.ListenerPingMessage],
		TapPort:          transport.DefaultPorts[transport.ListenerTap],
		PongPort:         transport.DefaultPorts[transport.ListenerPong],
		AckPort:          transport.DefaultPorts[transport.ListenerACK],
		BindAddr:         "127.0.0.1",
		RetryTick:        5 * time.Second,
		DownloadWatchdog: 45 * time.Second,
	}
}

// Load reads configuration from (in ascending priority) built-in
// defaults, a config file at configPath (if non-empty), and
// PINGPONG_-prefixed environment variables.
func Load(configPath string) (Config, error) {
	v := viper.New()
	d := Defaults()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("identity_file", d.IdentityFile)
	v.SetDefault("socks_addr", d.SocksAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("ping_port", d.PingPort)
	v.SetDefault("tap_port", d.TapPort)
	v.SetDefault("pong_port", d.PongPort)
	v.SetDefault("ack_port", d.AckPort)
	v.SetDefault("bind_addr", d.BindAddr)
	v.SetDefault("retry_tick", d.RetryTick)
	v.SetDefault("download_watchdog", d.DownloadWatchdog)

	v.SetEnvPrefix("pingpong")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(err, "config: read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate enforces that the four listener ports, though configurable,
// are pairwise distinct.
func (c Config) validate() error {
	ports := map[int]string{}
	for _, p := range []struct {
		name string
		port int
	}{
		{"ping_port", c.PingPort},
		{"tap_port", c.TapPort},
		{"pong_port", c.PongPort},
		{"ack_port", c.AckPort},
	} {
		if existing, ok := ports[p.port]; ok {
			return errors.Errorf("config: %s and %s both use port %d, ports must be distinct", existing, p.name, p.port)
		}
		ports[p.port] = p.name
	}
	return nil
}

// Ports returns the listener port configuration in transport.Config form.
func (c Config) Ports() map[transport.Listener]int {
	return map[transport.Listener]int{
		transport.ListenerPingMessage: c.PingPort,
		transport.ListenerTap:         c.TapPort,
		transport.ListenerPong:        c.PongPort,
		transport.ListenerACK:         c.AckPort,
	}
}
