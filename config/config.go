package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

type ServerConfig struct {
	Address  string `mapstructure:"address"`
	HTTPPort string `mapstructure:"http_port"`
}

type DatabaseConfig struct {
	// Driver: "mysql" | "postgres" | "sqlite" | "" (no DB)
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GatewayConfig struct {
	// CommandTTL is how long a queued relay command stays deliverable.
	CommandTTL time.Duration `mapstructure:"command_ttl"`
	// PingInterval drives the websocket liveness sweep.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// PowerLimitWatts is the auto cut-off ceiling per relay.
	PowerLimitWatts float64 `mapstructure:"power_limit_watts"`
	// DefaultVoltage fills readings whose sample omits voltage.
	DefaultVoltage float64 `mapstructure:"default_voltage"`
}

func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "wattgate.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("gateway.command_ttl", 5*time.Minute)
	v.SetDefault("gateway.ping_interval", 30*time.Second)
	v.SetDefault("gateway.power_limit_watts", 1400.0)
	v.SetDefault("gateway.default_voltage", 230.0)

	v.SetEnvPrefix("WATTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
