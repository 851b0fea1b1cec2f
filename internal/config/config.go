package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the service.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		AlivePage    string        `mapstructure:"alive_page"`
	} `mapstructure:"http"`
	Storage struct {
		Driver string `mapstructure:"driver"`
		Path   string `mapstructure:"path"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"storage"`
	Liveness struct {
		TTL           time.Duration `mapstructure:"ttl"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		SweepBatch    int           `mapstructure:"sweep_batch"`
	} `mapstructure:"liveness"`
	Bark struct {
		BaseURL        string        `mapstructure:"base_url"`
		Token          string        `mapstructure:"token"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		EncodeKey      string        `mapstructure:"encode_key"`
		IV             string        `mapstructure:"iv"`
	} `mapstructure:"bark"`
	Notify struct {
		QuietStart int    `mapstructure:"quiet_start"`
		QuietEnd   int    `mapstructure:"quiet_end"`
		TimeZone   string `mapstructure:"time_zone"`
	} `mapstructure:"notify"`
	Auth struct {
		Enabled   bool   `mapstructure:"enabled"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

const (
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads the configuration from disk/environment using Viper.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("liveness")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// SetConfigFile reports a missing file as a path error rather than ConfigFileNotFoundError.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Liveness.TTL <= 0 {
		return fmt.Errorf("liveness.ttl must be positive")
	}
	if c.Liveness.SweepInterval <= 0 {
		return fmt.Errorf("liveness.sweep_interval must be positive")
	}
	if c.Liveness.SweepBatch <= 0 {
		return fmt.Errorf("liveness.sweep_batch must be positive")
	}
	switch c.Storage.Driver {
	case DriverBolt, DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver)
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Notify.QuietStart < 0 || c.Notify.QuietStart > 23 || c.Notify.QuietEnd < 0 || c.Notify.QuietEnd > 23 {
		return fmt.Errorf("notify quiet hours must be within 0..23")
	}
	if _, err := time.LoadLocation(c.Notify.TimeZone); err != nil {
		return fmt.Errorf("notify.time_zone: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.alive_page", "./web/alive-page.html")

	v.SetDefault("storage.driver", DriverBolt)
	v.SetDefault("storage.path", "./data/devices.db")

	v.SetDefault("liveness.ttl", "3m")
	v.SetDefault("liveness.sweep_interval", "60s")
	v.SetDefault("liveness.sweep_batch", 100)

	v.SetDefault("bark.base_url", "https://api.day.app")
	v.SetDefault("bark.request_timeout", "10s")

	v.SetDefault("notify.quiet_start", 22)
	v.SetDefault("notify.quiet_end", 6)
	v.SetDefault("notify.time_zone", "Local")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "admin123")
	v.SetDefault("auth.jwt_secret", "change-me-secret")

	v.SetDefault("log.level", "info")
}
