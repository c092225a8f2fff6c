package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

var charCodeRegexp = regexp.MustCompile(`^[A-Z]{3}$`)

type Config struct {
	App struct {
		Name string `mapstructure:"name"`
		Port string `mapstructure:"port"`
	} `mapstructure:"app"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Feed struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"feed"`

	Store struct {
		BaseCurrency string `mapstructure:"base_currency"`
	} `mapstructure:"store"`

	Currencies struct {
		Available []string `mapstructure:"available"`
		Selected  []string `mapstructure:"selected"`
	} `mapstructure:"currencies"`

	Cache struct {
		Backend     string        `mapstructure:"backend"`
		Key         string        `mapstructure:"key"`
		SettingsKey string        `mapstructure:"settings_key"`
		TTLHours    int           `mapstructure:"ttl_hours"`
		Retention   time.Duration `mapstructure:"retention"`
	} `mapstructure:"cache"`

	Scheduler struct {
		Enabled        bool   `mapstructure:"enabled"`
		Spec           string `mapstructure:"spec"`
		RefreshOnStart bool   `mapstructure:"refresh_on_start"`
	} `mapstructure:"scheduler"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	Postgres struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		DBName   string `mapstructure:"dbname"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"postgres"`
}

// CacheTTL is the configured snapshot lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cbrf-exchange")
	v.SetDefault("app.port", "8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("feed.url", "http://cbr.ru/scripts/XML_daily.asp")
	v.SetDefault("feed.timeout", 5*time.Second)

	v.SetDefault("store.base_currency", "RUB")

	v.SetDefault("currencies.available", []string{"EUR", "USD", "TRY", "UAH", "JPY"})
	v.SetDefault("currencies.selected", []string{"EUR", "USD"})

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.key", "_woo_cbrf_exchange_transient")
	v.SetDefault("cache.settings_key", "_woo_cbrf_exchange_settings")
	v.SetDefault("cache.ttl_hours", 12)
	v.SetDefault("cache.retention", 0)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "@every 12h")
	v.SetDefault("scheduler.refresh_on_start", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "cbrf:")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.dbname", "cbrf")
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.sslmode", "disable")
}

// LoadConfig reads config.yaml from the usual search paths. A missing file is
// not an error: defaults and environment variables still apply.
func LoadConfig() (*Config, error) {
	return load("")
}

// LoadConfigFrom reads the given file instead of searching for one.
func LoadConfigFrom(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be positive, got %d", c.Cache.TTLHours)
	}
	if !charCodeRegexp.MatchString(c.Store.BaseCurrency) {
		return fmt.Errorf("store.base_currency must be a 3-letter code, got %q", c.Store.BaseCurrency)
	}
	u, err := url.Parse(c.Feed.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("feed.url is not a valid URL: %q", c.Feed.URL)
	}
	if c.Feed.Timeout <= 0 {
		return errors.New("feed.timeout must be positive")
	}
	if c.Cache.Retention < 0 {
		return errors.New("cache.retention must not be negative")
	}
	switch c.Cache.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Cache.Key == "" || c.Cache.SettingsKey == "" {
		return errors.New("cache.key and cache.settings_key are required")
	}
	if c.Cache.Key == c.Cache.SettingsKey {
		return errors.New("cache.key and cache.settings_key must differ")
	}
	for _, code := range c.Currencies.Available {
		if !charCodeRegexp.MatchString(code) {
			return fmt.Errorf("currencies.available has invalid code %q", code)
		}
	}
	for _, code := range c.Currencies.Selected {
		if !charCodeRegexp.MatchString(code) {
			return fmt.Errorf("currencies.selected has invalid code %q", code)
		}
	}
	return nil
}
