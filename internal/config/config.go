// Package config loads deltarepo's runtime configuration via viper: cache
// directory, default hash algorithm, mirror URLs, retention policy,
// metadata whitelist, and the optional Redis/Postgres DSNs used by the
// ambient cache, lock and registry packages.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// RedisConfig configures the optional shared cache/lock backend.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Addr returns the host:port form go-redis expects.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PostgresConfig configures the optional fleet-telemetry sink.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
}

// RetentionPolicy bounds how many old cached snapshots the gardener
// keeps, by count and by age. Zero means "no limit" for that dimension.
type RetentionPolicy struct {
	MaxNum int           `mapstructure:"max_num"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// Config is the top-level configuration document.
type Config struct {
	CacheDir string `mapstructure:"cache_dir"`

	DefaultHashAlgorithm string   `mapstructure:"default_hash_algorithm"`
	MetadataWhitelist    []string `mapstructure:"metadata_whitelist"`

	MirrorURLs []string `mapstructure:"mirror_urls"`

	Retention RetentionPolicy `mapstructure:"retention"`

	Redis    *RedisConfig    `mapstructure:"redis"`
	Postgres *PostgresConfig `mapstructure:"postgres"`
}

func defaults() Config {
	return Config{
		CacheDir:             "/var/cache/deltarepo",
		DefaultHashAlgorithm: "sha256",
		Retention: RetentionPolicy{
			MaxNum: 3,
			MaxAge: 30 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from environment variables prefixed
// DELTAREPO_, configPath (if non-empty), and finally the built-in
// defaults, in that order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DELTAREPO")
	v.AutomaticEnv()

	d := defaults()
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("default_hash_algorithm", d.DefaultHashAlgorithm)
	v.SetDefault("retention.max_num", d.Retention.MaxNum)
	v.SetDefault("retention.max_age", d.Retention.MaxAge)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
