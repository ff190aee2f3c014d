package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"datacore/internal/cache"
)

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Cache           cache.Config          `mapstructure:"cache"`
	Query           QueryConfig           `mapstructure:"query"`
	Schema          SchemaConfig          `mapstructure:"schema"`
	Instrumentation InstrumentationConfig `mapstructure:"instrumentation"`
	JWTSecret       string                `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// QueryConfig bounds list reads.
type QueryConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"` // -1 disables the cap
}

// InstrumentationConfig controls request tracing into the _events table.
type InstrumentationConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SamplingRate  float64       `mapstructure:"sampling_rate"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Retention     time.Duration `mapstructure:"retention"`
}

// SchemaConfig names the collections dynamic permission variables read from.
type SchemaConfig struct {
	UsersCollection    string `mapstructure:"users_collection"`
	RolesCollection    string `mapstructure:"roles_collection"`
	PoliciesCollection string `mapstructure:"policies_collection"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		if d.Name == ":memory:" {
			return ":memory:"
		}
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	setDefaults(viper.GetViper())

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("jwt_secret", "changeme-secret")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.namespace", "datacore")
	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.lock_ttl", "10s")
	v.SetDefault("cache.l1.enabled", true)
	v.SetDefault("cache.l1.max_size", 64)
	v.SetDefault("cache.l1.shards", 64)
	v.SetDefault("cache.l1.eviction_time", "10m")
	v.SetDefault("cache.l1.clean_time", "1m")
	v.SetDefault("cache.l2.enabled", false)
	v.SetDefault("cache.l2.backend", "redis")
	v.SetDefault("query.default_limit", 100)
	v.SetDefault("query.max_limit", -1)
	v.SetDefault("instrumentation.enabled", false)
	v.SetDefault("instrumentation.sampling_rate", 1.0)
	v.SetDefault("instrumentation.buffer_size", 500)
	v.SetDefault("instrumentation.flush_interval", "1s")
	v.SetDefault("instrumentation.retention", "168h")
	v.SetDefault("schema.users_collection", "users")
	v.SetDefault("schema.roles_collection", "roles")
	v.SetDefault("schema.policies_collection", "policies")
}
