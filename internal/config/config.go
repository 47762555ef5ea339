package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/stanstork/stratum-transfer/internal/models"
)

// Job and connection store backends.
const (
	StoreMemory   = "memory"
	StoreStatic   = "static"
	StorePostgres = "postgres"
)

type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type WorkerConfig struct {
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	DefaultBatchSize int           `mapstructure:"default_batch_size"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

type Config struct {
	ServerPort      string              `mapstructure:"server_port"`
	DatabaseURL     string              `mapstructure:"database_url"`
	JobStore        string              `mapstructure:"job_store"`
	ConnectionStore string              `mapstructure:"connection_store"`
	EncryptionKey   string              `mapstructure:"encryption_key"`
	CORSOrigins     []string            `mapstructure:"cors_origins"`
	Queue           QueueConfig         `mapstructure:"queue"`
	Worker          WorkerConfig        `mapstructure:"worker"`
	Log             LogConfig           `mapstructure:"log"`
	Connections     []models.Connection `mapstructure:"connections"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("job_store", StoreMemory)
	v.SetDefault("connection_store", StoreStatic)
	v.SetDefault("encryption_key", "")
	v.SetDefault("cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("worker.shutdown_grace", 30*time.Second)
	v.SetDefault("worker.default_batch_size", 1000)
	v.SetDefault("worker.connect_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the configuration from a YAML file and the environment. With an
// empty path it looks for config.yaml in the current directory and ./config;
// a missing file is not an error. STRATUM_* variables override file values,
// e.g. STRATUM_QUEUE_CAPACITY.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STRATUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Look for config in the current directory and ./config
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.JobStore {
	case StoreMemory, StorePostgres:
	default:
		return errors.Errorf("job_store must be %q or %q, got %q", StoreMemory, StorePostgres, c.JobStore)
	}
	switch c.ConnectionStore {
	case StoreStatic, StorePostgres:
	default:
		return errors.Errorf("connection_store must be %q or %q, got %q", StoreStatic, StorePostgres, c.ConnectionStore)
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return errors.New("database_url must be set when a postgres store is configured")
	}
	if c.Queue.Capacity <= 0 {
		return errors.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Worker.DefaultBatchSize <= 0 {
		return errors.Errorf("worker.default_batch_size must be positive, got %d", c.Worker.DefaultBatchSize)
	}
	for i, conn := range c.Connections {
		if conn.Name == "" {
			return errors.Errorf("connections[%d]: name is required", i)
		}
		if conn.Format() == "" {
			return errors.Errorf("connections[%d] %q: unknown data_format %q", i, conn.Name, conn.DataFormat)
		}
	}
	return nil
}

// NeedsDatabase reports whether any store lives in Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.JobStore == StorePostgres || c.ConnectionStore == StorePostgres
}
