package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/UnknownOlympus/strata/internal/repository"
	"github.com/UnknownOlympus/strata/internal/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration settings of the storage service.
//
// Fields:
// - Env: The current environment (e.g., local, development, production).
// - Port: The port of the monitoring server.
// - Workers: The number of concurrent backfill workers.
// - Interval: The duration between backfill runs.
// - BatchSize: The number of records a backfill run loads per model.
// - StorageFile: Optional path of the storage configuration file.
// - ModelsDir: The directory model files are loaded from.
// - Database: Settings of the default PostgreSQL connection.
type Config struct {
	Env         string         `yaml:"env"`
	Port        int            `yaml:"strata.port"`
	Workers     int            `yaml:"strata.workers"`
	Interval    time.Duration  `yaml:"strata.interval"`
	BatchSize   int            `yaml:"strata.batch_size"`
	StorageFile string         `yaml:"strata.storage_config"`
	ModelsDir   string         `yaml:"strata.models_dir"`
	Database    PostgresConfig `yaml:"postgres"`
}

// PostgresConfig struct holds the configuration details for connecting to a PostgreSQL database.
type PostgresConfig struct {
	Host     string `yaml:"host"`                        // Host is the database server address.
	Port     string `yaml:"port"     env-default:"5432"` // Port is the database server port.
	User     string `yaml:"user"`                        // User is the database user.
	Password string `yaml:"password"`                    // Password is the database user's password.
	Name     string `yaml:"db_name"`                     // Name is the name of the database.
}

// Enabled reports whether a database host was configured.
func (p PostgresConfig) Enabled() bool {
	return p.Host != ""
}

// ConnConfig converts the settings for the postgres adapter.
func (p PostgresConfig) ConnConfig() repository.ConnConfig {
	return repository.ConnConfig{
		Host:     p.Host,
		Port:     p.Port,
		User:     p.User,
		Password: p.Password,
		Name:     p.Name,
	}
}

// MustLoad loads the configuration from the environment and an optional .env file.
func MustLoad() *Config {
	_ = godotenv.Load()

	interval, err := time.ParseDuration(setDefaultEnv("STRATA_INTERVAL", "10m"))
	if err != nil {
		panic("failed to parse interval from configuration")
	}

	healthPort, err := strconv.Atoi(setDefaultEnv("STRATA_HEALTH_PORT", "8080"))
	if err != nil {
		panic("failed to parse port for monitoring server from configuration")
	}

	workers, err := strconv.Atoi(setDefaultEnv("STRATA_WORKERS", "4"))
	if err != nil {
		panic("failed to parse workers from configuration, must be an integer types")
	}

	batchSize, err := strconv.Atoi(setDefaultEnv("STRATA_BATCH_SIZE", "100"))
	if err != nil {
		panic("failed to parse batch size from configuration, must be an integer types")
	}

	return &Config{
		Env:         setDefaultEnv("STRATA_ENV", "production"),
		Port:        healthPort,
		Workers:     workers,
		Interval:    interval,
		BatchSize:   batchSize,
		StorageFile: os.Getenv("STRATA_STORAGE_CONFIG"),
		ModelsDir:   os.Getenv("STRATA_MODELS_DIR"),
		Database: PostgresConfig{
			Host:     os.Getenv("DB_HOST"),
			Port:     os.Getenv("DB_PORT"),
			User:     os.Getenv("DB_USERNAME"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     os.Getenv("DB_NAME"),
		},
	}
}

// LoadStorage reads the storage section. The file at cfg.StorageFile, when
// set, is read first and STRATA_-prefixed variables override its keys (for
// example STRATA_DEFAULTS_MIGRATE). Without a file and with a database host
// configured, the default connection runs on postgres. STRATA_MODELS_DIR wins
// over the file's models directory.
func LoadStorage(cfg *Config) (storage.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("defaults.migrate", string(repository.MigrateAlter))
	v.SetDefault("models_dir", storage.DefaultModelsDir)

	if cfg.StorageFile != "" {
		v.SetConfigFile(cfg.StorageFile)
		if err := v.ReadInConfig(); err != nil {
			return storage.Config{}, fmt.Errorf("failed to read storage config %q: %w", cfg.StorageFile, err)
		}
	}

	var out storage.Config
	if err := v.Unmarshal(&out); err != nil {
		return storage.Config{}, fmt.Errorf("failed to decode storage config: %w", err)
	}

	if cfg.StorageFile == "" && cfg.Database.Enabled() {
		out.Adapters = map[string]string{models.DefaultConnection: repository.PostgresAdapterName}
		out.Connections = map[string]storage.Connection{
			models.DefaultConnection: {
				Adapter:    models.DefaultConnection,
				ConnConfig: cfg.Database.ConnConfig(),
			},
		}
	}
	if cfg.ModelsDir != "" {
		out.ModelsDir = cfg.ModelsDir
	}

	return out, nil
}

func setDefaultEnv(key, override string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		value = override
	}

	return value
}
