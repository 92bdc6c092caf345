package storage

import (
	"errors"
	"fmt"

	"dario.cat/mergo"
	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/UnknownOlympus/strata/internal/repository"
)

// DefaultModelsDir is scanned for model files when the config names no directory.
const DefaultModelsDir = "./models"

var (
	ErrUnknownAdapter    = errors.New("unknown adapter")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Connection binds a named connection to an adapter and carries the settings
// the adapter connects with.
type Connection struct {
	Adapter string `mapstructure:"adapter"`

	repository.ConnConfig `mapstructure:",squash"`
}

// Defaults apply to every model unless it says otherwise.
type Defaults struct {
	Migrate string `mapstructure:"migrate"`
}

// Config is the storage section of the host configuration. Adapters maps an
// adapter name to the registered factory that builds it; Connections maps a
// connection name to its adapter name and settings.
type Config struct {
	Adapters    map[string]string     `mapstructure:"adapters"`
	Connections map[string]Connection `mapstructure:"connections"`
	Defaults    Defaults              `mapstructure:"defaults"`
	ModelsDir   string                `mapstructure:"models_dir"`
}

// DefaultConfig is a single in-memory connection named "default".
func DefaultConfig() Config {
	return Config{
		Adapters: map[string]string{
			models.DefaultConnection: repository.MemoryAdapterName,
		},
		Connections: map[string]Connection{
			models.DefaultConnection: {Adapter: models.DefaultConnection},
		},
		Defaults:  Defaults{Migrate: string(repository.MigrateAlter)},
		ModelsDir: DefaultModelsDir,
	}
}

// WithDefaults fills what cfg leaves unset from DefaultConfig. Adapters and
// connections named in cfg are kept as given.
func (c Config) WithDefaults() (Config, error) {
	out := Config{
		Adapters:    make(map[string]string, len(c.Adapters)),
		Connections: make(map[string]Connection, len(c.Connections)),
		Defaults:    c.Defaults,
		ModelsDir:   c.ModelsDir,
	}
	for name, adapter := range c.Adapters {
		out.Adapters[name] = adapter
	}
	for name, conn := range c.Connections {
		out.Connections[name] = conn
	}

	if err := mergo.Merge(&out, DefaultConfig()); err != nil {
		return Config{}, fmt.Errorf("failed to apply storage defaults: %w", err)
	}

	return out, nil
}

// Validate checks that every connection names a configured adapter and that
// the default migrate strategy is known.
func (c Config) Validate() error {
	for name, conn := range c.Connections {
		if _, ok := c.Adapters[conn.Adapter]; !ok {
			return fmt.Errorf("%w %q for connection %q", ErrUnknownAdapter, conn.Adapter, name)
		}
	}

	if _, err := repository.ParseMigrate(c.Defaults.Migrate); err != nil {
		return fmt.Errorf("invalid storage defaults: %w", err)
	}

	return nil
}
