// Package storage is the model storage plugin: it collects model definitions,
// connects them to their adapters over the host lifecycle and relays their
// lifecycle events on the host bus.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/UnknownOlympus/strata/internal/app"
	"github.com/UnknownOlympus/strata/internal/metrics"
	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/UnknownOlympus/strata/internal/repository"
)

// EventPrefix starts the name of every model event emitted on the host bus.
const EventPrefix = "model."

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrModelExists      = errors.New("model already registered")
	ErrAlreadyConnected = errors.New("storage already connected")
)

// AdapterFactory builds the adapter of one connection.
type AdapterFactory func(conn Connection, log *slog.Logger) (repository.Adapter, error)

// Option configures a Storage.
type Option func(*Storage)

// WithAdapterFactory registers factory under name, replacing any factory
// already registered with it.
func WithAdapterFactory(name string, factory AdapterFactory) Option {
	return func(s *Storage) {
		s.factories[name] = factory
	}
}

// Storage holds the registered models and the adapters of the configured
// connections.
type Storage struct {
	mu          sync.RWMutex
	app         *app.App
	cfg         Config
	migrate     repository.Migrate
	log         *slog.Logger
	metrics     *metrics.Metrics
	factories   map[string]AdapterFactory
	order       []string
	definitions map[string]models.Definition
	adapters    map[string]repository.Adapter
	collections map[string]*Collection
	connected   bool
}

// New creates the storage plugin and hooks it into the host lifecycle:
// adapters are set up and the models directory loaded on init, storage
// connects once load is done and disconnects on stop.
func New(host *app.App, cfg Config, log *slog.Logger, m *metrics.Metrics, opts ...Option) (*Storage, error) {
	cfg, err := cfg.WithDefaults()
	if err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	migrate, _ := repository.ParseMigrate(cfg.Defaults.Migrate)

	storage := &Storage{
		app:     host,
		cfg:     cfg,
		migrate: migrate,
		log:     log,
		metrics: m,
		factories: map[string]AdapterFactory{
			repository.MemoryAdapterName:   memoryFactory,
			repository.PostgresAdapterName: postgresFactory,
		},
		definitions: make(map[string]models.Definition),
		collections: make(map[string]*Collection),
	}
	for _, opt := range opts {
		opt(storage)
	}

	host.Once(app.PhaseInit, storage.init)
	host.OnceAfter(app.PhaseLoad, storage.Connect)
	host.Once(app.PhaseStop, storage.Disconnect)

	return storage, nil
}

func memoryFactory(_ Connection, log *slog.Logger) (repository.Adapter, error) {
	return repository.NewMemory(log), nil
}

func postgresFactory(conn Connection, log *slog.Logger) (repository.Adapter, error) {
	return repository.NewPostgres(conn.ConnConfig, log), nil
}

func (s *Storage) init(ctx context.Context) error {
	if err := s.setupAdapters(); err != nil {
		return err
	}

	identities, err := s.ModelDir(s.cfg.ModelsDir)
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "Storage initialized", "models_dir", s.cfg.ModelsDir, "loaded", len(identities))

	return nil
}

func (s *Storage) setupAdapters() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adapters != nil {
		return nil
	}

	adapters := make(map[string]repository.Adapter, len(s.cfg.Connections))
	for name, conn := range s.cfg.Connections {
		kind := s.cfg.Adapters[conn.Adapter]
		factory, ok := s.factories[kind]
		if !ok {
			return fmt.Errorf("%w %q for connection %q", ErrUnknownAdapter, kind, name)
		}

		adapter, err := factory(conn, s.log.With("connection", name))
		if err != nil {
			return fmt.Errorf("failed to create adapter for connection %q: %w", name, err)
		}
		adapters[name] = adapter
	}
	s.adapters = adapters

	return nil
}

// Model registers a definition, built from the base of its kind and bound to
// this storage for event relaying. Models must be registered before Connect.
func (s *Storage) Model(def models.Definition) error {
	built, err := def.Build()
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}
	built.Emitter = s

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("%w: cannot register model %q", ErrAlreadyConnected, built.Identity)
	}
	if _, ok := s.definitions[built.Identity]; ok {
		s.log.Debug("Model already registered", "identity", built.Identity)
		return fmt.Errorf("%w: %q", ErrModelExists, built.Identity)
	}

	s.definitions[built.Identity] = built
	s.order = append(s.order, built.Identity)
	s.metrics.ModelsRegistered.Set(float64(len(s.definitions)))
	s.log.Debug("Registered model", "identity", built.Identity, "kind", built.Kind, "connection", built.Connection)

	return nil
}

// Connect connects every adapter and defines each registered model on the
// adapter of its connection. Connecting a connected storage does nothing.
func (s *Storage) Connect(ctx context.Context) error {
	if err := s.setupAdapters(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	for name, adapter := range s.adapters {
		if err := adapter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect %q: %w", name, err)
		}
	}

	collections := make(map[string]*Collection, len(s.order))
	for _, identity := range s.order {
		def := s.definitions[identity]
		adapter, ok := s.adapters[def.Connection]
		if !ok {
			return fmt.Errorf("%w %q for model %q", ErrUnknownConnection, def.Connection, identity)
		}

		if err := adapter.Define(ctx, def, s.migrate); err != nil {
			return fmt.Errorf("failed to define model %q: %w", identity, err)
		}
		collections[identity] = newCollection(def, adapter, s.log, s.metrics)
	}

	s.collections = collections
	s.connected = true
	s.log.InfoContext(ctx, "Storage connected", "connections", len(s.adapters), "models", len(collections))

	return nil
}

// Disconnect closes every adapter. All adapters are closed even when some fail.
func (s *Storage) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, adapter := range s.adapters {
		if err := adapter.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %q: %w", name, err))
		}
	}
	s.collections = make(map[string]*Collection)
	s.connected = false
	s.log.InfoContext(ctx, "Storage disconnected", "errors", len(errs))

	return errors.Join(errs...)
}

// GetModel returns the collection of identity. Collections exist once storage
// is connected.
func (s *Storage) GetModel(identity string) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	collection, ok := s.collections[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, identity)
	}

	return collection, nil
}

// GetModels returns the collections of identities keyed by identity.
func (s *Storage) GetModels(identities ...string) (map[string]*Collection, error) {
	out := make(map[string]*Collection, len(identities))
	for _, identity := range identities {
		collection, err := s.GetModel(identity)
		if err != nil {
			return nil, err
		}
		out[identity] = collection
	}

	return out, nil
}

// Collections returns every connected collection in registration order.
func (s *Storage) Collections() []*Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Collection, 0, len(s.collections))
	for _, identity := range s.order {
		if collection, ok := s.collections[identity]; ok {
			out = append(out, collection)
		}
	}

	return out
}

// Identities lists the registered model identities, sorted.
func (s *Storage) Identities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identities := slices.Clone(s.order)
	slices.Sort(identities)

	return identities
}

// EmitModelEvent relays a model lifecycle event on the host bus, both as
// model.<action> with the identity and record, and as model.<action>.<identity>
// with the record alone.
func (s *Storage) EmitModelEvent(ctx context.Context, action, identity string, record models.Record) {
	s.metrics.ModelEvents.WithLabelValues(action, identity).Inc()
	s.app.Emit(ctx, EventPrefix+action, identity, record)
	s.app.Emit(ctx, EventPrefix+action+"."+identity, record)
}

// Ping checks every adapter.
func (s *Storage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return repository.ErrNotConnected
	}

	var errs []error
	for name, adapter := range s.adapters {
		if err := adapter.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to ping %q: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
