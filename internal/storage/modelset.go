package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/UnknownOlympus/strata/internal/app"
)

// ModelSet gives a component access to the collections it names. The
// collections are bound before the host starts up, once storage is connected.
type ModelSet struct {
	mu      sync.RWMutex
	aliases map[string]string
	bound   map[string]*Collection
}

// NewModelSet binds the models named by aliases, a map of identity to the
// alias the collection is looked up with.
func NewModelSet(host *app.App, storage *Storage, aliases map[string]string) *ModelSet {
	set := &ModelSet{
		aliases: make(map[string]string, len(aliases)),
		bound:   make(map[string]*Collection),
	}
	for identity, alias := range aliases {
		set.aliases[identity] = alias
	}

	host.Before(app.PhaseStartup, func(context.Context) error {
		return set.Bind(storage)
	})

	return set
}

// NewModelSetOf binds the models named by identities, each aliased to itself.
func NewModelSetOf(host *app.App, storage *Storage, identities ...string) *ModelSet {
	aliases := make(map[string]string, len(identities))
	for _, identity := range identities {
		aliases[identity] = identity
	}

	return NewModelSet(host, storage, aliases)
}

// Bind resolves every named model from storage.
func (m *ModelSet) Bind(storage *Storage) error {
	bound := make(map[string]*Collection, len(m.aliases))
	for identity, alias := range m.aliases {
		collection, err := storage.GetModel(identity)
		if err != nil {
			return fmt.Errorf("failed to bind model %q as %q: %w", identity, alias, err)
		}
		bound[alias] = collection
	}

	m.mu.Lock()
	m.bound = bound
	m.mu.Unlock()

	return nil
}

// Model returns the collection bound under name, taken as an alias first and
// as a model identity otherwise.
func (m *ModelSet) Model(name string) (*Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if collection, ok := m.bound[name]; ok {
		return collection, nil
	}
	if alias, ok := m.aliases[name]; ok {
		if collection, bound := m.bound[alias]; bound {
			return collection, nil
		}
	}

	return nil, fmt.Errorf("%w: no model bound as %q", ErrModelNotFound, name)
}
