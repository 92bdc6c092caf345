package repository

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/google/uuid"
	"github.com/mohae/deepcopy"
)

// MemoryAdapterName is the name the in-process adapter registers under.
const MemoryAdapterName = "memory"

type memoryTable struct {
	def     models.Definition
	records []models.Record
	failed  map[string]string
}

// Memory keeps records in process memory. Records are copied on the way in and
// out, so callers never share state with the store.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]*memoryTable
	log    *slog.Logger
}

// NewMemory creates an empty in-process adapter.
func NewMemory(log *slog.Logger) *Memory {
	return &Memory{tables: make(map[string]*memoryTable), log: log}
}

func (m *Memory) Name() string { return MemoryAdapterName }

func (m *Memory) Connect(context.Context) error { return nil }

func (m *Memory) Ping(context.Context) error { return nil }

// Close drops every table.
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = make(map[string]*memoryTable)

	return nil
}

// Define creates the table of def. Drop empties an existing table; the other
// strategies keep its records.
func (m *Memory) Define(ctx context.Context, def models.Definition, migrate Migrate) error {
	if _, err := ParseMigrate(string(migrate)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[def.Identity]
	if !ok || migrate == MigrateDrop {
		table = &memoryTable{failed: make(map[string]string)}
		m.tables[def.Identity] = table
	}
	table.def = def
	m.log.DebugContext(ctx, "Model defined", "adapter", MemoryAdapterName, "model", def.Identity, "migrate", migrate)

	return nil
}

func (m *Memory) Create(_ context.Context, identity string, values models.Record) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(identity)
	if err != nil {
		return nil, err
	}

	record := values.Clone()
	if record == nil {
		record = models.Record{}
	}
	if record.ID() == "" {
		record[models.IDField] = uuid.NewString()
	}
	now := time.Now().UTC()
	if _, ok := record[models.CreatedAtField]; !ok {
		record[models.CreatedAtField] = now
	}
	if _, ok := record[models.UpdatedAtField]; !ok {
		record[models.UpdatedAtField] = now
	}

	if slices.ContainsFunc(table.records, func(other models.Record) bool { return other.ID() == record.ID() }) {
		return nil, fmt.Errorf("%w: %s.%s", ErrDuplicate, identity, models.IDField)
	}
	if err = table.checkUnique(record); err != nil {
		return nil, err
	}
	table.records = append(table.records, record)

	return record.Clone(), nil
}

func (m *Memory) Find(_ context.Context, identity string, criteria Criteria) ([]models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, err := m.table(identity)
	if err != nil {
		return nil, err
	}

	found := make([]models.Record, 0)
	for _, record := range table.records {
		if matches(record, criteria) {
			found = append(found, record.Clone())
		}
	}

	return found, nil
}

// Update merges values into every matching record. Either every match is
// updated or, on a unique violation, none is.
func (m *Memory) Update(
	_ context.Context, identity string, criteria Criteria, values models.Record,
) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(identity)
	if err != nil {
		return nil, err
	}

	changes := values.Clone()
	if changes == nil {
		changes = models.Record{}
	}
	delete(changes, models.IDField)
	delete(changes, models.CreatedAtField)
	if _, ok := changes[models.UpdatedAtField]; !ok {
		changes[models.UpdatedAtField] = time.Now().UTC()
	}

	var (
		positions []int
		next      []models.Record
	)
	for idx, record := range table.records {
		if !matches(record, criteria) {
			continue
		}
		merged := record.Clone()
		for key, value := range changes {
			merged[key] = value
		}
		positions = append(positions, idx)
		next = append(next, merged)
	}
	if err = table.checkUnique(next...); err != nil {
		return nil, err
	}

	updated := make([]models.Record, 0, len(next))
	for i, idx := range positions {
		table.records[idx] = next[i]
		updated = append(updated, next[i].Clone())
	}

	return updated, nil
}

func (m *Memory) Destroy(_ context.Context, identity string, criteria Criteria) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(identity)
	if err != nil {
		return nil, err
	}

	destroyed := make([]models.Record, 0)
	table.records = slices.DeleteFunc(table.records, func(record models.Record) bool {
		if !matches(record, criteria) {
			return false
		}
		destroyed = append(destroyed, record)
		delete(table.failed, record.ID())
		return true
	})

	return destroyed, nil
}

// FetchPendingFeatures returns records with a geometry value and no features.
func (m *Memory) FetchPendingFeatures(
	_ context.Context, identity, geometryField, featureField string, limit int,
) ([]models.PendingFeatures, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, err := m.table(identity)
	if err != nil {
		return nil, err
	}

	pending := make([]models.PendingFeatures, 0)
	for _, record := range table.records {
		if len(pending) >= limit {
			break
		}
		if _, failed := table.failed[record.ID()]; failed {
			continue
		}
		if geo, ok := record[geometryField]; !ok || geo == nil || geo == "" {
			continue
		}
		if _, ok := record[featureField]; ok {
			continue
		}
		pending = append(pending, models.PendingFeatures{ID: record.ID(), Values: record.Clone()})
	}

	return pending, nil
}

func (m *Memory) UpdateFeatures(_ context.Context, identity, id, featureField string, features any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(identity)
	if err != nil {
		return err
	}

	for _, record := range table.records {
		if record.ID() == id {
			record[featureField] = deepcopy.Copy(features)
			record[models.UpdatedAtField] = time.Now().UTC()
			return nil
		}
	}

	return fmt.Errorf("%w: %s %q", ErrRecordNotFound, identity, id)
}

func (m *Memory) MarkFeaturesFailed(_ context.Context, identity, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(identity)
	if err != nil {
		return err
	}
	table.failed[id] = errMsg

	return nil
}

func (m *Memory) table(identity string) (*memoryTable, error) {
	table, ok := m.tables[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotDefined, identity)
	}

	return table, nil
}

// checkUnique checks the unique attributes of candidates against each other
// and against the stored records they do not replace.
func (t *memoryTable) checkUnique(candidates ...models.Record) error {
	replaced := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		replaced[candidate.ID()] = struct{}{}
	}
	kept := make([]models.Record, 0, len(t.records))
	for _, record := range t.records {
		if _, ok := replaced[record.ID()]; !ok {
			kept = append(kept, record)
		}
	}

	for name, attr := range t.def.Attributes {
		if !attr.Unique {
			continue
		}
		for idx, candidate := range candidates {
			value, ok := candidate[name]
			if !ok || value == nil {
				continue
			}
			taken := func(other models.Record) bool { return equalValues(other[name], value) }
			if slices.ContainsFunc(kept, taken) || slices.ContainsFunc(candidates[idx+1:], taken) {
				return fmt.Errorf("%w: %s.%s", ErrDuplicate, t.def.Identity, name)
			}
		}
	}

	return nil
}

func matches(record models.Record, criteria Criteria) bool {
	for key, want := range criteria {
		got := record[key]
		if options, ok := asList(want); ok {
			if !slices.ContainsFunc(options, func(option any) bool { return equalValues(got, option) }) {
				return false
			}
			continue
		}
		if !equalValues(got, want) {
			return false
		}
	}

	return true
}

func asList(value any) ([]any, bool) {
	if value == nil {
		return nil, false
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}

	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}

	return list, true
}

func equalValues(a, b any) bool {
	if fa, ok := numeric(a); ok {
		fb, ok := numeric(b)
		return ok && fa == fb
	}

	return reflect.DeepEqual(a, b)
}

func numeric(value any) (float64, bool) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}
