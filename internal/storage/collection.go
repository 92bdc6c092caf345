package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/UnknownOlympus/strata/internal/metrics"
	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/UnknownOlympus/strata/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrRequiredAttribute = errors.New("required attribute missing")
	ErrInvalidAttribute  = errors.New("attribute value does not match its type")
)

// Collection runs the operations of one model: hooks around its adapter calls,
// attribute defaults and validation.
type Collection struct {
	def     models.Definition
	adapter repository.Adapter
	log     *slog.Logger
	metrics *metrics.Metrics
}

func newCollection(
	def models.Definition, adapter repository.Adapter, log *slog.Logger, m *metrics.Metrics,
) *Collection {
	return &Collection{
		def:     def,
		adapter: adapter,
		log:     log.With("model", def.Identity),
		metrics: m,
	}
}

// Identity returns the model identity.
func (c *Collection) Identity() string { return c.def.Identity }

// Definition returns the built model definition.
func (c *Collection) Definition() models.Definition { return c.def }

// Adapter returns the adapter the model is stored through.
func (c *Collection) Adapter() repository.Adapter { return c.adapter }

// Create stores a record. Attribute defaults are applied first, then the
// beforeCreate hook runs and the result is validated.
func (c *Collection) Create(ctx context.Context, values models.Record) (models.Record, error) {
	record := c.prepare(values)
	for name, attr := range c.def.StoredAttributes() {
		if _, ok := record[name]; !ok && attr.DefaultsTo != nil {
			record[name] = attr.DefaultsTo
		}
	}

	if err := c.def.Hooks.Run(ctx, models.BeforeCreate, &c.def, record); err != nil {
		return nil, err
	}
	if err := c.validate(record, true); err != nil {
		return nil, err
	}
	c.countFeatures(record)

	timer := c.timer("create")
	created, err := c.adapter.Create(ctx, c.def.Identity, record)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", c.def.Identity, err)
	}

	if err = c.def.Hooks.Run(ctx, models.AfterCreate, &c.def, created); err != nil {
		return created, err
	}

	return created, nil
}

// Find returns the records matching criteria.
func (c *Collection) Find(ctx context.Context, criteria repository.Criteria) ([]models.Record, error) {
	timer := c.timer("find")
	records, err := c.adapter.Find(ctx, c.def.Identity, criteria)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", c.def.Identity, err)
	}

	return records, nil
}

// FindOne returns the first record matching criteria, or ErrRecordNotFound.
func (c *Collection) FindOne(ctx context.Context, criteria repository.Criteria) (models.Record, error) {
	records, err := c.Find(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, repository.ErrRecordNotFound
	}

	return records[0], nil
}

// Update changes the records matching criteria. The beforeUpdate hook sees the
// changes, the afterUpdate hook each updated record.
func (c *Collection) Update(
	ctx context.Context, criteria repository.Criteria, values models.Record,
) ([]models.Record, error) {
	changes := c.prepare(values)

	if err := c.def.Hooks.Run(ctx, models.BeforeUpdate, &c.def, changes); err != nil {
		return nil, err
	}
	if err := c.validate(changes, false); err != nil {
		return nil, err
	}
	c.countFeatures(changes)

	timer := c.timer("update")
	updated, err := c.adapter.Update(ctx, c.def.Identity, criteria, changes)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", c.def.Identity, err)
	}

	for _, record := range updated {
		if err = c.def.Hooks.Run(ctx, models.AfterUpdate, &c.def, record); err != nil {
			return updated, err
		}
	}

	return updated, nil
}

// Destroy removes the records matching criteria. The afterDestroy hook gets the
// first removed record, or nil when nothing matched.
func (c *Collection) Destroy(ctx context.Context, criteria repository.Criteria) ([]models.Record, error) {
	if err := c.def.Hooks.Run(ctx, models.BeforeDestroy, &c.def, models.Record(criteria)); err != nil {
		return nil, err
	}

	timer := c.timer("destroy")
	destroyed, err := c.adapter.Destroy(ctx, c.def.Identity, criteria)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("failed to destroy %s: %w", c.def.Identity, err)
	}

	var first models.Record
	if len(destroyed) > 0 {
		first = destroyed[0]
	}
	if err = c.def.Hooks.Run(ctx, models.AfterDestroy, &c.def, first); err != nil {
		return destroyed, err
	}

	return destroyed, nil
}

// FindOrCreate returns the first record matching criteria, creating one from
// values when none does.
func (c *Collection) FindOrCreate(
	ctx context.Context, criteria repository.Criteria, values models.Record,
) (models.Record, error) {
	found, err := c.FindOne(ctx, criteria)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, repository.ErrRecordNotFound) {
		return nil, err
	}

	return c.Create(ctx, values)
}

// CreateOrUpdate updates the first record matching criteria with values, or
// creates one from values when none matches.
func (c *Collection) CreateOrUpdate(
	ctx context.Context, criteria repository.Criteria, values models.Record,
) (models.Record, error) {
	found, err := c.FindOne(ctx, criteria)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return c.Create(ctx, values)
	}
	if err != nil {
		return nil, err
	}

	updated, err := c.Update(ctx, repository.Criteria{models.IDField: found.ID()}, values)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, repository.ErrRecordNotFound
	}

	return updated[0], nil
}

// prepare copies values and drops virtual attributes, which are never stored.
func (c *Collection) prepare(values models.Record) models.Record {
	record := values.Clone()
	if record == nil {
		record = models.Record{}
	}

	for name, attr := range c.def.Attributes {
		if attr.Virtual() {
			delete(record, name)
		}
	}

	return record
}

func (c *Collection) validate(record models.Record, create bool) error {
	names := make([]string, 0, len(c.def.Attributes))
	for name := range c.def.StoredAttributes() {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		attr := c.def.Attributes[name]
		value, ok := record[name]
		if create && attr.Required && (!ok || value == nil) {
			return fmt.Errorf("%w: %s.%s", ErrRequiredAttribute, c.def.Identity, name)
		}
		if ok && !attr.Check(value) {
			return fmt.Errorf("%w: %s.%s is %T, want %s", ErrInvalidAttribute, c.def.Identity, name, value, attr.Type)
		}
	}

	return nil
}

func (c *Collection) countFeatures(record models.Record) {
	if c.def.Kind != models.KindGeo || c.def.Geo == nil {
		return
	}

	switch features := record[c.def.Geo.FeatureField].(type) {
	case nil:
	case []any:
		c.metrics.FeaturesExtracted.WithLabelValues(c.def.Identity).Add(float64(len(features)))
	default:
		c.metrics.FeaturesExtracted.WithLabelValues(c.def.Identity).Inc()
	}
}

func (c *Collection) timer(operation string) *prometheus.Timer {
	return prometheus.NewTimer(c.metrics.OperationSeconds.WithLabelValues(c.adapter.Name(), operation))
}
