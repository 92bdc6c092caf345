// Package repository holds the storage adapters models are persisted through.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrModelNotDefined = errors.New("model is not defined on adapter")
	ErrDuplicate       = errors.New("unique attribute already taken")
	ErrGeoUnsupported  = errors.New("adapter does not support geo queries")
	ErrUnknownMigrate  = errors.New("unknown migrate strategy")
	ErrUnknownGeoOp    = errors.New("unknown geo operation")
	ErrNotConnected    = errors.New("adapter is not connected")
)

// Migrate selects what Define does to existing storage.
type Migrate string

const (
	MigrateSafe  Migrate = "safe"  // MigrateSafe never touches the schema.
	MigrateAlter Migrate = "alter" // MigrateAlter creates what is missing.
	MigrateDrop  Migrate = "drop"  // MigrateDrop recreates storage from scratch.
)

// ParseMigrate validates a configured migrate strategy.
func ParseMigrate(value string) (Migrate, error) {
	switch m := Migrate(value); m {
	case MigrateSafe, MigrateAlter, MigrateDrop:
		return m, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownMigrate, value)
	}
}

// GeoOp is a spatial predicate between stored features and a query geometry.
type GeoOp string

const (
	GeoWithin     GeoOp = "within"
	GeoIntersects GeoOp = "intersects"
)

// Criteria selects records by attribute equality. A slice value matches any of
// its elements.
type Criteria map[string]any

// Adapter persists the records of defined models.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Define(ctx context.Context, def models.Definition, migrate Migrate) error
	Create(ctx context.Context, identity string, values models.Record) (models.Record, error)
	Find(ctx context.Context, identity string, criteria Criteria) ([]models.Record, error)
	Update(ctx context.Context, identity string, criteria Criteria, values models.Record) ([]models.Record, error)
	Destroy(ctx context.Context, identity string, criteria Criteria) ([]models.Record, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// GeoAdapter is an Adapter able to index and query GeoJSON feature fields.
type GeoAdapter interface {
	Adapter
	EnsureGeoIndex(ctx context.Context, identity, field, kind string) error
	FindGeo(
		ctx context.Context, identity, field string, op GeoOp, geometry any, criteria Criteria,
	) ([]models.Record, error)
	FindNear(
		ctx context.Context,
		identity, field string,
		point models.Coordinates,
		maxDistance float64,
		criteria Criteria,
	) ([]models.Record, error)
}

// Backfiller gives access to the records of geo models whose features have not
// been extracted yet.
type Backfiller interface {
	FetchPendingFeatures(
		ctx context.Context, identity, geometryField, featureField string, limit int,
	) ([]models.PendingFeatures, error)
	UpdateFeatures(ctx context.Context, identity, id, featureField string, features any) error
	MarkFeaturesFailed(ctx context.Context, identity, id, errMsg string) error
}

// Database is the subset of a pgx pool used by the Postgres adapter.
type Database interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}
