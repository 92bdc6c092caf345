package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresAdapterName is the name the PostgreSQL adapter registers under.
const PostgresAdapterName = "postgres"

const (
	uniqueViolation = "23505"
	planarIndexKind = "2d"
	returning       = "RETURNING id, data, created_at, updated_at"
)

// geometryFunction turns a stored GeoJSON value, or an array of them, into a
// single geometry. It is immutable so it can back expression indexes.
const geometryFunction = `
	CREATE OR REPLACE FUNCTION strata_geometry(value jsonb) RETURNS geometry
	LANGUAGE sql IMMUTABLE PARALLEL SAFE AS $$
		SELECT CASE
			WHEN value IS NULL OR jsonb_typeof(value) = 'null' THEN NULL
			WHEN jsonb_typeof(value) = 'array' THEN (
				SELECT ST_Collect(ST_GeomFromGeoJSON(item)) FROM jsonb_array_elements(value) AS item
			)
			ELSE ST_GeomFromGeoJSON(value)
		END
	$$;
`

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type recordRow struct {
	ID        string         `db:"id"`
	Data      map[string]any `db:"data"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r recordRow) record() models.Record {
	record := models.Record(r.Data)
	if record == nil {
		record = models.Record{}
	}
	record[models.IDField] = r.ID
	record[models.CreatedAtField] = r.CreatedAt
	record[models.UpdatedAtField] = r.UpdatedAt

	return record
}

// Postgres stores each model in its own table of JSONB documents. Spatial
// queries and indexes rely on PostGIS.
type Postgres struct {
	mu     sync.RWMutex
	db     Database
	cfg    ConnConfig
	log    *slog.Logger
	tables map[string]models.Definition
}

// NewPostgres creates an adapter that opens its pool on Connect.
func NewPostgres(cfg ConnConfig, log *slog.Logger) *Postgres {
	return &Postgres{cfg: cfg, log: log, tables: make(map[string]models.Definition)}
}

// NewPostgresWithDatabase creates an adapter over an already opened database.
func NewPostgresWithDatabase(db Database, log *slog.Logger) *Postgres {
	return &Postgres{db: db, log: log, tables: make(map[string]models.Definition)}
}

func (p *Postgres) Name() string { return PostgresAdapterName }

func (p *Postgres) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		return nil
	}

	pool, err := NewDatabase(ctx, p.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect postgres adapter: %w", err)
	}
	p.db = pool
	p.log.InfoContext(ctx, "Postgres adapter connected", "host", p.cfg.Host, "database", p.cfg.Name)

	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	db, err := p.database()
	if err != nil {
		return err
	}

	return db.Ping(ctx)
}

func (p *Postgres) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		p.db.Close()
		p.db = nil
	}

	return nil
}

// Define makes the table of def available. With MigrateAlter the table, its
// unique indexes and, for geo and point models, the geometry function are
// created when missing; MigrateDrop drops the table first.
func (p *Postgres) Define(ctx context.Context, def models.Definition, migrate Migrate) error {
	if _, err := ParseMigrate(string(migrate)); err != nil {
		return err
	}
	db, err := p.database()
	if err != nil {
		return err
	}

	if migrate != MigrateSafe {
		for _, stmt := range schemaStatements(def, migrate) {
			if _, err = db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to migrate model %q: %w", def.Identity, err)
			}
		}
	}

	p.mu.Lock()
	p.tables[def.Identity] = def
	p.mu.Unlock()
	p.log.DebugContext(ctx, "Model defined", "adapter", PostgresAdapterName, "model", def.Identity, "migrate", migrate)

	return nil
}

func schemaStatements(def models.Definition, migrate Migrate) []string {
	table := tableName(def.Identity)

	var stmts []string
	if migrate == MigrateDrop {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+table)
	}
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id uuid PRIMARY KEY,
		data jsonb NOT NULL DEFAULT '{}'::jsonb,
		feature_error text,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`, table))

	unique := make([]string, 0)
	for name, attr := range def.StoredAttributes() {
		if attr.Unique {
			unique = append(unique, name)
		}
	}
	slices.Sort(unique)
	for _, name := range unique {
		index := pgx.Identifier{def.Identity + "_" + name + "_key"}.Sanitize()
		stmts = append(stmts, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s ((data->>%s))", index, table, quoteLiteral(name),
		))
	}

	if def.Geo != nil || def.Point != nil {
		stmts = append(stmts, "CREATE EXTENSION IF NOT EXISTS postgis", geometryFunction)
	}

	return stmts
}

func (p *Postgres) Create(ctx context.Context, identity string, values models.Record) (models.Record, error) {
	db, table, err := p.table(identity)
	if err != nil {
		return nil, err
	}

	id := values.ID()
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	data, createdAt, updatedAt := splitRecord(values, now)

	query, args, err := psql.Insert(table).
		Columns("id", "data", "created_at", "updated_at").
		Values(id, data, createdAt, updatedAt).
		Suffix(returning).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert query: %w", err)
	}

	var row recordRow
	if err = pgxscan.Get(ctx, db, &row, query, args...); err != nil {
		return nil, fmt.Errorf("failed to insert %s record: %w", identity, wrapPgError(err))
	}

	return row.record(), nil
}

func (p *Postgres) Find(ctx context.Context, identity string, criteria Criteria) ([]models.Record, error) {
	db, table, err := p.table(identity)
	if err != nil {
		return nil, err
	}

	builder := psql.Select("id", "data", "created_at", "updated_at").From(table).OrderBy("created_at")
	if len(criteria) > 0 {
		builder = builder.Where(criteriaSQL(criteria))
	}

	return p.selectRecords(ctx, db, identity, builder)
}

// Update merges values into the stored document of every matching record.
func (p *Postgres) Update(
	ctx context.Context, identity string, criteria Criteria, values models.Record,
) ([]models.Record, error) {
	db, table, err := p.table(identity)
	if err != nil {
		return nil, err
	}

	data, _, updatedAt := splitRecord(values, time.Now().UTC())
	builder := psql.Update(table).
		Set("data", squirrel.Expr("data || ?::jsonb", data)).
		Set("updated_at", updatedAt).
		Suffix(returning)
	if len(criteria) > 0 {
		builder = builder.Where(criteriaSQL(criteria))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build update query: %w", err)
	}

	var rows []recordRow
	if err = pgxscan.Select(ctx, db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update %s records: %w", identity, wrapPgError(err))
	}

	return toRecords(rows), nil
}

func (p *Postgres) Destroy(ctx context.Context, identity string, criteria Criteria) ([]models.Record, error) {
	db, table, err := p.table(identity)
	if err != nil {
		return nil, err
	}

	builder := psql.Delete(table).Suffix(returning)
	if len(criteria) > 0 {
		builder = builder.Where(criteriaSQL(criteria))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build delete query: %w", err)
	}

	var rows []recordRow
	if err = pgxscan.Select(ctx, db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to delete %s records: %w", identity, err)
	}

	return toRecords(rows), nil
}

// EnsureGeoIndex creates the GiST indexes over the geometry stored in field.
// The 2d kind indexes the planar geometry used by FindGeo. The 2dsphere kind
// adds a geography index, which FindNear filters on.
func (p *Postgres) EnsureGeoIndex(ctx context.Context, identity, field, kind string) error {
	db, table, err := p.table(identity)
	if err != nil {
		return err
	}

	type geoIndex struct{ suffix, expr string }
	var indexes []geoIndex
	switch kind {
	case models.GeoIndexKind:
		indexes = append(indexes, geoIndex{"_geo", geographyExpr(field)})
	case planarIndexKind:
	default:
		return fmt.Errorf("%w: index kind %q", ErrGeoUnsupported, kind)
	}
	indexes = append(indexes, geoIndex{"_geom", geometryExpr(field)})

	for _, idx := range indexes {
		name := pgx.Identifier{identity + "_" + field + idx.suffix}.Sanitize()
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST ((%s))", name, table, idx.expr)
		if _, err = db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create geo index on %s.%s: %w", identity, field, err)
		}
	}

	return nil
}

// FindGeo returns the records whose field is within, or intersects, geometry.
func (p *Postgres) FindGeo(
	ctx context.Context, identity, field string, op GeoOp, geometry any, criteria Criteria,
) ([]models.Record, error) {
	db, table, err := p.table(identity)
	if err != nil {
		return nil, err
	}

	var predicate string
	switch op {
	case GeoWithin:
		predicate = "ST_CoveredBy"
	case GeoIntersects:
		predicate = "ST_Intersects"
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownGeoOp, op)
	}

	shape, err := json.Marshal(geometry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query geometry: %w", err)
	}

	builder := psql.Select("id", "data", "created_at", "updated_at").
		From(table).
		Where(fmt.Sprintf("%s(%s, ST_GeomFromGeoJSON(?::text))", predicate, geometryExpr(field)), string(shape)).
		OrderBy("created_at")
	if len(criteria) > 0 {
		builder = builder.Where(criteriaSQL(criteria))
	}

	return p.selectRecords(ctx, db, identity, builder)
}

// FindNear returns the records whose field lies within maxDistance meters of
// point, nearest first.
func (p *Postgres) FindNear(
	ctx context.Context,
	identity, field string,
	point models.Coordinates,
	maxDistance float64,
	criteria Criteria,
) ([]models.Record, error) {
	db, table, err := p.table(identity)
	if err != nil {
		return nil, err
	}

	geography := geographyExpr(field)
	origin := "ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography"
	builder := psql.Select("id", "data", "created_at", "updated_at").
		From(table).
		Where(fmt.Sprintf("ST_DWithin(%s, %s, ?)", geography, origin), point.Longitude, point.Latitude, maxDistance).
		OrderByClause(fmt.Sprintf("ST_Distance(%s, %s)", geography, origin), point.Longitude, point.Latitude)
	if len(criteria) > 0 {
		builder = builder.Where(criteriaSQL(criteria))
	}

	return p.selectRecords(ctx, db, identity, builder)
}

type pendingRow struct {
	ID   string         `db:"id"`
	Data map[string]any `db:"data"`
}

// FetchPendingFeatures returns up to limit records whose geometry field is set
// while the feature field is missing, oldest first. Records that failed
// before are skipped.
func (p *Postgres) FetchPendingFeatures(
	ctx context.Context, identity, geometryField, featureField string, limit int,
) ([]models.PendingFeatures, error) {
	db, table, err := p.table(identity)
	if err != nil {
		return nil, err
	}

	query, args, err := psql.Select("id", "data").
		From(table).
		Where("COALESCE(data->>(?::text), '') <> ''", geometryField).
		Where("data->(?::text) IS NULL", featureField).
		Where("feature_error IS NULL").
		OrderBy("created_at").
		Limit(uint64(max(limit, 0))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build pending features query: %w", err)
	}

	var rows []pendingRow
	if err = pgxscan.Select(ctx, db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query pending features of %s: %w", identity, err)
	}

	pending := make([]models.PendingFeatures, 0, len(rows))
	for _, row := range rows {
		p.log.DebugContext(ctx, "Record without extracted features received.", "model", identity, "id", row.ID)
		pending = append(pending, models.PendingFeatures{ID: row.ID, Values: models.Record(row.Data)})
	}

	return pending, nil
}

// UpdateFeatures stores the extracted features of one record.
func (p *Postgres) UpdateFeatures(ctx context.Context, identity, id, featureField string, features any) error {
	db, table, err := p.table(identity)
	if err != nil {
		return err
	}

	query, args, err := psql.Update(table).
		Set("data", squirrel.Expr("data || ?::jsonb", map[string]any{featureField: features})).
		Set("feature_error", nil).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build features update query: %w", err)
	}

	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update features of %s %q: %w", identity, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %q", ErrRecordNotFound, identity, id)
	}

	return nil
}

// MarkFeaturesFailed records why the features of one record could not be
// extracted, which keeps it out of later pending batches.
func (p *Postgres) MarkFeaturesFailed(ctx context.Context, identity, id, errMsg string) error {
	db, table, err := p.table(identity)
	if err != nil {
		return err
	}

	query, args, err := psql.Update(table).
		Set("feature_error", errMsg).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build features error query: %w", err)
	}

	if _, err = db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update features error and state: %w", err)
	}

	return nil
}

func (p *Postgres) selectRecords(
	ctx context.Context, db Database, identity string, builder squirrel.SelectBuilder,
) ([]models.Record, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	var rows []recordRow
	if err = pgxscan.Select(ctx, db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", identity, err)
	}

	return toRecords(rows), nil
}

func (p *Postgres) database() (Database, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return nil, ErrNotConnected
	}

	return p.db, nil
}

func (p *Postgres) table(identity string) (Database, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return nil, "", ErrNotConnected
	}
	if _, ok := p.tables[identity]; !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrModelNotDefined, identity)
	}

	return p.db, tableName(identity), nil
}

// criteriaSQL renders criteria as a conjunction. Managed fields map to their
// columns; every other key is matched by JSONB containment so stored types
// compare as they are.
func criteriaSQL(criteria Criteria) squirrel.And {
	keys := make([]string, 0, len(criteria))
	for key := range criteria {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	clauses := squirrel.And{}
	for _, key := range keys {
		value := criteria[key]
		if column, ok := managedColumns[key]; ok {
			clauses = append(clauses, squirrel.Eq{column: value})
			continue
		}

		options, isList := asList(value)
		if !isList {
			clauses = append(clauses, squirrel.Expr("data @> ?::jsonb", map[string]any{key: value}))
			continue
		}
		anyOf := squirrel.Or{}
		for _, option := range options {
			anyOf = append(anyOf, squirrel.Expr("data @> ?::jsonb", map[string]any{key: option}))
		}
		clauses = append(clauses, anyOf)
	}

	return clauses
}

var managedColumns = map[string]string{
	models.IDField:        "id",
	models.CreatedAtField: "created_at",
	models.UpdatedAtField: "updated_at",
}

// splitRecord separates the stored document from the managed fields.
func splitRecord(values models.Record, now time.Time) (map[string]any, time.Time, time.Time) {
	data := make(map[string]any, len(values))
	for key, value := range values {
		if _, managed := managedColumns[key]; !managed {
			data[key] = value
		}
	}

	createdAt, ok := values[models.CreatedAtField].(time.Time)
	if !ok {
		createdAt = now
	}
	updatedAt, ok := values[models.UpdatedAtField].(time.Time)
	if !ok {
		updatedAt = now
	}

	return data, createdAt, updatedAt
}

func toRecords(rows []recordRow) []models.Record {
	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}

	return records
}

func geometryExpr(field string) string {
	return "strata_geometry(data->" + quoteLiteral(field) + ")"
}

func geographyExpr(field string) string {
	return "(" + geometryExpr(field) + ")::geography"
}

func tableName(identity string) string {
	return pgx.Identifier{identity}.Sanitize()
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func wrapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}

	return err
}
