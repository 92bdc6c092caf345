package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/UnknownOlympus/strata/internal/models"
	"github.com/UnknownOlympus/strata/internal/repository"
	"github.com/paulmach/orb/geojson"
)

// DefaultNearDistance is the radius, in meters, of near queries that set none.
const DefaultNearDistance = 1000.0

var (
	ErrNotGeoModel     = errors.New("model is neither a geo nor a point model")
	ErrInvalidGeometry = errors.New("invalid query geometry")
)

// GeoField returns the field spatial queries run against: the feature field of
// geo models, the query field of point models.
func (c *Collection) GeoField() (string, error) {
	switch {
	case c.def.Kind == models.KindGeo && c.def.Geo != nil:
		return c.def.Geo.FeatureField, nil
	case c.def.Kind == models.KindPoint && c.def.Point != nil:
		return c.def.Point.QueryField, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrNotGeoModel, c.def.Identity)
	}
}

// CreateGeoIndex makes sure the geo field of the model is indexed as a sphere.
func (c *Collection) CreateGeoIndex(ctx context.Context) error {
	field, adapter, err := c.geo()
	if err != nil {
		return err
	}

	timer := c.timer("geo_index")
	defer timer.ObserveDuration()

	if err = adapter.EnsureGeoIndex(ctx, c.def.Identity, field, models.GeoIndexKind); err != nil {
		return fmt.Errorf("failed to create geo index on %s.%s: %w", c.def.Identity, field, err)
	}
	c.log.DebugContext(ctx, "Geo index ensured", "field", field)

	return nil
}

// FindWithin returns the records lying inside the GeoJSON geometry.
func (c *Collection) FindWithin(
	ctx context.Context, geometry any, criteria repository.Criteria,
) ([]models.Record, error) {
	return c.findGeo(ctx, repository.GeoWithin, geometry, criteria)
}

// FindIntersects returns the records intersecting the GeoJSON geometry.
func (c *Collection) FindIntersects(
	ctx context.Context, geometry any, criteria repository.Criteria,
) ([]models.Record, error) {
	return c.findGeo(ctx, repository.GeoIntersects, geometry, criteria)
}

// FindNear returns the records within distance meters of a point, nearest
// first. A distance that is not positive uses DefaultNearDistance.
func (c *Collection) FindNear(
	ctx context.Context, latitude, longitude, distance float64, criteria repository.Criteria,
) ([]models.Record, error) {
	field, adapter, err := c.geo()
	if err != nil {
		return nil, err
	}
	if distance <= 0 {
		distance = DefaultNearDistance
	}

	timer := c.timer("find_near")
	defer timer.ObserveDuration()

	point := models.Coordinates{Longitude: longitude, Latitude: latitude}
	records, err := adapter.FindNear(ctx, c.def.Identity, field, point, distance, criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s near %v: %w", c.def.Identity, point, err)
	}

	return records, nil
}

func (c *Collection) findGeo(
	ctx context.Context, op repository.GeoOp, geometry any, criteria repository.Criteria,
) ([]models.Record, error) {
	field, adapter, err := c.geo()
	if err != nil {
		return nil, err
	}

	shape, err := queryGeometry(geometry)
	if err != nil {
		return nil, err
	}

	timer := c.timer("find_" + string(op))
	defer timer.ObserveDuration()

	records, err := adapter.FindGeo(ctx, c.def.Identity, field, op, shape, criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s %s geometry: %w", c.def.Identity, op, err)
	}

	return records, nil
}

func (c *Collection) geo() (string, repository.GeoAdapter, error) {
	field, err := c.GeoField()
	if err != nil {
		return "", nil, err
	}

	adapter, ok := c.adapter.(repository.GeoAdapter)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", repository.ErrGeoUnsupported, c.adapter.Name())
	}

	return field, adapter, nil
}

// queryGeometry checks that geometry is a GeoJSON geometry object and returns
// its JSON encoding. Strings and byte slices are taken as encoded JSON.
func queryGeometry(geometry any) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	switch v := geometry.(type) {
	case nil:
		return nil, fmt.Errorf("%w: missing", ErrInvalidGeometry)
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		if raw, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidGeometry, err)
		}
	}

	if _, err = geojson.UnmarshalGeometry(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGeometry, err)
	}

	return json.RawMessage(raw), nil
}
