package models

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/paulmach/orb"
)

// DefaultQueryField holds the point built by point models.
const DefaultQueryField = "geoPoint"

// Record fields read by point models.
const (
	LatitudeField  = "latitude"
	LongitudeField = "longitude"
)

var ErrInvalidCoordinates = errors.New("invalid coordinates")

// PointModel builds a model whose records carry latitude and longitude fields.
// Before create and update a GeoJSON Point is written to the query field.
func PointModel(def Definition) Definition {
	opts := PointOptions{QueryField: DefaultQueryField}
	if def.Point != nil && def.Point.QueryField != "" {
		opts.QueryField = def.Point.QueryField
	}
	def.Point = &opts

	point := Extend(Base(), Definition{
		Kind: KindPoint,
		Hooks: Hooks{
			BeforeCreate: CreatePoint,
			BeforeUpdate: CreatePoint,
		},
	})

	return Extend(point, def)
}

// CreatePoint is the before hook of point models. Records missing either
// coordinate, or holding a zero one, are left untouched.
func CreatePoint(_ context.Context, def *Definition, record Record) error {
	field := DefaultQueryField
	if def.Point != nil && def.Point.QueryField != "" {
		field = def.Point.QueryField
	}

	lat, ok, err := coordinate(record, LatitudeField)
	if err != nil || !ok {
		return err
	}
	lon, ok, err := coordinate(record, LongitudeField)
	if err != nil || !ok {
		return err
	}

	record[field] = PointGeometry(Coordinates{Longitude: lon, Latitude: lat})

	return nil
}

// PointGeometry renders coords as a GeoJSON Point value.
func PointGeometry(coords Coordinates) map[string]any {
	point := orb.Point{coords.Longitude, coords.Latitude}

	return map[string]any{
		"type":        point.GeoJSONType(),
		"coordinates": []any{point.Lon(), point.Lat()},
	}
}

func coordinate(record Record, field string) (float64, bool, error) {
	raw, ok := record[field]
	if !ok || raw == nil {
		return 0, false, nil
	}

	value, ok := number(raw)
	if !ok {
		str, isString := raw.(string)
		if !isString {
			return 0, false, fmt.Errorf("%w: %s is %T", ErrInvalidCoordinates, field, raw)
		}
		if str == "" {
			return 0, false, nil
		}
		parsed, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s %q is not a number", ErrInvalidCoordinates, field, str)
		}
		value = parsed
	}

	return value, value != 0, nil
}
