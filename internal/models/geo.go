package models

import (
	"context"

	"github.com/UnknownOlympus/strata/internal/geometry"
)

// GeoIndexKind is the index kind requested for geometry feature fields.
const GeoIndexKind = "2dsphere"

// DefaultGeoOptions returns the options of a geo model that sets none.
func DefaultGeoOptions() GeoOptions {
	return GeoOptions{
		GeometryField: geometry.DefaultGeometryField,
		FeatureField:  geometry.DefaultFeatureField,
	}
}

// GeoModel builds a model whose records carry raw GeoJSON in a geometry field.
// Before create and update the normalized geometry nodes are extracted into the
// feature field, which is the one indexed and queried.
func GeoModel(def Definition) Definition {
	opts := DefaultGeoOptions()
	if def.Geo != nil {
		opts.Single = def.Geo.Single
		opts.CleanHoles = def.Geo.CleanHoles
		opts.IdempotentClose = def.Geo.IdempotentClose
		opts.Strict = def.Geo.Strict
		if def.Geo.GeometryField != "" {
			opts.GeometryField = def.Geo.GeometryField
		}
		if def.Geo.FeatureField != "" {
			opts.FeatureField = def.Geo.FeatureField
		}
	}
	def.Geo = &opts

	geo := Extend(Base(), Definition{
		Kind: KindGeo,
		Hooks: Hooks{
			BeforeCreate: ExtractGeometryFeatures,
			BeforeUpdate: ExtractGeometryFeatures,
		},
	})

	return Extend(geo, def)
}

// ExtractGeometryFeatures is the before hook of geo models. Definitions that
// replace the before hooks can call it to keep the extraction.
func ExtractGeometryFeatures(_ context.Context, def *Definition, record Record) error {
	_, err := FeatureExtractor(def).Apply(record)
	return err
}

// FeatureExtractor returns the extractor configured by the geo options of def.
func FeatureExtractor(def *Definition) geometry.FieldExtractor {
	opts := DefaultGeoOptions()
	if def.Geo != nil {
		opts = *def.Geo
	}

	var normalizerOpts []geometry.Option
	if opts.CleanHoles {
		normalizerOpts = append(normalizerOpts, geometry.WithCleanHoles())
	}
	if opts.IdempotentClose {
		normalizerOpts = append(normalizerOpts, geometry.WithIdempotentClose())
	}
	if opts.Strict {
		normalizerOpts = append(normalizerOpts, geometry.WithStrict())
	}

	return geometry.FieldExtractor{
		GeometryField: opts.GeometryField,
		FeatureField:  opts.FeatureField,
		Single:        opts.Single,
		Normalizer:    geometry.New(normalizerOpts...),
	}
}
