package geometry_test

import (
	"testing"

	"github.com/UnknownOlympus/strata/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldExtractor_Apply(t *testing.T) {
	t.Parallel()

	collection := `{"type": "FeatureCollection", "features": [
		{"type": "Feature", "geometry": {"type": "Point", "coordinates": [1, 2]}},
		{"type": "Feature", "geometry": {"type": "Point", "coordinates": [3, 4]}}
	]}`
	first := map[string]any{"type": "Point", "coordinates": []any{1.0, 2.0}}
	second := map[string]any{"type": "Point", "coordinates": []any{3.0, 4.0}}

	t.Run("parses string values", func(t *testing.T) {
		t.Parallel()
		values := map[string]any{"geo": collection}

		applied, err := geometry.FieldExtractor{}.Apply(values)

		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, []any{first, second}, values[geometry.DefaultFeatureField])
		assert.Equal(t, collection, values["geo"])
	})

	t.Run("structured values and custom fields", func(t *testing.T) {
		t.Parallel()
		values := map[string]any{"shape": map[string]any{"geometry": second}}
		extractor := geometry.FieldExtractor{GeometryField: "shape", FeatureField: "shapeFeatures"}

		applied, err := extractor.Apply(values)

		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, []any{second}, values["shapeFeatures"])
	})

	t.Run("single keeps the first feature", func(t *testing.T) {
		t.Parallel()
		values := map[string]any{"geo": []byte(collection)}

		_, err := geometry.FieldExtractor{Single: true}.Apply(values)

		require.NoError(t, err)
		assert.Equal(t, first, values[geometry.DefaultFeatureField])
	})

	t.Run("single without features stores nil", func(t *testing.T) {
		t.Parallel()
		values := map[string]any{"geo": `{"type": "FeatureCollection"}`, "geoFeatures": "stale"}

		applied, err := geometry.FieldExtractor{Single: true}.Apply(values)

		require.NoError(t, err)
		assert.True(t, applied)
		assert.Contains(t, values, "geoFeatures")
		assert.Nil(t, values["geoFeatures"])
	})

	t.Run("typed Go values", func(t *testing.T) {
		t.Parallel()
		values := map[string]any{"geo": map[string]any{
			"type": "FeatureCollection",
			"features": []map[string]any{
				{"type": "Feature", "geometry": map[string]any{"type": "Point", "coordinates": []float64{1, 2}}},
			},
		}}

		applied, err := geometry.FieldExtractor{}.Apply(values)

		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, []any{first}, values[geometry.DefaultFeatureField])
	})

	t.Run("absent or empty geometry is skipped", func(t *testing.T) {
		t.Parallel()
		for _, values := range []map[string]any{
			{},
			{"geo": nil},
			{"geo": ""},
			{"geo": 0.0},
			{"geo": false},
		} {
			applied, err := geometry.FieldExtractor{}.Apply(values)

			require.NoError(t, err)
			assert.False(t, applied)
			assert.NotContains(t, values, geometry.DefaultFeatureField)
		}
	})

	t.Run("invalid JSON string", func(t *testing.T) {
		t.Parallel()
		values := map[string]any{"geo": "{not json"}

		applied, err := geometry.FieldExtractor{}.Apply(values)

		require.ErrorIs(t, err, geometry.ErrInvalidDocument)
		require.ErrorContains(t, err, `failed to extract features from "geo"`)
		assert.False(t, applied)
	})

	t.Run("uses the configured normalizer", func(t *testing.T) {
		t.Parallel()
		values := map[string]any{"geo": map[string]any{"geometry": "bad"}}
		extractor := geometry.FieldExtractor{Normalizer: geometry.New(geometry.WithStrict())}

		_, err := extractor.Apply(values)

		require.ErrorIs(t, err, geometry.ErrMalformedGeometry)
	})
}
