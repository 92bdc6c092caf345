package geometry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/UnknownOlympus/strata/internal/geometry"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ring builds a ring of JSON-shaped positions from coordinate pairs.
func ring(points ...[2]float64) []any {
	out := make([]any, 0, len(points))
	for _, p := range points {
		out = append(out, []any{p[0], p[1]})
	}
	return out
}

func polygon(rings ...[]any) map[string]any {
	coords := make([]any, 0, len(rings))
	for _, r := range rings {
		coords = append(coords, r)
	}
	return map[string]any{"type": geometry.TypePolygon, "coordinates": coords}
}

func TestCleanRing(t *testing.T) {
	t.Parallel()

	t.Run("drops an interior duplicate and re-closes", func(t *testing.T) {
		t.Parallel()
		in := ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 0}, [2]float64{1, 1}, [2]float64{0, 0})

		out := geometry.CleanRing(in)

		require.Len(t, out, 4)
		assert.Equal(t, ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 1}, [2]float64{0, 0}), out)
	})

	t.Run("closed ring keeps a single closing point", func(t *testing.T) {
		t.Parallel()
		in := ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 1}, [2]float64{0, 0})

		out := geometry.CleanRing(in)

		// The closing point is removed as a duplicate of the first one and then
		// appended again, so the ring comes back with the same positions.
		assert.Equal(t, in, out)
	})

	t.Run("open ring gets closed", func(t *testing.T) {
		t.Parallel()
		in := ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 1})

		out := geometry.CleanRing(in)

		assert.Equal(t, ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 1}, [2]float64{0, 0}), out)
	})

	t.Run("closing point is the original first point", func(t *testing.T) {
		t.Parallel()
		in := ring([2]float64{1, 1}, [2]float64{2, 2}, [2]float64{1, 1}, [2]float64{3, 3})

		out := geometry.CleanRing(in)

		assert.Equal(t, ring([2]float64{1, 1}, [2]float64{2, 2}, [2]float64{3, 3}, [2]float64{1, 1}), out)
	})

	t.Run("closing point is a copy", func(t *testing.T) {
		t.Parallel()
		in := ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 1})

		out := geometry.CleanRing(in)
		last, ok := out[len(out)-1].([]any)
		require.True(t, ok)
		last[0] = 99.0

		assert.Equal(t, []any{0.0, 0.0}, in[0])
	})

	t.Run("dedup is exact, not tolerance based", func(t *testing.T) {
		t.Parallel()
		a, b := 0.1, 0.2
		in := ring([2]float64{0, 0}, [2]float64{a + b, 0}, [2]float64{0.3, 0}, [2]float64{0, 0})

		out := geometry.CleanRing(in)

		assert.Len(t, out, 4)
	})

	t.Run("negative zero is the same coordinate as zero", func(t *testing.T) {
		t.Parallel()
		in := []any{[]any{0.0, 1.0}, []any{negativeZero(), 1.0}, []any{2.0, 2.0}}

		out := geometry.CleanRing(in)

		assert.Len(t, out, 3)
	})

	t.Run("repeated passes", func(t *testing.T) {
		t.Parallel()
		in := ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 1})

		first := geometry.CleanRing(in)
		second := geometry.CleanRing(first)

		assert.Len(t, first, len(in)+1)
		assert.NotEqual(t, in, first)
		assert.Equal(t, first, second)
	})

	t.Run("empty ring yields a nil closing point", func(t *testing.T) {
		t.Parallel()

		out := geometry.CleanRing([]any{})

		assert.Equal(t, []any{nil}, out)
	})

	t.Run("short positions are keyed without failing", func(t *testing.T) {
		t.Parallel()
		in := []any{[]any{1.0}, []any{1.0}, "junk"}

		out := geometry.CleanRing(in)

		assert.Equal(t, []any{[]any{1.0}, "junk", []any{1.0}}, out)
	})
}

func negativeZero() float64 {
	zero := 0.0
	return -zero
}

func TestExtractFeatures_Polygon(t *testing.T) {
	t.Parallel()

	outer := ring([2]float64{0, 0}, [2]float64{4, 0}, [2]float64{4, 0}, [2]float64{4, 4}, [2]float64{0, 0})
	hole := ring([2]float64{1, 1}, [2]float64{2, 1}, [2]float64{2, 1}, [2]float64{1, 1})
	doc := map[string]any{"geometry": polygon(outer, hole)}

	features, err := geometry.New().ExtractFeatures(doc)

	require.NoError(t, err)
	require.Len(t, features, 1)
	node, ok := features[0].(map[string]any)
	require.True(t, ok)
	coords, ok := node["coordinates"].([]any)
	require.True(t, ok)
	assert.Equal(t, ring([2]float64{0, 0}, [2]float64{4, 0}, [2]float64{4, 4}, [2]float64{0, 0}), coords[0])
	assert.Equal(t, hole, coords[1], "holes are left as they are")
}

func TestExtractFeatures_MultiPolygon(t *testing.T) {
	t.Parallel()

	hole := ring([2]float64{1, 1}, [2]float64{2, 1}, [2]float64{2, 1}, [2]float64{1, 1})
	doc := map[string]any{
		"geometry": map[string]any{
			"type": geometry.TypeMultiPolygon,
			"coordinates": []any{
				[]any{ring([2]float64{0, 0}, [2]float64{4, 0}, [2]float64{4, 0}, [2]float64{4, 4}), hole},
				[]any{ring([2]float64{10, 10}, [2]float64{11, 10}, [2]float64{11, 11}, [2]float64{10, 10})},
			},
		},
	}

	features, err := geometry.New().ExtractFeatures(doc)

	require.NoError(t, err)
	require.Len(t, features, 1)
	polygons := features[0].(map[string]any)["coordinates"].([]any)
	require.Len(t, polygons, 2)

	first := polygons[0].([]any)
	assert.Equal(t, ring([2]float64{0, 0}, [2]float64{4, 0}, [2]float64{4, 4}, [2]float64{0, 0}), first[0])
	assert.Equal(t, ring([2]float64{1, 1}, [2]float64{2, 1}, [2]float64{2, 1}, [2]float64{1, 1}), first[1])

	second := polygons[1].([]any)
	assert.Equal(t, ring([2]float64{10, 10}, [2]float64{11, 10}, [2]float64{11, 11}, [2]float64{10, 10}), second[0])
}

func TestExtractFeatures_Traversal(t *testing.T) {
	t.Parallel()

	point := func(x, y float64) map[string]any {
		return map[string]any{"type": "Point", "coordinates": []any{x, y}}
	}

	t.Run("depth-first, parent before children", func(t *testing.T) {
		t.Parallel()
		doc := map[string]any{
			"features": []any{
				map[string]any{
					"geometry":   point(1, 1),
					"properties": map[string]any{"inner": map[string]any{"geometry": point(2, 2)}},
				},
			},
			"geometry": point(0, 0),
		}

		features, err := geometry.New().ExtractFeatures(doc)

		require.NoError(t, err)
		assert.Equal(t, []any{point(1, 1), point(2, 2), point(0, 0)}, features)
	})

	t.Run("geometry keys inside arrays of arrays", func(t *testing.T) {
		t.Parallel()
		doc := []any{
			[]any{
				[]any{map[string]any{"geometry": point(5, 5)}},
				map[string]any{"geometry": point(6, 6)},
			},
		}

		features, err := geometry.New().ExtractFeatures(doc)

		require.NoError(t, err)
		assert.Equal(t, []any{point(5, 5), point(6, 6)}, features)
	})

	t.Run("geometry nested in a geometry node", func(t *testing.T) {
		t.Parallel()
		outer := point(1, 1)
		outer["geometry"] = point(2, 2)
		doc := map[string]any{"geometry": outer}

		features, err := geometry.New().ExtractFeatures(doc)

		require.NoError(t, err)
		require.Len(t, features, 2)
		assert.Equal(t, point(2, 2), features[1])
	})

	t.Run("point is returned unmodified", func(t *testing.T) {
		t.Parallel()
		doc := map[string]any{"geometry": point(3.25, -7.5)}

		features, err := geometry.New().ExtractFeatures(doc)

		require.NoError(t, err)
		assert.Equal(t, []any{point(3.25, -7.5)}, features)
	})

	t.Run("values without geometry yield an empty sequence", func(t *testing.T) {
		t.Parallel()

		features, err := geometry.New().ExtractFeatures(map[string]any{"name": "plain"})

		require.NoError(t, err)
		assert.NotNil(t, features)
		assert.Empty(t, features)
	})

	t.Run("non-object geometry is collected unchanged", func(t *testing.T) {
		t.Parallel()
		doc := map[string]any{"geometry": "not a geometry", "other": map[string]any{"geometry": nil}}

		features, err := geometry.New().ExtractFeatures(doc)

		require.NoError(t, err)
		assert.Equal(t, []any{"not a geometry", nil}, features)
	})

	t.Run("polygon without coordinates is collected unchanged", func(t *testing.T) {
		t.Parallel()
		doc := map[string]any{"geometry": map[string]any{"type": geometry.TypePolygon}}

		features, err := geometry.New().ExtractFeatures(doc)

		require.NoError(t, err)
		assert.Equal(t, []any{map[string]any{"type": geometry.TypePolygon}}, features)
	})
}

func TestExtractFeatures_Mutation(t *testing.T) {
	t.Parallel()

	newDoc := func() map[string]any {
		return map[string]any{
			"geometry": polygon(ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 0}, [2]float64{1, 1})),
		}
	}
	original := ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 0}, [2]float64{1, 1})
	cleaned := ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 1}, [2]float64{0, 0})

	t.Run("default leaves the input alone", func(t *testing.T) {
		t.Parallel()
		doc := newDoc()

		features, err := geometry.New().ExtractFeatures(doc)

		require.NoError(t, err)
		assert.Equal(t, original, doc["geometry"].(map[string]any)["coordinates"].([]any)[0])
		assert.Equal(t, cleaned, features[0].(map[string]any)["coordinates"].([]any)[0])
	})

	t.Run("in place rewrites the input", func(t *testing.T) {
		t.Parallel()
		doc := newDoc()

		features, err := geometry.New(geometry.WithInPlace()).ExtractFeatures(doc)

		require.NoError(t, err)
		assert.Equal(t, cleaned, doc["geometry"].(map[string]any)["coordinates"].([]any)[0])
		assert.Equal(t, doc["geometry"], features[0])
	})
}

func TestExtractFeatures_TypedValues(t *testing.T) {
	t.Parallel()

	t.Run("typed polygon coordinates are cleaned", func(t *testing.T) {
		t.Parallel()
		doc := map[string]any{"geometry": map[string]any{
			"type":        geometry.TypePolygon,
			"coordinates": [][][]float64{{{0, 0}, {1, 0}, {1, 0}, {1, 1}}},
		}}

		features, err := geometry.New().ExtractFeatures(doc)

		require.NoError(t, err)
		require.Len(t, features, 1)
		coords := features[0].(map[string]any)["coordinates"].([]any)
		assert.Equal(t, ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 1}, [2]float64{0, 0}), coords[0])
	})

	t.Run("geometry under a typed slice of maps", func(t *testing.T) {
		t.Parallel()
		doc := map[string]any{"features": []map[string]any{
			{"geometry": map[string]any{"type": "Point", "coordinates": []float64{3, 4}}},
		}}

		features, err := geometry.New(geometry.WithInPlace()).ExtractFeatures(doc)

		require.NoError(t, err)
		assert.Equal(t, []any{map[string]any{"type": "Point", "coordinates": []any{3.0, 4.0}}}, features)
	})

	t.Run("values that cannot be encoded", func(t *testing.T) {
		t.Parallel()

		_, err := geometry.New().ExtractFeatures(map[string]any{"geometry": make(chan int)})

		require.ErrorIs(t, err, geometry.ErrInvalidDocument)
	})
}

func TestExtractFeatures_Options(t *testing.T) {
	t.Parallel()

	t.Run("clean holes", func(t *testing.T) {
		t.Parallel()
		hole := ring([2]float64{1, 1}, [2]float64{2, 1}, [2]float64{2, 1}, [2]float64{1, 1})
		doc := map[string]any{"geometry": polygon(ring([2]float64{0, 0}, [2]float64{4, 0}, [2]float64{4, 4}), hole)}

		features, err := geometry.New(geometry.WithCleanHoles()).ExtractFeatures(doc)

		require.NoError(t, err)
		coords := features[0].(map[string]any)["coordinates"].([]any)
		assert.Equal(t, ring([2]float64{1, 1}, [2]float64{2, 1}, [2]float64{1, 1}), coords[1])
	})

	t.Run("idempotent close on a degenerate ring", func(t *testing.T) {
		t.Parallel()
		degenerate := ring([2]float64{5, 5}, [2]float64{6, 6}, [2]float64{5, 5})

		literal, err := geometry.New().ExtractFeatures(map[string]any{"geometry": polygon(degenerate)})
		require.NoError(t, err)
		idempotent, err := geometry.New(geometry.WithIdempotentClose()).
			ExtractFeatures(map[string]any{"geometry": polygon(degenerate)})
		require.NoError(t, err)

		assert.Equal(t, degenerate, literal[0].(map[string]any)["coordinates"].([]any)[0])
		assert.Equal(t, degenerate, idempotent[0].(map[string]any)["coordinates"].([]any)[0])

		single := ring([2]float64{5, 5}, [2]float64{5, 5})
		literal, err = geometry.New().ExtractFeatures(map[string]any{"geometry": polygon(single)})
		require.NoError(t, err)
		idempotent, err = geometry.New(geometry.WithIdempotentClose()).
			ExtractFeatures(map[string]any{"geometry": polygon(single)})
		require.NoError(t, err)

		assert.Equal(t, single, literal[0].(map[string]any)["coordinates"].([]any)[0])
		assert.Equal(t, ring([2]float64{5, 5}), idempotent[0].(map[string]any)["coordinates"].([]any)[0])
	})

	t.Run("strict rejects malformed polygons", func(t *testing.T) {
		t.Parallel()
		strict := geometry.New(geometry.WithStrict())

		cases := map[string]any{
			"no rings":          map[string]any{"type": geometry.TypePolygon, "coordinates": []any{}},
			"ring not an array": map[string]any{"type": geometry.TypePolygon, "coordinates": []any{"x"}},
			"short position":    polygon([]any{[]any{1.0}}),
			"text coordinate":   polygon([]any{[]any{"a", 1.0}}),
			"not an object":     "Polygon",
		}
		for name, node := range cases {
			_, err := strict.ExtractFeatures(map[string]any{"geometry": node})
			require.ErrorIs(t, err, geometry.ErrMalformedGeometry, name)
		}
	})

	t.Run("strict accepts well formed polygons", func(t *testing.T) {
		t.Parallel()
		doc := map[string]any{"geometry": polygon(ring([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{1, 1}))}

		features, err := geometry.New(geometry.WithStrict()).ExtractFeatures(doc)

		require.NoError(t, err)
		assert.Len(t, features, 1)
	})
}

func TestExtractFeaturesJSON_Golden(t *testing.T) {
	t.Parallel()

	raw, err := os.ReadFile(filepath.Join("testdata", "feature_collection.json"))
	require.NoError(t, err)

	features, err := geometry.New().ExtractFeaturesJSON(raw)
	require.NoError(t, err)

	g := goldie.New(t)
	g.AssertJson(t, "feature_collection", features)
}
