package geometry

import "fmt"

// Default record fields used by FieldExtractor.
const (
	DefaultGeometryField = "geo"
	DefaultFeatureField  = "geoFeatures"
)

// FieldExtractor copies the normalized geometry nodes of one record field into
// another. The source field may hold a structured value or a JSON string.
type FieldExtractor struct {
	GeometryField string      // GeometryField holds the raw GeoJSON value.
	FeatureField  string      // FeatureField receives the extracted nodes.
	Single        bool        // Single stores only the first extracted node.
	Normalizer    *Normalizer // Normalizer defaults to New() when nil.
}

// Apply reads the geometry field of values and writes the extracted features.
// It reports whether the feature field was touched. Empty or zero geometry
// values are skipped.
func (f FieldExtractor) Apply(values map[string]any) (bool, error) {
	source, target := f.fields()

	raw, ok := values[source]
	if !ok || !truthy(raw) {
		return false, nil
	}

	normalizer := f.Normalizer
	if normalizer == nil {
		normalizer = New()
	}

	var (
		features []any
		err      error
	)
	switch v := raw.(type) {
	case string:
		features, err = normalizer.ExtractFeaturesJSON([]byte(v))
	case []byte:
		features, err = normalizer.ExtractFeaturesJSON(v)
	default:
		features, err = normalizer.ExtractFeatures(v)
	}
	if err != nil {
		return false, fmt.Errorf("failed to extract features from %q: %w", source, err)
	}

	if !f.Single {
		values[target] = features
		return true, nil
	}

	var first any
	if len(features) > 0 {
		first = features[0]
	}
	values[target] = first

	return true, nil
}

func (f FieldExtractor) fields() (string, string) {
	source, target := f.GeometryField, f.FeatureField
	if source == "" {
		source = DefaultGeometryField
	}
	if target == "" {
		target = DefaultFeatureField
	}

	return source, target
}

// truthy mirrors the loose presence check used for incoming records: nil,
// empty strings, false and zero numbers count as absent.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case []byte:
		return len(v) > 0
	case bool:
		return v
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}
