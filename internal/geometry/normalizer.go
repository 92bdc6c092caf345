// Package geometry extracts and normalizes GeoJSON geometry nodes from arbitrary
// JSON-shaped values before they are persisted and indexed.
package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/mohae/deepcopy"
)

// Geometry types that are rewritten by the normalizer. Every other type is
// collected as-is.
const (
	TypePolygon      = "Polygon"
	TypeMultiPolygon = "MultiPolygon"
)

// geometryKey marks a value as a geometry node wherever it appears.
const geometryKey = "geometry"

// ErrMalformedGeometry is returned in strict mode for polygon nodes whose shape
// cannot be normalized.
var ErrMalformedGeometry = errors.New("malformed geometry")

// Normalizer walks GeoJSON-like values, collects every node found under a
// "geometry" key and cleans the rings of Polygon and MultiPolygon nodes.
//
// A Normalizer is immutable once built and may be shared between goroutines.
// With WithInPlace the caller's value is rewritten, so concurrent calls on the
// same input are not safe in that mode.
type Normalizer struct {
	inPlace         bool
	idempotentClose bool
	cleanHoles      bool
	strict          bool
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithInPlace rewrites the input value instead of working on a deep copy.
func WithInPlace() Option {
	return func(n *Normalizer) { n.inPlace = true }
}

// WithIdempotentClose re-appends the first position only when the cleaned ring
// does not already end on it.
func WithIdempotentClose() Option {
	return func(n *Normalizer) { n.idempotentClose = true }
}

// WithCleanHoles also cleans the inner rings of polygons. By default only the
// outer ring (index 0) is touched.
func WithCleanHoles() Option {
	return func(n *Normalizer) { n.cleanHoles = true }
}

// WithStrict rejects Polygon and MultiPolygon nodes whose coordinates are not
// arrays of rings made of numeric positions.
func WithStrict() Option {
	return func(n *Normalizer) { n.strict = true }
}

// New creates a Normalizer. Without options it reproduces the reference
// behaviour on a private copy of the input.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{}
	for _, opt := range opts {
		opt(n)
	}

	return n
}

// ExtractFeatures returns every geometry node of value in depth-first, pre-order
// encounter order. Map keys are visited in sorted order. Polygon and
// MultiPolygon nodes have their rings cleaned before they are collected; any
// other node is returned unchanged.
//
// Values built from Go types other than the JSON ones (typed slices, typed
// maps, structs) are converted to their JSON shape first. Such values are
// never rewritten in place.
func (n *Normalizer) ExtractFeatures(value any) ([]any, error) {
	switch {
	case !jsonShaped(value):
		plain, err := toJSONShape(value)
		if err != nil {
			return nil, err
		}
		value = plain
	case !n.inPlace:
		value = deepcopy.Copy(value)
	}

	features := make([]any, 0)
	if err := n.walk(value, "$", &features); err != nil {
		return nil, err
	}

	return features, nil
}

func (n *Normalizer) walk(value any, path string, acc *[]any) error {
	switch node := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(node))
		for key := range node {
			keys = append(keys, key)
		}
		slices.Sort(keys)

		for _, key := range keys {
			child := node[key]
			childPath := path + "." + key
			if key == geometryKey {
				normalized, err := n.normalize(child, childPath)
				if err != nil {
					return err
				}
				*acc = append(*acc, normalized)
			}
			if err := n.walk(child, childPath, acc); err != nil {
				return err
			}
		}
	case []any:
		for idx, child := range node {
			if err := n.walk(child, fmt.Sprintf("%s[%d]", path, idx), acc); err != nil {
				return err
			}
		}
	}

	return nil
}

// normalize rewrites a single geometry node and returns it. Nodes that are not
// polygons, or that have no usable coordinates, are returned untouched unless
// the normalizer is strict.
func (n *Normalizer) normalize(value any, path string) (any, error) {
	node, ok := value.(map[string]any)
	if !ok {
		if n.strict {
			return nil, fmt.Errorf("%w at %s: geometry is not an object", ErrMalformedGeometry, path)
		}
		return value, nil
	}

	kind, _ := node["type"].(string)
	switch kind {
	case TypePolygon:
		rings, ok := node["coordinates"].([]any)
		if !ok || len(rings) == 0 {
			return node, n.malformed(path, "polygon without rings")
		}
		if err := n.cleanPolygon(rings, path+".coordinates"); err != nil {
			return nil, err
		}
	case TypeMultiPolygon:
		polygons, ok := node["coordinates"].([]any)
		if !ok {
			return node, n.malformed(path, "multipolygon without polygons")
		}
		for idx, polygon := range polygons {
			polygonPath := fmt.Sprintf("%s.coordinates[%d]", path, idx)
			rings, ok := polygon.([]any)
			if !ok || len(rings) == 0 {
				if err := n.malformed(polygonPath, "polygon without rings"); err != nil {
					return nil, err
				}
				continue
			}
			if err := n.cleanPolygon(rings, polygonPath); err != nil {
				return nil, err
			}
		}
	}

	return node, nil
}

// cleanPolygon replaces the rings of one polygon in place.
func (n *Normalizer) cleanPolygon(rings []any, path string) error {
	for idx := range rings {
		if idx > 0 && !n.cleanHoles {
			break
		}
		ringPath := fmt.Sprintf("%s[%d]", path, idx)
		ring, ok := rings[idx].([]any)
		if !ok {
			if err := n.malformed(ringPath, "ring is not an array"); err != nil {
				return err
			}
			continue
		}
		if n.strict {
			if err := validateRing(ring, ringPath); err != nil {
				return err
			}
		}
		rings[idx] = cleanRing(ring, n.idempotentClose)
	}

	return nil
}

func (n *Normalizer) malformed(path, reason string) error {
	if !n.strict {
		return nil
	}

	return fmt.Errorf("%w at %s: %s", ErrMalformedGeometry, path, reason)
}

// jsonShaped reports whether value only holds what encoding/json decodes into
// an any, plus the common Go numbers.
func jsonShaped(value any) bool {
	switch v := value.(type) {
	case nil, string, bool, float64, json.Number:
		return true
	case map[string]any:
		for _, child := range v {
			if !jsonShaped(child) {
				return false
			}
		}
		return true
	case []any:
		for _, child := range v {
			if !jsonShaped(child) {
				return false
			}
		}
		return true
	default:
		_, ok := toFloat(v)
		return ok
	}
}

func toJSONShape(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	var plain any
	if err = json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	return plain, nil
}

func validateRing(ring []any, path string) error {
	if len(ring) == 0 {
		return fmt.Errorf("%w at %s: empty ring", ErrMalformedGeometry, path)
	}
	for idx, position := range ring {
		coords, ok := position.([]any)
		if !ok || len(coords) < 2 {
			return fmt.Errorf("%w at %s[%d]: position needs two coordinates", ErrMalformedGeometry, path, idx)
		}
		for _, coord := range coords[:2] {
			if _, ok := toFloat(coord); !ok {
				return fmt.Errorf("%w at %s[%d]: non-numeric coordinate %v", ErrMalformedGeometry, path, idx, coord)
			}
		}
	}

	return nil
}
