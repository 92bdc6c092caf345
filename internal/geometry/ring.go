package geometry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// CleanRing drops repeated positions from ring, keeping the first occurrence of
// each, and then appends the ring's original first position so the ring ends
// closed. Positions are compared on the exact "x-y" key of their first two
// coordinates; there is no tolerance.
//
// The closing position is appended even when the ring is already closed after
// cleaning. An empty ring comes back as a ring holding a single nil position.
func CleanRing(ring []any) []any {
	return cleanRing(ring, false)
}

func cleanRing(ring []any, idempotent bool) []any {
	cleaned := make([]any, 0, len(ring)+1)
	seen := make(map[string]struct{}, len(ring))
	for _, position := range ring {
		key := positionKey(position)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, position)
	}

	var first any
	if len(ring) > 0 {
		first = ring[0]
	}

	if idempotent && len(cleaned) > 0 && positionKey(cleaned[len(cleaned)-1]) == positionKey(first) {
		return cleaned
	}

	return append(cleaned, copyPosition(first))
}

// positionKey renders the dedup key of a position. Missing coordinates render
// as "undefined" so that short positions still get a stable key.
func positionKey(position any) string {
	return coordinateKey(position, 0) + "-" + coordinateKey(position, 1)
}

func coordinateKey(position any, idx int) string {
	var value any
	switch coords := position.(type) {
	case []any:
		if idx >= len(coords) {
			return "undefined"
		}
		value = coords[idx]
	case []float64:
		if idx >= len(coords) {
			return "undefined"
		}
		value = coords[idx]
	default:
		return "undefined"
	}

	switch v := value.(type) {
	case nil:
		return "null"
	case float64:
		return formatFloat(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return formatFloat(f)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64) string {
	if f == 0 {
		// -0 and 0 are the same coordinate.
		f = 0
	}

	return strconv.FormatFloat(f, 'g', -1, 64)
}

func copyPosition(position any) any {
	switch coords := position.(type) {
	case []any:
		return append([]any(nil), coords...)
	case []float64:
		return append([]float64(nil), coords...)
	default:
		return position
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, !math.IsNaN(v)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
