package geometry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidDocument is returned when a JSON document cannot be parsed.
var ErrInvalidDocument = errors.New("invalid JSON document")

// ExtractFeaturesJSON is ExtractFeatures over a raw JSON document. The document
// is walked in its own key order, so siblings come out in the order they were
// written rather than sorted. Below a geometry node the keys are visited in
// sorted order, as in ExtractFeatures.
func (n *Normalizer) ExtractFeaturesJSON(raw []byte) ([]any, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidDocument
	}

	features := make([]any, 0)
	if err := n.walkDocument(gjson.ParseBytes(raw), "$", &features); err != nil {
		return nil, err
	}

	return features, nil
}

func (n *Normalizer) walkDocument(doc gjson.Result, path string, acc *[]any) error {
	isObject := doc.IsObject()
	if !isObject && !doc.IsArray() {
		return nil
	}

	var walkErr error
	idx := 0
	doc.ForEach(func(key, value gjson.Result) bool {
		childPath := fmt.Sprintf("%s[%d]", path, idx)
		if isObject {
			childPath = path + "." + key.String()
		}
		idx++

		if isObject && key.String() == geometryKey {
			var node any
			if err := json.Unmarshal([]byte(value.Raw), &node); err != nil {
				walkErr = fmt.Errorf("%w at %s: %w", ErrInvalidDocument, childPath, err)
				return false
			}
			normalized, err := n.normalize(node, childPath)
			if err != nil {
				walkErr = err
				return false
			}
			*acc = append(*acc, normalized)

			// Nested geometry is cleaned inside the collected node too.
			walkErr = n.walk(normalized, childPath, acc)
			return walkErr == nil
		}

		walkErr = n.walkDocument(value, childPath, acc)
		return walkErr == nil
	})

	return walkErr
}
