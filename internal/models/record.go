package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/mohae/deepcopy"
)

// Fields managed by storage on every record.
const (
	IDField        = "id"
	CreatedAtField = "createdAt"
	UpdatedAtField = "updatedAt"
)

// Record holds the attribute values of one stored object.
type Record map[string]any

// ID returns the record identifier, or an empty string when it has none.
func (r Record) ID() string {
	switch id := r[IDField].(type) {
	case nil:
		return ""
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// DisplayName returns the first string value of the record, keys taken in
// sorted order and the managed fields skipped.
func (r Record) DisplayName() string {
	keys := make([]string, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if key == IDField || key == CreatedAtField || key == UpdatedAtField {
			continue
		}
		if value, ok := r[key].(string); ok {
			return value
		}
	}

	return ""
}

// Decode copies the record into out, matching fields by their json tag.
func (r Record) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create record decoder: %w", err)
	}

	if err = decoder.Decode(map[string]any(r)); err != nil {
		return fmt.Errorf("failed to decode record %q: %w", r.ID(), err)
	}

	return nil
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}

	cloned, _ := deepcopy.Copy(r).(Record)

	return cloned
}
