// Package models describes storage models: their attributes, lifecycle hooks and
// the base, geo and point model kinds every definition is built from.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConnection is the connection a model uses when it names none.
const DefaultConnection = "default"

// Kind selects the base a definition is built on.
type Kind string

const (
	KindBase  Kind = "base"
	KindGeo   Kind = "geo"
	KindPoint Kind = "point"
)

// Attribute types understood by Attribute.Check.
const (
	TypeString   = "string"
	TypeText     = "text"
	TypeInteger  = "integer"
	TypeFloat    = "float"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeDatetime = "datetime"
	TypeArray    = "array"
	TypeJSON     = "json"
	TypeVirtual  = "virtual"
)

var (
	ErrMissingIdentity = errors.New("model identity is required")
	ErrUnknownKind     = errors.New("unknown model kind")
)

// EventEmitter receives the lifecycle events relayed by the base model hooks.
type EventEmitter interface {
	EmitModelEvent(ctx context.Context, action, identity string, record Record)
}

// Attribute describes one stored field of a model.
type Attribute struct {
	Type       string `json:"type"                 yaml:"type"`
	Required   bool   `json:"required,omitempty"   yaml:"required,omitempty"`
	Unique     bool   `json:"unique,omitempty"     yaml:"unique,omitempty"`
	DefaultsTo any    `json:"defaultsTo,omitempty" yaml:"defaultsTo,omitempty"`
}

// UnmarshalYAML accepts both the mapping form and the `name: type` shorthand.
func (a *Attribute) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*a = Attribute{Type: node.Value}
		return nil
	}

	type plain Attribute
	var decoded plain
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*a = Attribute(decoded)

	return nil
}

// Virtual reports whether the attribute is computed rather than stored.
func (a Attribute) Virtual() bool {
	return a.Type == TypeVirtual
}

// Check reports whether value fits the attribute type. Nil always fits; an
// empty or unknown type accepts anything.
func (a Attribute) Check(value any) bool {
	if value == nil {
		return true
	}

	switch a.Type {
	case TypeString, TypeText:
		_, ok := value.(string)
		return ok
	case TypeInteger:
		f, ok := number(value)
		return ok && f == float64(int64(f))
	case TypeFloat, TypeNumber:
		_, ok := number(value)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeDatetime:
		switch v := value.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, v)
			return err == nil
		}
		return false
	case TypeArray:
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

// GeoOptions configures the feature extraction of geo models.
type GeoOptions struct {
	GeometryField   string `json:"geometryField,omitempty"   yaml:"geometryField,omitempty"`
	FeatureField    string `json:"featureField,omitempty"    yaml:"featureField,omitempty"`
	Single          bool   `json:"single,omitempty"          yaml:"single,omitempty"`
	CleanHoles      bool   `json:"cleanHoles,omitempty"      yaml:"cleanHoles,omitempty"`
	IdempotentClose bool   `json:"idempotentClose,omitempty" yaml:"idempotentClose,omitempty"`
	Strict          bool   `json:"strict,omitempty"          yaml:"strict,omitempty"`
}

// PointOptions configures point models.
type PointOptions struct {
	QueryField string `json:"queryField,omitempty" yaml:"queryField,omitempty"`
}

// Definition is a model as registered with storage.
type Definition struct {
	Identity   string               `json:"identity"             yaml:"identity"`
	Connection string               `json:"connection,omitempty" yaml:"connection,omitempty"`
	Kind       Kind                 `json:"kind,omitempty"       yaml:"kind,omitempty"`
	Attributes map[string]Attribute `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Geo        *GeoOptions          `json:"geo,omitempty"        yaml:"geo,omitempty"`
	Point      *PointOptions        `json:"point,omitempty"      yaml:"point,omitempty"`

	Hooks   Hooks        `json:"-" yaml:"-"`
	Emitter EventEmitter `json:"-" yaml:"-"`
}

// Build extends the definition from the base of its kind. Building an already
// built definition yields the same definition.
func (d Definition) Build() (Definition, error) {
	if d.Identity == "" {
		return Definition{}, ErrMissingIdentity
	}

	switch d.Kind {
	case "", KindBase:
		return Extend(Base(), d), nil
	case KindGeo:
		return GeoModel(d), nil
	case KindPoint:
		return PointModel(d), nil
	default:
		return Definition{}, fmt.Errorf("%w %q for model %q", ErrUnknownKind, d.Kind, d.Identity)
	}
}

// StoredAttributes returns the non-virtual attributes of the definition.
func (d Definition) StoredAttributes() map[string]Attribute {
	stored := make(map[string]Attribute, len(d.Attributes))
	for name, attr := range d.Attributes {
		if !attr.Virtual() {
			stored[name] = attr
		}
	}

	return stored
}

func number(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
