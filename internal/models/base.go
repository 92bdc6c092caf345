package models

import (
	"context"
	"fmt"
	"maps"

	"dario.cat/mergo"
)

// DisplayNameAttribute is the virtual attribute every model inherits.
const DisplayNameAttribute = "displayName"

// Model event actions relayed by the base hooks.
const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDestroy = "destroy"
)

// Base returns the definition every model extends: the default connection, the
// virtual displayName attribute and after hooks that relay lifecycle events to
// the definition's emitter.
func Base() Definition {
	return Definition{
		Connection: DefaultConnection,
		Kind:       KindBase,
		Attributes: map[string]Attribute{
			DisplayNameAttribute: {Type: TypeVirtual},
		},
		Hooks: Hooks{
			AfterCreate:  RelayEvent(ActionCreate),
			AfterUpdate:  RelayEvent(ActionUpdate),
			AfterDestroy: RelayEvent(ActionDestroy),
		},
	}
}

// RelayEvent returns a hook that emits action for the hooked record. It does
// nothing when the definition is not bound to an emitter.
func RelayEvent(action string) Hook {
	return func(ctx context.Context, def *Definition, record Record) error {
		if def.Emitter != nil {
			def.Emitter.EmitModelEvent(ctx, action, def.Identity, record)
		}
		return nil
	}
}

// Extend derives a definition from base. Scalar fields of override win when set
// and the connection is inherited when empty. Attributes are a right-biased
// union: an attribute present in both is taken whole from override. Hooks are
// replaced per stage. Neither argument is modified.
func Extend(base, override Definition) Definition {
	out := base
	out.Attributes = cloneMap(base.Attributes)
	out.Hooks = cloneMap(base.Hooks)

	// Merge only fails for mismatched argument types.
	if err := mergo.Merge(&out.Attributes, override.Attributes, mergo.WithOverride); err != nil {
		panic(fmt.Sprintf("failed to merge attributes of %q: %v", override.Identity, err))
	}
	if err := mergo.Merge(&out.Hooks, override.Hooks, mergo.WithOverride); err != nil {
		panic(fmt.Sprintf("failed to merge hooks of %q: %v", override.Identity, err))
	}

	if override.Identity != "" {
		out.Identity = override.Identity
	}
	if override.Connection != "" {
		out.Connection = override.Connection
	}
	if override.Kind != "" {
		out.Kind = override.Kind
	}
	if override.Geo != nil {
		geo := *override.Geo
		out.Geo = &geo
	} else if base.Geo != nil {
		geo := *base.Geo
		out.Geo = &geo
	}
	if override.Point != nil {
		point := *override.Point
		out.Point = &point
	} else if base.Point != nil {
		point := *base.Point
		out.Point = &point
	}
	if override.Emitter != nil {
		out.Emitter = override.Emitter
	}

	return out
}

func cloneMap[M ~map[K]V, K comparable, V any](m M) M {
	if m == nil {
		return make(M)
	}

	return maps.Clone(m)
}
