package models

import (
	"context"
	"fmt"
)

// Stage names a point of the record lifecycle where a hook runs.
type Stage string

const (
	BeforeCreate  Stage = "beforeCreate"
	AfterCreate   Stage = "afterCreate"
	BeforeUpdate  Stage = "beforeUpdate"
	AfterUpdate   Stage = "afterUpdate"
	BeforeDestroy Stage = "beforeDestroy"
	AfterDestroy  Stage = "afterDestroy"
)

// Hook runs at one lifecycle stage. Before hooks may rewrite record; the model
// definition is passed so hooks can read their options and event emitter.
type Hook func(ctx context.Context, def *Definition, record Record) error

// Hooks maps lifecycle stages to their hook. A nil hook is skipped.
type Hooks map[Stage]Hook

// Stages lists every lifecycle stage in invocation order.
func Stages() []Stage {
	return []Stage{BeforeCreate, AfterCreate, BeforeUpdate, AfterUpdate, BeforeDestroy, AfterDestroy}
}

// Run invokes the hook registered for stage, if any.
func (h Hooks) Run(ctx context.Context, stage Stage, def *Definition, record Record) error {
	hook := h[stage]
	if hook == nil {
		return nil
	}

	if err := hook(ctx, def, record); err != nil {
		return fmt.Errorf("%s hook of model %q failed: %w", stage, def.Identity, err)
	}

	return nil
}
