package core

import (
	"fmt"

	"aura/internal/migration"
	"aura/internal/resonance"
	"aura/internal/state"
)

// =============================================================================
// SCHEMA
// =============================================================================

// SchemaVersion is the current shape of the state tree.
const SchemaVersion = 3

// Slice keys owned outside this package. The defaults live here so the
// schema and its migrations are declared in one place.
const (
	ErrorsSliceKey    = "errors"
	SynthesisSliceKey = "synthesis"
)

// NewSchema returns the built-in slices and their defaults at SchemaVersion.
func NewSchema() *state.Schema {
	return state.NewSchema(SchemaVersion).
		Slice(KernelSliceKey, func() any { return DefaultKernelSlice() }).
		Slice(resonance.SliceKey, func() any { return resonance.Empty() }).
		Slice(ErrorsSliceKey, func() any { return map[string]any{"entries": []any{}} }).
		Slice(SynthesisSliceKey, func() any { return map[string]any{"results": []any{}} })
}

// -----------------------------------------------------------------------------
// Migrations
// -----------------------------------------------------------------------------

// Migrations returns the upgrade steps from version 1 to SchemaVersion.
//
//	v2: resonance slice; task priority defaults to 0
//	v3: errors and synthesis slices; legacy_ui and kernel.paused removed
func Migrations() []migration.Step {
	return []migration.Step{
		{
			Version:  2,
			Name:     "resonance-and-priority",
			Up:       migrateV2,
			Validate: validateV2,
		},
		{
			Version:  3,
			Name:     "errors-synthesis-cleanup",
			Up:       migrateV3,
			Validate: validateV3,
		},
	}
}

// NewMigrationChain builds the chain to SchemaVersion. strict=false turns a
// missing intermediate step into a logged skip.
func NewMigrationChain(strict bool) (*migration.Chain, error) {
	var opts []migration.Option
	if !strict {
		opts = append(opts, migration.WithLenientGaps())
	}
	return migration.New(SchemaVersion, Migrations(), opts...)
}

func migrateV2(doc state.Document) (state.Document, error) {
	if _, ok := doc[resonance.SliceKey]; !ok {
		doc[resonance.SliceKey] = map[string]any{"entries": map[string]any{}}
	}

	kernel := doc.Map(KernelSliceKey)
	if kernel == nil {
		return doc, nil
	}
	if queue, ok := kernel["queue"].([]any); ok {
		for _, item := range queue {
			if task, ok := item.(map[string]any); ok {
				defaultPriority(task)
			}
		}
	}
	if running, ok := kernel["running"].(map[string]any); ok {
		defaultPriority(running)
	}
	return doc, nil
}

func defaultPriority(task map[string]any) {
	if _, ok := task["priority"]; !ok {
		task["priority"] = 0
	}
}

func validateV2(doc state.Document) error {
	if doc.Map(resonance.SliceKey) == nil {
		return fmt.Errorf("resonance slice missing")
	}
	return validateKernelShape(doc)
}

func migrateV3(doc state.Document) (state.Document, error) {
	if _, ok := doc[ErrorsSliceKey]; !ok {
		doc[ErrorsSliceKey] = map[string]any{"entries": []any{}}
	}
	if _, ok := doc[SynthesisSliceKey]; !ok {
		doc[SynthesisSliceKey] = map[string]any{"results": []any{}}
	}
	delete(doc, "legacy_ui")
	if kernel := doc.Map(KernelSliceKey); kernel != nil {
		delete(kernel, "paused")
	}
	return doc, nil
}

func validateV3(doc state.Document) error {
	if err := validateV2(doc); err != nil {
		return err
	}
	for _, key := range []string{ErrorsSliceKey, SynthesisSliceKey} {
		if doc.Map(key) == nil {
			return fmt.Errorf("%s slice missing", key)
		}
	}
	if _, ok := doc["legacy_ui"]; ok {
		return fmt.Errorf("legacy_ui still present")
	}
	return nil
}

// validateKernelShape accepts a missing kernel slice (Fill supplies it) but
// rejects one whose queue is not a list.
func validateKernelShape(doc state.Document) error {
	raw, ok := doc[KernelSliceKey]
	if !ok {
		return nil
	}
	kernel, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("kernel slice is %T, want object", raw)
	}
	if q, ok := kernel["queue"]; ok && q != nil {
		if _, ok := q.([]any); !ok {
			return fmt.Errorf("kernel queue is %T, want list", q)
		}
	}
	return nil
}
