package pipeline

import (
	"context"

	"github.com/badibam/assistant-sub001/internal/util"
)

// ValidatedHandler wraps a handler with per-operation parameter schemas.
// Commands whose params fail validation are rejected before the wrapped
// handler runs, so handlers can trust their inputs.
type ValidatedHandler struct {
	inner Handler

	// schemas maps operation names to JSON-schema-shaped maps, typically
	// produced with util.SchemaFor. Operations without a schema pass through.
	schemas map[string]map[string]any
}

// Validated wraps a handler with parameter schemas.
func Validated(h Handler, schemas map[string]map[string]any) *ValidatedHandler {
	return &ValidatedHandler{inner: h, schemas: schemas}
}

// Resource returns the wrapped handler's resource name.
func (v *ValidatedHandler) Resource() string { return v.inner.Resource() }

// Execute validates params against the operation's schema, then delegates.
func (v *ValidatedHandler) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	if schema, ok := v.schemas[operation]; ok {
		if err := util.ValidateParams(params, schema); err != nil {
			return nil, err
		}
	}
	return v.inner.Execute(ctx, operation, params)
}
