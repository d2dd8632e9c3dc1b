// Package schema holds the read-only model metadata the CRUD layer is
// configured with: model types, their fields, named views, and the optional
// authorization hooks attached to each model. A Registry is immutable once
// constructed; every lookup is a map access.
package schema

import (
	"context"
	"fmt"

	"livedata.evalgo.org/store"
)

// Phase identifies which side of an operation a filter hook runs on.
type Phase string

const (
	// PhasePre runs before the operation, with no resource loaded.
	PhasePre Phase = "pre"

	// PhasePost runs after the resource is available.
	PhasePost Phase = "post"
)

// HookRequest carries the request context handed to authorization hooks.
// Resource is only populated for post-phase hooks.
type HookRequest struct {
	Action     string
	Type       string
	ID         string
	Field      string
	View       string
	ViewParams map[string]interface{}
	AuthToken  interface{}
	SocketID   string
	Resource   store.Document
}

// HookFunc admits a request by returning nil, or denies it by returning an
// error. Hooks are opaque to the core; their errors are wrapped into a
// phase-tagged blocked error by the filter pipeline.
type HookFunc func(ctx context.Context, r *HookRequest) error

// View declares an ordered, optionally-filtered projection of a model.
type View struct {
	// ParamFields are the document fields whose values parameterize the
	// view. Their values enter the view's channel name.
	ParamFields []string

	// AffectingFields are additional fields that can change view membership
	// or ordering without appearing in the parameters.
	AffectingFields []string

	// PrimaryKeys is the subset of ParamFields identifying a subscribable
	// view instance. Empty means all of ParamFields.
	PrimaryKeys []string

	// Transform derives the view's query from the model's base query and
	// the sanitized view parameters.
	Transform store.Transform
}

// Model declares a named document collection.
type Model struct {
	// Fields lists the declared document fields. The "id" field is implicit
	// and need not be listed.
	Fields []string

	// Views maps view names to their declarations.
	Views map[string]View

	// AccessControl, when set, gates every inbound CRUD emit on this model.
	AccessControl HookFunc

	// Filters holds the optional pre/post authorization hooks.
	Filters map[Phase]HookFunc
}

// Registry is an immutable index over a model map.
type Registry struct {
	models map[string]*modelIndex
}

type modelIndex struct {
	model    Model
	fieldSet map[string]struct{}
}

// NewRegistry validates and indexes a model map. View declarations must be
// internally consistent: PrimaryKeys ⊆ ParamFields and every referenced field
// must be declared on the model (when the model declares fields at all).
func NewRegistry(models map[string]Model) (*Registry, error) {
	r := &Registry{models: make(map[string]*modelIndex, len(models))}
	for typ, model := range models {
		if typ == "" {
			return nil, fmt.Errorf("schema: model with empty type name")
		}
		idx := &modelIndex{
			model:    model,
			fieldSet: make(map[string]struct{}, len(model.Fields)+1),
		}
		idx.fieldSet["id"] = struct{}{}
		for _, f := range model.Fields {
			idx.fieldSet[f] = struct{}{}
		}

		for name, view := range model.Views {
			if name == "" {
				return nil, fmt.Errorf("schema: model %s declares a view with an empty name", typ)
			}
			if err := validateView(typ, name, view, idx.fieldSet, len(model.Fields) > 0); err != nil {
				return nil, err
			}
		}
		r.models[typ] = idx
	}
	return r, nil
}

func validateView(typ, name string, view View, fields map[string]struct{}, checkFields bool) error {
	if checkFields {
		for _, f := range append(append([]string{}, view.ParamFields...), view.AffectingFields...) {
			if _, ok := fields[f]; !ok {
				return fmt.Errorf("schema: view %s.%s references undeclared field %q", typ, name, f)
			}
		}
	}
	params := make(map[string]struct{}, len(view.ParamFields))
	for _, f := range view.ParamFields {
		params[f] = struct{}{}
	}
	for _, pk := range view.PrimaryKeys {
		if _, ok := params[pk]; !ok {
			return fmt.Errorf("schema: view %s.%s primary key %q is not a param field", typ, name, pk)
		}
	}
	return nil
}

// HasType reports whether the type is declared.
func (r *Registry) HasType(typ string) bool {
	_, ok := r.models[typ]
	return ok
}

// FieldsOf returns the declared fields of a type, excluding the implicit id.
// The result is nil for unknown types and for models declared without fields.
func (r *Registry) FieldsOf(typ string) []string {
	idx, ok := r.models[typ]
	if !ok {
		return nil
	}
	return idx.model.Fields
}

// HasField reports whether a type declares the field. The implicit "id" field
// is always present on declared types.
func (r *Registry) HasField(typ, field string) bool {
	idx, ok := r.models[typ]
	if !ok {
		return false
	}
	_, ok = idx.fieldSet[field]
	return ok
}

// ViewsOf returns the view declarations of a type.
func (r *Registry) ViewsOf(typ string) map[string]View {
	idx, ok := r.models[typ]
	if !ok {
		return nil
	}
	return idx.model.Views
}

// ViewSchema returns a single view declaration.
func (r *Registry) ViewSchema(typ, view string) (View, bool) {
	idx, ok := r.models[typ]
	if !ok {
		return View{}, false
	}
	v, ok := idx.model.Views[view]
	return v, ok
}

// FilterHook returns the filter hook of a type for the given phase, or nil.
func (r *Registry) FilterHook(typ string, phase Phase) HookFunc {
	idx, ok := r.models[typ]
	if !ok {
		return nil
	}
	return idx.model.Filters[phase]
}

// AccessControlHook returns the access control hook of a type, or nil.
func (r *Registry) AccessControlHook(typ string) HookFunc {
	idx, ok := r.models[typ]
	if !ok {
		return nil
	}
	return idx.model.AccessControl
}

// EffectivePrimaryKeys resolves the primary keys of a view: the declared
// subset, or all param fields when none are declared.
func (v View) EffectivePrimaryKeys() []string {
	if len(v.PrimaryKeys) > 0 {
		return v.PrimaryKeys
	}
	return v.ParamFields
}
