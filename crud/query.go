package crud

import (
	"livedata.evalgo.org/schema"
)

// Query is the inbound request envelope shared by all CRUD operations.
// Unused fields are left at their zero value; each operation enforces its
// own additional requirements.
type Query struct {
	// Type is the model type. Required.
	Type string `json:"type"`

	// ID addresses a single document.
	ID string `json:"id,omitempty"`

	// Field addresses a single field of the document named by ID.
	Field string `json:"field,omitempty"`

	// Value carries the document object for create, the field value or
	// merge object for update.
	Value interface{} `json:"value,omitempty"`

	// View and ViewParams select a named view for collection reads.
	View       string                 `json:"view,omitempty"`
	ViewParams map[string]interface{} `json:"viewParams,omitempty"`

	// PageSize, Offset and GetCount control collection read pagination.
	PageSize int  `json:"pageSize,omitempty"`
	Offset   int  `json:"offset,omitempty"`
	GetCount bool `json:"getCount,omitempty"`
}

// validate enforces the envelope rules common to every operation: the type
// must be declared, a field address requires an id, and a view reference
// must name a declared view with all of its param fields present.
func (q *Query) validate(registry *schema.Registry) error {
	if q.Type == "" {
		return &InvalidArgumentsError{Reason: "query requires a type"}
	}
	if !registry.HasType(q.Type) {
		return &InvalidModelTypeError{Type: q.Type}
	}
	if q.Field != "" && q.ID == "" {
		return &InvalidArgumentsError{Reason: "a field query requires an id"}
	}
	if q.View != "" {
		view, ok := registry.ViewSchema(q.Type, q.View)
		if !ok {
			return &InvalidArgumentsError{Reason: "view " + q.View + " is not declared for type " + q.Type}
		}
		for _, f := range view.ParamFields {
			if _, ok := q.ViewParams[f]; !ok {
				return &InvalidArgumentsError{Reason: "viewParams is missing param field " + f}
			}
		}
	}
	return nil
}

// sanitizedViewParams keeps only the view's declared param fields, carrying
// missing or undefined values as nil so channel names stay canonical.
func sanitizedViewParams(view schema.View, raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(view.ParamFields))
	for _, f := range view.ParamFields {
		out[f] = raw[f]
	}
	return out
}
