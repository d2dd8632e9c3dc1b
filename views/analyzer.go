// Package views decides which declared views of a model are affected by a
// mutation. The decision is purely field-based: a view is affected when at
// least one changed field belongs to {id} ∪ paramFields ∪ affectingFields,
// or when the caller cannot name the changed fields at all.
package views

import (
	"sort"

	"livedata.evalgo.org/channel"
	"livedata.evalgo.org/schema"
	"livedata.evalgo.org/store"
)

// Affected describes one view instance touched by a mutation.
type Affected struct {
	// View is the view name, Type the model type.
	View string
	Type string

	// Params holds the values of the view's param fields read from the
	// resource. Missing fields are carried as nil.
	Params map[string]interface{}

	// AffectingData holds the values of both param fields and affecting
	// fields. Two Affected values with equal Params but different
	// AffectingData describe a "move" within the same view instance.
	AffectingData map[string]interface{}

	primaryKeys []string
}

// PrimaryParams restricts Params to the view's primary keys, the subset that
// enters the channel name.
func (a Affected) PrimaryParams() map[string]interface{} {
	out := make(map[string]interface{}, len(a.primaryKeys))
	for _, k := range a.primaryKeys {
		out[k] = a.Params[k]
	}
	return out
}

// Channel returns the broker channel name of this view instance.
func (a Affected) Channel() string {
	return channel.View(a.Type, a.View, a.PrimaryParams())
}

// ParamsEqual compares the params of two affected views under canonical
// serialization.
func (a Affected) ParamsEqual(b Affected) bool {
	return channel.CanonicalJSON(a.Params) == channel.CanonicalJSON(b.Params)
}

// AffectingDataEqual compares the affecting data of two affected views under
// canonical serialization.
func (a Affected) AffectingDataEqual(b Affected) bool {
	return channel.CanonicalJSON(a.AffectingData) == channel.CanonicalJSON(b.AffectingData)
}

// Analyzer enumerates affected views against a schema registry.
type Analyzer struct {
	registry *schema.Registry
}

// NewAnalyzer returns an analyzer over the given registry.
func NewAnalyzer(registry *schema.Registry) *Analyzer {
	return &Analyzer{registry: registry}
}

// Affected returns the views of typ affected by a mutation of resource.
// fields names the changed fields; nil means the extent of the change is
// unknown and every view is considered affected. The id field always counts
// as affecting since create and delete change membership of every view.
//
// Results are ordered by view name so publish order is deterministic.
func (a *Analyzer) Affected(typ string, resource store.Document, fields []string) []Affected {
	declared := a.registry.ViewsOf(typ)
	if len(declared) == 0 {
		return nil
	}

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Affected
	for _, name := range names {
		view := declared[name]
		if fields != nil && !touchesView(view, fields) {
			continue
		}
		out = append(out, describe(typ, name, view, resource))
	}
	return out
}

func touchesView(view schema.View, fields []string) bool {
	affecting := make(map[string]struct{}, len(view.ParamFields)+len(view.AffectingFields)+1)
	affecting["id"] = struct{}{}
	for _, f := range view.ParamFields {
		affecting[f] = struct{}{}
	}
	for _, f := range view.AffectingFields {
		affecting[f] = struct{}{}
	}
	for _, f := range fields {
		if _, ok := affecting[f]; ok {
			return true
		}
	}
	return false
}

func describe(typ, name string, view schema.View, resource store.Document) Affected {
	params := make(map[string]interface{}, len(view.ParamFields))
	for _, f := range view.ParamFields {
		params[f] = resource[f]
	}
	affectingData := make(map[string]interface{}, len(view.ParamFields)+len(view.AffectingFields))
	for k, v := range params {
		affectingData[k] = v
	}
	for _, f := range view.AffectingFields {
		affectingData[f] = resource[f]
	}
	return Affected{
		View:          name,
		Type:          typ,
		Params:        params,
		AffectingData: affectingData,
		primaryKeys:   view.EffectivePrimaryKeys(),
	}
}
