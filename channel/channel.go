// Package channel provides deterministic, reversible naming for the pub/sub
// channels used by the realtime CRUD layer.
//
// Channel Naming Scheme:
//
//	Every channel name starts with the "crud>" prefix, followed by one of
//	three forms:
//	- Resource channel: "crud>Type/id"
//	- Field channel:    "crud>Type/id/field"
//	- View channel:     "crud>viewName({"param":"value"}):Type"
//
// Producers and consumers never coordinate channel names out of band; both
// sides derive them from the same inputs. View parameters are serialized as
// canonical JSON (object keys sorted lexicographically, missing values encoded
// as null) so that semantically equal parameter sets always map to the same
// channel name.
//
// Parsing is the exact inverse of naming: Parse recognizes the "crud>" prefix
// and returns a discriminated descriptor, or reports failure for anything the
// namer could not have produced. The presence of a ":" after the prefix
// selects the view form; otherwise the slash-separated resource form applies.
package channel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Prefix marks every channel owned by the CRUD layer.
const Prefix = "crud>"

// Kind discriminates parsed channel descriptors.
type Kind string

const (
	// KindModel identifies resource and field channels.
	KindModel Kind = "model"

	// KindView identifies view instance channels.
	KindView Kind = "view"
)

// Address is the parsed form of a channel name.
type Address struct {
	Kind Kind

	// Type is the model type. Set for both kinds.
	Type string

	// ID and Field are set for model channels. Field implies ID.
	ID    string
	Field string

	// View and Params are set for view channels. Params is the decoded
	// canonical parameter object.
	View   string
	Params map[string]interface{}
}

// Resource returns the channel name for a single document.
func Resource(typ, id string) string {
	return Prefix + typ + "/" + id
}

// Field returns the channel name for a single document field.
func Field(typ, id, field string) string {
	return Prefix + typ + "/" + id + "/" + field
}

// View returns the channel name for a view instance bound to the given
// primary parameters. The parameter object is serialized canonically so the
// name is stable across processes regardless of map iteration order.
func View(typ, view string, primaryParams map[string]interface{}) string {
	return Prefix + view + "(" + CanonicalJSON(primaryParams) + "):" + typ
}

// Parse decodes a channel name produced by Resource, Field or View.
// It returns false for names without the crud> prefix or names that do not
// match any of the three forms.
func Parse(name string) (Address, bool) {
	if !strings.HasPrefix(name, Prefix) {
		return Address{}, false
	}
	rest := strings.TrimPrefix(name, Prefix)
	if rest == "" {
		return Address{}, false
	}

	// A colon after the prefix implies the view form; resource ids and
	// field names never contain one.
	if strings.Contains(rest, ":") {
		return parseView(rest)
	}

	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Address{}, false
		}
		return Address{Kind: KindModel, Type: parts[0]}, true
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Address{}, false
		}
		return Address{Kind: KindModel, Type: parts[0], ID: parts[1]}, true
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return Address{}, false
		}
		return Address{Kind: KindModel, Type: parts[0], ID: parts[1], Field: parts[2]}, true
	default:
		return Address{}, false
	}
}

func parseView(rest string) (Address, bool) {
	open := strings.Index(rest, "(")
	end := strings.LastIndex(rest, "):")
	if open <= 0 || end < open {
		return Address{}, false
	}

	view := rest[:open]
	rawParams := rest[open+1 : end]
	typ := rest[end+2:]
	if typ == "" {
		return Address{}, false
	}

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return Address{}, false
	}

	return Address{Kind: KindView, Type: typ, View: view, Params: params}, true
}

// CanonicalJSON serializes a parameter object deterministically: object keys
// are emitted in lexicographic order at every nesting level and nil values
// become JSON null. Two maps that compare equal under canonical serialization
// always produce the same channel name.
func CanonicalJSON(value map[string]interface{}) string {
	var b strings.Builder
	writeCanonical(&b, value)
	return b.String()
}

func writeCanonical(b *strings.Builder, value interface{}) {
	switch v := value.(type) {
	case nil:
		b.WriteString("null")
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			b.Write(keyJSON)
			b.WriteByte(':')
			writeCanonical(b, v[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			// Unencodable values degrade to null rather than producing
			// an unparseable channel name.
			b.WriteString("null")
			return
		}
		b.Write(encoded)
	}
}

// String renders an Address back into its channel name. Parse(a.String())
// round-trips for any address returned by Parse.
func (a Address) String() string {
	switch a.Kind {
	case KindView:
		return View(a.Type, a.View, a.Params)
	case KindModel:
		switch {
		case a.Field != "":
			return Field(a.Type, a.ID, a.Field)
		case a.ID != "":
			return Resource(a.Type, a.ID)
		default:
			return Prefix + a.Type
		}
	default:
		return fmt.Sprintf("%s?%s", Prefix, a.Type)
	}
}
