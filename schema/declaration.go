package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"livedata.evalgo.org/store"
)

// Declaration is the YAML/JSON serializable form of a schema, used by the
// CLI to configure models without writing Go. Declarative views support the
// common transform shape: filter the base query by every param field, then
// apply the declared ordering. Models needing custom transforms or hooks are
// registered programmatically instead.
//
// Example:
//
//	models:
//	  Product:
//	    fields: [name, categoryId, price]
//	    views:
//	      byCat:
//	        paramFields: [categoryId]
//	        affectingFields: [price]
//	        orderBy: price
type Declaration struct {
	Models map[string]ModelDeclaration `yaml:"models" mapstructure:"models"`
}

// ModelDeclaration declares one model.
type ModelDeclaration struct {
	Fields []string                   `yaml:"fields" mapstructure:"fields"`
	Views  map[string]ViewDeclaration `yaml:"views" mapstructure:"views"`
}

// ViewDeclaration declares one view of a model.
type ViewDeclaration struct {
	ParamFields     []string `yaml:"paramFields" mapstructure:"paramFields"`
	AffectingFields []string `yaml:"affectingFields" mapstructure:"affectingFields"`
	PrimaryKeys     []string `yaml:"primaryKeys" mapstructure:"primaryKeys"`
	OrderBy         string   `yaml:"orderBy" mapstructure:"orderBy"`
	Descending      bool     `yaml:"descending" mapstructure:"descending"`
}

// LoadDeclaration reads a schema declaration from a YAML file.
func LoadDeclaration(path string) (*Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	var decl Declaration
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}
	return &decl, nil
}

// Build converts the declaration into a validated Registry.
func (d *Declaration) Build() (*Registry, error) {
	models := make(map[string]Model, len(d.Models))
	for typ, md := range d.Models {
		model := Model{Fields: md.Fields}
		if len(md.Views) > 0 {
			model.Views = make(map[string]View, len(md.Views))
		}
		for name, vd := range md.Views {
			model.Views[name] = View{
				ParamFields:     vd.ParamFields,
				AffectingFields: vd.AffectingFields,
				PrimaryKeys:     vd.PrimaryKeys,
				Transform:       declarativeTransform(vd),
			}
		}
		models[typ] = model
	}
	return NewRegistry(models)
}

func declarativeTransform(vd ViewDeclaration) store.Transform {
	paramFields := append([]string{}, vd.ParamFields...)
	orderBy := vd.OrderBy
	descending := vd.Descending
	return func(q store.Query, params map[string]interface{}) store.Query {
		for _, f := range paramFields {
			q = q.Filter(f, params[f])
		}
		if orderBy != "" {
			if descending {
				q = q.OrderByDesc(orderBy)
			} else {
				q = q.OrderBy(orderBy)
			}
		}
		return q
	}
}
