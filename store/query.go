package store

// Order is a single sort directive.
type Order struct {
	Field      string
	Descending bool
}

// Query is a portable, backend-agnostic query descriptor. View transform
// functions compose it with Filter and OrderBy; adapters translate the result
// into their native query language (Mango selectors for CouchDB, in-memory
// evaluation for bbolt).
//
// Query values are immutable: Filter and OrderBy return derived copies, so a
// base query can safely be shared across transforms.
type Query struct {
	// Type is the model type the query runs against.
	Type string

	filters []filter
	orders  []Order
}

type filter struct {
	field string
	value interface{}
}

// NewQuery returns the base query for a model type, matching every document.
func NewQuery(typ string) Query {
	return Query{Type: typ}
}

// Filter narrows the query to documents whose field equals value.
func (q Query) Filter(field string, value interface{}) Query {
	filters := make([]filter, len(q.filters), len(q.filters)+1)
	copy(filters, q.filters)
	q.filters = append(filters, filter{field: field, value: value})
	return q
}

// OrderBy appends an ascending sort directive for the given field.
func (q Query) OrderBy(field string) Query {
	return q.orderBy(Order{Field: field})
}

// OrderByDesc appends a descending sort directive for the given field.
func (q Query) OrderByDesc(field string) Query {
	return q.orderBy(Order{Field: field, Descending: true})
}

func (q Query) orderBy(o Order) Query {
	orders := make([]Order, len(q.orders), len(q.orders)+1)
	copy(orders, q.orders)
	q.orders = append(orders, o)
	return q
}

// Filters exposes the accumulated equality filters as a field→value map for
// adapter consumption. Later filters on the same field win.
func (q Query) Filters() map[string]interface{} {
	out := make(map[string]interface{}, len(q.filters))
	for _, f := range q.filters {
		out[f.field] = f.value
	}
	return out
}

// Orders exposes the accumulated sort directives in application order.
func (q Query) Orders() []Order {
	out := make([]Order, len(q.orders))
	copy(out, q.orders)
	return out
}

// Transform derives a filtered/ordered query from a model's base query.
// Views declare one; it receives the base query plus the sanitized view
// parameters and returns the query describing the view's contents.
type Transform func(q Query, params map[string]interface{}) Query
