// Package store defines the storage contract consumed by the realtime CRUD
// layer. The core never talks to a database directly; it composes portable
// query descriptors and hands them to an Adapter implementation.
//
// Two adapters ship with this repository:
//   - store/couch: CouchDB via the Kivik driver, translating query
//     descriptors into Mango selectors
//   - store/bolt: an embedded bbolt adapter for tests and single-node use
//
// Documents are schema-free JSON objects represented as map[string]interface{}
// with the reserved "id" field carrying the document identifier.
package store

import (
	"context"
	"errors"
)

// Document is a single schema-free record. The "id" field is the document
// identifier; adapters keep storage-internal bookkeeping (such as CouchDB
// revisions) out of the documents they return.
type Document = map[string]interface{}

// ErrNotFound is returned by Adapter.Get and mutation operations when the
// addressed document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Clone returns a shallow copy of doc. Callers that mutate documents handed
// out by a cache or adapter must copy first.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Adapter is the storage backend contract. All operations honor the supplied
// context for cancellation and deadlines.
type Adapter interface {
	// Get fetches a single document, or ErrNotFound.
	Get(ctx context.Context, typ, id string) (Document, error)

	// Insert stores a new document and returns its id. When doc carries an
	// "id" field that id is used; otherwise the adapter assigns one.
	Insert(ctx context.Context, typ string, doc Document) (string, error)

	// Update merges the given fields into an existing document.
	Update(ctx context.Context, typ, id string, fields Document) error

	// DeleteField removes a single field from an existing document.
	DeleteField(ctx context.Context, typ, id, field string) error

	// Delete removes a document entirely.
	Delete(ctx context.Context, typ, id string) error

	// IDs materializes a query and returns the ids of matching documents,
	// skipping offset rows and returning at most limit ids in query order.
	IDs(ctx context.Context, q Query, offset, limit int) ([]string, error)

	// Count returns the number of documents matching the query.
	Count(ctx context.Context, q Query) (int, error)

	// Close releases backend resources.
	Close() error
}
