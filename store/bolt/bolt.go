// Package bolt provides an embedded store.Adapter backed by bbolt. Each model
// type maps to a bucket; documents are stored as JSON under their id. Queries
// are evaluated in memory, which keeps the adapter dependency-free and makes
// it the default backend for tests and single-node deployments.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"livedata.evalgo.org/store"
)

// Adapter is a bbolt-backed store.Adapter.
type Adapter struct {
	db *bolt.DB
}

var _ store.Adapter = (*Adapter)(nil)

// Open opens or creates the bbolt database at path.
func Open(path string) (*Adapter, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Adapter{db: db}, nil
}

// Close closes the underlying database.
func (a *Adapter) Close() error {
	return a.db.Close()
}

func (a *Adapter) Get(ctx context.Context, typ, id string) (store.Document, error) {
	var doc store.Document
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(typ))
		if b == nil {
			return store.ErrNotFound
		}
		data := b.Get([]byte(id))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (a *Adapter) Insert(ctx context.Context, typ string, doc store.Document) (string, error) {
	doc = store.Clone(doc)
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
		doc["id"] = id
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}

	err = a.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(typ))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", typ, err)
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (a *Adapter) Update(ctx context.Context, typ, id string, fields store.Document) error {
	return a.mutate(typ, id, func(doc store.Document) {
		for k, v := range fields {
			doc[k] = v
		}
	})
}

func (a *Adapter) DeleteField(ctx context.Context, typ, id, field string) error {
	return a.mutate(typ, id, func(doc store.Document) {
		delete(doc, field)
	})
}

func (a *Adapter) Delete(ctx context.Context, typ, id string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(typ))
		if b == nil || b.Get([]byte(id)) == nil {
			return store.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (a *Adapter) mutate(typ, id string, apply func(store.Document)) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(typ))
		if b == nil {
			return store.ErrNotFound
		}
		data := b.Get([]byte(id))
		if data == nil {
			return store.ErrNotFound
		}

		var doc store.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to unmarshal document %s/%s: %w", typ, id, err)
		}
		apply(doc)

		updated, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		return b.Put([]byte(id), updated)
	})
}

func (a *Adapter) IDs(ctx context.Context, q store.Query, offset, limit int) ([]string, error) {
	docs, err := a.materialize(q)
	if err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(docs) {
		return nil, nil
	}
	docs = docs[offset:]
	if limit >= 0 && limit < len(docs) {
		docs = docs[:limit]
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (a *Adapter) Count(ctx context.Context, q store.Query) (int, error) {
	docs, err := a.materialize(q)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// materialize runs the query in memory: scan the type's bucket, drop
// documents failing an equality filter, then sort by the query's directives.
func (a *Adapter) materialize(q store.Query) ([]store.Document, error) {
	filters := q.Filters()

	var docs []store.Document
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(q.Type))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var doc store.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("failed to unmarshal document %s/%s: %w", q.Type, k, err)
			}
			for field, want := range filters {
				if !jsonEqual(doc[field], want) {
					return nil
				}
			}
			docs = append(docs, doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	orders := q.Orders()
	if len(orders) == 0 {
		// Stable fallback so pagination is deterministic.
		orders = []store.Order{{Field: "id"}}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			c := compareValues(docs[i][o.Field], docs[j][o.Field])
			if c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})

	return docs, nil
}

// jsonEqual compares two values after JSON normalization, so a filter value
// of int 5 matches the float64 5 that json.Unmarshal produces.
func jsonEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// compareValues orders JSON values: nil < bool < number < string; other
// values compare by their JSON encoding.
func compareValues(a, b interface{}) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch va := a.(type) {
	case nil:
		return 0
	case bool:
		vb := b.(bool)
		switch {
		case va == vb:
			return 0
		case !va:
			return -1
		default:
			return 1
		}
	case float64:
		vb := toFloat(b)
		switch {
		case va < vb:
			return -1
		case va > vb:
			return 1
		default:
			return 0
		}
	case int:
		return compareValues(float64(va), b)
	case string:
		return bytes.Compare([]byte(va), []byte(b.(string)))
	default:
		aj, _ := json.Marshal(a)
		bj, _ := json.Marshal(b)
		return bytes.Compare(aj, bj)
	}
}

func rank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, int:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
