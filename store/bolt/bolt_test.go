package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedata.evalgo.org/store"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "livedata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestInsertAndGet(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	t.Run("explicit id", func(t *testing.T) {
		id, err := a.Insert(ctx, "Product", store.Document{
			"id":   "p1",
			"name": "A",
		})
		require.NoError(t, err)
		assert.Equal(t, "p1", id)

		doc, err := a.Get(ctx, "Product", "p1")
		require.NoError(t, err)
		assert.Equal(t, "A", doc["name"])
	})

	t.Run("generated id", func(t *testing.T) {
		id, err := a.Insert(ctx, "Product", store.Document{"name": "B"})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		doc, err := a.Get(ctx, "Product", id)
		require.NoError(t, err)
		assert.Equal(t, id, doc["id"])
	})

	t.Run("missing document", func(t *testing.T) {
		_, err := a.Get(ctx, "Product", "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := a.Get(ctx, "Unknown", "p1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestUpdate(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Insert(ctx, "Product", store.Document{"id": "p1", "name": "A", "qty": 3})
	require.NoError(t, err)

	require.NoError(t, a.Update(ctx, "Product", "p1", store.Document{"name": "B"}))

	doc, err := a.Get(ctx, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, "B", doc["name"])
	assert.Equal(t, float64(3), doc["qty"])

	assert.ErrorIs(t, a.Update(ctx, "Product", "missing", store.Document{"name": "X"}), store.ErrNotFound)
}

func TestDeleteField(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Insert(ctx, "Product", store.Document{"id": "p1", "name": "A", "color": "red"})
	require.NoError(t, err)

	require.NoError(t, a.DeleteField(ctx, "Product", "p1", "color"))

	doc, err := a.Get(ctx, "Product", "p1")
	require.NoError(t, err)
	_, present := doc["color"]
	assert.False(t, present)
}

func TestDelete(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Insert(ctx, "Product", store.Document{"id": "p1"})
	require.NoError(t, err)

	require.NoError(t, a.Delete(ctx, "Product", "p1"))
	_, err = a.Get(ctx, "Product", "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, a.Delete(ctx, "Product", "p1"), store.ErrNotFound)
}

func TestQuery(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	seed := []store.Document{
		{"id": "p1", "categoryId": "c1", "price": 5},
		{"id": "p2", "categoryId": "c2", "price": 1},
		{"id": "p3", "categoryId": "c1", "price": 3},
		{"id": "p4", "categoryId": "c1", "price": 9},
	}
	for _, doc := range seed {
		_, err := a.Insert(ctx, "Product", doc)
		require.NoError(t, err)
	}

	t.Run("filter and order", func(t *testing.T) {
		q := store.NewQuery("Product").Filter("categoryId", "c1").OrderBy("price")
		ids, err := a.IDs(ctx, q, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"p3", "p1", "p4"}, ids)
	})

	t.Run("descending order", func(t *testing.T) {
		q := store.NewQuery("Product").Filter("categoryId", "c1").OrderByDesc("price")
		ids, err := a.IDs(ctx, q, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"p4", "p1", "p3"}, ids)
	})

	t.Run("offset and limit", func(t *testing.T) {
		q := store.NewQuery("Product").Filter("categoryId", "c1").OrderBy("price")
		ids, err := a.IDs(ctx, q, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, ids)
	})

	t.Run("offset beyond result", func(t *testing.T) {
		q := store.NewQuery("Product").Filter("categoryId", "c1")
		ids, err := a.IDs(ctx, q, 10, 5)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("count", func(t *testing.T) {
		n, err := a.Count(ctx, store.NewQuery("Product").Filter("categoryId", "c1"))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("default order is by id", func(t *testing.T) {
		ids, err := a.IDs(ctx, store.NewQuery("Product"), 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, ids)
	})

	t.Run("unknown type yields empty result", func(t *testing.T) {
		ids, err := a.IDs(ctx, store.NewQuery("Unknown"), 0, -1)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}
