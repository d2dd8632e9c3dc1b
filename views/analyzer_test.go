package views

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedata.evalgo.org/schema"
	"livedata.evalgo.org/store"
)

func testAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	registry, err := schema.NewRegistry(map[string]schema.Model{
		"Product": {
			Fields: []string{"name", "categoryId", "price", "brandId"},
			Views: map[string]schema.View{
				"byCat": {
					ParamFields:     []string{"categoryId"},
					AffectingFields: []string{"price"},
				},
				"byBrand": {
					ParamFields: []string{"brandId"},
				},
			},
		},
		"Category": {Fields: []string{"title"}},
	})
	require.NoError(t, err)
	return NewAnalyzer(registry)
}

func TestAffectedDecisionRule(t *testing.T) {
	a := testAnalyzer(t)
	doc := store.Document{"id": "p1", "name": "A", "categoryId": "c1", "price": 5, "brandId": "b1"}

	t.Run("nil fields affects every view", func(t *testing.T) {
		affected := a.Affected("Product", doc, nil)
		require.Len(t, affected, 2)
		assert.Equal(t, "byBrand", affected[0].View)
		assert.Equal(t, "byCat", affected[1].View)
	})

	t.Run("param field affects its view only", func(t *testing.T) {
		affected := a.Affected("Product", doc, []string{"categoryId"})
		require.Len(t, affected, 1)
		assert.Equal(t, "byCat", affected[0].View)
	})

	t.Run("affecting field counts", func(t *testing.T) {
		affected := a.Affected("Product", doc, []string{"price"})
		require.Len(t, affected, 1)
		assert.Equal(t, "byCat", affected[0].View)
	})

	t.Run("id always affects", func(t *testing.T) {
		affected := a.Affected("Product", doc, []string{"id"})
		assert.Len(t, affected, 2)
	})

	t.Run("unrelated field affects nothing", func(t *testing.T) {
		assert.Empty(t, a.Affected("Product", doc, []string{"name"}))
	})

	t.Run("empty but non-nil field list affects nothing", func(t *testing.T) {
		assert.Empty(t, a.Affected("Product", doc, []string{}))
	})

	t.Run("model without views", func(t *testing.T) {
		assert.Empty(t, a.Affected("Category", store.Document{"id": "c1"}, nil))
	})
}

func TestAffectedDescriptors(t *testing.T) {
	a := testAnalyzer(t)
	doc := store.Document{"id": "p1", "categoryId": "c1", "price": 5}

	affected := a.Affected("Product", doc, []string{"categoryId"})
	require.Len(t, affected, 1)

	byCat := affected[0]
	assert.Equal(t, "Product", byCat.Type)
	assert.Equal(t, map[string]interface{}{"categoryId": "c1"}, byCat.Params)
	assert.Equal(t, map[string]interface{}{"categoryId": "c1", "price": 5}, byCat.AffectingData)
	assert.Equal(t, `crud>byCat({"categoryId":"c1"}):Product`, byCat.Channel())
}

func TestAffectedMissingFieldsBecomeNil(t *testing.T) {
	a := testAnalyzer(t)

	affected := a.Affected("Product", store.Document{"id": "p1"}, nil)
	require.Len(t, affected, 2)
	assert.Equal(t, map[string]interface{}{"brandId": nil}, affected[0].Params)
	assert.Equal(t, `crud>byBrand({"brandId":null}):Product`, affected[0].Channel())
}

func TestAffectedComparisons(t *testing.T) {
	a := testAnalyzer(t)

	oldDoc := store.Document{"id": "p1", "categoryId": "c1", "price": 5}
	newPrice := store.Document{"id": "p1", "categoryId": "c1", "price": 9}
	newCat := store.Document{"id": "p1", "categoryId": "c2", "price": 5}

	oldView := a.Affected("Product", oldDoc, []string{"price"})[0]
	moved := a.Affected("Product", newPrice, []string{"price"})[0]
	rehomed := a.Affected("Product", newCat, []string{"categoryId"})[0]

	assert.True(t, oldView.ParamsEqual(moved))
	assert.False(t, oldView.AffectingDataEqual(moved))

	assert.False(t, oldView.ParamsEqual(rehomed))
}
