package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedata.evalgo.org/schema"
	"livedata.evalgo.org/store"
)

func registryWithHooks(t *testing.T, filters map[schema.Phase]schema.HookFunc) *schema.Registry {
	t.Helper()
	r, err := schema.NewRegistry(map[string]schema.Model{
		"Product": {
			Fields:  []string{"name"},
			Filters: filters,
		},
	})
	require.NoError(t, err)
	return r
}

func TestMissingHookAdmitsByDefault(t *testing.T) {
	p := New(registryWithHooks(t, nil), Options{})
	req := &schema.HookRequest{Action: "read", Type: "Product"}

	assert.NoError(t, p.Pre(context.Background(), req))
	assert.NoError(t, p.Post(context.Background(), req))
}

func TestBlockByDefault(t *testing.T) {
	p := New(registryWithHooks(t, nil), Options{
		BlockPreByDefault:  true,
		BlockPostByDefault: true,
	})
	req := &schema.HookRequest{Action: "read", Type: "Product"}

	var blocked *BlockedError
	err := p.Pre(context.Background(), req)
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, schema.PhasePre, blocked.Phase)

	err = p.Post(context.Background(), req)
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, schema.PhasePost, blocked.Phase)
}

func TestHookDenialIsWrapped(t *testing.T) {
	denied := errors.New("not for you")
	p := New(registryWithHooks(t, map[schema.Phase]schema.HookFunc{
		schema.PhasePre: func(ctx context.Context, r *schema.HookRequest) error { return denied },
	}), Options{})

	err := p.Pre(context.Background(), &schema.HookRequest{Action: "read", Type: "Product"})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, schema.PhasePre, blocked.Phase)
	assert.ErrorIs(t, err, denied)
}

func TestHookAdmission(t *testing.T) {
	seen := false
	p := New(registryWithHooks(t, map[schema.Phase]schema.HookFunc{
		schema.PhasePre: func(ctx context.Context, r *schema.HookRequest) error {
			seen = true
			assert.Equal(t, "token-1", r.AuthToken)
			return nil
		},
	}), Options{})

	err := p.Pre(context.Background(), &schema.HookRequest{
		Action:    "read",
		Type:      "Product",
		AuthToken: "token-1",
	})
	assert.NoError(t, err)
	assert.True(t, seen)
}

func TestPostSubscribeFetchesResource(t *testing.T) {
	var hookResource store.Document
	p := New(registryWithHooks(t, map[schema.Phase]schema.HookFunc{
		schema.PhasePost: func(ctx context.Context, r *schema.HookRequest) error {
			hookResource = r.Resource
			return nil
		},
	}), Options{})

	loads := 0
	loader := func(ctx context.Context, typ, id string) (store.Document, error) {
		loads++
		assert.Equal(t, "Product", typ)
		assert.Equal(t, "p1", id)
		return store.Document{"id": id, "name": "A"}, nil
	}

	req := &schema.HookRequest{Action: "subscribe", Type: "Product", ID: "p1"}
	require.NoError(t, p.PostSubscribe(context.Background(), req, loader))
	assert.Equal(t, 1, loads)
	assert.Equal(t, "A", hookResource["name"])
}

func TestPostSubscribeViewSkipsFetch(t *testing.T) {
	p := New(registryWithHooks(t, map[schema.Phase]schema.HookFunc{
		schema.PhasePost: func(ctx context.Context, r *schema.HookRequest) error {
			assert.Nil(t, r.Resource)
			return nil
		},
	}), Options{})

	loader := func(ctx context.Context, typ, id string) (store.Document, error) {
		t.Fatal("loader must not run for view subscriptions")
		return nil, nil
	}

	req := &schema.HookRequest{Action: "subscribe", Type: "Product", View: "byCat"}
	assert.NoError(t, p.PostSubscribe(context.Background(), req, loader))
}

func TestPostSubscribeWithoutHookSkipsFetch(t *testing.T) {
	p := New(registryWithHooks(t, nil), Options{})

	loader := func(ctx context.Context, typ, id string) (store.Document, error) {
		t.Fatal("loader must not run when no post hook exists")
		return nil, nil
	}

	req := &schema.HookRequest{Action: "subscribe", Type: "Product", ID: "p1"}
	assert.NoError(t, p.PostSubscribe(context.Background(), req, loader))
}

func TestPostSubscribeLoaderError(t *testing.T) {
	p := New(registryWithHooks(t, map[schema.Phase]schema.HookFunc{
		schema.PhasePost: func(ctx context.Context, r *schema.HookRequest) error { return nil },
	}), Options{})

	boom := errors.New("store down")
	loader := func(ctx context.Context, typ, id string) (store.Document, error) {
		return nil, boom
	}

	req := &schema.HookRequest{Action: "subscribe", Type: "Product", ID: "p1"}
	assert.ErrorIs(t, p.PostSubscribe(context.Background(), req, loader), boom)
}
