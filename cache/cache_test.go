package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kataras/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedata.evalgo.org/channel"
	"livedata.evalgo.org/store"
)

var productKey = Key{Type: "Product", ID: "p1"}

func staticProvider(doc store.Document) Provider {
	return func(ctx context.Context) (store.Document, error) {
		return store.Clone(doc), nil
	}
}

func TestPassCachesDocument(t *testing.T) {
	c := New(Config{})
	var calls int32
	provider := func(ctx context.Context) (store.Document, error) {
		atomic.AddInt32(&calls, 1)
		return store.Document{"id": "p1", "name": "A"}, nil
	}

	var got store.Document
	c.Pass(context.Background(), productKey, provider, func(doc store.Document, err error) {
		require.NoError(t, err)
		got = doc
	})
	assert.Equal(t, "A", got["name"])

	// Second read is served from the cache.
	c.Pass(context.Background(), productKey, provider, func(doc store.Document, err error) {
		require.NoError(t, err)
		assert.Equal(t, "A", doc["name"])
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSingleFlight(t *testing.T) {
	c := New(Config{})

	const readers = 16
	var calls int32
	release := make(chan struct{})
	provider := func(ctx context.Context) (store.Document, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return store.Document{"id": "p1", "name": "A"}, nil
	}

	results := make(chan store.Document, readers)
	var wg sync.WaitGroup
	started := make(chan struct{}, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			c.Pass(context.Background(), productKey, provider, func(doc store.Document, err error) {
				assert.NoError(t, err)
				results <- doc
			})
		}()
	}
	for i := 0; i < readers; i++ {
		<-started
	}
	// Give every goroutine a chance to reach Pass before releasing the
	// fetch.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one provider invocation")
	count := 0
	for doc := range results {
		assert.Equal(t, "A", doc["name"])
		count++
	}
	assert.Equal(t, readers, count, "every reader resolves")
}

func TestPatchCoherence(t *testing.T) {
	c := New(Config{})

	fetching := make(chan struct{})
	release := make(chan struct{})
	provider := func(ctx context.Context) (store.Document, error) {
		close(fetching)
		<-release
		return store.Document{"id": "p1", "categoryId": "stale"}, nil
	}

	done := make(chan store.Document, 1)
	go c.Pass(context.Background(), productKey, provider, func(doc store.Document, err error) {
		assert.NoError(t, err)
		done <- doc
	})

	<-fetching
	// A field update arrives while the fetch is pending.
	payload, _ := json.Marshal(map[string]interface{}{"type": "update", "value": "fresh"})
	c.Update(channel.Field("Product", "p1", "categoryId"), payload)
	close(release)

	doc := <-done
	assert.Equal(t, "fresh", doc["categoryId"], "patch wins over fetched value")

	cached, ok := c.Get(productKey)
	require.True(t, ok)
	assert.Equal(t, "fresh", cached["categoryId"])
}

func TestUpdateResolvedEntry(t *testing.T) {
	c := New(Config{})
	c.Set(productKey, store.Document{"id": "p1", "name": "A"})

	payload, _ := json.Marshal(map[string]interface{}{"type": "update", "value": "B"})
	c.Update(channel.Field("Product", "p1", "name"), payload)

	doc, ok := c.Get(productKey)
	require.True(t, ok)
	assert.Equal(t, "B", doc["name"])
}

func TestUpdateIgnoresForeignMessages(t *testing.T) {
	c := New(Config{})
	c.Set(productKey, store.Document{"id": "p1", "name": "A"})

	// Resource channel, not a field channel.
	c.Update(channel.Resource("Product", "p1"), []byte(`{"type":"update","value":"X"}`))
	// Delete message on a field channel.
	c.Update(channel.Field("Product", "p1", "name"), []byte(`{"type":"delete"}`))
	// Garbage payload.
	c.Update(channel.Field("Product", "p1", "name"), []byte(`nope`))

	doc, _ := c.Get(productKey)
	assert.Equal(t, "A", doc["name"])
}

func TestErrorsAreNotCached(t *testing.T) {
	c := New(Config{})
	boom := errors.New("backend down")

	calls := 0
	failing := func(ctx context.Context) (store.Document, error) {
		calls++
		return nil, boom
	}

	c.Pass(context.Background(), productKey, failing, func(doc store.Document, err error) {
		assert.ErrorIs(t, err, boom)
	})
	_, ok := c.Get(productKey)
	assert.False(t, ok)

	c.Pass(context.Background(), productKey, failing, func(doc store.Document, err error) {
		assert.ErrorIs(t, err, boom)
	})
	assert.Equal(t, 2, calls)
}

func TestClearRemovesEntryAndEmits(t *testing.T) {
	c := New(Config{})
	c.Set(productKey, store.Document{"id": "p1"})

	cleared := make(chan Key, 1)
	c.On(EventClear, func(args ...interface{}) {
		cleared <- args[0].(Key)
	})

	c.Clear(productKey)
	_, ok := c.Get(productKey)
	assert.False(t, ok)

	select {
	case key := <-cleared:
		assert.Equal(t, productKey, key)
	case <-time.After(time.Second):
		t.Fatal("clear event not emitted")
	}

	// Clearing an absent entry emits nothing.
	c.Clear(productKey)
	select {
	case <-cleared:
		t.Fatal("unexpected clear event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpiry(t *testing.T) {
	c := New(Config{TTL: 30 * time.Millisecond})

	expired := make(chan Key, 1)
	c.On(EventExpire, func(args ...interface{}) {
		expired <- args[0].(Key)
	})

	c.Set(productKey, store.Document{"id": "p1"})

	select {
	case key := <-expired:
		assert.Equal(t, productKey, key)
	case <-time.After(time.Second):
		t.Fatal("expire event not emitted")
	}
	_, ok := c.Get(productKey)
	assert.False(t, ok)
}

func TestSetRefreshesTimer(t *testing.T) {
	c := New(Config{TTL: 60 * time.Millisecond})

	expired := make(chan Key, 2)
	c.On(EventExpire, func(args ...interface{}) {
		expired <- args[0].(Key)
	})

	c.Set(productKey, store.Document{"id": "p1"})
	time.Sleep(40 * time.Millisecond)
	c.Set(productKey, store.Document{"id": "p1", "name": "B"})
	time.Sleep(40 * time.Millisecond)

	// The first timer was cancelled by the second Set; nothing has expired
	// yet.
	select {
	case <-expired:
		t.Fatal("entry expired despite refresh")
	default:
	}

	doc, ok := c.Get(productKey)
	require.True(t, ok)
	assert.Equal(t, "B", doc["name"])
}

func TestDisabledCacheCallsProviderDirectly(t *testing.T) {
	c := New(Config{Disabled: true})
	require.True(t, c.Disabled())

	calls := 0
	provider := func(ctx context.Context) (store.Document, error) {
		calls++
		return store.Document{"id": "p1"}, nil
	}
	for i := 0; i < 3; i++ {
		c.Pass(context.Background(), productKey, provider, func(doc store.Document, err error) {
			require.NoError(t, err)
		})
	}
	assert.Equal(t, 3, calls)
	_, ok := c.Get(productKey)
	assert.False(t, ok)
}

func TestIncompleteKeyBypassesCache(t *testing.T) {
	c := New(Config{})
	calls := 0
	provider := func(ctx context.Context) (store.Document, error) {
		calls++
		return store.Document{}, nil
	}
	c.Pass(context.Background(), Key{Type: "Product"}, provider, func(store.Document, error) {})
	c.Pass(context.Background(), Key{Type: "Product"}, provider, func(store.Document, error) {})
	assert.Equal(t, 2, calls)
}

func TestHitAndMissEvents(t *testing.T) {
	c := New(Config{})

	var mu sync.Mutex
	var seen []events.EventName
	record := func(name events.EventName) events.Listener {
		return func(...interface{}) {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
		}
	}
	c.On(EventMiss, record(EventMiss))
	c.On(EventHit, record(EventHit))

	c.Pass(context.Background(), productKey, staticProvider(store.Document{"id": "p1"}), func(store.Document, error) {})
	c.Pass(context.Background(), productKey, staticProvider(store.Document{"id": "p1"}), func(store.Document, error) {})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventName{EventMiss, EventHit}, seen)
}

func TestPendingJoinCountsAsMiss(t *testing.T) {
	c := New(Config{})

	var mu sync.Mutex
	var seen []events.EventName
	var hitArgs []int
	c.On(EventMiss, func(args ...interface{}) {
		mu.Lock()
		seen = append(seen, EventMiss)
		mu.Unlock()
	})
	c.On(EventHit, func(args ...interface{}) {
		mu.Lock()
		seen = append(seen, EventHit)
		hitArgs = append(hitArgs, len(args))
		mu.Unlock()
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	provider := func(ctx context.Context) (store.Document, error) {
		close(entered)
		<-release
		return store.Document{"id": "p1"}, nil
	}

	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		c.Pass(context.Background(), productKey, provider, func(store.Document, error) {})
	}()
	<-entered

	// Joining the in-flight fetch: no resolved document yet, so this is a
	// miss, not an argument-less hit.
	c.Pass(context.Background(), productKey, staticProvider(nil), func(store.Document, error) {})
	close(release)
	<-leaderDone

	// A resolved entry now exists; this hit carries the document.
	c.Pass(context.Background(), productKey, staticProvider(nil), func(store.Document, error) {})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventName{EventMiss, EventMiss, EventHit}, seen)
	assert.Equal(t, []int{2}, hitArgs)
}
