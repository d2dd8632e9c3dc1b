// Package cache implements the short-TTL, single-flight resource cache that
// coalesces concurrent reads of the same document. For any (type, id) at most
// one backend fetch is in flight; readers arriving while a fetch is pending
// join its waiter list and are notified in arrival order.
//
// Entries are invalidated three ways: by their TTL timer, by an explicit
// Clear when a change is observed on the resource channel, and by replacement
// through Set. Field-level change messages observed while a fetch is pending
// are accumulated as a patch and applied to the fetched document before any
// waiter sees it, so a cached read never delivers a value older than a change
// the process has already observed.
//
// Lifecycle events (hit, miss, set, clear, expire, update) are emitted
// through a go-events emitter; the orchestrator subscribes to clear and
// expire to tear down the matching resource channel subscription.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kataras/go-events"
	"github.com/sirupsen/logrus"

	"livedata.evalgo.org/channel"
	"livedata.evalgo.org/store"
)

// DefaultTTL is the cache duration applied when none is configured.
const DefaultTTL = 10 * time.Second

// Lifecycle event names.
const (
	EventHit    events.EventName = "hit"
	EventMiss   events.EventName = "miss"
	EventSet    events.EventName = "set"
	EventClear  events.EventName = "clear"
	EventExpire events.EventName = "expire"
	EventUpdate events.EventName = "update"
)

// Key addresses a cache entry.
type Key struct {
	Type string
	ID   string
}

// Provider fetches the document for a key from the backing store.
type Provider func(ctx context.Context) (store.Document, error)

// Callback receives the outcome of a Pass call. Exactly one of doc and err
// is meaningful; a callback is invoked exactly once.
type Callback func(doc store.Document, err error)

// Config configures a Cache.
type Config struct {
	// TTL is the entry lifetime. Zero means DefaultTTL.
	TTL time.Duration

	// Disabled short-circuits the cache entirely: every Pass call invokes
	// its provider directly.
	Disabled bool

	// Logger receives debug output. Optional.
	Logger *logrus.Entry
}

// Cache is a single-flight TTL cache for documents.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry

	ttl      time.Duration
	disabled bool
	emitter  events.EventEmmiter
	logger   *logrus.Entry
}

type entry struct {
	pending bool
	doc     store.Document
	patch   store.Document
	waiters []Callback
	timer   *time.Timer
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{
		entries:  make(map[Key]*entry),
		ttl:      ttl,
		disabled: cfg.Disabled,
		emitter:  events.New(),
		logger:   logger.WithField("component", "cache"),
	}
}

// On registers a listener for a lifecycle event. Listeners receive the Key
// as their first argument.
func (c *Cache) On(event events.EventName, listener events.Listener) {
	c.emitter.On(event, listener)
}

// Pass serves a read through the cache. When the key is cached the callback
// fires with the cached document. When a fetch is already pending the
// callback joins the waiter list. Otherwise this call becomes the fetch
// leader: it invokes provider, resolves the entry, and notifies all waiters
// in arrival order before returning.
//
// With the cache disabled, or for an incomplete key, provider is invoked
// directly and no entry is created.
func (c *Cache) Pass(ctx context.Context, key Key, provider Provider, cb Callback) {
	if c.disabled || key.Type == "" || key.ID == "" {
		doc, err := provider(ctx)
		cb(doc, err)
		return
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.pending {
		waiters := append(e.waiters, cb)
		e.waiters = nil
		doc := store.Clone(e.doc)
		c.mu.Unlock()
		c.emitter.Emit(EventHit, key, doc)
		for _, w := range waiters {
			w(store.Clone(doc), nil)
		}
		return
	}
	if ok {
		// Joining a pending fetch counts as a miss: no resolved document
		// exists yet. Hit always carries (key, doc), miss always (key).
		e.waiters = append(e.waiters, cb)
		c.mu.Unlock()
		c.emitter.Emit(EventMiss, key)
		return
	}

	e = &entry{
		pending: true,
		patch:   store.Document{},
		waiters: []Callback{cb},
	}
	e.timer = time.AfterFunc(c.ttl, func() { c.expire(key, e) })
	c.entries[key] = e
	c.mu.Unlock()
	c.emitter.Emit(EventMiss, key)

	doc, err := provider(ctx)
	c.resolve(key, e, doc, err)
}

func (c *Cache) resolve(key Key, e *entry, doc store.Document, err error) {
	c.mu.Lock()
	waiters := e.waiters
	e.waiters = nil

	if err != nil {
		// Errors are never cached.
		if c.entries[key] == e {
			e.timer.Stop()
			delete(c.entries, key)
		}
		c.mu.Unlock()
		for _, w := range waiters {
			w(nil, err)
		}
		return
	}

	merged := store.Clone(doc)
	if merged == nil {
		merged = store.Document{}
	}
	for field, value := range e.patch {
		// A patch observed during the fetch is newer than the fetched
		// document.
		merged[field] = value
	}

	resolved := &entry{doc: merged}
	resolved.timer = time.AfterFunc(c.ttl, func() { c.expire(key, resolved) })

	current, ok := c.entries[key]
	switch {
	case !ok:
		// The pending entry expired or was cleared mid-fetch; install a
		// fresh resolved entry for the value we now hold.
		c.entries[key] = resolved
	case current == e:
		e.timer.Stop()
		c.entries[key] = resolved
	default:
		// A newer fetch owns the slot; do not clobber it.
		resolved.timer.Stop()
	}
	c.mu.Unlock()

	c.emitter.Emit(EventSet, key, store.Clone(merged))
	for _, w := range waiters {
		w(store.Clone(merged), nil)
	}
}

// Get returns the cached document for a key, if resolved.
func (c *Cache) Get(key Key) (store.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.pending {
		return nil, false
	}
	return store.Clone(e.doc), true
}

// Set writes a resolved entry with a fresh TTL, cancelling any previous
// expiry timer for the key.
func (c *Cache) Set(key Key, doc store.Document) {
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		old.timer.Stop()
	}
	e := &entry{doc: store.Clone(doc)}
	e.timer = time.AfterFunc(c.ttl, func() { c.expire(key, e) })
	c.entries[key] = e
	c.mu.Unlock()
	c.emitter.Emit(EventSet, key, store.Clone(doc))
}

// Clear removes the entry for a key, cancelling its timer. Waiters of a
// cleared pending entry are still served by the in-flight fetch.
func (c *Cache) Clear(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(c.entries, key)
	c.mu.Unlock()
	c.emitter.Emit(EventClear, key)
}

func (c *Cache) expire(key Key, e *entry) {
	c.mu.Lock()
	if c.entries[key] != e {
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	c.mu.Unlock()
	c.logger.WithFields(logrus.Fields{"type": key.Type, "id": key.ID}).Debug("cache entry expired")
	c.emitter.Emit(EventExpire, key)
}

type fieldMessage struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// Update applies an observed field-channel message to the cache. Messages on
// channels that do not parse to a (type, id, field) address, or whose type is
// not "update", are ignored. A patch lands in the pending patch map while a
// fetch is in flight, or directly in the resolved document otherwise.
func (c *Cache) Update(channelName string, payload []byte) {
	addr, ok := channel.Parse(channelName)
	if !ok || addr.Kind != channel.KindModel || addr.Field == "" {
		return
	}

	var msg fieldMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != "update" {
		return
	}

	key := Key{Type: addr.Type, ID: addr.ID}
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	if e.pending {
		e.patch[addr.Field] = msg.Value
	} else {
		e.doc[addr.Field] = msg.Value
	}
	c.mu.Unlock()
	c.emitter.Emit(EventUpdate, key, addr.Field, msg.Value)
}

// Disabled reports whether the cache is configured off.
func (c *Cache) Disabled() bool {
	return c.disabled
}
