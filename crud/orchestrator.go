// Package crud is the heart of the realtime data layer: it serializes CRUD
// intentions against the schema, coalesces concurrent reads through the
// resource cache, derives affected-view sets from field-level deltas, and
// fans precisely targeted change notifications out over the broker.
//
// An Orchestrator owns one cache and one set of per-resource channel
// subscriptions; multiple orchestrators never share either. Mutations on the
// same (type, id) are serialized in-process so the sequence "mutation
// accepted → field messages → view messages" never interleaves with another
// mutation on the same resource; cross-process ordering is the broker's
// business.
package crud

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"livedata.evalgo.org/broker"
	"livedata.evalgo.org/cache"
	"livedata.evalgo.org/channel"
	"livedata.evalgo.org/filter"
	"livedata.evalgo.org/schema"
	"livedata.evalgo.org/store"
	"livedata.evalgo.org/views"
)

// DefaultPageSize is used for collection reads when the query and the
// configuration are both silent.
const DefaultPageSize = 10

// Options configures an Orchestrator.
type Options struct {
	// Registry is the schema the orchestrator serves. Required.
	Registry *schema.Registry

	// Store is the storage backend. Required.
	Store store.Adapter

	// Broker is the pub/sub backplane. Optional: without one, change
	// notifications are skipped and the cache defaults to disabled since
	// nothing can invalidate it.
	Broker broker.Broker

	// DefaultPageSize for collection reads. Zero means DefaultPageSize.
	DefaultPageSize int

	// CacheDuration is the resource cache TTL. Zero means cache.DefaultTTL.
	CacheDuration time.Duration

	// CacheDisabled forces the cache off even with a broker attached.
	CacheDisabled bool

	// BlockPreByDefault and BlockPostByDefault configure the filter
	// pipeline's behavior for models without hooks.
	BlockPreByDefault  bool
	BlockPostByDefault bool

	// Logger receives structured output. Optional.
	Logger *logrus.Entry
}

// ReadResult is the outcome of a Read. Exactly one of Document, Value and
// Data is populated, depending on whether the query addressed a document, a
// field, or a view collection.
type ReadResult struct {
	// Document is set for reads by id without a field.
	Document store.Document `json:"document,omitempty"`

	// Value is set for field reads. HasValue distinguishes a null field
	// value from a document read.
	Value    interface{} `json:"value,omitempty"`
	HasValue bool        `json:"-"`

	// Data holds the ids of a view page, IsLastPage whether the page is
	// the final one, and Count the view size when requested.
	Data       []string `json:"data,omitempty"`
	IsLastPage bool     `json:"isLastPage,omitempty"`
	Count      *int     `json:"count,omitempty"`
}

// Orchestrator exposes the CRUD entry points and the out-of-band notify API.
type Orchestrator struct {
	registry *schema.Registry
	store    store.Adapter
	broker   broker.Broker
	cache    *cache.Cache
	analyzer *views.Analyzer
	filters  *filter.Pipeline
	pageSize int
	logger   *logrus.Entry

	// subs tracks the per-resource subscription state machine, keyed by
	// resource channel name.
	subMu sync.Mutex
	subs  map[string]*resourceSub

	// resLocks serializes mutations per (type, id).
	resMu    sync.Mutex
	resLocks map[string]*resourceLock
}

type subState int

const (
	stateSubscribing subState = iota
	stateSubscribed
)

type resourceSub struct {
	state  subState
	key    cache.Key
	buffer []pendingRead
	unsub  broker.UnsubscribeFunc
}

type pendingRead struct {
	ctx context.Context
	cb  cache.Callback
}

type resourceLock struct {
	mu   sync.Mutex
	refs int
}

// New constructs an Orchestrator and wires the cache teardown events to the
// resource subscription state machine.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, &InvalidArgumentsError{Reason: "a schema registry is required"}
	}
	if opts.Store == nil {
		return nil, &InvalidArgumentsError{Reason: "a store adapter is required"}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "crud")

	pageSize := opts.DefaultPageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	o := &Orchestrator{
		registry: opts.Registry,
		store:    opts.Store,
		broker:   opts.Broker,
		analyzer: views.NewAnalyzer(opts.Registry),
		pageSize: pageSize,
		logger:   logger,
		subs:     make(map[string]*resourceSub),
		resLocks: make(map[string]*resourceLock),
	}
	o.cache = cache.New(cache.Config{
		TTL:      opts.CacheDuration,
		Disabled: opts.CacheDisabled || opts.Broker == nil,
		Logger:   logger,
	})
	o.filters = filter.New(opts.Registry, filter.Options{
		BlockPreByDefault:  opts.BlockPreByDefault,
		BlockPostByDefault: opts.BlockPostByDefault,
		Logger:             logger,
	})

	teardown := func(args ...interface{}) {
		if len(args) == 0 {
			return
		}
		key, ok := args[0].(cache.Key)
		if !ok {
			return
		}
		o.dropSubscription(key)
	}
	o.cache.On(cache.EventClear, teardown)
	o.cache.On(cache.EventExpire, teardown)

	return o, nil
}

// Filters exposes the orchestrator's filter pipeline for transport
// middleware.
func (o *Orchestrator) Filters() *filter.Pipeline {
	return o.filters
}

// Cache exposes the resource cache, primarily for tests and metrics.
func (o *Orchestrator) Cache() *cache.Cache {
	return o.cache
}

// Create validates the query, inserts the document, and publishes the
// resource channel plus a create message on every affected view channel.
// It returns the new document's id.
func (o *Orchestrator) Create(ctx context.Context, q Query) (string, error) {
	if err := q.validate(o.registry); err != nil {
		return "", err
	}
	value, ok := q.Value.(map[string]interface{})
	if !ok {
		return "", &InvalidParamsError{Reason: "create requires an object value"}
	}

	doc := store.Clone(value)
	id, err := o.store.Insert(ctx, q.Type, doc)
	if err != nil {
		return "", o.storeError("insert", err)
	}
	doc["id"] = id

	unlock := o.lockResource(q.Type, id)
	defer unlock()

	o.publish(ctx, channel.Resource(q.Type, id), nil)
	for _, affected := range o.analyzer.Affected(q.Type, doc, nil) {
		o.publish(ctx, affected.Channel(), ViewMessage{Type: MessageCreate, ID: id}.encode())
	}
	return id, nil
}

// Read serves a document, field or view collection read.
func (o *Orchestrator) Read(ctx context.Context, q Query) (*ReadResult, error) {
	if err := q.validate(o.registry); err != nil {
		return nil, err
	}
	if q.ID == "" {
		return o.readCollection(ctx, q)
	}

	doc, err := o.readByID(ctx, q.Type, q.ID)
	if err != nil {
		return nil, err
	}
	if q.Field != "" {
		return &ReadResult{Value: doc[q.Field], HasValue: true}, nil
	}
	return &ReadResult{Document: doc}, nil
}

// Update validates and applies a field or object mutation, then publishes
// the resource channel, per-field update messages, and move/remove/add
// messages for every view whose placement of the document changed.
func (o *Orchestrator) Update(ctx context.Context, q Query) error {
	if err := q.validate(o.registry); err != nil {
		return err
	}
	if q.ID == "" {
		return &InvalidParamsError{Reason: "update requires an id"}
	}

	fields := store.Document{}
	if q.Field != "" {
		if _, isObject := q.Value.(map[string]interface{}); isObject {
			return &InvalidParamsError{Reason: "a field update requires a scalar value"}
		}
		fields[q.Field] = q.Value
	} else {
		value, ok := q.Value.(map[string]interface{})
		if !ok {
			return &InvalidOperationError{Reason: "a document cannot be replaced with a primitive"}
		}
		for k, v := range value {
			fields[k] = v
		}
	}
	if _, touchesID := fields["id"]; touchesID {
		return &InvalidOperationError{Reason: "the id field cannot be modified"}
	}
	if len(fields) == 0 {
		return &InvalidParamsError{Reason: "update requires at least one field"}
	}

	unlock := o.lockResource(q.Type, q.ID)
	defer unlock()

	current, err := o.store.Get(ctx, q.Type, q.ID)
	if err != nil {
		return o.storeError("get", err)
	}

	changed := sortedKeys(fields)
	oldAffected := o.analyzer.Affected(q.Type, current, changed)

	if err := o.store.Update(ctx, q.Type, q.ID, fields); err != nil {
		return o.storeError("update", err)
	}

	updated := store.Clone(current)
	for k, v := range fields {
		updated[k] = v
	}
	newAffected := o.analyzer.Affected(q.Type, updated, changed)

	o.publish(ctx, channel.Resource(q.Type, q.ID), nil)
	for _, f := range changed {
		o.publish(ctx, channel.Field(q.Type, q.ID, f), fieldUpdatePayload(fields[f]))
	}
	o.publishViewDiff(ctx, q.ID, oldAffected, newAffected)
	return nil
}

// publishViewDiff emits view-level messages for an update. Both slices come
// from the same field set against the same schema, so they enumerate the
// same views in the same order.
func (o *Orchestrator) publishViewDiff(ctx context.Context, id string, oldAffected, newAffected []views.Affected) {
	for i := range oldAffected {
		oldView, newView := oldAffected[i], newAffected[i]
		switch {
		case oldView.ParamsEqual(newView) && oldView.AffectingDataEqual(newView):
			// Placement unchanged.
		case oldView.ParamsEqual(newView):
			o.publish(ctx, newView.Channel(), ViewMessage{Type: MessageUpdate, Action: ActionMove, ID: id}.encode())
		default:
			o.publish(ctx, oldView.Channel(), ViewMessage{Type: MessageUpdate, Action: ActionRemove, ID: id}.encode())
			o.publish(ctx, newView.Channel(), ViewMessage{Type: MessageUpdate, Action: ActionAdd, ID: id}.encode())
		}
	}
}

// Delete removes a document or a single field. A field delete publishes the
// field deletion only; a document delete publishes a deletion on every known
// field channel plus a delete message on each affected view channel.
func (o *Orchestrator) Delete(ctx context.Context, q Query) error {
	if err := q.validate(o.registry); err != nil {
		return err
	}
	if q.ID == "" {
		return &InvalidParamsError{Reason: "delete requires an id"}
	}

	unlock := o.lockResource(q.Type, q.ID)
	defer unlock()

	current, err := o.store.Get(ctx, q.Type, q.ID)
	if err != nil {
		return o.storeError("get", err)
	}

	if q.Field != "" {
		if err := o.store.DeleteField(ctx, q.Type, q.ID, q.Field); err != nil {
			return o.storeError("delete field", err)
		}
		o.publish(ctx, channel.Field(q.Type, q.ID, q.Field), fieldDeletePayload())
		return nil
	}

	affected := o.analyzer.Affected(q.Type, current, nil)
	if err := o.store.Delete(ctx, q.Type, q.ID); err != nil {
		return o.storeError("delete", err)
	}

	// Known fields come from the schema when it declares any; otherwise
	// from the deleted document itself. A document field the schema omits
	// is not notified in the former case.
	fields := o.registry.FieldsOf(q.Type)
	if len(fields) > 0 {
		hasID := false
		for _, f := range fields {
			if f == "id" {
				hasID = true
				break
			}
		}
		if !hasID {
			fields = append([]string{"id"}, fields...)
		}
	} else {
		fields = sortedKeys(current)
	}
	for _, f := range fields {
		o.publish(ctx, channel.Field(q.Type, q.ID, f), fieldDeletePayload())
	}
	for _, view := range affected {
		o.publish(ctx, view.Channel(), ViewMessage{Type: MessageDelete, ID: q.ID}.encode())
	}
	return nil
}

// LoadResource fetches a document through the resource cache. The filter
// pipeline uses it for post-phase subscription checks, so authorization
// reads coalesce with regular reads of the same resource. It runs the same
// subscription machinery as a read by id: a cache entry installed here is
// watched on its resource channel, so later mutations clear it.
func (o *Orchestrator) LoadResource(ctx context.Context, typ, id string) (store.Document, error) {
	return o.readByID(ctx, typ, id)
}

// HandleChannelMessage feeds an observed crud> channel message into the
// cache: resource-level messages clear the entry, field-level updates are
// applied as patches. Transports call this for every broker message they
// forward.
func (o *Orchestrator) HandleChannelMessage(channelName string, payload []byte) {
	addr, ok := channel.Parse(channelName)
	if !ok || addr.Kind != channel.KindModel || addr.ID == "" {
		return
	}
	if addr.Field == "" {
		o.cache.Clear(cache.Key{Type: addr.Type, ID: addr.ID})
		return
	}
	o.cache.Update(channelName, payload)
}

// readCollection materializes one page of a view.
func (o *Orchestrator) readCollection(ctx context.Context, q Query) (*ReadResult, error) {
	if q.View == "" {
		return nil, &InvalidParamsError{Reason: "a collection read requires a view"}
	}
	view, _ := o.registry.ViewSchema(q.Type, q.View)
	params := sanitizedViewParams(view, q.ViewParams)

	query := store.NewQuery(q.Type)
	if view.Transform != nil {
		query = view.Transform(query, params)
	} else {
		for _, f := range view.ParamFields {
			query = query.Filter(f, params[f])
		}
	}

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = o.pageSize
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	// The count runs in parallel with the page fetch; a count failure is
	// logged and the page is still acknowledged.
	var countCh chan *int
	if q.GetCount {
		countCh = make(chan *int, 1)
		go func() {
			n, err := o.store.Count(ctx, query)
			if err != nil {
				o.logger.WithFields(logrus.Fields{"type": q.Type, "view": q.View}).
					WithError(err).Warn("view count failed")
				countCh <- nil
				return
			}
			countCh <- &n
		}()
	}

	// One extra row decides isLastPage without a second query.
	ids, err := o.store.IDs(ctx, query, offset, pageSize+1)
	if err != nil {
		return nil, o.storeError("view query", err)
	}
	isLastPage := len(ids) <= pageSize
	if !isLastPage {
		ids = ids[:pageSize]
	}

	if err := o.filters.Post(ctx, &schema.HookRequest{
		Action:     "read",
		Type:       q.Type,
		View:       q.View,
		ViewParams: params,
	}); err != nil {
		return nil, err
	}

	result := &ReadResult{Data: ids, IsLastPage: isLastPage}
	if countCh != nil {
		result.Count = <-countCh
	}
	return result, nil
}

// readByID serves a single-document read through the per-resource
// subscription state machine: the caller is appended to the resource
// channel's read buffer, the channel subscription is established once, and
// the buffer is drained through the cache so concurrent readers coalesce
// into a single store fetch.
func (o *Orchestrator) readByID(ctx context.Context, typ, id string) (store.Document, error) {
	key := cache.Key{Type: typ, ID: id}

	type outcome struct {
		doc store.Document
		err error
	}
	done := make(chan outcome, 1)
	cb := func(doc store.Document, err error) {
		done <- outcome{doc: doc, err: err}
	}

	if o.broker == nil || o.cache.Disabled() {
		// No invalidation pipeline to arm; serve the read directly.
		o.cache.Pass(ctx, key, o.provider(typ, id), cb)
	} else {
		o.enqueueRead(ctx, key, cb)
	}

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return out.doc, nil
	case <-ctx.Done():
		// The shared fetch continues for other waiters; only this caller
		// stops waiting.
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) enqueueRead(ctx context.Context, key cache.Key, cb cache.Callback) {
	channelName := channel.Resource(key.Type, key.ID)
	read := pendingRead{ctx: ctx, cb: cb}

	o.subMu.Lock()
	sub, ok := o.subs[channelName]
	if !ok {
		sub = &resourceSub{state: stateSubscribing, key: key, buffer: []pendingRead{read}}
		o.subs[channelName] = sub
		o.subMu.Unlock()
		go o.subscribeResource(channelName, key)
		return
	}
	sub.buffer = append(sub.buffer, read)
	subscribed := sub.state == stateSubscribed
	o.subMu.Unlock()

	if subscribed {
		o.drain(channelName)
	}
	// While subscribing, the subscription's success handler drains.
}

func (o *Orchestrator) subscribeResource(channelName string, key cache.Key) {
	watch := func(ch string, payload []byte) {
		o.HandleChannelMessage(ch, payload)
	}
	unsub, err := o.broker.Subscribe(context.Background(), channelName, watch)

	o.subMu.Lock()
	sub, ok := o.subs[channelName]
	if !ok {
		o.subMu.Unlock()
		if err == nil {
			unsub()
		}
		return
	}
	if err != nil {
		delete(o.subs, channelName)
		buffered := sub.buffer
		sub.buffer = nil
		o.subMu.Unlock()

		o.logger.WithField("channel", channelName).WithError(err).Warn("resource channel subscription failed")
		failure := &SubscribeFailedError{Channel: channelName, Cause: err}
		for _, read := range buffered {
			read.cb(nil, failure)
		}
		return
	}
	sub.state = stateSubscribed
	sub.unsub = unsub
	o.subMu.Unlock()

	o.drain(channelName)
}

// drain serves the buffered reads of a resource channel through the cache
// in enqueue order. The first read becomes the fetch leader; the rest join
// its waiter list or hit the already-resolved entry.
func (o *Orchestrator) drain(channelName string) {
	o.subMu.Lock()
	sub, ok := o.subs[channelName]
	if !ok {
		o.subMu.Unlock()
		return
	}
	buffered := sub.buffer
	sub.buffer = nil
	key := sub.key
	o.subMu.Unlock()

	provider := o.provider(key.Type, key.ID)
	for _, read := range buffered {
		// The fetch must survive a cancelled reader: other waiters on the
		// same entry still need the result.
		o.cache.Pass(context.WithoutCancel(read.ctx), key, provider, read.cb)
	}
}

// dropSubscription tears down the resource channel subscription after its
// cache entry expired or was cleared. The next read re-subscribes.
func (o *Orchestrator) dropSubscription(key cache.Key) {
	channelName := channel.Resource(key.Type, key.ID)

	o.subMu.Lock()
	sub, ok := o.subs[channelName]
	if !ok || sub.state != stateSubscribed || len(sub.buffer) > 0 {
		o.subMu.Unlock()
		return
	}
	delete(o.subs, channelName)
	unsub := sub.unsub
	o.subMu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (o *Orchestrator) provider(typ, id string) cache.Provider {
	return func(ctx context.Context) (store.Document, error) {
		doc, err := o.store.Get(ctx, typ, id)
		if err != nil {
			return nil, o.storeError("get", err)
		}
		return doc, nil
	}
}

// publish sends a payload over the broker, logging failures without
// propagating them: by the time notifications flow the mutation is already
// durable, and notification loss is within the at-most-once contract.
func (o *Orchestrator) publish(ctx context.Context, channelName string, payload []byte) {
	if o.broker == nil {
		return
	}
	if err := o.broker.Publish(ctx, channelName, payload); err != nil {
		o.logger.WithField("channel", channelName).WithError(err).Warn("publish failed")
	}
}

func (o *Orchestrator) storeError(op string, err error) error {
	o.logger.WithField("op", op).WithError(err).Warn("store operation failed")
	return &StoreError{Op: op, Cause: err}
}

// lockResource serializes the mutation-and-publish section per (type, id).
func (o *Orchestrator) lockResource(typ, id string) func() {
	name := typ + "/" + id

	o.resMu.Lock()
	l, ok := o.resLocks[name]
	if !ok {
		l = &resourceLock{}
		o.resLocks[name] = l
	}
	l.refs++
	o.resMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.resMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.resLocks, name)
		}
		o.resMu.Unlock()
	}
}

func sortedKeys(doc store.Document) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func valuesEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
