package crud

import (
	"context"
	"sort"

	"livedata.evalgo.org/channel"
	"livedata.evalgo.org/store"
)

// NotifyUpdate announces an out-of-band mutation observed as a before/after
// document pair, for writers that bypass the orchestrator (imports, change
// feeds, migrations). It publishes the resource channel, an update on every
// field channel whose value changed, and a coarse update message on each
// view the change can affect. View messages carry no placement action since
// the observer cannot tell a move from a remove/add without replaying the
// mutation.
func (o *Orchestrator) NotifyUpdate(ctx context.Context, typ string, old, new store.Document) error {
	if !o.registry.HasType(typ) {
		return &InvalidModelTypeError{Type: typ}
	}
	id, _ := new["id"].(string)
	if id == "" {
		id, _ = old["id"].(string)
	}
	if id == "" {
		return &InvalidArgumentsError{Reason: "documents carry no id"}
	}

	changed := changedFields(old, new)
	if len(changed) == 0 {
		return nil
	}

	unlock := o.lockResource(typ, id)
	defer unlock()

	o.publish(ctx, channel.Resource(typ, id), nil)
	for _, f := range changed {
		if f == "id" {
			continue
		}
		o.publish(ctx, channel.Field(typ, id, f), fieldUpdatePayload(new[f]))
	}

	// The document may have crossed view boundaries, so both placements
	// get the message; identical channels collapse to one publish.
	msg := ViewMessage{Type: MessageUpdate, ID: id}.encode()
	seen := map[string]bool{}
	for _, side := range [][]store.Document{{old}, {new}} {
		for _, affected := range o.analyzer.Affected(typ, side[0], changed) {
			ch := affected.Channel()
			if seen[ch] {
				continue
			}
			seen[ch] = true
			o.publish(ctx, ch, msg)
		}
	}
	return nil
}

// NotifyResourceUpdate announces that a document changed in an unknown way.
// The empty resource channel message makes every peer drop its cached copy
// and re-fetch on the next read.
func (o *Orchestrator) NotifyResourceUpdate(ctx context.Context, typ, id string) error {
	if !o.registry.HasType(typ) {
		return &InvalidModelTypeError{Type: typ}
	}
	if id == "" {
		return &InvalidArgumentsError{Reason: "an id is required"}
	}
	o.publish(ctx, channel.Resource(typ, id), nil)
	return nil
}

// NotifyViewUpdate publishes a view message on the channel addressed by the
// (type, view, params) triple. Params are reduced to the view's declared
// primary keys before naming the channel.
func (o *Orchestrator) NotifyViewUpdate(ctx context.Context, typ, view string, params map[string]interface{}, msg ViewMessage) error {
	viewSchema, ok := o.registry.ViewSchema(typ, view)
	if !ok {
		return &InvalidArgumentsError{Reason: "unknown view " + view + " on type " + typ}
	}
	primary := map[string]interface{}{}
	for _, k := range viewSchema.EffectivePrimaryKeys() {
		primary[k] = params[k]
	}
	o.publish(ctx, channel.View(typ, view, primary), msg.encode())
	return nil
}

// changedFields lists, sorted, every key whose value differs between the
// two documents, including keys present on only one side.
func changedFields(old, new store.Document) []string {
	union := store.Document{}
	for k := range old {
		union[k] = nil
	}
	for k := range new {
		union[k] = nil
	}
	changed := make([]string, 0, len(union))
	for k := range union {
		oldVal, inOld := old[k]
		newVal, inNew := new[k]
		if inOld != inNew || !valuesEqual(oldVal, newVal) {
			changed = append(changed, k)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)
	return changed
}
