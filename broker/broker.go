// Package broker abstracts the pub/sub backplane that carries CRUD change
// notifications between processes. The production implementation rides on
// Redis pub/sub; tests run the same implementation against miniredis.
//
// The broker deals in opaque JSON payloads and flat channel names; channel
// semantics (resource, field, view) live entirely in the channel package.
// Delivery is at-most-once: a message published while a subscriber is
// reconnecting is lost, which matches the CRUD layer's contract of treating
// notifications as cache invalidation hints.
package broker

import "context"

// MessageHandler receives messages observed on a subscribed channel.
// Handlers run on the broker's dispatch goroutine and must not block.
type MessageHandler func(channelName string, payload []byte)

// UnsubscribeFunc detaches a single handler. The backplane subscription for
// a channel is released when its last handler detaches.
type UnsubscribeFunc func()

// Broker is the pub/sub backplane contract.
type Broker interface {
	// Subscribe attaches a handler to a channel, establishing the
	// backplane subscription if this is the channel's first handler.
	Subscribe(ctx context.Context, channelName string, h MessageHandler) (UnsubscribeFunc, error)

	// Publish sends a payload to every subscriber of the channel, local
	// and remote. A nil payload is delivered as an empty message.
	Publish(ctx context.Context, channelName string, payload []byte) error

	// IsSubscribed reports whether the channel currently has handlers
	// attached. With includePending it also reports channels whose
	// backplane subscription is still being established.
	IsSubscribed(channelName string, includePending bool) bool

	// Close tears down the backplane connection.
	Close() error
}
