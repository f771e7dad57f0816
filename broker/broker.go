// Package broker defines the interfaces required by a cable server to
// bridge connections and subscriptions to a pub-sub backend. The
// broker is shared by all connections of a process and must be safe
// for concurrent use.
package broker

import (
	"errors"
	"time"
)

// DefaultSubscribeTimeout is the time to wait for the backend to
// acknowledge a subscription when no specific timeout is configured.
const DefaultSubscribeTimeout = 5 * time.Second

// ErrClosed is returned by brokers that have been closed.
var ErrClosed = errors.New("cable/broker: closed")

// Listener receives the payloads broadcast on a topic. A listener is
// registered for a topic with PubSubBroker.Subscribe and is compared
// by identity, so it is typically a pointer.
type Listener interface {
	Receive(topic string, payload []byte)
}

// ListenerFunc wraps a function as a Listener. Because it is not
// comparable, it must be registered through a pointer.
type ListenerFunc func(topic string, payload []byte)

// Receive implements Listener for *ListenerFunc.
func (fn *ListenerFunc) Receive(topic string, payload []byte) {
	(*fn)(topic, payload)
}

// PubSubBroker defines the methods required by the server to
// fan messages out to topics and to receive the messages published
// on topics it is interested in.
type PubSubBroker interface {
	// Publish sends payload to all listeners of topic, in all
	// processes connected to the broker.
	Publish(topic string, payload []byte) error

	// Subscribe registers l as listener of topic. It returns once the
	// backend acknowledged the subscription, or with an error.
	Subscribe(topic string, l Listener) error

	// Unsubscribe removes l from the listeners of topic. Removing a
	// listener that is not registered is a no-op.
	Unsubscribe(topic string, l Listener) error
}
