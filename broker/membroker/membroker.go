// Package membroker implements an in-process cable broker. Payloads
// published on a topic are delivered synchronously, in the publishing
// goroutine, to the listeners registered in the same process. It is
// suitable for single-process deployments and for tests.
package membroker

import (
	"expvar"
	"sync"

	"github.com/mna/cable/broker"
)

var _ broker.PubSubBroker = (*Broker)(nil)

// Broker is an in-process broker. The zero value is ready to use.
type Broker struct {
	// Vars can be set to an *expvar.Map to collect metrics about the
	// broker. It should be set before the broker is used.
	Vars *expvar.Map

	subs broker.SubscriberMap

	mu     sync.RWMutex
	closed bool
}

// Publish delivers payload to the listeners of topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return broker.ErrClosed
	}

	n := b.subs.Broadcast(topic, payload)
	if b.Vars != nil {
		b.Vars.Add("Published", 1)
		b.Vars.Add("Delivered", int64(n))
	}
	return nil
}

// Subscribe registers l as listener of topic.
func (b *Broker) Subscribe(topic string, l broker.Listener) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return broker.ErrClosed
	}

	if b.subs.Add(topic, l) && b.Vars != nil {
		b.Vars.Add("ActiveTopics", 1)
	}
	return nil
}

// Unsubscribe removes l from the listeners of topic.
func (b *Broker) Unsubscribe(topic string, l broker.Listener) error {
	if b.subs.Remove(topic, l) && b.Vars != nil {
		b.Vars.Add("ActiveTopics", -1)
	}
	return nil
}

// Topics returns the topics that currently have listeners.
func (b *Broker) Topics() []string {
	return b.subs.Topics()
}

// Close marks the broker as closed, subsequent calls to Publish and
// Subscribe fail with broker.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
