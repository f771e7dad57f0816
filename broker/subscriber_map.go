package broker

import "sync"

// SubscriberMap keeps track of the listeners of each topic for a broker
// implementation. Only the first listener of a topic requires a
// subscription on the backend, and only the removal of the last one
// requires an unsubscription. It is safe for concurrent use.
type SubscriberMap struct {
	mu        sync.Mutex
	listeners map[string][]Listener
}

// Add registers l for topic. It returns true if l is the first listener
// of topic. Adding the same listener twice is a no-op.
func (m *SubscriberMap) Add(topic string, l Listener) (first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listeners == nil {
		m.listeners = make(map[string][]Listener)
	}
	ls := m.listeners[topic]
	for _, ll := range ls {
		if ll == l {
			return false
		}
	}
	m.listeners[topic] = append(ls, l)
	return len(ls) == 0
}

// Remove unregisters l from topic. It returns true if the topic has
// no more listeners after the call, and false if it still has some or
// if l was not registered.
func (m *SubscriberMap) Remove(topic string, l Listener) (last bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls := m.listeners[topic]
	for i, ll := range ls {
		if ll != l {
			continue
		}

		if len(ls) == 1 {
			delete(m.listeners, topic)
			return true
		}
		// copy so that snapshots returned by Listeners stay valid
		cp := make([]Listener, 0, len(ls)-1)
		cp = append(cp, ls[:i]...)
		m.listeners[topic] = append(cp, ls[i+1:]...)
		return false
	}
	return false
}

// Listeners returns a snapshot of the listeners of topic.
func (m *SubscriberMap) Listeners(topic string) []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listeners[topic]
}

// Topics returns the list of topics that have at least one listener.
func (m *SubscriberMap) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics := make([]string, 0, len(m.listeners))
	for t := range m.listeners {
		topics = append(topics, t)
	}
	return topics
}

// Broadcast calls Receive on each listener of topic with payload. It
// returns the number of listeners called.
func (m *SubscriberMap) Broadcast(topic string, payload []byte) int {
	ls := m.Listeners(topic)
	for _, l := range ls {
		l.Receive(topic, payload)
	}
	return len(ls)
}
