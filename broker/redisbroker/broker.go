// Package redisbroker implements a cable broker using redis as
// backend. Payloads are published with the PUBLISH command on a
// short-lived pooled connection, while a single long-lived, dedicated
// connection per Broker holds the SUBSCRIBE registrations of all
// topics that have at least one listener in this process.
//
// Subscribe waits for redis to acknowledge the subscription before it
// returns, so that a payload published after Subscribe returned is
// guaranteed to be received. If the dedicated connection fails, it is
// re-established with an exponential backoff and all topics are
// subscribed again.
//
// A redis cluster can be used by setting Pool to a *redisc.Cluster and
// Dial to its Dial method. PUBLISH is sent to a random node, redis
// cluster propagates it to the whole cluster.
package redisbroker

import (
	"errors"
	"expvar"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/mna/cable/broker"
)

// static check that *Broker implements the broker interface
var _ broker.PubSubBroker = (*Broker)(nil)

// ErrSubscribeTimeout is returned when redis does not acknowledge a
// subscription in time.
var ErrSubscribeTimeout = errors.New("cable/redisbroker: timed out waiting for subscription")

// DiscardLog is a no-op logging function that can be used as Broker.LogFunc
// to disable logging.
var DiscardLog = func(_ string, _ ...interface{}) {}

// Pool defines the methods required for a redis pool that provides
// a method to get a connection and to release the pool's resources.
type Pool interface {
	// Get returns a redis connection.
	Get() redis.Conn

	// Close releases the resources used by the pool.
	Close() error
}

// Broker is a broker that bridges cable topics to redis pub-sub
// channels.
type Broker struct {
	// prevent unkeyed literals
	_ struct{}

	// Pool is the redis pool or redisc cluster to use to get
	// short-lived connections.
	Pool Pool

	// Dial is the function to call to get a non-pooled, long-lived
	// redis connection. Typically, it can be set to redis.Pool.Dial
	// or redisc.Cluster.Dial.
	Dial func() (redis.Conn, error)

	// Prefix is prepended to each topic to get the redis channel name.
	Prefix string

	// SubscribeTimeout is the time to wait for redis to acknowledge a
	// subscription. The default of 0 uses broker.DefaultSubscribeTimeout.
	SubscribeTimeout time.Duration

	// ReconnectMaxElapsed is the maximum time spent trying to re-establish
	// the dedicated pub-sub connection after a failure. The default of 0
	// retries forever.
	ReconnectMaxElapsed time.Duration

	// LogFunc is the logging function to use. If nil, log.Printf
	// is used. It can be set to DiscardLog to disable logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// broker. It should be set before the broker is used.
	Vars *expvar.Map

	subs broker.SubscriberMap

	// wmu serializes writes (sub/unsub calls) to the dedicated connection.
	wmu sync.Mutex

	// mu protects the fields below.
	mu      sync.Mutex
	psc     *redis.PubSubConn
	pending map[string]*pendingSub // keyed by redis channel
	quit    chan struct{}
	closed  bool
}

// pendingSub is a SUBSCRIBE waiting for its acknowledgement. done is
// closed once it is acknowledged or has failed with err.
type pendingSub struct {
	done chan struct{}
	err  error
}

// Publish publishes payload on topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	rc := b.Pool.Get()
	defer rc.Close()

	// force selection of a random node (otherwise it would use
	// the node of the hash of the channel - which may hit the
	// same node over and over again if there are few channels).
	if bc, ok := rc.(binder); ok {
		// ignore the error, if it fails, use the connection as-is.
		// Bind without a key selects a random node.
		bc.Bind()
	}
	_, err := rc.Do("PUBLISH", b.Prefix+topic, payload)
	if err == nil {
		b.add("Published", 1)
	}
	return err
}

// Subscribe registers l as listener of topic. If it is the first
// listener of topic in this process, the dedicated connection
// subscribes to the redis channel and waits for the acknowledgement.
// If that subscription is still waiting for its acknowledgement, the
// other listeners of topic wait for it too.
func (b *Broker) Subscribe(topic string, l broker.Listener) error {
	psc, quit, err := b.conn()
	if err != nil {
		return err
	}

	ch := b.Prefix + topic
	b.mu.Lock()
	first := b.subs.Add(topic, l)
	p, inflight := b.pending[ch]
	if first {
		p = &pendingSub{done: make(chan struct{})}
		b.pending[ch] = p
	}
	b.mu.Unlock()

	if first {
		b.wmu.Lock()
		err = psc.Subscribe(ch)
		b.wmu.Unlock()
		if err != nil {
			b.settle(ch, p, err)
			b.drop(topic, l, psc)
			return err
		}
	} else if !inflight {
		return nil
	}

	to := b.SubscribeTimeout
	if to <= 0 {
		to = broker.DefaultSubscribeTimeout
	}
	select {
	case <-p.done:
		err = p.err
	case <-quit:
		b.subs.Remove(topic, l)
		return broker.ErrClosed
	case <-time.After(to):
		if first {
			b.add("SubscribeTimeouts", 1)
			b.settle(ch, p, ErrSubscribeTimeout)
		}
		err = ErrSubscribeTimeout
	}

	if err != nil {
		b.drop(topic, l, psc)
		return err
	}
	if first {
		b.add("ActiveTopics", 1)
	}
	return nil
}

// settle removes the pending subscription p of ch and releases its
// waiters with err. It is a no-op if p is not pending anymore.
func (b *Broker) settle(ch string, p *pendingSub, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending[ch] != p {
		return
	}
	delete(b.pending, ch)
	p.err = err
	close(p.done)
}

// drop removes l after a failed subscription. If it was the last
// listener, the redis channel is unsubscribed in case redis applied
// the SUBSCRIBE anyway.
func (b *Broker) drop(topic string, l broker.Listener, psc *redis.PubSubConn) {
	if !b.subs.Remove(topic, l) {
		return
	}
	b.wmu.Lock()
	psc.Unsubscribe(b.Prefix + topic)
	b.wmu.Unlock()
}

// Unsubscribe removes l from the listeners of topic. If it was the last
// listener, the dedicated connection unsubscribes from the redis channel.
func (b *Broker) Unsubscribe(topic string, l broker.Listener) error {
	if !b.subs.Remove(topic, l) {
		return nil
	}

	b.mu.Lock()
	psc := b.psc
	b.mu.Unlock()
	if psc == nil {
		return nil
	}

	b.wmu.Lock()
	err := psc.Unsubscribe(b.Prefix + topic)
	b.wmu.Unlock()
	if err == nil {
		b.add("ActiveTopics", -1)
	}
	return err
}

// Close closes the dedicated pub-sub connection. The Pool is not
// closed, it is owned by the caller.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.quit != nil {
		close(b.quit)
	}
	if b.psc != nil {
		return b.psc.Close()
	}
	return nil
}

// conn returns the dedicated pub-sub connection, dialing it and starting
// its receive loop if it doesn't exist yet.
func (b *Broker) conn() (*redis.PubSubConn, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, broker.ErrClosed
	}
	if b.quit == nil {
		b.quit = make(chan struct{})
		b.pending = make(map[string]*pendingSub)
	}
	if b.psc != nil {
		return b.psc, b.quit, nil
	}

	rc, err := b.Dial()
	if err != nil {
		return nil, nil, err
	}
	b.psc = &redis.PubSubConn{Conn: rc}
	go b.listen(b.psc)
	return b.psc, b.quit, nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// listen is the receive loop of the dedicated connection, started in its
// own goroutine. Payloads are dispatched to the listeners in the order
// they are received.
func (b *Broker) listen(psc *redis.PubSubConn) {
	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			b.subs.Broadcast(strings.TrimPrefix(v.Channel, b.Prefix), v.Data)
			b.add("Received", 1)

		case redis.Subscription:
			if v.Kind == "subscribe" {
				b.ack(v.Channel)
			}

		case error:
			if b.isClosed() {
				return
			}

			b.add("PubSubFailures", 1)
			logf(b.LogFunc, "redisbroker: pub-sub connection failed: %v; reconnecting", v)
			npsc, err := b.reconnect(psc)
			if err != nil {
				if err != broker.ErrClosed {
					logf(b.LogFunc, "redisbroker: failed to reconnect: %v", err)
				}
				return
			}
			psc = npsc
		}
	}
}

func (b *Broker) ack(ch string) {
	b.mu.Lock()
	p := b.pending[ch]
	b.mu.Unlock()

	if p != nil {
		b.settle(ch, p, nil)
	}
}

// reconnect replaces the failed pub-sub connection old with a new one
// and subscribes it again to all topics that have listeners.
func (b *Broker) reconnect(old *redis.PubSubConn) (*redis.PubSubConn, error) {
	old.Close()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = b.ReconnectMaxElapsed

	var psc *redis.PubSubConn
	op := func() error {
		rc, err := b.Dial()
		if err != nil {
			return err
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			rc.Close()
			return backoff.Permanent(broker.ErrClosed)
		}
		psc = &redis.PubSubConn{Conn: rc}
		b.psc = psc
		b.mu.Unlock()

		topics := b.subs.Topics()
		if len(topics) == 0 {
			return nil
		}
		args := make([]interface{}, len(topics))
		for i, t := range topics {
			args[i] = b.Prefix + t
		}
		b.wmu.Lock()
		err = psc.Subscribe(args...)
		b.wmu.Unlock()
		if err != nil {
			psc.Close()
		}
		return err
	}

	if err := backoff.Retry(op, bo); err != nil {
		b.mu.Lock()
		if b.psc == psc {
			// next Subscribe dials a fresh connection
			b.psc = nil
		}
		b.mu.Unlock()
		return nil, err
	}
	b.add("Reconnects", 1)
	return psc, nil
}

func (b *Broker) add(key string, delta int64) {
	if b.Vars != nil {
		b.Vars.Add(key, delta)
	}
}

type binder interface {
	Bind(...string) error
}

func logf(fn func(string, ...interface{}), f string, args ...interface{}) {
	if fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}
