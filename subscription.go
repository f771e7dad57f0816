package cable

import (
	"encoding/json"
	"fmt"

	"github.com/mna/cable/message"
)

// SubscriptionState represents the possible states of a subscription.
type SubscriptionState int

// The list of possible subscription states.
const (
	Subscribing SubscriptionState = iota
	Active
	Unsubscribing
	Gone
)

func (s SubscriptionState) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Unsubscribing:
		return "unsubscribing"
	case Gone:
		return "gone"
	}
	return fmt.Sprintf("SubscriptionState(%d)", int(s))
}

// Subscription is the binding of a Channel to a connection, keyed by
// the raw identifier sent by the client. Its methods must only be called
// from the channel's methods or from stream handlers, which run as
// operations of the connection.
type Subscription struct {
	// Identifier is the raw identifier, as sent by the client.
	Identifier string

	// Channel is the name of the channel.
	Channel string

	// Params holds the parameters encoded in the identifier.
	Params map[string]interface{}

	conn     *Conn
	handler  Channel
	state    SubscriptionState
	rejected bool
	streams  []*stream
}

// Conn returns the connection of the subscription.
func (s *Subscription) Conn() *Conn { return s.conn }

// State returns the state of the subscription.
func (s *Subscription) State() SubscriptionState { return s.state }

// Param returns the identifier parameter name as a string. It returns
// an empty string if there is no such parameter.
func (s *Subscription) Param(name string) string {
	v, ok := s.Params[name]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Reject rejects the subscription. It must be called from the
// channel's Subscribed method: the subscription is then removed and a
// reject_subscription frame is sent to the client.
func (s *Subscription) Reject() {
	s.rejected = true
}

// Rejected returns true if the subscription was rejected.
func (s *Subscription) Rejected() bool { return s.rejected }

// Transmit sends v, marshaled as JSON, to the client as a message of
// this subscription.
func (s *Subscription) Transmit(v interface{}) error {
	if s.state == Gone {
		return ErrConnClosed
	}
	m, err := message.NewChannelMessage(s.Identifier, v)
	if err != nil {
		return err
	}
	return s.conn.Transmit(m)
}

// StreamOption configures a stream started with StreamFrom.
type StreamOption func(*stream)

// WithHandler sets the function called with each payload broadcast on
// the stream, instead of transmitting the payload as-is to the client.
// It runs on the connection's goroutine, errors and panics are handled
// as faults of the channel.
func WithHandler(fn func(payload []byte) error) StreamOption {
	return func(st *stream) {
		st.handler = fn
	}
}

// StreamFrom starts streaming the payloads broadcast on topic to the
// client, as messages of this subscription. It returns once the broker
// has registered the stream. Streaming twice from the same topic is a
// no-op. Streams are stopped when the subscription is removed.
func (s *Subscription) StreamFrom(topic string, opts ...StreamOption) error {
	if s.state == Unsubscribing || s.state == Gone {
		return ErrConnClosed
	}
	for _, st := range s.streams {
		if st.topic == topic {
			return nil
		}
	}

	st := &stream{sub: s, topic: topic}
	for _, o := range opts {
		o(st)
	}
	b := s.conn.srv.PubSubBroker
	if b == nil {
		return fmt.Errorf("cable: no broker to stream from %s", topic)
	}
	if err := b.Subscribe(topic, st); err != nil {
		return err
	}
	s.streams = append(s.streams, st)
	s.conn.srv.add("ActiveStreams", 1)
	return nil
}

// StreamFor starts streaming from the topic of v for this channel,
// as returned by BroadcastingFor.
func (s *Subscription) StreamFor(v interface{}, opts ...StreamOption) error {
	return s.StreamFrom(BroadcastingFor(s.Channel, v), opts...)
}

// StopStream stops streaming from topic.
func (s *Subscription) StopStream(topic string) error {
	for i, st := range s.streams {
		if st.topic == topic {
			s.streams = append(s.streams[:i], s.streams[i+1:]...)
			return s.stop(st)
		}
	}
	return nil
}

// StopAllStreams stops all streams of the subscription.
func (s *Subscription) StopAllStreams() {
	streams := s.streams
	s.streams = nil
	for _, st := range streams {
		if err := s.stop(st); err != nil {
			s.conn.logf("failed to stop stream %s: %v", st.topic, err)
		}
	}
}

// Streams returns the topics the subscription streams from.
func (s *Subscription) Streams() []string {
	topics := make([]string, len(s.streams))
	for i, st := range s.streams {
		topics[i] = st.topic
	}
	return topics
}

func (s *Subscription) stop(st *stream) error {
	st.stopped = true
	s.conn.srv.add("ActiveStreams", -1)
	return s.conn.srv.PubSubBroker.Unsubscribe(st.topic, st)
}

// BroadcastingFor returns the topic used to stream the updates of v
// for the channel, see IdentityParam for the rendering of v.
func BroadcastingFor(channel string, v interface{}) string {
	return channel + ":" + IdentityParam(v)
}

// stream is the broker listener of a subscription's topic. Payloads are
// received on the broker's goroutine and posted to the connection.
type stream struct {
	sub     *Subscription
	topic   string
	handler func([]byte) error

	// only accessed on the connection's goroutine
	stopped bool
}

func (st *stream) Receive(topic string, payload []byte) {
	st.sub.conn.post(func() {
		st.deliver(payload)
	})
}

func (st *stream) deliver(payload []byte) {
	s := st.sub
	if st.stopped || s.state != Active {
		return
	}

	if st.handler == nil {
		if err := s.Transmit(json.RawMessage(payload)); err != nil {
			s.conn.logf("failed to transmit broadcast from %s: %v", st.topic, err)
		}
		return
	}

	if err := catch(func() error { return st.handler(payload) }); err != nil {
		s.conn.handleFault(&HandlerFault{
			Channel:    s.Channel,
			Identifier: s.Identifier,
			Op:         "stream " + st.topic,
			Err:        err,
		})
	}
}
