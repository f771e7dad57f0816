package cable

import (
	"context"
	"fmt"

	"github.com/mna/cable/message"
)

// SubscriptionRegistry holds the subscriptions of a connection, keyed by
// their raw identifier. It executes the subscribe, unsubscribe and message
// commands and owns the lifecycle of the channels. It is only accessed by
// the operations of the connection.
type SubscriptionRegistry struct {
	conn *Conn
	subs map[string]*Subscription
	keys []string // insertion order
}

func newSubscriptionRegistry(c *Conn) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		conn: c,
		subs: make(map[string]*Subscription),
	}
}

// Execute executes the command. Errors are only returned for malformed
// commands (they wrap message.ErrMalformed), faults raised by the
// channels are handled by the connection.
func (r *SubscriptionRegistry) Execute(ctx context.Context, cmd *Command) error {
	switch cmd.Name {
	case message.SubscribeCmd:
		return r.Add(ctx, cmd.Identifier)
	case message.UnsubscribeCmd:
		r.Remove(ctx, cmd.Identifier)
		return nil
	case message.MessageCmd:
		return r.Perform(ctx, cmd.Identifier, cmd.Data)
	default:
		return fmt.Errorf("%w: unknown command %q", message.ErrMalformed, cmd.Name)
	}
}

// Add subscribes to the channel designated by identifier. It is a no-op
// if identifier is empty or already subscribed.
func (r *SubscriptionRegistry) Add(ctx context.Context, identifier string) error {
	if identifier == "" {
		return nil
	}
	if _, ok := r.subs[identifier]; ok {
		return nil
	}

	id, err := message.DecodeIdentifier(identifier)
	if err != nil {
		return err
	}
	factory, ok := r.conn.srv.Channels.Lookup(id.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id.Channel)
	}

	s := &Subscription{
		Identifier: identifier,
		Channel:    id.Channel,
		Params:     id.Params,
		conn:       r.conn,
		state:      Subscribing,
	}
	err = catch(func() error {
		s.handler = factory(s)
		return nil
	})
	if err != nil {
		r.conn.handleFault(r.fault(s, "create", err))
		return nil
	}

	r.subs[identifier] = s
	r.keys = append(r.keys, identifier)

	err = catch(func() error { return s.handler.Subscribed(ctx) })
	if err != nil {
		r.conn.handleFault(r.fault(s, "subscribed", err))
	}
	if s.state != Subscribing {
		// removed while subscribing, e.g. the connection was closed
		return nil
	}

	if s.rejected {
		r.delete(identifier)
		s.StopAllStreams()
		s.state = Gone
		r.conn.srv.add("RejectedSubscriptions", 1)
		r.conn.Transmit(message.NewReject(identifier))
		return nil
	}

	s.state = Active
	r.conn.srv.add("ActiveSubscriptions", 1)
	if err == nil {
		r.conn.Transmit(message.NewConfirm(identifier))
	}
	return nil
}

// Remove unsubscribes the subscription with the identifier. It is a no-op
// if there is no such subscription. The channel's Unsubscribed method
// is called, and the subscription is removed even if it fails.
func (r *SubscriptionRegistry) Remove(ctx context.Context, identifier string) {
	s, ok := r.subs[identifier]
	if !ok {
		return
	}
	r.delete(identifier)

	wasActive := s.state == Active
	s.state = Unsubscribing
	err := catch(func() error { return s.handler.Unsubscribed(ctx) })
	s.StopAllStreams()
	s.state = Gone
	if wasActive {
		r.conn.srv.add("ActiveSubscriptions", -1)
	}

	if err != nil {
		r.conn.handleFault(r.fault(s, "unsubscribed", err))
	}
}

// Perform calls the channel's Perform method with the action and data
// encoded in data. Messages for unknown or inactive subscriptions are
// dropped.
func (r *SubscriptionRegistry) Perform(ctx context.Context, identifier, data string) error {
	s, ok := r.subs[identifier]
	if !ok || s.state != Active {
		r.conn.srv.add("DroppedMessages", 1)
		return nil
	}

	action, payload, err := message.DecodeData(data)
	if err != nil {
		return err
	}
	err = catch(func() error { return s.handler.Perform(ctx, action, payload) })
	if err != nil {
		r.conn.handleFault(r.fault(s, "perform "+action, err))
	}
	return nil
}

// UnsubscribeAll removes all subscriptions, in the order they were added.
func (r *SubscriptionRegistry) UnsubscribeAll(ctx context.Context) {
	keys := append([]string(nil), r.keys...)
	for _, k := range keys {
		r.Remove(ctx, k)
	}
}

// Get returns the subscription with the identifier.
func (r *SubscriptionRegistry) Get(identifier string) (*Subscription, bool) {
	s, ok := r.subs[identifier]
	return s, ok
}

// Identifiers returns the identifiers of the subscriptions, in the order
// they were added.
func (r *SubscriptionRegistry) Identifiers() []string {
	return append([]string(nil), r.keys...)
}

// Len returns the number of subscriptions.
func (r *SubscriptionRegistry) Len() int { return len(r.subs) }

func (r *SubscriptionRegistry) delete(identifier string) {
	delete(r.subs, identifier)
	for i, k := range r.keys {
		if k == identifier {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

func (r *SubscriptionRegistry) fault(s *Subscription, op string, err error) *HandlerFault {
	return &HandlerFault{
		Channel:    s.Channel,
		Identifier: s.Identifier,
		Op:         op,
		Err:        err,
	}
}
