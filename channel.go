package cable

import (
	"context"
	"fmt"
	"sort"
)

// Channel is the server-side handler of a subscription. A new Channel
// is created for each subscription by the ChannelFactory registered for
// the channel name in the subscription identifier.
//
// The methods are called sequentially, as operations of the connection.
// They should not block, long-running work must be handed off.
type Channel interface {
	// Subscribed is called once the subscription is registered. The
	// channel may call Subscription.Reject to refuse it.
	Subscribed(ctx context.Context) error

	// Unsubscribed is called when the subscription is removed, either
	// at the request of the client or because the connection is closed.
	Unsubscribed(ctx context.Context) error

	// Perform is called for each message sent by the client to the
	// subscription. Action is the "action" field of data, if any.
	Perform(ctx context.Context, action string, data map[string]interface{}) error
}

// ChannelFactory creates the Channel that handles a subscription.
type ChannelFactory func(s *Subscription) Channel

// ChannelRegistry maps channel names to their factory. It must be
// populated before the server starts serving connections.
type ChannelRegistry struct {
	factories map[string]ChannelFactory
}

// NewChannelRegistry returns an empty channel registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{factories: make(map[string]ChannelFactory)}
}

// Register registers the factory for the channel name. It panics if
// the name is already registered.
func (r *ChannelRegistry) Register(name string, f ChannelFactory) *ChannelRegistry {
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("cable: channel %q already registered", name))
	}
	if r.factories == nil {
		r.factories = make(map[string]ChannelFactory)
	}
	r.factories[name] = f
	return r
}

// Lookup returns the factory registered for the channel name.
func (r *ChannelRegistry) Lookup(name string) (ChannelFactory, bool) {
	if r == nil {
		return nil, false
	}
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the sorted list of registered channel names.
func (r *ChannelRegistry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Actions maps action names to functions. Its Perform method can be
// used to implement Channel.Perform.
type Actions map[string]func(ctx context.Context, data map[string]interface{}) error

// Perform calls the function registered for action. It returns an
// error wrapping ErrUnknownAction if there is none.
func (a Actions) Perform(ctx context.Context, action string, data map[string]interface{}) error {
	fn, ok := a[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return fn(ctx, data)
}

// ChannelFuncs implements Channel with optional functions. A nil
// OnSubscribed or OnUnsubscribed is a no-op.
type ChannelFuncs struct {
	OnSubscribed   func(ctx context.Context) error
	OnUnsubscribed func(ctx context.Context) error
	Actions        Actions
}

var _ Channel = (*ChannelFuncs)(nil)

// Subscribed implements Channel.
func (c *ChannelFuncs) Subscribed(ctx context.Context) error {
	if c.OnSubscribed == nil {
		return nil
	}
	return c.OnSubscribed(ctx)
}

// Unsubscribed implements Channel.
func (c *ChannelFuncs) Unsubscribed(ctx context.Context) error {
	if c.OnUnsubscribed == nil {
		return nil
	}
	return c.OnUnsubscribed(ctx)
}

// Perform implements Channel by calling Actions.Perform.
func (c *ChannelFuncs) Perform(ctx context.Context, action string, data map[string]interface{}) error {
	return c.Actions.Perform(ctx, action, data)
}
