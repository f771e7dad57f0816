// Package cable implements a websocket server that multiplexes many
// channel subscriptions over a single connection, using the
// actioncable-v1-json subprotocol.
//
// Server
//
// The Server struct defines a cable server. In its simplest form, the
// following initializes a ready-to-use server:
//
//     server := &cable.Server{
//       Channels:     cable.NewChannelRegistry().Register("ChatChannel", newChat),
//       PubSubBroker: broker,
//     }
//
// The broker is typically a redisbroker.Broker when more than one
// process serves connections, or a membroker.Broker otherwise. It is
// used for the streams of the subscriptions and for the internal topic
// of each identified connection, on which other processes can publish
// a disconnect control frame.
//
// The Class field defines how connections are authenticated (Connect),
// which identity attributes they carry, and the hooks and rescue
// handlers that apply to them. The ServeConn method serves a websocket
// connection, and the Upgrade function creates an http.Handler that
// upgrades HTTP requests and serves them. The Accept method creates a
// connection over any Transport, driven by the caller.
//
// Connections
//
// A connection is Pending until its Open method is called, which sends
// the welcome frame. Frames received while pending are buffered and
// processed in order once it opens. Each command runs through the
// class' CallbackChain, then the SubscriptionRegistry subscribes,
// unsubscribes or performs an action on a Channel. Errors and panics
// raised by channels and callbacks never close the connection: they
// are passed to the RescueRegistry, and logged if no handler matches.
package cable
