package cable

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mna/cable/broker"
	"github.com/mna/cable/message"
)

// Subprotocols is the list of cable protocol versions supported by this
// package. It is used as the websocket.Upgrader Subprotocols field
// by Upgrade if the upgrader does not set one.
var Subprotocols = []string{
	"actioncable-v1-json",
}

// DefaultPingInterval is the interval between pings sent to served
// connections if Server.PingInterval is 0.
const DefaultPingInterval = 3 * time.Second

// DiscardLog is a no-op logging function that can be used as
// Server.LogFunc to disable logging.
var DiscardLog = func(_ string, _ ...interface{}) {}

func isInStr(list []string, v string) bool {
	for _, vv := range list {
		if vv == v {
			return true
		}
	}
	return false
}

// ConnClass defines the behaviour of the connections of a server. It
// should not be modified once the server has started serving
// connections.
type ConnClass struct {
	// Identifiers is the list of identity attributes that Connect may set
	// with Conn.Identify.
	Identifiers []string

	// Connect is called when a connection is accepted, before it is
	// open. It should set the identity attributes, and return
	// ErrUnauthorized (e.g. via Conn.RejectUnauthorized) to reject the
	// connection. Other errors are passed to the Rescue registry.
	Connect func(ctx context.Context, c *Conn) error

	// Disconnect is called when an open connection is closed. Errors are
	// passed to the Rescue registry.
	Disconnect func(ctx context.Context, c *Conn) error

	// Callbacks is the chain of hooks that run around each command.
	Callbacks CallbackChain

	// Rescue is the registry of handlers for the errors raised by the
	// connections and their channels.
	Rescue RescueRegistry
}

// Server is a cable server. Once a websocket handshake has been
// established with a cable subprotocol over a standard HTTP server,
// the connections can get served by this server by calling
// Server.ServeConn.
//
// The fields should not be updated once a server has started
// serving connections.
type Server struct {
	// ReadLimit defines the maximum size, in bytes, of incoming
	// messages. If a client sends a message that exceeds this limit,
	// the connection is closed. The default of 0 means no limit.
	ReadLimit int64

	// ReadTimeout is the timeout to read an incoming message once
	// it started arriving. The default of 0 means no timeout.
	ReadTimeout time.Duration

	// WriteLimit defines the maximum size, in bytes, of outgoing
	// messages. If a message exceeds this limit, the connection is
	// closed. The default of 0 means no limit.
	WriteLimit int64

	// WriteTimeout is the timeout to write an outgoing message. It is
	// set on the websocket connection with SetWriteDeadline before
	// writing each message. The default of 0 means no timeout.
	WriteTimeout time.Duration

	// AcquireWriteLockTimeout is the time to wait for the exclusive
	// write lock for a connection. If the lock cannot be acquired
	// before the timeout, the connection is dropped. The default of
	// 0 means no timeout.
	AcquireWriteLockTimeout time.Duration

	// PingInterval is the interval between pings sent to served
	// connections. The default of 0 uses DefaultPingInterval, a negative
	// value disables pings.
	PingInterval time.Duration

	// AllowedOrigins is the list of request origins that are allowed
	// to connect.
	AllowedOrigins []string

	// AllowedOriginPatterns is the list of patterns that match the
	// request origins allowed to connect.
	AllowedOriginPatterns []*regexp.Regexp

	// AllowSameOrigin allows requests whose origin has the same host
	// as the request.
	AllowSameOrigin bool

	// DisableOriginCheck allows requests from any origin.
	DisableOriginCheck bool

	// ConnState specifies an optional callback function that is called
	// when a connection changes state. It is called on the connection's
	// goroutine.
	//
	// The possible state transitions are:
	//
	//     Pending -> Open -> Closing -> Closed
	//     Pending -> Closing -> Closed (if the connection is rejected)
	ConnState func(*Conn, ConnState)

	// Class defines the connect and disconnect functions, the identity
	// attributes, the command hooks and the rescue handlers of the
	// connections.
	Class *ConnClass

	// Channels is the registry of the channels that clients may
	// subscribe to.
	Channels *ChannelRegistry

	// PubSubBroker is the broker used for the streams of the
	// subscriptions and the internal topics of the connections.
	PubSubBroker broker.PubSubBroker

	// LogFunc is the logging function to use. If nil, log.Printf
	// is used. It can be set to DiscardLog to disable logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// server.
	Vars *expvar.Map

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// CheckOrigin returns true if the origin of the request is allowed.
// Requests without an origin are rejected unless the origin check is
// disabled.
func (srv *Server) CheckOrigin(r *http.Request) bool {
	if srv.DisableOriginCheck {
		return true
	}
	if r == nil {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	if isInStr(srv.AllowedOrigins, origin) {
		return true
	}
	for _, re := range srv.AllowedOriginPatterns {
		if re.MatchString(origin) {
			return true
		}
	}
	if srv.AllowSameOrigin {
		if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
	}
	return false
}

// Accept creates a connection that sends its frames through t. The
// origin of the request is checked and the Connect function of the
// class is called. If the connection is rejected, the transport is
// closed and the error is returned: ErrForbiddenOrigin, ErrUnauthorized
// or a *LifecycleFault. Otherwise the connection is returned in the
// Pending state, and the caller should call Open when ready.
//
// The connection's operations are serialized, see Conn.
func (srv *Server) Accept(ctx context.Context, t Transport, r *http.Request) (*Conn, error) {
	if !srv.CheckOrigin(r) {
		srv.add("RejectedRequests", 1)
		t.Close()
		return nil, ErrForbiddenOrigin
	}

	c := srv.newConn(ctx, t, r)
	if err := c.accept(c.connect()); err != nil {
		return nil, err
	}
	return c, nil
}

// ServeConn serves the websocket connection as a cable connection. It
// blocks until the cable connection is closed, which closes the
// websocket connection. The Connect function runs in its own goroutine,
// the frames received in the meantime are buffered.
func (srv *Server) ServeConn(ctx context.Context, ws *websocket.Conn, r *http.Request) {
	srv.add("ActiveConns", 1)
	srv.add("TotalConns", 1)
	defer srv.add("ActiveConns", -1)

	ws.SetReadLimit(srv.ReadLimit)
	c := srv.newConn(ctx, newWSTransport(ws, srv), r)
	c.served = true

	go c.receive(ws)
	go func() {
		err := c.connect()
		c.post(func() {
			if c.accept(err) == nil {
				c.Open()
			}
		})
	}()

	ping := srv.PingInterval
	if ping == 0 {
		ping = DefaultPingInterval
	}
	c.run(ping)
}

// Upgrade returns an http.Handler that upgrades connections to
// the websocket protocol using upgrader. Requests that are not
// websocket upgrades or that come from a forbidden origin get a 404
// response. The websocket connection must be upgraded to a supported
// cable subprotocol otherwise the connection is dropped.
//
// Once connected, the websocket connection is served via srv.ServeConn.
func Upgrade(upgrader *websocket.Upgrader, srv *Server) http.Handler {
	upg := *upgrader
	// origin is checked before upgrading
	upg.CheckOrigin = func(*http.Request) bool { return true }
	if len(upg.Subprotocols) == 0 {
		upg.Subprotocols = Subprotocols
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) || !srv.CheckOrigin(r) {
			srv.add("RejectedRequests", 1)
			http.NotFound(w, r)
			return
		}

		// upgrade the HTTP connection to the websocket protocol
		wsConn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()

		// the agreed-upon subprotocol must be one of the supported ones.
		if !isInStr(Subprotocols, wsConn.Subprotocol()) {
			return
		}

		// this call blocks until the cable connection is closed
		srv.ServeConn(r.Context(), wsConn, r)
	})
}

// Restart closes all open connections with the server_restart reason,
// asking the clients to reconnect.
func (srv *Server) Restart() {
	for _, c := range srv.openConns() {
		c.Do(func() {
			c.CloseWithReason(message.ReasonServerRestart, true)
		})
	}
}

// ConnCount returns the number of open connections.
func (srv *Server) ConnCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.conns)
}

// Broadcast marshals v as JSON and publishes it on topic, to be streamed
// to the subscriptions of all connections that stream from it.
func (srv *Server) Broadcast(topic string, v interface{}) error {
	if srv.PubSubBroker == nil {
		return errors.New("cable: no broker to broadcast to")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return srv.PubSubBroker.Publish(topic, b)
}

func (srv *Server) track(c *Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.conns == nil {
		srv.conns = make(map[*Conn]struct{})
	}
	srv.conns[c] = struct{}{}
	srv.add("OpenConns", 1)
}

func (srv *Server) untrack(c *Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if _, ok := srv.conns[c]; ok {
		delete(srv.conns, c)
		srv.add("OpenConns", -1)
	}
}

func (srv *Server) openConns() []*Conn {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	conns := make([]*Conn, 0, len(srv.conns))
	for c := range srv.conns {
		conns = append(conns, c)
	}
	return conns
}

func (srv *Server) add(key string, delta int64) {
	if srv.Vars != nil {
		srv.Vars.Add(key, delta)
	}
}

func (srv *Server) logf(f string, args ...interface{}) {
	if srv.LogFunc != nil {
		srv.LogFunc(f, args...)
	} else {
		log.Printf(f, args...)
	}
}
