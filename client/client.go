// Package client implements a cable client. Once a Client is returned
// via a call to Dial or New, it can be used to subscribe to and
// unsubscribe from channels, and to perform actions on the channels it
// is subscribed to.
//
// Frames received from the server are sent to a Handler, sequentially
// and in the order they are received. Subscriptions that were not
// confirmed nor rejected by the server before the subscribe timeout
// expired generate a custom frame of type ExpiredType, so a subscribe
// request that was sent either generates a confirmation, a rejection
// or an expiration, but only one of them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mna/cable/internal/wswriter"
	"github.com/mna/cable/message"
)

// ExpiredType is the type of the frame generated by the client when a
// subscription is not confirmed before the subscribe timeout.
const ExpiredType = "subscription_expired"

// DefaultSubscribeTimeout is the time to wait for the confirmation of a
// subscription when no timeout is set with SetSubscribeTimeout.
const DefaultSubscribeTimeout = 5 * time.Second

// Client is a cable client based on a websocket connection. It is
// used to send commands to and receive frames from a cable server.
type Client struct {
	conn *websocket.Conn

	// options
	subscribeTimeout        time.Duration
	handler                 Handler
	readTimeout             time.Duration
	writeTimeout            time.Duration
	acquireWriteLockTimeout time.Duration
	writeLimit              int64

	// stop signal for expiration goroutines, signals close of client
	stop chan struct{}

	hmu     sync.Mutex    // serializes calls to the handler
	wmu     chan struct{} // exclusive write lock
	mu      sync.Mutex    // lock access to pending map and err field
	pending map[string]struct{}
	err     error
}

// New creates a cable client using the provided websocket
// connection. Received frames are sent to the handler set by
// the SetHandler option.
func New(conn *websocket.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		stop:    make(chan struct{}),
		wmu:     wswriter.NewLock(),
		pending: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.handleFrames()
	return c
}

func (c *Client) handleFrames() {
	defer close(c.stop)

	for {
		c.conn.SetReadDeadline(time.Time{})
		_, r, err := c.conn.NextReader()
		if err != nil {
			c.setErr(err)
			return
		}
		if to := c.readTimeout; to > 0 {
			c.conn.SetReadDeadline(time.Now().Add(to))
		}

		b, err := io.ReadAll(r)
		if err != nil {
			c.setErr(err)
			return
		}
		f, err := message.DecodeFrame(b)
		if err != nil {
			continue
		}

		switch f.Type {
		case message.ConfirmType, message.RejectType:
			if ok := c.deletePending(f.Identifier); !ok {
				// if an expired frame got here first, then drop the
				// confirmation, client treated this subscription as
				// expired already.
				continue
			}
		}
		c.handle(f)
	}
}

func (c *Client) handle(f *message.Frame) {
	if c.handler == nil {
		return
	}
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handler.Handle(context.Background(), f)
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) getErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dial is a helper function to create a Client connected to urlStr using
// the provided *websocket.Dialer and request headers. If the connection
// succeeds, it returns the initialized client, otherwise it returns an
// error. For a better control over the connection, directly use the
// *websocket.Dialer and create the client once the connection is
// established, using New.
//
// If the Dialer's Subprotocols field is empty, it is set to the cable
// subprotocol. Servers check the origin of the requests, so reqHeader
// should usually set the Origin header.
func Dial(d *websocket.Dialer, urlStr string, reqHeader http.Header, opts ...Option) (*Client, error) {
	if len(d.Subprotocols) == 0 {
		dd := *d
		dd.Subprotocols = []string{"actioncable-v1-json"}
		d = &dd
	}
	conn, _, err := d.Dial(urlStr, reqHeader)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Close closes the connection. No more frames will be received.
func (c *Client) Close() error {
	err := c.getErr()

	// closing the websocket connection causes the NextReader
	// call in handleFrames to fail, closing c.stop.
	err2 := c.conn.Close()
	<-c.stop

	if err == nil {
		// if c.err is nil, store the close error
		err = err2
		c.mu.Lock()
		if err2 != nil {
			c.err = err2
		} else {
			c.err = errors.New("closed connection")
		}
		c.mu.Unlock()
	}
	return err
}

// CloseNotify returns a channel that is closed when the client is
// closed.
func (c *Client) CloseNotify() <-chan struct{} {
	return c.stop
}

// Err returns the error that caused the client to fail, if any.
func (c *Client) Err() error {
	return c.getErr()
}

// UnderlyingConn returns the underlying websocket connection used by the
// client. Care should be taken when using the websocket connection
// directly, as it may interfere with the normal behaviour of the client.
func (c *Client) UnderlyingConn() *websocket.Conn {
	return c.conn
}

// Identifier returns the subscription identifier for the channel and
// parameters. The fields are sorted, so the same channel and parameters
// always produce the same identifier.
func Identifier(channel string, params map[string]interface{}) (string, error) {
	m := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		m[k] = v
	}
	m["channel"] = channel
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Subscribe sends a subscribe command for the identifier. The handler
// receives a confirmation, a rejection or an expiration frame for that
// identifier.
func (c *Client) Subscribe(identifier string) error {
	if err := c.getErr(); err != nil {
		return err
	}

	c.addPending(identifier)
	cmd := &message.Command{Command: message.SubscribeCmd, Identifier: identifier}
	if err := c.doWrite(cmd); err != nil {
		c.deletePending(identifier)
		return err
	}

	go c.handleExpiredSubscription(identifier)
	return nil
}

func (c *Client) handleExpiredSubscription(identifier string) {
	timeout := c.subscribeTimeout
	if timeout <= 0 {
		timeout = DefaultSubscribeTimeout
	}
	select {
	case <-c.stop:
		return
	case <-time.After(timeout):
	}

	// check if still waiting for a confirmation
	if ok := c.deletePending(identifier); ok {
		c.handle(&message.Frame{Type: ExpiredType, Identifier: identifier})
	}
}

// add a pending subscription.
func (c *Client) addPending(key string) {
	c.mu.Lock()
	c.pending[key] = struct{}{}
	c.mu.Unlock()
}

// delete the pending subscription, returning true if it was still pending.
func (c *Client) deletePending(key string) bool {
	c.mu.Lock()
	_, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	return ok
}

// Unsubscribe sends an unsubscribe command for the identifier.
func (c *Client) Unsubscribe(identifier string) error {
	if err := c.getErr(); err != nil {
		return err
	}
	c.deletePending(identifier)
	return c.doWrite(&message.Command{Command: message.UnsubscribeCmd, Identifier: identifier})
}

// Perform sends a message command to the subscription with the
// identifier. The data is sent with its "action" field set to action.
func (c *Client) Perform(identifier, action string, data map[string]interface{}) error {
	if err := c.getErr(); err != nil {
		return err
	}

	m := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		m[k] = v
	}
	m["action"] = action
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.doWrite(&message.Command{
		Command:    message.MessageCmd,
		Identifier: identifier,
		Data:       string(b),
	})
}

// Send sends a raw command to the server.
func (c *Client) Send(cmd *message.Command) error {
	if err := c.getErr(); err != nil {
		return err
	}
	return c.doWrite(cmd)
}

// doWrite calls writeCmd and handles errors so that the connection is
// marked as failed if the error is fatal.
func (c *Client) doWrite(cmd *message.Command) error {
	err := c.writeCmd(cmd)
	switch err {
	case wswriter.ErrWriteLimitExceeded,
		wswriter.ErrWriteLockTimeout:
		c.setErr(err)
	}
	return err
}

func (c *Client) writeCmd(cmd *message.Command) error {
	w := wswriter.Exclusive(c.conn, c.wmu, c.acquireWriteLockTimeout, c.writeTimeout)
	defer w.Close()

	lw := io.Writer(w)
	if l := c.writeLimit; l > 0 {
		lw = wswriter.Limit(w, l)
	}
	return json.NewEncoder(lw).Encode(cmd)
}

// Handler defines the method required to handle a frame received
// from the server.
type Handler interface {
	Handle(context.Context, *message.Frame)
}

// HandlerFunc is a function that implements the Handler interface.
type HandlerFunc func(context.Context, *message.Frame)

// Handle implements Handler for a HandlerFunc. It calls fn
// with the parameters.
func (fn HandlerFunc) Handle(ctx context.Context, f *message.Frame) {
	fn(ctx, f)
}

// Option sets an option on the Client.
type Option func(*Client)

// SetSubscribeTimeout sets the time to wait for the confirmation of a
// subscription. The zero value uses DefaultSubscribeTimeout.
func SetSubscribeTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.subscribeTimeout = timeout
	}
}

// SetHandler sets the handler that is called with each frame
// received from the server.
func SetHandler(h Handler) Option {
	return func(c *Client) {
		c.handler = h
	}
}

// SetReadTimeout sets the timeout to read a frame once it started
// arriving.
func SetReadTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// SetWriteTimeout sets the write timeout of the connection.
func SetWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// SetAcquireWriteLockTimeout sets the timeout to acquire the exclusive
// write lock. If a lock cannot be acquired before the timeout, the connection
// is marked as failed and should be closed.
func SetAcquireWriteLockTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.acquireWriteLockTimeout = timeout
	}
}

// SetReadLimit sets the limit in bytes of frames read from the connection.
// If a frame exceeds the limit, the connection is marked as failed and
// should be closed.
func SetReadLimit(limit int64) Option {
	return func(c *Client) {
		c.conn.SetReadLimit(limit)
	}
}

// SetWriteLimit sets the limit in bytes of commands sent on the connection.
// If a command exceeds the limit, the connection is marked as failed and
// should be closed.
func SetWriteLimit(limit int64) Option {
	return func(c *Client) {
		c.writeLimit = limit
	}
}
