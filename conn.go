package cable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mna/cable/internal/wswriter"
	"github.com/mna/cable/message"
	"github.com/pborman/uuid"
)

// ConnState represents the possible states of a connection.
type ConnState int32

// The list of possible connection states. A connection only moves
// forward in this list, although it may go from Pending to Closing
// directly if it is rejected.
const (
	Pending ConnState = iota
	Open
	Closing
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// InternalTopic returns the broker topic on which control frames for
// the connections with the canonical identifier are published.
func InternalTopic(identifier string) string {
	return "action_cable/" + identifier
}

// Conn is a cable connection. Each connection is identified by a UUID
// and sends its frames through a Transport.
//
// The operations of a connection never run concurrently. Connections
// served by Server.ServeConn run them on the serving goroutine. For
// connections created by Server.Accept, Open, Receive, HandleControlFrame,
// CloseWithReason, Close and Do may be called from any goroutine: the
// operation runs right away on the calling goroutine if the connection is
// idle, otherwise it is queued and run by the goroutine that is busy with
// the connection once its current operation returns. A queued Open or
// Close returns a nil error. The State and CloseNotify methods are safe to
// call from any goroutine.
type Conn struct {
	// UUID is the unique identifier of the connection.
	UUID uuid.UUID

	// Request is the HTTP request that initiated the connection, if any.
	Request *http.Request

	// CloseErr is the error, if any, that caused the connection to
	// close. Must only be accessed after the close notification has been
	// received (i.e. after a <-conn.CloseNotify()).
	CloseErr error

	srv        *Server
	class      *ConnClass
	transport  Transport
	state      atomic.Int32
	identity   *IdentitySet
	identifier string
	buffer     MessageBuffer
	subs       *SubscriptionRegistry
	control    *controlListener // registered on the internal topic while non-nil

	ctx    context.Context
	cancel context.CancelFunc
	mbox   *mailbox
	served bool // operations run on the serving goroutine
	kill   chan struct{}
}

func (srv *Server) newConn(ctx context.Context, t Transport, r *http.Request) *Conn {
	if ctx == nil {
		ctx = context.Background()
	}
	class := srv.Class
	if class == nil {
		class = &ConnClass{}
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		UUID:      uuid.NewRandom(),
		Request:   r,
		srv:       srv,
		class:     class,
		transport: t,
		identity:  NewIdentitySet(class.Identifiers...),
		ctx:       cctx,
		cancel:    cancel,
		mbox:      newMailbox(),
		kill:      make(chan struct{}),
	}
	c.subs = newSubscriptionRegistry(c)
	c.stateChanged(Pending)
	return c
}

// Server returns the server of the connection.
func (c *Conn) Server() *Server { return c.srv }

// State returns the current state of the connection.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
	c.stateChanged(s)
}

func (c *Conn) stateChanged(s ConnState) {
	if fn := c.srv.ConnState; fn != nil {
		fn(c, s)
	}
}

// RemoteAddr returns the remote address of the request that initiated
// the connection, if any.
func (c *Conn) RemoteAddr() string {
	if c.Request == nil {
		return ""
	}
	return c.Request.RemoteAddr
}

// Context returns the context of the connection, which is passed to all
// callbacks. It is canceled when the connection is closed.
func (c *Conn) Context() context.Context { return c.ctx }

// CloseNotify returns a signal channel that is closed when the
// connection is closed.
func (c *Conn) CloseNotify() <-chan struct{} { return c.kill }

// Subscriptions returns the subscription registry of the connection.
func (c *Conn) Subscriptions() *SubscriptionRegistry { return c.subs }

// Identify sets the identity attribute name to v. It must be called
// during ConnClass.Connect, the identity is frozen once the connection
// is open.
func (c *Conn) Identify(name string, v interface{}) error {
	return c.identity.Set(name, v)
}

// Identity returns the value of the identity attribute name.
func (c *Conn) Identity(name string) interface{} {
	return c.identity.Get(name)
}

// Identifier returns the canonical identifier of the connection, built
// from its identity attributes.
func (c *Conn) Identifier() string {
	if c.identity.Frozen() {
		return c.identifier
	}
	return c.identity.Identifier()
}

// RejectUnauthorized returns ErrUnauthorized. It is meant to be returned
// by ConnClass.Connect to reject the connection.
func (c *Conn) RejectUnauthorized() error {
	return ErrUnauthorized
}

// Do runs fn serialized with the other operations of the connection.
// It does not wait for fn to run.
func (c *Conn) Do(fn func()) {
	c.post(fn)
}

// Transmit marshals v as JSON and sends it to the client. If sending
// fails, the connection is closed.
func (c *Conn) Transmit(v interface{}) error {
	if c.State() == Closed {
		return ErrConnClosed
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.transport.Send(b); err != nil {
		switch {
		case errors.Is(err, wswriter.ErrWriteLockTimeout):
			c.srv.add("WriteLockTimeouts", 1)
		case errors.Is(err, wswriter.ErrWriteLimitExceeded):
			c.srv.add("WriteLimitExceeded", 1)
		}
		c.fail(err)
		return err
	}
	c.srv.add("FramesSent", 1)
	return nil
}

// Open opens a pending connection: the identity is frozen, the
// connection starts listening to its internal topic, the welcome frame
// is sent and the frames received so far are processed. It is a no-op
// if the connection is not pending. The connection is open even if it
// fails to listen to its internal topic, in which case the error is
// returned.
func (c *Conn) Open() error {
	var err error
	c.exec(func() { err = c.open() })
	return err
}

func (c *Conn) open() error {
	if c.State() != Pending {
		return nil
	}

	c.identity.Freeze()
	c.identifier = c.identity.Identifier()
	c.setState(Open)

	err := c.register()
	if err != nil {
		c.logf("failed to listen to internal topic: %v", err)
	}
	c.srv.track(c)

	c.Transmit(message.NewWelcome())
	c.buffer.Drain(c.dispatch)
	return err
}

// Receive receives a raw frame from the client. Frames received before
// the connection is open are buffered and processed in order once it
// opens. Frames received after the connection is closed are ignored.
func (c *Conn) Receive(raw []byte) {
	c.exec(func() { c.push(raw) })
}

func (c *Conn) push(raw []byte) {
	switch c.State() {
	case Closing, Closed:
		return
	}
	c.buffer.Push(raw)
}

func (c *Conn) dispatch(raw []byte) {
	if c.State() != Open {
		return
	}

	m, err := message.DecodeCommand(raw)
	if err != nil {
		c.srv.add("MalformedFrames", 1)
		c.logf("dropping frame: %v", err)
		return
	}
	c.process(&Command{
		Conn:       c,
		Name:       m.Command,
		Identifier: m.Identifier,
		Data:       m.Data,
	})
}

// HandleControlFrame handles a frame published on the internal topic
// of the connection. A disconnect frame closes the connection, other
// frames are ignored.
func (c *Conn) HandleControlFrame(raw []byte) {
	c.exec(func() { c.handleControl(raw) })
}

func (c *Conn) handleControl(raw []byte) {
	ctl, err := message.DecodeControl(raw)
	if err != nil {
		c.logf("dropping control frame: %v", err)
		return
	}

	switch ctl.Type {
	case message.DisconnectType:
		c.logf("remote disconnect")
		c.closeWithReason(message.ReasonRemote, ctl.Reconnect)
	}
}

// CloseWithReason sends a disconnect frame with the reason and reconnect
// flag to the client, and closes the connection.
func (c *Conn) CloseWithReason(reason string, reconnect bool) error {
	var err error
	c.exec(func() { err = c.closeWithReason(reason, reconnect) })
	return err
}

func (c *Conn) closeWithReason(reason string, reconnect bool) error {
	switch c.State() {
	case Closing, Closed:
		return nil
	}
	c.Transmit(message.NewDisconnect(reason, reconnect))
	return c.shutdown()
}

// Close closes the connection. If the connection is open, the
// Disconnect function of its class is called, then all subscriptions
// are removed, the internal topic is released and the transport is
// closed. If the Disconnect function fails and the rescue registry does
// not handle the error, it is returned after the cleanup is done. It is
// a no-op if the connection is already closed or closing.
func (c *Conn) Close() error {
	var err error
	c.exec(func() { err = c.shutdown() })
	return err
}

func (c *Conn) shutdown() error {
	prev := c.State()
	switch prev {
	case Closing, Closed:
		return nil
	}
	c.setState(Closing)

	var err error
	if prev == Open {
		err = c.disconnect()
	}
	c.subs.UnsubscribeAll(c.ctx)
	c.deregister()
	c.srv.untrack(c)
	if terr := c.transport.Close(); terr != nil {
		c.logf("failed to close transport: %v", terr)
	}

	if c.CloseErr == nil {
		c.CloseErr = err
	}
	c.cancel()
	c.setState(Closed)
	close(c.kill)
	return err
}

// fail closes the connection because of err.
func (c *Conn) fail(err error) {
	if c.CloseErr == nil {
		c.CloseErr = err
	}
	c.shutdown()
}

func (c *Conn) connect() error {
	fn := c.class.Connect
	if fn == nil {
		return nil
	}
	return catch(func() error { return fn(c.ctx, c) })
}

// accept handles the result of the Connect function. A connection that
// is rejected or whose connect error is not rescued is closed.
func (c *Conn) accept(err error) error {
	if err == nil || c.State() != Pending {
		return nil
	}

	if errors.Is(err, ErrUnauthorized) {
		c.srv.add("UnauthorizedConns", 1)
		c.logf("connection rejected: %v", err)
		c.CloseErr = err
		c.closeWithReason(message.ReasonUnauthorized, false)
		return err
	}

	fault := &LifecycleFault{Op: "connect", Err: err}
	if c.rescue(fault) {
		return nil
	}
	c.srv.add("UnhandledErrors", 1)
	c.logf("%v", fault)
	c.CloseErr = fault
	c.closeWithReason(message.ReasonServerError, true)
	return fault
}

func (c *Conn) disconnect() error {
	fn := c.class.Disconnect
	if fn == nil {
		return nil
	}
	err := catch(func() error { return fn(c.ctx, c) })
	if err == nil {
		return nil
	}

	fault := &LifecycleFault{Op: "disconnect", Err: err}
	if c.rescue(fault) {
		return nil
	}
	c.srv.add("UnhandledErrors", 1)
	c.logf("%v", fault)
	return fault
}

// handleFault rescues err, or logs it.
func (c *Conn) handleFault(err error) {
	if c.rescue(err) {
		return
	}
	c.srv.add("UnhandledErrors", 1)
	c.logf("%v", err)
}

func (c *Conn) rescue(err error) bool {
	var handled bool
	perr := catch(func() error {
		handled = c.class.Rescue.Handle(err)
		return nil
	})
	if perr != nil {
		c.logf("rescue handler failed for %v: %v", err, perr)
		return false
	}
	if handled {
		c.srv.add("RescuedErrors", 1)
	}
	return handled
}

func (c *Conn) register() error {
	b := c.srv.PubSubBroker
	if c.identifier == "" || b == nil {
		return nil
	}
	l := &controlListener{c: c}
	if err := b.Subscribe(InternalTopic(c.identifier), l); err != nil {
		return err
	}
	c.control = l
	return nil
}

func (c *Conn) deregister() {
	l := c.control
	if l == nil {
		return
	}
	c.control = nil
	if err := c.srv.PubSubBroker.Unsubscribe(InternalTopic(c.identifier), l); err != nil {
		c.logf("failed to release internal topic: %v", err)
	}
}

func (c *Conn) beat() {
	if c.State() == Open {
		c.Transmit(message.NewPing(time.Now().Unix()))
	}
}

func (c *Conn) logf(f string, args ...interface{}) {
	c.srv.logf("cable: %v: "+f, append([]interface{}{c.UUID}, args...)...)
}

// controlListener receives the control frames of a connection.
type controlListener struct {
	c *Conn
}

func (l *controlListener) Receive(topic string, payload []byte) {
	l.c.post(func() {
		l.c.handleControl(payload)
	})
}

// post queues fn to run after the operations already queued. Served
// connections run it on their loop, the others run it on the calling
// goroutine if the connection is idle.
func (c *Conn) post(fn func()) {
	if c.served {
		c.mbox.put(fn)
		return
	}
	c.mbox.exec(fn)
}

// exec runs fn as an operation of the connection. On served connections
// it is called on the serving goroutine, so fn runs right away.
func (c *Conn) exec(fn func()) {
	if c.served {
		fn()
		return
	}
	c.mbox.exec(fn)
}

// run is the loop of a served connection. It runs the operations posted
// to the connection and sends pings until the connection is closed.
func (c *Conn) run(ping time.Duration) {
	var tick <-chan time.Time
	if ping > 0 {
		t := time.NewTicker(ping)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-c.kill:
			return
		case <-c.mbox.notify:
			c.mbox.runQueued()
		case <-tick:
			c.beat()
		}
	}
}

// mailbox is an unbounded queue of operations. Queued operations are
// run by a single goroutine at a time, the one holding busy.
type mailbox struct {
	busy   sync.Mutex
	mu     sync.Mutex
	ops    []func()
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) put(fn func()) {
	m.mu.Lock()
	m.ops = append(m.ops, fn)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	ops := m.ops
	m.ops = nil
	m.mu.Unlock()
	return ops
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// runQueued runs the queued operations until the queue is empty.
func (m *mailbox) runQueued() {
	for {
		ops := m.take()
		if len(ops) == 0 {
			return
		}
		for _, fn := range ops {
			fn()
		}
	}
}

// exec queues fn and, unless another goroutine is already running the
// queue, runs it on the calling goroutine. A call made from within a
// running operation only queues fn, it runs after that operation.
func (m *mailbox) exec(fn func()) {
	m.put(fn)
	for m.busy.TryLock() {
		func() {
			defer m.busy.Unlock()
			m.runQueued()
		}()
		// fn may have been queued by another goroutine after the queue
		// was found empty but before busy was released.
		if m.len() == 0 {
			return
		}
	}
}
