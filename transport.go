package cable

import (
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mna/cable/internal/wswriter"
)

// Transport is the handle a connection uses to send frames to its
// client. Transports of served connections are websocket connections,
// other transports can be used with Server.Accept.
type Transport interface {
	// Send sends a single frame.
	Send(p []byte) error

	// Close closes the transport.
	Close() error
}

// wsTransport sends frames as websocket text messages.
type wsTransport struct {
	ws  *websocket.Conn
	wmu chan struct{} // exclusive write lock
	srv *Server
}

func newWSTransport(ws *websocket.Conn, srv *Server) *wsTransport {
	return &wsTransport{ws: ws, wmu: wswriter.NewLock(), srv: srv}
}

func (t *wsTransport) Send(p []byte) error {
	w := wswriter.Exclusive(t.ws, t.wmu, t.srv.AcquireWriteLockTimeout, t.srv.WriteTimeout)
	defer w.Close()

	lw := io.Writer(w)
	if l := t.srv.WriteLimit; l > 0 {
		lw = wswriter.Limit(w, l)
	}
	_, err := lw.Write(p)
	return err
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	if to := t.srv.WriteTimeout; to > 0 {
		deadline = time.Now().Add(to)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	return t.ws.Close()
}

// receive is the read loop of a served connection, started in its own
// goroutine. Frames are posted to the connection.
func (c *Conn) receive(ws *websocket.Conn) {
	c.srv.add("TotalConnGoros", 1)
	c.srv.add("ActiveConnGoros", 1)
	defer c.srv.add("ActiveConnGoros", -1)

	for {
		ws.SetReadDeadline(time.Time{})

		// NextReader returns with an error once a connection is closed,
		// so this loop doesn't need to check the kill channel.
		mt, r, err := ws.NextReader()
		if err != nil {
			c.post(func() { c.fail(err) })
			return
		}
		if mt != websocket.TextMessage {
			c.post(func() { c.fail(fmt.Errorf("invalid websocket message type: %d", mt)) })
			return
		}
		if to := c.srv.ReadTimeout; to > 0 {
			ws.SetReadDeadline(time.Now().Add(to))
		}

		raw, err := io.ReadAll(r)
		if err != nil {
			c.post(func() { c.fail(err) })
			return
		}
		c.post(func() { c.Receive(raw) })
	}
}
