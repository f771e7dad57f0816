// Package wstest provides websocket servers and dialing helpers for
// tests.
package wstest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// StartServer starts a websocket server that calls fn with each
// upgraded connection. The done channel is signaled when fn returns,
// after the connection is closed. The returned server's URL uses the
// ws scheme.
func StartServer(t testing.TB, done chan<- bool, fn func(*websocket.Conn)) *httptest.Server {
	upg := &websocket.Upgrader{
		Subprotocols: []string{"actioncable-v1-json"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() { done <- true }()

		c, err := upg.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Upgrade failed: %v", err)
			return
		}
		defer c.Close()
		fn(c)
	}))
	srv.URL = strings.Replace(srv.URL, "http:", "ws:", 1)
	return srv
}

// StartRecordingServer starts a websocket server that writes every
// received message to w.
func StartRecordingServer(t testing.TB, done chan<- bool, w io.Writer) *httptest.Server {
	return StartServer(t, done, func(c *websocket.Conn) {
		for {
			_, p, err := c.ReadMessage()
			if err != nil {
				return
			}
			w.Write(p)
		}
	})
}

// Dial dials the websocket server at url.
func Dial(t testing.TB, url string) *websocket.Conn {
	d := &websocket.Dialer{Subprotocols: []string{"actioncable-v1-json"}}
	c, _, err := d.Dial(url, nil)
	require.NoError(t, err, "Dial")
	return c
}
