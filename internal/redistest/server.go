// Package redistest provides test helpers to run a throwaway redis
// server and to get connections to it.
package redistest

import (
	"io"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// Server is a redis-server process started for a test.
type Server struct {
	// Addr is the address the server listens on.
	Addr string

	cmd *exec.Cmd
}

// Kill stops the server. It is registered as a cleanup function of the
// test that started the server, so it only needs to be called to test
// the behaviour of a client when the server goes away.
func (s *Server) Kill() {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
}

// StartServer starts a redis-server instance on a free port and stops
// it when the test ends. If the redis-server command is not found in
// the PATH, the test is skipped. If w is not nil, both stdout and
// stderr of the server are written to it.
func StartServer(t testing.TB, w io.Writer) *Server {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not found in $PATH")
	}

	port := freePort(t)
	c := exec.Command("redis-server", "--port", port, "--save", "", "--appendonly", "no")
	if w != nil {
		c.Stderr = w
		c.Stdout = w
	}
	require.NoError(t, c.Start(), "start redis-server")

	srv := &Server{Addr: "127.0.0.1:" + port, cmd: c}
	t.Cleanup(srv.Kill)

	// wait for the server to start accepting connections
	var ok bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", srv.Addr, time.Second)
		if err == nil {
			ok = true
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ok, "wait for redis-server to start")

	t.Logf("redis-server started on %s", srv.Addr)
	return srv
}

func freePort(t testing.TB) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen on port 0")
	defer l.Close()
	_, p, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err, "parse host and port")
	return p
}

// NewPool creates a redis pool that returns connections to addr. The
// pool is closed when the test ends.
func NewPool(t testing.TB, addr string) *redis.Pool {
	p := &redis.Pool{
		MaxIdle:     2,
		MaxActive:   10,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
	t.Cleanup(func() { p.Close() })
	return p
}
