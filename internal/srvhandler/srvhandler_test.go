package srvhandler

import (
	"context"
	"errors"
	"expvar"
	"testing"

	"github.com/mna/cable"
	"github.com/mna/cable/internal/cabletest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain(t *testing.T) {
	t.Parallel()

	var b []byte

	genHook := func(char byte, res cable.Result) cable.BeforeFunc {
		return func(ctx context.Context, cmd *cable.Command) cable.Result {
			b = append(b, char)
			return res
		}
	}
	ch := Chain(genHook('a', cable.Continue), genHook('b', cable.Continue), genHook('c', cable.Continue))
	assert.Equal(t, cable.Continue, ch(context.Background(), &cable.Command{}))
	assert.Equal(t, "abc", string(b))

	b = b[:0]
	ch = Chain(genHook('a', cable.Continue), genHook('b', cable.Abort), genHook('c', cable.Continue))
	assert.Equal(t, cable.Abort, ch(context.Background(), &cable.Command{}))
	assert.Equal(t, "ab", string(b))
}

func TestPanicRecover(t *testing.T) {
	t.Parallel()

	vars := new(expvar.Map).Init()
	fn := PanicRecover(vars)

	err := fn(context.Background(), &cable.Command{}, func() error { panic("boom") })
	var perr *cable.PanicError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "boom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Equal(t, "1", vars.Get("RecoveredPanics").String())

	want := errors.New("fail")
	err = fn(context.Background(), &cable.Command{}, func() error { return want })
	assert.Equal(t, want, err)
	assert.Equal(t, "1", vars.Get("RecoveredPanics").String())
}

func TestLogHooks(t *testing.T) {
	t.Parallel()

	var dl cabletest.DebugLog
	srv := &cable.Server{DisableOriginCheck: true, LogFunc: cable.DiscardLog, ConnState: LogConn(dl.Printf)}
	srv.Class = &cable.ConnClass{}
	srv.Class.Callbacks.Before(LogCommand(dl.Printf)).Around(LogSlow(dl.Printf, 0))

	tr := &cabletest.Transport{}
	c, err := srv.Accept(context.Background(), tr, nil)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	c.Receive([]byte(`{"command":"unsubscribe","identifier":"x"}`))
	require.NoError(t, c.Close())

	// connected, received command, slow command, closed
	assert.Equal(t, 4, dl.Calls())
}
