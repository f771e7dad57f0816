// Package srvhandler implements command hooks and connection callbacks
// used by the cable-server command and various tests.
package srvhandler

import (
	"context"
	"expvar"
	"runtime/debug"
	"time"

	"github.com/mna/cable"
)

// Chain returns a before hook that calls the provided hooks in order,
// one after the other, until one of them aborts.
func Chain(fns ...cable.BeforeFunc) cable.BeforeFunc {
	return func(ctx context.Context, cmd *cable.Command) cable.Result {
		for _, fn := range fns {
			if fn(ctx, cmd) == cable.Abort {
				return cable.Abort
			}
		}
		return cable.Continue
	}
}

// PanicRecover returns an around hook that recovers from panics that
// may happen in the hooks it wraps, and returns them as a
// *cable.PanicError. If a non-nil vars is passed as parameter, the
// RecoveredPanics counter is incremented for each panic.
func PanicRecover(vars *expvar.Map) cable.AroundFunc {
	return func(ctx context.Context, cmd *cable.Command, next func() error) (err error) {
		defer func() {
			if e := recover(); e != nil {
				if vars != nil {
					vars.Add("RecoveredPanics", 1)
				}
				err = &cable.PanicError{Value: e, Stack: debug.Stack()}
			}
		}()
		return next()
	}
}

// LogConn returns a function compatible with the Server.ConnState field
// type that logs connections and disconnections to the provided logger
// function.
func LogConn(logFn func(string, ...interface{})) func(*cable.Conn, cable.ConnState) {
	return func(c *cable.Conn, state cable.ConnState) {
		switch state {
		case cable.Open:
			logFn("%v: connected from %v as %q", c.UUID, c.RemoteAddr(), c.Identifier())
		case cable.Closed:
			logFn("%v: closed from %v with error %v", c.UUID, c.RemoteAddr(), c.CloseErr)
		}
	}
}

// LogCommand returns a before hook that logs the commands received on
// the connection to the provided logger function.
func LogCommand(logFn func(string, ...interface{})) cable.BeforeFunc {
	return func(ctx context.Context, cmd *cable.Command) cable.Result {
		logFn("%v: received command %s %s", cmd.Conn.UUID, cmd.Name, cmd.Identifier)
		return cable.Continue
	}
}

// LogSlow returns an around hook that logs the commands that take
// longer than threshold to process.
func LogSlow(logFn func(string, ...interface{}), threshold time.Duration) cable.AroundFunc {
	return func(ctx context.Context, cmd *cable.Command, next func() error) error {
		start := time.Now()
		err := next()
		if dur := time.Since(start); dur >= threshold {
			logFn("%v: slow command %s %s: %s", cmd.Conn.UUID, cmd.Name, cmd.Identifier, dur)
		}
		return err
	}
}
