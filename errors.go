package cable

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/mna/cable/message"
)

var (
	// ErrUnauthorized is returned by a ConnClass.Connect function to
	// reject the connection. It is never passed to the rescue registry.
	ErrUnauthorized = errors.New("cable: unauthorized connection")

	// ErrForbiddenOrigin is returned by Server.Accept when the origin of
	// the request is not allowed.
	ErrForbiddenOrigin = errors.New("cable: request origin not allowed")

	// ErrUnknownChannel is returned when a subscription identifier refers
	// to a channel that is not registered. It wraps message.ErrMalformed.
	ErrUnknownChannel = fmt.Errorf("%w: unknown channel", message.ErrMalformed)

	// ErrUnknownAction is returned by Actions when no function is
	// registered for the requested action.
	ErrUnknownAction = errors.New("cable: unknown action")

	// ErrContinuationReused is returned when an around hook calls its
	// continuation more than once.
	ErrContinuationReused = errors.New("cable: continuation called more than once")

	// ErrIdentityFrozen is returned when an identity attribute is set
	// after the connection is open.
	ErrIdentityFrozen = errors.New("cable: identity is frozen once the connection is open")

	// ErrUnknownIdentity is returned when setting an identity attribute
	// that is not declared by the connection class.
	ErrUnknownIdentity = errors.New("cable: undeclared identity attribute")

	// ErrConnClosed is returned when transmitting on a closed connection.
	ErrConnClosed = errors.New("cable: connection closed")
)

// HandlerFault is an error raised by a channel's Subscribed, Unsubscribed
// or Perform method, or by a stream handler. It is routed through the
// rescue registry of the connection, unhandled faults are logged and do
// not affect the connection or its other subscriptions.
type HandlerFault struct {
	Channel    string
	Identifier string
	Op         string
	Err        error
}

func (e *HandlerFault) Error() string {
	return fmt.Sprintf("cable: %s %s: %v", e.Channel, e.Op, e.Err)
}

// Unwrap returns the error returned by the channel.
func (e *HandlerFault) Unwrap() error { return e.Err }

// LifecycleFault is an error raised by the Connect or Disconnect function
// of a ConnClass. If the rescue registry does not handle it, it is
// returned by Server.Accept or Conn.Close.
type LifecycleFault struct {
	Op  string
	Err error
}

func (e *LifecycleFault) Error() string {
	return fmt.Sprintf("cable: %s: %v", e.Op, e.Err)
}

// Unwrap returns the error returned by the lifecycle function.
func (e *LifecycleFault) Unwrap() error { return e.Err }

// PanicError is the error that replaces a recovered panic.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value if it is an error, nil otherwise.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// catch calls fn and turns a panic into a *PanicError.
func catch(fn func() error) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = &PanicError{Value: e, Stack: debug.Stack()}
		}
	}()
	return fn()
}
