package cable

import "context"

// Result is returned by before hooks to continue or abort the
// processing of a command.
type Result int

// The list of hook results.
const (
	Continue Result = iota
	Abort
)

// Command is a client command being processed by a connection.
type Command struct {
	// Conn is the connection that received the command.
	Conn *Conn

	// Name is the command, one of message.SubscribeCmd,
	// message.UnsubscribeCmd or message.MessageCmd.
	Name string

	// Identifier is the raw subscription identifier.
	Identifier string

	// Data is the raw data of a message command.
	Data string
}

// BeforeFunc is a hook that runs before a command. It aborts the
// command by returning Abort.
type BeforeFunc func(ctx context.Context, cmd *Command) Result

// AroundFunc is a hook that wraps the processing of a command. It must
// call next to continue processing, not calling it aborts the command.
type AroundFunc func(ctx context.Context, cmd *Command, next func() error) error

// AfterFunc is a hook that runs after a command was processed, even if
// processing failed.
type AfterFunc func(ctx context.Context, cmd *Command)

// CallbackChain is the list of hooks that run when a connection
// processes a command. The chain should be configured before the
// server starts serving connections and not modified afterwards.
type CallbackChain struct {
	before []BeforeFunc
	around []AroundFunc
	after  []AfterFunc
}

// Before appends before hooks to the chain.
func (c *CallbackChain) Before(fns ...BeforeFunc) *CallbackChain {
	c.before = append(c.before, fns...)
	return c
}

// Around appends around hooks to the chain. The first around hook
// registered is the outermost.
func (c *CallbackChain) Around(fns ...AroundFunc) *CallbackChain {
	c.around = append(c.around, fns...)
	return c
}

// After appends after hooks to the chain.
func (c *CallbackChain) After(fns ...AfterFunc) *CallbackChain {
	c.after = append(c.after, fns...)
	return c
}

// Run runs action wrapped by the hooks of the chain. The before hooks
// run in order and any of them may abort the command, in which case
// nothing else runs. The around hooks are then nested around action, and
// the after hooks run in order once action returns, whether it failed
// or not, but only if it did run.
//
// It returns whether action ran and the error returned by the outermost
// around hook, or by action if there is no around hook.
func (c *CallbackChain) Run(ctx context.Context, cmd *Command, action func() error) (ran bool, err error) {
	if c == nil {
		return true, action()
	}

	for _, fn := range c.before {
		if fn(ctx, cmd) == Abort {
			return false, nil
		}
	}

	next := func() error {
		ran = true
		defer func() {
			for _, fn := range c.after {
				fn(ctx, cmd)
			}
		}()
		return action()
	}
	for i := len(c.around) - 1; i >= 0; i-- {
		fn, inner := c.around[i], once(next)
		next = func() error {
			return fn(ctx, cmd, inner)
		}
	}

	err = next()
	return ran, err
}

func once(fn func() error) func() error {
	var called bool
	return func() error {
		if called {
			return ErrContinuationReused
		}
		called = true
		return fn()
	}
}
