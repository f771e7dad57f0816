package cable

import (
	"errors"
	"expvar"
	"time"

	"github.com/mna/cable/message"
)

// SlowCommandThreshold defines the threshold at which commands are
// marked as slow in the expvar metrics, if Server.Vars is set. Set to 0
// to disable SlowCommands metrics.
var SlowCommandThreshold = 100 * time.Millisecond

func saveCmdMetrics(vars *expvar.Map, cmd *Command) func() {
	vars.Add("Commands", 1)

	var known bool
	switch cmd.Name {
	case message.SubscribeCmd, message.UnsubscribeCmd, message.MessageCmd:
		known = true
		vars.Add("Commands."+cmd.Name, 1)
	default:
		vars.Add("CommandsUnknown", 1)
	}

	if SlowCommandThreshold > 0 {
		start := time.Now()
		return func() {
			dur := time.Since(start)
			if dur >= SlowCommandThreshold {
				vars.Add("SlowCommands", 1)
				if known {
					vars.Add("SlowCommands."+cmd.Name, 1)
				}
			}
		}
	}
	return nil
}

// process runs the command through the callback chain of the connection's
// class, with the subscription registry executing the command as the
// innermost action. Malformed commands are dropped, other errors are
// handled as faults.
func (c *Conn) process(cmd *Command) {
	if vars := c.srv.Vars; vars != nil {
		if fn := saveCmdMetrics(vars, cmd); fn != nil {
			defer fn()
		}
	}

	var ran bool
	err := catch(func() error {
		var err error
		ran, err = c.class.Callbacks.Run(c.ctx, cmd, func() error {
			return c.subs.Execute(c.ctx, cmd)
		})
		return err
	})
	if !ran && err == nil {
		c.srv.add("AbortedCommands", 1)
	}
	if err == nil {
		return
	}

	if errors.Is(err, message.ErrMalformed) {
		c.srv.add("MalformedFrames", 1)
		c.logf("dropping %s command: %v", cmd.Name, err)
		return
	}
	c.handleFault(err)
}
