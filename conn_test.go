package cable

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/mna/cable/broker/membroker"
	"github.com/mna/cable/internal/cabletest"
	"github.com/mna/cable/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// testChannel records its calls in ev, the optional functions are called
// after recording.
type testChannel struct {
	sub *Subscription
	ev  *events

	subscribed   func(*Subscription) error
	unsubscribed func(*Subscription) error
	perform      func(*Subscription, string, map[string]interface{}) error
}

func (c *testChannel) Subscribed(ctx context.Context) error {
	c.ev.add("subscribed " + c.sub.Identifier)
	if c.subscribed != nil {
		return c.subscribed(c.sub)
	}
	return nil
}

func (c *testChannel) Unsubscribed(ctx context.Context) error {
	c.ev.add("unsubscribed " + c.sub.Identifier)
	if c.unsubscribed != nil {
		return c.unsubscribed(c.sub)
	}
	return nil
}

func (c *testChannel) Perform(ctx context.Context, action string, data map[string]interface{}) error {
	c.ev.add("perform " + c.sub.Identifier + " " + action)
	if c.perform != nil {
		return c.perform(c.sub, action, data)
	}
	return nil
}

type testEnv struct {
	srv    *Server
	broker *membroker.Broker
	tr     *cabletest.Transport
	ev     *events
	log    *cabletest.DebugLog
}

func newTestEnv(t *testing.T, tmpl testChannel) *testEnv {
	env := &testEnv{
		broker: &membroker.Broker{},
		tr:     &cabletest.Transport{},
		ev:     &events{},
		log:    &cabletest.DebugLog{T: t},
	}
	factory := func(s *Subscription) Channel {
		c := tmpl
		c.sub, c.ev = s, env.ev
		return &c
	}
	env.srv = &Server{
		DisableOriginCheck: true,
		Class:              &ConnClass{},
		Channels:           NewChannelRegistry().Register("chat", factory),
		PubSubBroker:       env.broker,
		LogFunc:            env.log.Printf,
		Vars:               new(expvar.Map).Init(),
	}
	return env
}

func (env *testEnv) accept(t *testing.T) *Conn {
	c, err := env.srv.Accept(context.Background(), env.tr, nil)
	require.NoError(t, err, "Accept")
	return c
}

func (env *testEnv) open(t *testing.T) *Conn {
	c := env.accept(t)
	require.NoError(t, c.Open(), "Open")
	return c
}

func (env *testEnv) count(key string) string {
	v := env.srv.Vars.Get(key)
	if v == nil {
		return "0"
	}
	return v.String()
}

func chatID(room string) string {
	return `{"channel":"chat","room":"` + room + `"}`
}

func command(name, identifier, data string) []byte {
	b, err := json.Marshal(message.Command{Command: name, Identifier: identifier, Data: data})
	if err != nil {
		panic(err)
	}
	return b
}

func subscribe(identifier string) []byte {
	return command(message.SubscribeCmd, identifier, "")
}

func unsubscribe(identifier string) []byte {
	return command(message.UnsubscribeCmd, identifier, "")
}

func perform(identifier, data string) []byte {
	return command(message.MessageCmd, identifier, data)
}

func TestConnBuffersUntilOpen(t *testing.T) {
	env := newTestEnv(t, testChannel{
		perform: func(s *Subscription, action string, data map[string]interface{}) error {
			return s.Transmit(data["text"])
		},
	})

	c := env.accept(t)
	assert.Equal(t, Pending, c.State())
	c.Receive(subscribe(chatID("a")))
	c.Receive(subscribe(chatID("b")))
	c.Receive(perform(chatID("a"), `{"action":"speak","text":"hi"}`))
	assert.Empty(t, *env.ev, "nothing processed before open")
	assert.Empty(t, env.tr.Frames(), "nothing sent before open")

	require.NoError(t, c.Open())
	assert.Equal(t, Open, c.State())
	assert.Equal(t, events{
		"subscribed " + chatID("a"),
		"subscribed " + chatID("b"),
		"perform " + chatID("a") + " speak",
	}, *env.ev)
	assert.Equal(t, []string{message.WelcomeType, message.ConfirmType, message.ConfirmType, ""}, env.tr.Types())
	frames := env.tr.Decoded()
	assert.Equal(t, chatID("a"), frames[3]["identifier"])
	assert.Equal(t, "hi", frames[3]["message"])

	// open is idempotent
	require.NoError(t, c.Open())
	assert.Len(t, env.tr.Frames(), 4)
	assert.Equal(t, 1, env.srv.ConnCount())
}

func TestConnSubscribeIdempotent(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	c := env.open(t)

	c.Receive(subscribe(chatID("a")))
	c.Receive(subscribe(chatID("a")))
	assert.Equal(t, 1, c.Subscriptions().Len())
	assert.Equal(t, events{"subscribed " + chatID("a")}, *env.ev)
	assert.Equal(t, []string{message.WelcomeType, message.ConfirmType}, env.tr.Types())

	s, ok := c.Subscriptions().Get(chatID("a"))
	require.True(t, ok)
	assert.Equal(t, Active, s.State())
	assert.Equal(t, "chat", s.Channel)
	assert.Equal(t, "a", s.Param("room"))
	assert.Equal(t, "", s.Param("none"))
	assert.Equal(t, "1", env.count("ActiveSubscriptions"))
}

func TestConnIdentifiersAreByteExact(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	c := env.open(t)

	id1 := `{"channel":"chat","room":"a"}`
	id2 := `{"room":"a","channel":"chat"}`
	c.Receive(subscribe(id1))
	c.Receive(subscribe(id2))
	assert.Equal(t, []string{id1, id2}, c.Subscriptions().Identifiers())
}

func TestConnUnsubscribe(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	c := env.open(t)

	c.Receive(subscribe(chatID("a")))
	c.Receive(unsubscribe(chatID("a")))
	c.Receive(unsubscribe(chatID("a")))
	c.Receive(unsubscribe(chatID("b")))
	assert.Equal(t, 0, c.Subscriptions().Len())
	assert.Equal(t, events{"subscribed " + chatID("a"), "unsubscribed " + chatID("a")}, *env.ev)
	assert.Equal(t, "0", env.count("ActiveSubscriptions"))
}

func TestConnUnsubscribeAllOnClose(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	c := env.open(t)

	var subs []*Subscription
	for _, room := range []string{"a", "b", "c"} {
		c.Receive(subscribe(chatID(room)))
		s, ok := c.Subscriptions().Get(chatID(room))
		require.True(t, ok)
		subs = append(subs, s)
	}
	*env.ev = nil

	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, events{
		"unsubscribed " + chatID("a"),
		"unsubscribed " + chatID("b"),
		"unsubscribed " + chatID("c"),
	}, *env.ev)
	assert.Equal(t, 0, c.Subscriptions().Len())
	for _, s := range subs {
		assert.Equal(t, Gone, s.State())
	}
	assert.Equal(t, 1, env.tr.Closed())
	assert.Equal(t, 0, env.srv.ConnCount())

	select {
	case <-c.CloseNotify():
	default:
		t.Fatal("close notification not signaled")
	}
	assert.Error(t, c.Context().Err(), "context canceled")

	// close is idempotent, frames received after close are ignored
	require.NoError(t, c.Close())
	c.Receive(subscribe(chatID("d")))
	assert.Len(t, *env.ev, 3)
	assert.Equal(t, 1, env.tr.Closed())
}

func TestConnUnsubscribeAllMutation(t *testing.T) {
	env := newTestEnv(t, testChannel{
		unsubscribed: func(s *Subscription) error {
			if s.Param("room") == "a" {
				// removing another subscription while closing
				s.Conn().Subscriptions().Remove(context.Background(), chatID("b"))
			}
			return nil
		},
	})
	c := env.open(t)
	c.Receive(subscribe(chatID("a")))
	c.Receive(subscribe(chatID("b")))
	c.Receive(subscribe(chatID("c")))
	*env.ev = nil

	require.NoError(t, c.Close())
	assert.Equal(t, events{
		"unsubscribed " + chatID("a"),
		"unsubscribed " + chatID("b"),
		"unsubscribed " + chatID("c"),
	}, *env.ev)
}

func TestConnUnknownSubscriptionMessage(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	c := env.open(t)

	c.Receive(perform(chatID("a"), `{"action":"speak"}`))
	assert.Empty(t, *env.ev)
	assert.Equal(t, []string{message.WelcomeType}, env.tr.Types())
	assert.Equal(t, "1", env.count("DroppedMessages"))
	assert.Equal(t, "0", env.count("UnhandledErrors"))
	assert.Equal(t, Open, c.State())
}

func TestConnMalformedFrames(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	c := env.open(t)
	c.Receive(subscribe(chatID("a")))
	*env.ev = nil

	c.Receive([]byte(`not json`))
	c.Receive([]byte(`{"identifier":"x"}`))
	c.Receive(command("foo", chatID("a"), ""))
	c.Receive(subscribe(`{"channel":"nope"}`))
	c.Receive(subscribe(`{"channel":`))
	c.Receive(perform(chatID("a"), `[1, 2]`))

	assert.Equal(t, "6", env.count("MalformedFrames"))
	assert.Empty(t, *env.ev)
	assert.Equal(t, 1, c.Subscriptions().Len())
	assert.Equal(t, Open, c.State())
}

func TestConnMissingIdentifier(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	c := env.open(t)

	c.Receive(subscribe(""))
	c.Receive(unsubscribe(""))
	assert.Equal(t, 0, c.Subscriptions().Len())
	assert.Empty(t, *env.ev)
	assert.Equal(t, []string{message.WelcomeType}, env.tr.Types())
}

func TestConnRejectSubscription(t *testing.T) {
	env := newTestEnv(t, testChannel{
		subscribed: func(s *Subscription) error {
			require.NoError(t, s.StreamFrom("chat:"+s.Param("room")))
			s.Reject()
			return nil
		},
	})
	c := env.open(t)

	c.Receive(subscribe(chatID("a")))
	assert.Equal(t, 0, c.Subscriptions().Len())
	assert.Equal(t, events{"subscribed " + chatID("a")}, *env.ev, "unsubscribed is not called")
	assert.Equal(t, []string{message.WelcomeType, message.RejectType}, env.tr.Types())
	assert.Empty(t, env.broker.Topics(), "streams stopped")
	assert.Equal(t, "1", env.count("RejectedSubscriptions"))

	// can subscribe again
	c.Receive(subscribe(chatID("a")))
	assert.Len(t, *env.ev, 2)
}

func TestConnHandlerFaultRescued(t *testing.T) {
	env := newTestEnv(t, testChannel{
		subscribed: func(s *Subscription) error {
			if s.Param("room") == "bad" {
				return errBoom
			}
			return nil
		},
		perform: func(s *Subscription, action string, data map[string]interface{}) error {
			return errBoom
		},
	})
	var faults []*HandlerFault
	RescueFromType(&env.srv.Class.Rescue, func(err *HandlerFault) {
		faults = append(faults, err)
	})
	c := env.open(t)

	c.Receive(subscribe(chatID("bad")))
	c.Receive(subscribe(chatID("a")))
	c.Receive(perform(chatID("a"), `{"action":"speak"}`))

	require.Len(t, faults, 2)
	assert.Equal(t, "subscribed", faults[0].Op)
	assert.Equal(t, chatID("bad"), faults[0].Identifier)
	assert.Equal(t, "perform speak", faults[1].Op)
	assert.Equal(t, "chat", faults[1].Channel)
	assert.True(t, errors.Is(faults[1], errBoom))
	assert.Equal(t, "2", env.count("RescuedErrors"))

	// the faulty subscription is active, but not confirmed
	s, ok := c.Subscriptions().Get(chatID("bad"))
	require.True(t, ok)
	assert.Equal(t, Active, s.State())
	assert.Equal(t, []string{message.WelcomeType, message.ConfirmType}, env.tr.Types())
	assert.Equal(t, Open, c.State())
}

func TestConnHandlerPanicContained(t *testing.T) {
	env := newTestEnv(t, testChannel{
		perform: func(s *Subscription, action string, data map[string]interface{}) error {
			if s.Param("room") == "a" {
				panic("perform failed")
			}
			return s.Transmit("ok")
		},
	})
	c := env.open(t)

	c.Receive(subscribe(chatID("a")))
	c.Receive(subscribe(chatID("b")))
	c.Receive(perform(chatID("a"), `{"action":"speak"}`))
	c.Receive(perform(chatID("b"), `{"action":"speak"}`))

	assert.Equal(t, "1", env.count("UnhandledErrors"))
	assert.Equal(t, Open, c.State())
	assert.Equal(t, 2, c.Subscriptions().Len())
	types := env.tr.Types()
	assert.Equal(t, "", types[len(types)-1], "other subscription still served")
}

func TestConnUnsubscribeFault(t *testing.T) {
	env := newTestEnv(t, testChannel{
		unsubscribed: func(s *Subscription) error {
			return errBoom
		},
	})
	c := env.open(t)

	c.Receive(subscribe(chatID("a")))
	c.Receive(unsubscribe(chatID("a")))
	assert.Equal(t, 0, c.Subscriptions().Len())
	assert.Equal(t, "1", env.count("UnhandledErrors"))
}

func TestConnCallbackAbort(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	var after int
	env.srv.Class.Callbacks.Before(func(ctx context.Context, cmd *Command) Result {
		if cmd.Name == message.MessageCmd {
			return Abort
		}
		return Continue
	}).Around(func(ctx context.Context, cmd *Command, next func() error) error {
		if cmd.Identifier == chatID("skip") {
			return nil
		}
		return next()
	}).After(func(ctx context.Context, cmd *Command) {
		after++
	})
	c := env.open(t)

	c.Receive(subscribe(chatID("a")))
	c.Receive(perform(chatID("a"), `{"action":"speak"}`))
	c.Receive(subscribe(chatID("skip")))

	assert.Equal(t, events{"subscribed " + chatID("a")}, *env.ev)
	assert.Equal(t, 1, after)
	assert.Equal(t, "2", env.count("AbortedCommands"))
	assert.Equal(t, "3", env.count("Commands"))
}

func TestConnCallbackError(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	var rescued error
	env.srv.Class.Callbacks.Around(func(ctx context.Context, cmd *Command, next func() error) error {
		if err := next(); err != nil {
			return err
		}
		return errBoom
	})
	env.srv.Class.Rescue.RescueFrom(errBoom, func(err error) { rescued = err })
	c := env.open(t)

	c.Receive(subscribe(chatID("a")))
	assert.Equal(t, errBoom, rescued)
	assert.Equal(t, 1, c.Subscriptions().Len())
}

func TestConnConnectUnauthorized(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	var states []ConnState
	env.srv.ConnState = func(c *Conn, s ConnState) { states = append(states, s) }
	var disconnected bool
	env.srv.Class.Connect = func(ctx context.Context, c *Conn) error {
		return c.RejectUnauthorized()
	}
	env.srv.Class.Disconnect = func(ctx context.Context, c *Conn) error {
		disconnected = true
		return nil
	}
	var rescued bool
	env.srv.Class.Rescue.RescueFrom(ErrUnauthorized, func(error) { rescued = true })

	c, err := env.srv.Accept(context.Background(), env.tr, nil)
	assert.Nil(t, c)
	assert.Equal(t, ErrUnauthorized, err)
	assert.False(t, rescued, "never rescued")
	assert.False(t, disconnected, "disconnect not called")

	frames := env.tr.Decoded()
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]interface{}{"type": "disconnect", "reason": "unauthorized", "reconnect": false}, frames[0])
	assert.Equal(t, 1, env.tr.Closed())
	assert.Equal(t, []ConnState{Pending, Closing, Closed}, states)
	assert.Equal(t, 0, env.srv.ConnCount())
}

func TestConnConnectFault(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	env.srv.Class.Connect = func(ctx context.Context, c *Conn) error {
		return errBoom
	}

	c, err := env.srv.Accept(context.Background(), env.tr, nil)
	assert.Nil(t, c)
	var fault *LifecycleFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "connect", fault.Op)
	assert.Equal(t, errBoom, fault.Err)
	frames := env.tr.Decoded()
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]interface{}{"type": "disconnect", "reason": "server_error", "reconnect": true}, frames[0])
	assert.Equal(t, 1, env.tr.Closed())

	// once rescued, the connection proceeds
	env.srv.Class.Rescue.RescueFrom(errBoom, func(error) {})
	env.tr = &cabletest.Transport{}
	c = env.open(t)
	assert.Equal(t, Open, c.State())
	assert.Equal(t, []string{message.WelcomeType}, env.tr.Types())
}

func TestConnConnectPanic(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	env.srv.Class.Connect = func(ctx context.Context, c *Conn) error {
		panic("connect failed")
	}

	_, err := env.srv.Accept(context.Background(), env.tr, nil)
	var perr *PanicError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "connect failed", perr.Value)
	assert.Equal(t, 1, env.tr.Closed())
}

func TestConnDisconnectFault(t *testing.T) {
	env := newTestEnv(t, testChannel{
		subscribed: func(s *Subscription) error {
			return s.StreamFrom("chat:" + s.Param("room"))
		},
	})
	env.srv.Class.Identifiers = []string{"current_user"}
	env.srv.Class.Connect = func(ctx context.Context, c *Conn) error {
		return c.Identify("current_user", User{"lifo"})
	}
	env.srv.Class.Disconnect = func(ctx context.Context, c *Conn) error {
		return errBoom
	}
	c := env.open(t)
	c.Receive(subscribe(chatID("a")))
	assert.Len(t, env.broker.Topics(), 2)

	err := c.Close()
	var fault *LifecycleFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "disconnect", fault.Op)
	assert.Equal(t, fault, c.CloseErr)

	// cleanup ran anyway
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 0, c.Subscriptions().Len())
	assert.Contains(t, *env.ev, "unsubscribed "+chatID("a"))
	assert.Empty(t, env.broker.Topics())
	assert.Equal(t, 1, env.tr.Closed())

	// a rescued disconnect error is not returned
	env.srv.Class.Rescue.RescueFrom(errBoom, func(error) {})
	env.tr = &cabletest.Transport{}
	c = env.open(t)
	assert.NoError(t, c.Close())
}

func TestConnInternalTopic(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	env.srv.Class.Identifiers = []string{"current_user", "current_room"}
	env.srv.Class.Connect = func(ctx context.Context, c *Conn) error {
		if err := c.Identify("current_user", User{"lifo"}); err != nil {
			return err
		}
		return c.Identify("current_room", &Room{"my", "room"})
	}
	var disconnected int
	env.srv.Class.Disconnect = func(ctx context.Context, c *Conn) error {
		disconnected++
		return nil
	}

	c := env.accept(t)
	assert.Equal(t, "Room#my-room:User#lifo", c.Identifier())
	assert.Empty(t, env.broker.Topics(), "not registered before open")

	require.NoError(t, c.Open())
	topic := InternalTopic("Room#my-room:User#lifo")
	assert.Equal(t, []string{topic}, env.broker.Topics())
	assert.Equal(t, ErrIdentityFrozen, c.Identify("current_user", User{"other"}))
	assert.Equal(t, User{"lifo"}, c.Identity("current_user"))

	// unknown control frames are ignored
	require.NoError(t, env.broker.Publish(topic, []byte(`{"type":"other"}`)))
	require.NoError(t, env.broker.Publish(topic, []byte(`not json`)))
	assert.Equal(t, Open, c.State())

	require.NoError(t, env.broker.Publish(topic, []byte(`{"type":"disconnect","reconnect":true}`)))
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 1, disconnected)
	frames := env.tr.Decoded()
	assert.Equal(t, map[string]interface{}{"type": "disconnect", "reason": "remote", "reconnect": true}, frames[len(frames)-1])
	assert.Empty(t, env.broker.Topics())

	require.NoError(t, c.Close())
	assert.Equal(t, 1, disconnected)
}

func TestConnNoIdentityNoTopic(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	c := env.open(t)
	assert.Equal(t, "", c.Identifier())
	assert.Empty(t, env.broker.Topics())
	require.NoError(t, c.Close())
}

func TestConnStreams(t *testing.T) {
	env := newTestEnv(t, testChannel{
		subscribed: func(s *Subscription) error {
			if err := s.StreamFrom("chat:" + s.Param("room")); err != nil {
				return err
			}
			// streaming twice is a no-op
			return s.StreamFrom("chat:" + s.Param("room"))
		},
	})
	c := env.open(t)
	c.Receive(subscribe(chatID("a")))
	env.tr.Reset()

	s, _ := c.Subscriptions().Get(chatID("a"))
	assert.Equal(t, []string{"chat:a"}, s.Streams())

	require.NoError(t, env.srv.Broadcast("chat:a", map[string]string{"text": "hi"}))
	require.NoError(t, env.srv.Broadcast("chat:b", map[string]string{"text": "nope"}))
	assert.Equal(t, []string{`{"identifier":"{\"channel\":\"chat\",\"room\":\"a\"}","message":{"text":"hi"}}`}, env.tr.Frames())

	c.Receive(unsubscribe(chatID("a")))
	assert.Empty(t, env.broker.Topics())
	require.NoError(t, env.srv.Broadcast("chat:a", map[string]string{"text": "late"}))
	assert.Len(t, env.tr.Frames(), 1)
	assert.Equal(t, "0", env.count("ActiveStreams"))
}

func TestConnStreamHandler(t *testing.T) {
	env := newTestEnv(t, testChannel{
		subscribed: func(s *Subscription) error {
			return s.StreamFor(User{"lifo"}, WithHandler(func(payload []byte) error {
				if string(payload) == `"fail"` {
					return errBoom
				}
				return s.Transmit(map[string]string{"wrapped": string(payload)})
			}))
		},
	})
	var rescued []*HandlerFault
	RescueFromType(&env.srv.Class.Rescue, func(f *HandlerFault) { rescued = append(rescued, f) })
	c := env.open(t)
	c.Receive(subscribe(chatID("a")))
	env.tr.Reset()

	topic := BroadcastingFor("chat", User{"lifo"})
	assert.Equal(t, "chat:User#lifo", topic)
	require.NoError(t, env.srv.Broadcast(topic, "x"))
	require.NoError(t, env.srv.Broadcast(topic, "fail"))

	frames := env.tr.Decoded()
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]interface{}{"wrapped": `"x"`}, frames[0]["message"])
	require.Len(t, rescued, 1)
	assert.Equal(t, "stream "+topic, rescued[0].Op)

	s, _ := c.Subscriptions().Get(chatID("a"))
	require.NoError(t, s.StopStream(topic))
	assert.Empty(t, s.Streams())
	assert.Empty(t, env.broker.Topics())
}

func TestConnTransmitFailure(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	env.tr.SendErr = errBoom
	c := env.accept(t)
	require.NoError(t, c.Open())
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, errBoom, c.CloseErr)
	assert.Equal(t, ErrConnClosed, c.Transmit("x"))
}

func TestConnStateCallback(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	var states []ConnState
	env.srv.ConnState = func(c *Conn, s ConnState) { states = append(states, s) }

	c := env.open(t)
	require.NoError(t, c.Close())
	assert.Equal(t, []ConnState{Pending, Open, Closing, Closed}, states)
	assert.Equal(t, "closing", Closing.String())
}

func TestConnRestartWhileReceiving(t *testing.T) {
	env := newTestEnv(t, testChannel{})
	c := env.open(t)

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		env.srv.Restart()
	}()

	for i := 0; i < 200; i++ {
		if i == 20 {
			close(start)
		}
		c.Receive(subscribe(chatID(strconv.Itoa(i))))
	}
	wg.Wait()

	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 0, c.Subscriptions().Len())
	assert.Equal(t, 1, env.tr.Closed())

	var subscribed, unsubscribed int
	for _, e := range *env.ev {
		switch {
		case strings.HasPrefix(e, "subscribed "):
			subscribed++
		case strings.HasPrefix(e, "unsubscribed "):
			unsubscribed++
		}
	}
	assert.True(t, subscribed >= 20, "subscribed %d", subscribed)
	assert.Equal(t, subscribed, unsubscribed)

	types := env.tr.Types()
	assert.Equal(t, message.DisconnectType, types[len(types)-1])
	assert.Empty(t, env.broker.Topics())
}

func TestConnCloseFromAction(t *testing.T) {
	env := newTestEnv(t, testChannel{
		perform: func(s *Subscription, action string, data map[string]interface{}) error {
			var ran bool
			s.Conn().Do(func() { ran = true })
			assert.NoError(t, s.Conn().Close())
			// both are queued until the action returns
			assert.False(t, ran)
			assert.Equal(t, Open, s.Conn().State())
			return s.Transmit("bye")
		},
	})
	c := env.open(t)
	c.Receive(subscribe(chatID("a")))
	env.tr.Reset()

	c.Receive(perform(chatID("a"), `{"action":"leave"}`))
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, events{
		"subscribed " + chatID("a"),
		"perform " + chatID("a") + " leave",
		"unsubscribed " + chatID("a"),
	}, *env.ev)
	assert.Equal(t, []string{`{"identifier":"{\"channel\":\"chat\",\"room\":\"a\"}","message":"bye"}`}, env.tr.Frames())
}
