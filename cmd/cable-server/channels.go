package main

import (
	"context"

	"github.com/mna/cable"
)

func newChannels() *cable.ChannelRegistry {
	return cable.NewChannelRegistry().
		Register("EchoChannel", newEchoChannel).
		Register("ChatChannel", newChatChannel)
}

// EchoChannel sends back the data of each echo action.
func newEchoChannel(s *cable.Subscription) cable.Channel {
	return &cable.ChannelFuncs{
		Actions: cable.Actions{
			"echo": func(ctx context.Context, data map[string]interface{}) error {
				delete(data, "action")
				return s.Transmit(data)
			},
		},
	}
}

// ChatChannel streams the messages of a room. Subscriptions without a
// room are rejected.
func newChatChannel(s *cable.Subscription) cable.Channel {
	topic := "chat:" + s.Param("room")
	return &cable.ChannelFuncs{
		OnSubscribed: func(ctx context.Context) error {
			if s.Param("room") == "" {
				s.Reject()
				return nil
			}
			return s.StreamFrom(topic)
		},
		Actions: cable.Actions{
			"speak": func(ctx context.Context, data map[string]interface{}) error {
				c := s.Conn()
				return c.Server().Broadcast(topic, map[string]interface{}{
					"user": c.Identity("current_user"),
					"text": data["text"],
				})
			},
		},
	}
}
