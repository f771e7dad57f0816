// Package message defines the frames exchanged between a cable client
// and server. Clients send commands (subscribe, unsubscribe and message)
// that refer to a subscription by its identifier, and the server sends
// back typed protocol frames (welcome, ping, disconnect, confirmations)
// and channel messages addressed to a subscription identifier.
//
// Servers also exchange control frames between them through the broker,
// on a topic dedicated to a single connection.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a frame cannot be decoded. Malformed
// frames are dropped, they never reach a channel.
var ErrMalformed = errors.New("cable/message: malformed frame")

// The list of commands a client may send.
const (
	SubscribeCmd   = "subscribe"
	UnsubscribeCmd = "unsubscribe"
	MessageCmd     = "message"
)

// The list of protocol frame types sent by the server.
const (
	WelcomeType    = "welcome"
	DisconnectType = "disconnect"
	PingType       = "ping"
	ConfirmType    = "confirm_subscription"
	RejectType     = "reject_subscription"
)

// The list of disconnect reasons sent in Disconnect frames.
const (
	ReasonUnauthorized   = "unauthorized"
	ReasonInvalidRequest = "invalid_request"
	ReasonServerRestart  = "server_restart"
	ReasonServerError    = "server_error"
	ReasonRemote         = "remote"
)

// Command is a frame sent by the client.
type Command struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier,omitempty"`
	Data       string `json:"data,omitempty"`
}

// DecodeCommand decodes a raw client frame. The returned error wraps
// ErrMalformed if the frame is not a JSON object or if it has no command.
func DecodeCommand(b []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(b, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cmd.Command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	return &cmd, nil
}

// Identifier is a decoded subscription identifier. The raw identifier
// string is the key of a subscription, this type only exposes what
// it encodes.
type Identifier struct {
	// Channel is the name of the channel type to instantiate.
	Channel string

	// Params holds all other fields of the identifier.
	Params map[string]interface{}
}

// DecodeIdentifier decodes the identifier string of a command. The
// channel type is read from the "channel" field, or from the "type"
// field if there is no "channel" field.
func DecodeIdentifier(s string) (*Identifier, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: identifier: %v", ErrMalformed, err)
	}

	key := "channel"
	if _, ok := fields[key]; !ok {
		key = "type"
	}
	ch, _ := fields[key].(string)
	if ch == "" {
		return nil, fmt.Errorf("%w: identifier has no channel", ErrMalformed)
	}
	delete(fields, key)
	return &Identifier{Channel: ch, Params: fields}, nil
}

// DecodeData decodes the data string of a message command. The data must
// encode a JSON object; its "action" field, if any, is returned as the
// action name.
func DecodeData(s string) (action string, data map[string]interface{}, err error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return "", nil, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	if data == nil {
		return "", nil, fmt.Errorf("%w: data is not an object", ErrMalformed)
	}
	action, _ = data["action"].(string)
	return action, data, nil
}

// Welcome is sent once, when a connection is opened.
type Welcome struct {
	Type string `json:"type"`
}

// NewWelcome creates a welcome frame.
func NewWelcome() *Welcome {
	return &Welcome{Type: WelcomeType}
}

// Disconnect is sent by the server right before it closes a connection.
type Disconnect struct {
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
	Reconnect bool   `json:"reconnect"`
}

// NewDisconnect creates a disconnect frame.
func NewDisconnect(reason string, reconnect bool) *Disconnect {
	return &Disconnect{Type: DisconnectType, Reason: reason, Reconnect: reconnect}
}

// Ping is the liveness frame sent periodically by the server.
type Ping struct {
	Type    string `json:"type"`
	Message int64  `json:"message"`
}

// NewPing creates a ping frame with the provided unix timestamp.
func NewPing(unix int64) *Ping {
	return &Ping{Type: PingType, Message: unix}
}

// Confirmation confirms or rejects a subscription request.
type Confirmation struct {
	Identifier string `json:"identifier"`
	Type       string `json:"type"`
}

// NewConfirm creates a confirm_subscription frame for the identifier.
func NewConfirm(identifier string) *Confirmation {
	return &Confirmation{Identifier: identifier, Type: ConfirmType}
}

// NewReject creates a reject_subscription frame for the identifier.
func NewReject(identifier string) *Confirmation {
	return &Confirmation{Identifier: identifier, Type: RejectType}
}

// ChannelMessage is a payload addressed to a subscription.
type ChannelMessage struct {
	Identifier string          `json:"identifier"`
	Message    json.RawMessage `json:"message"`
}

// NewChannelMessage creates a channel message for the identifier. The
// message is marshaled to JSON, unless it is already a json.RawMessage.
func NewChannelMessage(identifier string, v interface{}) (*ChannelMessage, error) {
	raw, ok := v.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &ChannelMessage{Identifier: identifier, Message: raw}, nil
}

// Control is a server-to-server frame published on the topic of a
// single connection.
type Control struct {
	Type      string `json:"type"`
	Reconnect bool   `json:"reconnect,omitempty"`
}

// DecodeControl decodes a control frame.
func DecodeControl(b []byte) (*Control, error) {
	var c Control
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: control: %v", ErrMalformed, err)
	}
	return &c, nil
}

// Frame is the union of all frames a client may receive. It is used
// by clients to decode server frames.
type Frame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Reconnect  bool            `json:"reconnect,omitempty"`
}

// DecodeFrame decodes a server frame.
func DecodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &f, nil
}
