package message

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    *Command
		wantErr bool
	}{
		{`{"command":"subscribe","identifier":"{\"channel\":\"A\"}"}`, &Command{Command: "subscribe", Identifier: `{"channel":"A"}`}, false},
		{`{"command":"message","identifier":"x","data":"{}"}`, &Command{Command: "message", Identifier: "x", Data: "{}"}, false},
		{`{"command":"whatever"}`, &Command{Command: "whatever"}, false},
		{`{"identifier":"x"}`, nil, true},
		{`not json`, nil, true},
		{`[]`, nil, true},
		{``, nil, true},
	}
	for i, c := range cases {
		got, err := DecodeCommand([]byte(c.in))
		if c.wantErr {
			if assert.Error(t, err, "%d", i) {
				assert.True(t, errors.Is(err, ErrMalformed), "%d: wraps ErrMalformed", i)
			}
			continue
		}
		require.NoError(t, err, "%d", i)
		assert.Equal(t, c.want, got, "%d", i)
	}
}

func TestDecodeIdentifier(t *testing.T) {
	t.Parallel()

	id, err := DecodeIdentifier(`{"channel":"ChatChannel","room":"lobby","n":1}`)
	require.NoError(t, err)
	assert.Equal(t, "ChatChannel", id.Channel)
	assert.Equal(t, "lobby", id.Params["room"])
	assert.Equal(t, json.Number("1"), id.Params["n"])
	_, ok := id.Params["channel"]
	assert.False(t, ok, "channel field is not a param")

	id, err = DecodeIdentifier(`{"type":"EchoChannel"}`)
	require.NoError(t, err)
	assert.Equal(t, "EchoChannel", id.Channel)

	for _, s := range []string{``, `"x"`, `{}`, `{"channel":3}`, `{"room":"a"}`} {
		_, err := DecodeIdentifier(s)
		assert.True(t, errors.Is(err, ErrMalformed), "%q", s)
	}
}

func TestDecodeData(t *testing.T) {
	t.Parallel()

	action, data, err := DecodeData(`{"action":"speak","text":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "speak", action)
	assert.Equal(t, "hi", data["text"])

	action, _, err = DecodeData(`{"text":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "", action)

	_, _, err = DecodeData(`null`)
	assert.True(t, errors.Is(err, ErrMalformed))
	_, _, err = DecodeData(`{`)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestOutboundFrames(t *testing.T) {
	t.Parallel()

	cm, err := NewChannelMessage("id", map[string]string{"a": "b"})
	require.NoError(t, err)
	raw, err := NewChannelMessage("id", json.RawMessage(`{"raw":true}`))
	require.NoError(t, err)

	cases := []struct {
		v    interface{}
		want string
	}{
		{NewWelcome(), `{"type":"welcome"}`},
		{NewDisconnect(ReasonUnauthorized, false), `{"type":"disconnect","reason":"unauthorized","reconnect":false}`},
		{NewPing(42), `{"type":"ping","message":42}`},
		{NewConfirm("id"), `{"identifier":"id","type":"confirm_subscription"}`},
		{NewReject("id"), `{"identifier":"id","type":"reject_subscription"}`},
		{cm, `{"identifier":"id","message":{"a":"b"}}`},
		{raw, `{"identifier":"id","message":{"raw":true}}`},
	}
	for i, c := range cases {
		b, err := json.Marshal(c.v)
		require.NoError(t, err, "%d", i)
		assert.JSONEq(t, c.want, string(b), "%d", i)
	}
}

func TestDecodeControl(t *testing.T) {
	t.Parallel()

	c, err := DecodeControl([]byte(`{"type":"disconnect","reconnect":true}`))
	require.NoError(t, err)
	assert.Equal(t, DisconnectType, c.Type)
	assert.True(t, c.Reconnect)

	_, err = DecodeControl([]byte(`nope`))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	f, err := DecodeFrame([]byte(`{"identifier":"x","message":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, "x", f.Identifier)
	assert.Equal(t, json.RawMessage(`[1,2]`), f.Message)
	assert.Equal(t, "", f.Type)
}
