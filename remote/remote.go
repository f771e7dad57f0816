// Package remote implements the Remote type to use to act on cable
// connections from outside the process that serves them. A remote
// publishes control frames on the internal topic of the connections
// through the same broker the servers use, so that all processes
// serving a connection with the requested identity handle it.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mna/cable"
	"github.com/mna/cable/message"
)

// ErrInvalidIdentifiers is returned by Where when an identity attribute
// is not part of the Identifiers of the Remote.
var ErrInvalidIdentifiers = errors.New("cable/remote: invalid identifiers")

// Publisher defines the method required to publish payloads on a topic.
// It is implemented by all cable brokers.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Remote is a peer that acts on connections served by other
// processes.
type Remote struct {
	// prevent unkeyed literals
	_ struct{}

	// Broker is the broker used by the servers of the connections.
	Broker Publisher

	// Identifiers is the list of identity attributes of the connection
	// class. If set, Where only accepts those attributes.
	Identifiers []string
}

// Where returns the connections identified by the identity attributes
// in attrs. The attributes are rendered the same way as the servers do,
// see cable.CanonicalIdentifier.
func (r *Remote) Where(attrs map[string]interface{}) (*Connections, error) {
	if len(r.Identifiers) > 0 {
		for k := range attrs {
			if !isIn(r.Identifiers, k) {
				return nil, fmt.Errorf("%w: %s", ErrInvalidIdentifiers, k)
			}
		}
	}
	id := cable.CanonicalIdentifier(attrs)
	if id == "" {
		return nil, fmt.Errorf("%w: no identity attribute", ErrInvalidIdentifiers)
	}
	return &Connections{r: r, identifier: id}, nil
}

// Broadcast marshals v as JSON and publishes it on topic, to be
// streamed to the subscriptions of all connections that stream from it.
func (r *Remote) Broadcast(topic string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.Broker.Publish(topic, b)
}

// Connections is the set of connections that share a canonical
// identifier, in all processes.
type Connections struct {
	r          *Remote
	identifier string
}

// Identifier returns the canonical identifier of the connections.
func (c *Connections) Identifier() string { return c.identifier }

// Disconnect asks the servers to close the connections. The clients
// receive a disconnect frame with the remote reason, and the reconnect
// flag.
func (c *Connections) Disconnect(reconnect bool) error {
	b, err := json.Marshal(&message.Control{Type: message.DisconnectType, Reconnect: reconnect})
	if err != nil {
		return err
	}
	return c.r.Broker.Publish(cable.InternalTopic(c.identifier), b)
}

func isIn(list []string, v string) bool {
	for _, vv := range list {
		if vv == v {
			return true
		}
	}
	return false
}
