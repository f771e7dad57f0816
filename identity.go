package cable

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Identifiable is implemented by values used as identity attributes
// of a connection, such as a user record. IdentityKey returns the key
// that identifies the value among the values of its type.
type Identifiable interface {
	IdentityKey() string
}

// IdentityTyper can be implemented by an Identifiable value to override
// the type name used in the canonical identifier. By default the name
// of the value's type is used.
type IdentityTyper interface {
	IdentityType() string
}

// IdentitySet holds the identity attributes of a connection. The
// attributes are declared by the ConnClass and set during Connect,
// after which the set is frozen.
type IdentitySet struct {
	names  []string
	values map[string]interface{}
	frozen bool
}

// NewIdentitySet returns a set that accepts the named attributes.
func NewIdentitySet(names ...string) *IdentitySet {
	return &IdentitySet{
		names:  names,
		values: make(map[string]interface{}, len(names)),
	}
}

// Set sets the value of the named attribute. It fails if the attribute
// is not declared or if the set is frozen.
func (s *IdentitySet) Set(name string, v interface{}) error {
	if s.frozen {
		return ErrIdentityFrozen
	}
	for _, n := range s.names {
		if n == name {
			s.values[name] = v
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
}

// Get returns the value of the named attribute, or nil if it is not set.
func (s *IdentitySet) Get(name string) interface{} {
	return s.values[name]
}

// Names returns the declared attribute names, in declaration order.
func (s *IdentitySet) Names() []string {
	return append([]string(nil), s.names...)
}

// Map returns a copy of the attributes that are set.
func (s *IdentitySet) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		m[k] = v
	}
	return m
}

// Freeze prevents any further change to the set.
func (s *IdentitySet) Freeze() { s.frozen = true }

// Frozen returns true if the set is frozen.
func (s *IdentitySet) Frozen() bool { return s.frozen }

// Identifier returns the canonical identifier of the attributes that
// are set. See CanonicalIdentifier.
func (s *IdentitySet) Identifier() string {
	return CanonicalIdentifier(s.values)
}

// CanonicalIdentifier returns the canonical identifier of a connection
// with the provided identity attributes. Each non-nil attribute is
// rendered with IdentityParam, and the results are joined with ":" in
// ascending order of attribute name, so the same identity always
// yields the same identifier.
func CanonicalIdentifier(attrs map[string]interface{}) string {
	names := make([]string, 0, len(attrs))
	for k, v := range attrs {
		if v != nil {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = IdentityParam(attrs[n])
	}
	return strings.Join(parts, ":")
}

// IdentityParam renders a single identity value. Identifiable values
// are rendered as "<TypeName>#<IdentityKey>", other values with
// fmt.Sprint.
func IdentityParam(v interface{}) string {
	id, ok := v.(Identifiable)
	if !ok {
		return fmt.Sprint(v)
	}

	var typ string
	if t, ok := v.(IdentityTyper); ok {
		typ = t.IdentityType()
	} else {
		rt := reflect.TypeOf(v)
		for rt.Kind() == reflect.Ptr {
			rt = rt.Elem()
		}
		typ = rt.Name()
	}
	if typ == "" {
		return id.IdentityKey()
	}
	return typ + "#" + id.IdentityKey()
}
