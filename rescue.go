package cable

import "errors"

// RescueRegistry maps categories of errors to handlers. Each ConnClass
// has its own registry, it should be configured before the server starts
// serving connections.
type RescueRegistry struct {
	entries []rescueEntry
}

type rescueEntry struct {
	match func(error) bool
	fn    func(error)
}

// Register registers fn as handler of the errors for which match returns
// true. Handlers are tried in registration order, so more specific
// categories should be registered first.
func (r *RescueRegistry) Register(match func(error) bool, fn func(error)) *RescueRegistry {
	r.entries = append(r.entries, rescueEntry{match: match, fn: fn})
	return r
}

// RescueFrom registers fn as handler of the errors that match target
// according to errors.Is.
func (r *RescueRegistry) RescueFrom(target error, fn func(error)) *RescueRegistry {
	return r.Register(func(err error) bool {
		return errors.Is(err, target)
	}, fn)
}

// RescueFromType registers fn as handler of the errors that have an
// error of type T in their chain, according to errors.As. T may be an
// interface type, which matches all errors implementing it.
func RescueFromType[T error](r *RescueRegistry, fn func(T)) *RescueRegistry {
	return r.Register(func(err error) bool {
		var target T
		return errors.As(err, &target)
	}, func(err error) {
		var target T
		errors.As(err, &target)
		fn(target)
	})
}

// Handle calls the first handler registered for err and returns true,
// or returns false if no handler matches.
func (r *RescueRegistry) Handle(err error) bool {
	if r == nil || err == nil {
		return false
	}
	for _, e := range r.entries {
		if e.match(err) {
			e.fn(err)
			return true
		}
	}
	return false
}

// Len returns the number of registered handlers.
func (r *RescueRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}
