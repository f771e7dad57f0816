// Package cabletest provides test helpers for the cable packages.
package cabletest

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

// DebugLog is a logging function that records the number of calls and,
// if T is set, logs to the test's log.
type DebugLog struct {
	T *testing.T

	mu sync.Mutex
	n  int
}

// Printf implements the LogFunc signature.
func (l *DebugLog) Printf(f string, args ...interface{}) {
	l.mu.Lock()
	l.n++
	l.mu.Unlock()
	if l.T != nil {
		l.T.Logf(f, args...)
	}
}

// Calls returns the number of calls to Printf.
func (l *DebugLog) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// ErrTransportClosed is returned by Transport.Send once the transport
// is closed.
var ErrTransportClosed = errors.New("cabletest: transport closed")

// Transport records the frames sent through it. If SendErr is set,
// Send fails with that error. It is safe for concurrent use.
type Transport struct {
	SendErr error

	mu     sync.Mutex
	frames [][]byte
	closed int
}

// Send records p.
func (t *Transport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	if t.closed > 0 {
		return ErrTransportClosed
	}
	t.frames = append(t.frames, append([]byte(nil), p...))
	return nil
}

// Close marks the transport as closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

// Closed returns the number of calls to Close.
func (t *Transport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Frames returns the frames sent so far, as strings.
func (t *Transport) Frames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := make([]string, len(t.frames))
	for i, f := range t.frames {
		s[i] = string(f)
	}
	return s
}

// Decoded returns the frames sent so far, decoded as JSON objects.
// Frames that are not JSON objects are returned as nil.
func (t *Transport) Decoded() []map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ms := make([]map[string]interface{}, len(t.frames))
	for i, f := range t.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err == nil {
			ms[i] = m
		}
	}
	return ms
}

// Types returns the "type" field of the frames sent so far. Frames
// without a type (channel messages) are returned as "".
func (t *Transport) Types() []string {
	ms := t.Decoded()
	types := make([]string, len(ms))
	for i, m := range ms {
		types[i], _ = m["type"].(string)
	}
	return types
}

// Reset forgets the frames sent so far.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}
