package cable

// MessageBuffer holds the raw frames received before a connection is
// open. Drain delivers them in order to a sink, after which the buffer
// is exhausted and frames pushed to it go directly to the sink.
//
// A MessageBuffer is owned by a single connection and is not safe for
// concurrent use.
type MessageBuffer struct {
	frames   [][]byte
	sink     func([]byte)
	draining bool
}

// Push appends raw to the buffer, or sends it to the sink if the buffer
// is drained.
func (b *MessageBuffer) Push(raw []byte) {
	if b.sink != nil && !b.draining {
		b.sink(raw)
		return
	}
	b.frames = append(b.frames, raw)
}

// Drain sends the buffered frames to sink in the order they were pushed,
// and routes all subsequent pushes to sink. Frames pushed while the
// buffer is draining (e.g. by sink itself) are delivered after the
// frames already buffered. Only the first call has an effect.
func (b *MessageBuffer) Drain(sink func([]byte)) {
	if b.sink != nil {
		return
	}
	b.sink = sink
	b.draining = true
	for len(b.frames) > 0 {
		raw := b.frames[0]
		b.frames[0] = nil
		b.frames = b.frames[1:]
		sink(raw)
	}
	b.frames = nil
	b.draining = false
}

// Drained returns true if Drain has been called.
func (b *MessageBuffer) Drained() bool { return b.sink != nil }

// Len returns the number of frames waiting in the buffer.
func (b *MessageBuffer) Len() int { return len(b.frames) }
