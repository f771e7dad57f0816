// Package wswriter implements an exclusive writer for a websocket connection.
// It allows a single access to the writer end of the websocket connection
// at any given time, and a limited writer that fails writes exceeding a
// maximum size.
package wswriter

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrWriteLockTimeout is returned when a call to Write fails
	// because the write lock of the connection cannot be acquired before
	// the timeout.
	ErrWriteLockTimeout = errors.New("cable: timed out waiting for write lock")

	// ErrWriteLimitExceeded is returned when a message is larger than
	// the limit of a limited writer.
	ErrWriteLimitExceeded = errors.New("cable: write limit exceeded")
)

// NewLock returns a write lock to use with Exclusive. The lock is a
// channel so that acquiring it can be select'ed upon.
func NewLock() chan struct{} {
	// start with an available slot (initialize with a sent value).
	lock := make(chan struct{}, 1)
	lock <- struct{}{}
	return lock
}

// Writer implements an io.WriteCloser that acquires the connection's write
// lock prior to writing a text message.
type Writer struct {
	w            io.WriteCloser
	init         bool
	writeLock    chan struct{}
	lockTimeout  time.Duration
	writeTimeout time.Duration
	wsConn       *websocket.Conn
}

// Exclusive creates an exclusive websocket writer. It uses the lock
// channel to acquire and release the lock, and fails with an
// ErrWriteLockTimeout if it can't acquire one before acquireTimeout.
// The writeTimeout is used to set the write deadline on the connection,
// and conn is the websocket connection to write to.
func Exclusive(conn *websocket.Conn, lock chan struct{}, acquireTimeout, writeTimeout time.Duration) *Writer {
	return &Writer{
		writeLock:    lock,
		lockTimeout:  acquireTimeout,
		writeTimeout: writeTimeout,
		wsConn:       conn,
	}
}

// Write writes to the current text message of the websocket connection.
// The first call tries to acquire the exclusive writer lock, returning
// ErrWriteLockTimeout if it fails doing so before the timeout.
func (w *Writer) Write(p []byte) (int, error) {
	if !w.init {
		var wait <-chan time.Time
		if to := w.lockTimeout; to > 0 {
			wait = time.After(to)
		}

		// try to acquire the write lock before the timeout
		select {
		case <-wait:
			return 0, ErrWriteLockTimeout

		case <-w.writeLock:
			// lock acquired, get next writer from the websocket connection
			w.init = true
			if to := w.writeTimeout; to > 0 {
				w.wsConn.SetWriteDeadline(time.Now().Add(to))
			}
			wc, err := w.wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				return 0, err
			}
			w.w = wc
		}
	}

	if w.w == nil {
		return 0, io.ErrClosedPipe
	}
	return w.w.Write(p)
}

// Close finishes writing the text message to the websocket connection,
// and releases the exclusive write lock.
func (w *Writer) Close() error {
	if !w.init {
		// no write, Close is a no-op
		return nil
	}

	var err error
	if w.w != nil {
		// if w.w is set, then NextWriter succeeded and that writer
		// must be properly closed.
		err = w.w.Close()
		w.wsConn.SetWriteDeadline(time.Time{})
	}

	// release the write lock
	w.init = false
	w.w = nil
	w.writeLock <- struct{}{}
	return err
}

// Limit returns a writer that fails with ErrWriteLimitExceeded a write
// that would take the total number of bytes written to it over n. Such
// a write is rejected as a whole, nothing is written to w.
func Limit(w io.Writer, n int64) io.Writer {
	return &limitedWriter{w: w, n: n}
}

type limitedWriter struct {
	w io.Writer
	n int64
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > w.n {
		return 0, ErrWriteLimitExceeded
	}
	n, err := w.w.Write(p)
	w.n -= int64(n)
	return n, err
}
