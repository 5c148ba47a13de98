// Package wstest provides a frame recorder that stands in for a websocket
// in unit tests of code that writes through websocket.Connection.
package wstest

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

var errRecorderClosed = errors.New("recorder closed")

// Recorder satisfies websocket.FrameWriter and keeps every text frame it is given.
type Recorder struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	writeErr error
}

// NewRecorder returns an open recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) SetWriteDeadline(time.Time) error {
	return nil
}

func (r *Recorder) WriteMessage(_ int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errRecorderClosed
	}
	if r.writeErr != nil {
		return r.writeErr
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	r.frames = append(r.frames, frame)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// FailWrites makes every later write return err.
func (r *Recorder) FailWrites(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeErr = err
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Count returns the number of recorded frames.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Envelopes decodes every recorded frame as a JSON object.
func (r *Recorder) Envelopes() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	envelopes := make([]map[string]interface{}, 0, len(r.frames))
	for _, frame := range r.frames {
		var env map[string]interface{}
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes
}

// OfType returns the recorded envelopes whose type field equals typ.
func (r *Recorder) OfType(typ string) []map[string]interface{} {
	var matches []map[string]interface{}
	for _, env := range r.Envelopes() {
		if env["type"] == typ {
			matches = append(matches, env)
		}
	}
	return matches
}

// WaitForType blocks until n envelopes of typ have been recorded and returns them.
func (r *Recorder) WaitForType(t *testing.T, typ string, n int, timeout time.Duration) []map[string]interface{} {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		matches := r.OfType(typ)
		if len(matches) >= n {
			return matches
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d %q envelopes within %v, got %d", n, typ, timeout, len(matches))
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ExpectNoType waits for the given duration and fails if any envelope of typ arrived.
func (r *Recorder) ExpectNoType(t *testing.T, typ string, wait time.Duration) {
	t.Helper()

	time.Sleep(wait)
	if matches := r.OfType(typ); len(matches) > 0 {
		t.Errorf("Expected no %q envelopes, got %d: %v", typ, len(matches), matches)
	}
}
