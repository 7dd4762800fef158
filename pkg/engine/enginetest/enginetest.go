// Package enginetest provides a scriptable in-memory engine adapter for
// worker tests.
package enginetest

import (
	"sync"

	"github.com/veltalab/asrworker/pkg/engine"
)

// Adapter records every lifecycle call and lets tests drive callbacks. It
// implements engine.StateProvider; wrap it with Opaque to hide that
// capability.
type Adapter struct {
	mu    sync.Mutex
	cb    engine.Callbacks
	calls []string
	fed   [][]byte

	// Checkpoint is returned by AdaptationState.
	Checkpoint []byte
	// Received holds blobs passed to SetAdaptationState.
	Received [][]byte

	// InitErr, if set, is returned by InitRequest.
	InitErr error
}

// New returns an adapter wired to cb.
func New(cb engine.Callbacks) *Adapter {
	return &Adapter{cb: cb}
}

// Factory returns an engine.Factory that hands out a and remembers the
// worker-side callbacks.
func Factory(a *Adapter) engine.Factory {
	return func(cb engine.Callbacks) (engine.Adapter, error) {
		a.mu.Lock()
		a.cb = cb
		a.mu.Unlock()
		return a, nil
	}
}

func (a *Adapter) record(name string) {
	a.mu.Lock()
	a.calls = append(a.calls, name)
	a.mu.Unlock()
}

// CallCount reports how many times the named operation ran.
func (a *Adapter) CallCount(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == name {
			n++
		}
	}
	return n
}

// Fed returns all audio chunks passed to FeedData.
func (a *Adapter) Fed() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.fed...)
}

func (a *Adapter) InitRequest(id, contentType string) error {
	a.record("init")
	return a.InitErr
}

func (a *Adapter) FeedData(data []byte) error {
	a.mu.Lock()
	a.calls = append(a.calls, "feed")
	a.fed = append(a.fed, append([]byte(nil), data...))
	a.mu.Unlock()
	return nil
}

func (a *Adapter) EndRequest() error {
	a.record("end")
	return nil
}

func (a *Adapter) Cancel() error {
	a.record("cancel")
	return nil
}

func (a *Adapter) FinishRequest() error {
	a.record("finish")
	return nil
}

func (a *Adapter) SetAdaptationState(blob []byte) error {
	a.mu.Lock()
	a.calls = append(a.calls, "set_state")
	a.Received = append(a.Received, append([]byte(nil), blob...))
	a.mu.Unlock()
	return nil
}

// AdaptationState implements engine.StateProvider.
func (a *Adapter) AdaptationState() ([]byte, error) {
	a.record("get_state")
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Checkpoint, nil
}

// EmitResult delivers a whole-hypothesis callback.
func (a *Adapter) EmitResult(text string, final bool) { a.callbacks().OnResult(text, final) }

// EmitWord delivers one incremental token.
func (a *Adapter) EmitWord(token string) { a.callbacks().OnWord(token) }

// EmitEnd delivers the end-of-recognition callback.
func (a *Adapter) EmitEnd() { a.callbacks().OnEndOfRecognition() }

// EmitError delivers the error callback.
func (a *Adapter) EmitError(message string) { a.callbacks().OnError(message) }

func (a *Adapter) callbacks() engine.Callbacks {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cb
}

// Opaque hides the StateProvider capability of an adapter. Embedding the
// interface promotes only the engine.Adapter methods.
type Opaque struct {
	engine.Adapter
}
