// Package engine defines the narrow interface between the worker core and a
// speech recognition engine. The worker drives a request through an Adapter
// and receives asynchronous recognition events through Callbacks; everything
// behind the Adapter (pipelines, models, feature extraction) is opaque.
package engine

// Adapter is the request-lifecycle interface a recognition engine exposes to
// the worker. One adapter instance serves exactly one session; the worker
// serializes all calls into it.
type Adapter interface {
	// InitRequest prepares the engine for a new request with the given id
	// and content type descriptor.
	InitRequest(id, contentType string) error

	// FeedData forwards one chunk of audio to the engine verbatim.
	FeedData(data []byte) error

	// EndRequest tells the engine no more audio will arrive.
	EndRequest() error

	// Cancel aborts recognition. The engine is expected to report
	// completion through OnEndOfRecognition or OnError afterwards, but the
	// worker does not rely on it.
	Cancel() error

	// FinishRequest releases per-request resources. The worker calls it at
	// most once per session.
	FinishRequest() error

	// SetAdaptationState hands the engine a checkpoint blob received from
	// the server. Engines without checkpoint support return an error,
	// which the worker logs and ignores.
	SetAdaptationState(blob []byte) error
}

// StateProvider is implemented by adapters that can checkpoint their state.
// Its absence gates whether the worker ever sends adaptation state.
type StateProvider interface {
	// AdaptationState returns the engine's current checkpoint blob.
	AdaptationState() ([]byte, error)
}

// Callbacks receives asynchronous events from an adapter. A given engine uses
// exactly one transcript delivery method: OnResult for whole-hypothesis
// engines, OnWord for incremental-word engines. OnEndOfRecognition and
// OnError are shared by both and are terminal for the request.
type Callbacks interface {
	// OnResult delivers a whole hypothesis, partial or final.
	OnResult(text string, final bool)

	// OnWord delivers one recognized token. A sentinel token marks an
	// utterance boundary.
	OnWord(token string)

	// OnEndOfRecognition signals that the engine finished the request.
	OnEndOfRecognition()

	// OnError signals a terminal engine failure.
	OnError(message string)
}

// Factory creates one fresh adapter per session, wired to cb.
type Factory func(cb Callbacks) (Adapter, error)
