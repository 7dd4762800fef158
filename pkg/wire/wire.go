// Package wire defines the JSON message vocabulary spoken between a
// recognition worker and the dispatch server.
package wire

// Status codes carried by outbound events. The numbering follows the dispatch
// server's vocabulary, which mirrors the Chrome speech API status codes.
const (
	StatusSuccess              = 0
	StatusNoSpeech             = 1
	StatusAborted              = 2
	StatusAudioCapture         = 3
	StatusNetwork              = 4
	StatusNotAllowed           = 5
	StatusServiceAllowed       = 6
	StatusServiceNotAllowed    = 7
	StatusBadGrammar           = 8
	StatusLanguageNotSupported = 9
	StatusNotAvailable         = 10
)

// EOS is the literal control token the server sends after the last audio
// chunk of a request.
const EOS = "EOS"

// InitMessage is the first text message of a request. It assigns the request
// id and describes the media type of the audio that follows.
type InitMessage struct {
	ContentType string `json:"content_type"`
	ID          string `json:"id"`
}

// ControlMessage is any later text message from the server.
type ControlMessage struct {
	AdaptationState *AdaptationState `json:"adaptation_state,omitempty"`
}

// AdaptationState is the envelope carrying an opaque engine checkpoint across
// the wire. Value holds the blob in the encoding named by Type.
type AdaptationState struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Time  string `json:"time,omitempty"`
}

// Hypothesis is one transcription candidate.
type Hypothesis struct {
	Transcript string `json:"transcript"`
}

// Result groups the hypotheses for one utterance.
type Result struct {
	Hypotheses []Hypothesis `json:"hypotheses"`
	Final      bool         `json:"final"`
}

// Event is an outbound worker-to-server message.
type Event struct {
	Status          int              `json:"status"`
	Result          *Result          `json:"result,omitempty"`
	AdaptationState *AdaptationState `json:"adaptation_state,omitempty"`
	Message         string           `json:"message,omitempty"`
}

// TranscriptEvent builds a success event carrying a single hypothesis.
func TranscriptEvent(transcript string, final bool) *Event {
	return &Event{
		Status: StatusSuccess,
		Result: &Result{
			Hypotheses: []Hypothesis{{Transcript: transcript}},
			Final:      final,
		},
	}
}

// RejectionEvent builds a non-success event with an optional message.
func RejectionEvent(status int, message string) *Event {
	return &Event{Status: status, Message: message}
}
