package wire

import (
	"encoding/json"
	"testing"
)

func TestTranscriptEventJSON(t *testing.T) {
	data, err := json.Marshal(TranscriptEvent("hello world", false))
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	want := `{"status":0,"result":{"hypotheses":[{"transcript":"hello world"}],"final":false}}`
	if string(data) != want {
		t.Errorf("got %s\nwant %s", data, want)
	}
}

func TestRejectionEventJSON(t *testing.T) {
	tests := []struct {
		name  string
		event *Event
		want  string
	}{
		{
			name:  "no speech",
			event: RejectionEvent(StatusNoSpeech, ""),
			want:  `{"status":1}`,
		},
		{
			name:  "engine error",
			event: RejectionEvent(StatusNotAllowed, "decoder failed"),
			want:  `{"status":5,"message":"decoder failed"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.event)
			if err != nil {
				t.Fatalf("Marshal error: %v", err)
			}
			if string(data) != tc.want {
				t.Errorf("got %s; want %s", data, tc.want)
			}
		})
	}
}

func TestControlMessageAdaptationState(t *testing.T) {
	raw := `{"adaptation_state": {"type": "string+gzip+base64", "value": "eJw="}}`
	var msg ControlMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if msg.AdaptationState == nil {
		t.Fatal("AdaptationState is nil")
	}
	if msg.AdaptationState.Type != "string+gzip+base64" {
		t.Errorf("Type = %q", msg.AdaptationState.Type)
	}
}
