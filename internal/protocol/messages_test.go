package protocol

import (
	"encoding/json"
	"testing"
)

func TestWireOmitsUnsetFields(t *testing.T) {
	tests := []struct {
		frame Frame
		want  string
	}{
		{Frame{Type: FrameTranscription, Text: "hello"}, `{"type":"transcription","text":"hello"}`},
		{Frame{Type: FrameAudioStart, SampleRate: 24000, Channels: 1}, `{"type":"audio_start","sample_rate":24000,"channels":1}`},
		{Frame{Type: FrameAudioEnd}, `{"type":"audio_end"}`},
		{Frame{Type: FrameError, Message: "TranscriptionFailed: boom"}, `{"type":"error","message":"TranscriptionFailed: boom"}`},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.frame.Wire())
		if err != nil {
			t.Fatalf("marshal %s: %v", tt.frame.Type, err)
		}
		if string(got) != tt.want {
			t.Fatalf("wire(%s) = %s, want %s", tt.frame.Type, got, tt.want)
		}
	}
}

func TestTurnSubject(t *testing.T) {
	if got := TurnSubject("", EventTurnComplete); got != "talk.turn.completed" {
		t.Fatalf("default subject = %q", got)
	}
	if got := TurnSubject("edge.talk", EventTurnFailed); got != "edge.talk.failed" {
		t.Fatalf("prefixed subject = %q", got)
	}
}
