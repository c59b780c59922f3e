package protocol

import "time"

// FrameType names a turn's protocol frames in emission order.
type FrameType string

const (
	FrameTranscription FrameType = "transcription"
	FrameReplyText     FrameType = "reply_text"
	FrameAudioStart    FrameType = "audio_start"
	FrameAudioChunk    FrameType = "audio_chunk"
	FrameAudioEnd      FrameType = "audio_end"
	FrameError         FrameType = "error"
)

// Frame is one event of a turn as produced by the orchestrator. Which fields
// are set depends on Type.
type Frame struct {
	Type       FrameType
	Text       string
	Message    string
	PCM        []byte
	SampleRate int
	Channels   int
}

// WireMessage is the JSON text form of every frame except audio_chunk, which
// travels as a binary message.
type WireMessage struct {
	Type       FrameType `json:"type"`
	Text       string    `json:"text,omitempty"`
	Message    string    `json:"message,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
}

func (f Frame) Wire() WireMessage {
	return WireMessage{
		Type:       f.Type,
		Text:       f.Text,
		Message:    f.Message,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
}

// ClientMessage is a JSON control message sent by a WebSocket client.
type ClientMessage struct {
	Type string `json:"type"`
}

const (
	ClientCommit = "commit"
	ClientCancel = "cancel"
)

// TalkResponse is the single-exchange HTTP reply.
type TalkResponse struct {
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
	AudioRef   string `json:"audio_ref"`
}

// ErrorResponse is the JSON body of a failed HTTP exchange.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// TurnEvent is a milestone of a turn, persisted to the timeline and fanned
// out on the bus.
type TurnEvent struct {
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	Type       string    `json:"type"`
	State      string    `json:"state"`
	Text       string    `json:"text,omitempty"`
	Chunks     int       `json:"chunks,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	EventTurnStarted  = "started"
	EventTranscribed  = "transcribed"
	EventReplied      = "replied"
	EventTurnComplete = "completed"
	EventTurnFailed   = "failed"

	SubjectTurnPrefix = "talk.turn"
)

// TurnSubject returns the bus subject for an event type under prefix.
func TurnSubject(prefix, eventType string) string {
	if prefix == "" {
		prefix = SubjectTurnPrefix
	}
	return prefix + "." + eventType
}
