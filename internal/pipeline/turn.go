package pipeline

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-talk/internal/protocol"
	"github.com/loqalabs/loqa-talk/internal/staging"
)

type State string

const (
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateGenerating   State = "generating"
	StateSynthesizing State = "synthesizing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Turn is one utterance-to-reply exchange. It is owned by the goroutine
// running it; callers read it after RunTurn returns.
type Turn struct {
	ID         string
	SessionID  string
	State      State
	Transcript string
	RawReply   string
	Reply      string
	Chunks     int
	Err        error
	StartedAt  time.Time
	EndedAt    time.Time
}

// Emitter delivers one frame to the client. An error means the transport
// can no longer accept frames.
type Emitter func(protocol.Frame) error

// Recorder observes turn milestones. Implementations must not block for long
// and report their own failures.
type Recorder interface {
	Record(ctx context.Context, ev protocol.TurnEvent)
}

// Request is the input of one turn.
type Request struct {
	SessionID string
	Audio     []byte
	// OnState, when set, is called on every state transition.
	OnState func(State)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio staging.Resource) (string, error)
}

type Replier interface {
	Reply(ctx context.Context, sessionID, turnID, transcript string) (raw string, reply string, err error)
}

type Speaker interface {
	Stream(ctx context.Context, sessionID, text string, onChunk func([]byte) error) (int, error)
	SampleRate() int
	Channels() int
}
