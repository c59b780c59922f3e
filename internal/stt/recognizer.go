package stt

import (
	"context"

	"github.com/loqalabs/loqa-talk/internal/staging"
)

// Request is one staged utterance to transcribe.
type Request struct {
	Audio    staging.Resource
	Channels int
	Language string
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}

// Exclusive is implemented by recognizers backed by a single engine
// instance. The gateway runs their calls one at a time, and time spent
// waiting for the engine does not count against the call timeout.
type Exclusive interface {
	Exclusive() bool
}
