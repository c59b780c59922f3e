package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     Voice
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. Chunks arrive in order on
// the first channel; a failure is reported once on the second. Both channels
// are closed when synthesis ends, and producers stop when ctx is done.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Exclusive is implemented by synthesizers backed by a single engine
// instance. The gateway runs their calls one at a time and arms the
// first-chunk timer only once a call owns the engine.
type Exclusive interface {
	Exclusive() bool
}
