package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	chunks     int
	chunkBytes int
	delay      time.Duration
}

// NewMockSynth emits a fixed number of equally sized chunks of a ramp waveform.
func NewMockSynth(sampleRate, channels, chunks, chunkBytes int) Synthesizer {
	if chunks <= 0 {
		chunks = 1
	}
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	chunkBytes -= chunkBytes % 2
	return &mockSynth{
		sampleRate: sampleRate,
		channels:   channels,
		chunks:     chunks,
		chunkBytes: chunkBytes,
		delay:      5 * time.Millisecond,
	}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < m.chunks; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(m.delay):
			}
			pcm := make([]byte, m.chunkBytes)
			for j := 0; j < len(pcm); j += 2 {
				pcm[j] = byte(i + j/2)
			}
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm,
				Final:      i == m.chunks-1,
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
		}
	}()
	return chunks, errs
}
