package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-talk/internal/audio"
	"github.com/loqalabs/loqa-talk/internal/config"
	"github.com/loqalabs/loqa-talk/internal/faults"
)

// Gateway turns a Synthesizer's channels into an ordered callback stream
// conditioned on the process-wide reference voice.
type Gateway struct {
	synth             Synthesizer
	slot              chan struct{}
	voice             Voice
	sampleRate        int
	channels          int
	firstChunkTimeout time.Duration
	maxChunkBytes     int
	logger            *slog.Logger
}

func NewGateway(cfg config.TTSConfig, synth Synthesizer, voice Voice, logger *slog.Logger) *Gateway {
	g := &Gateway{
		synth:             synth,
		voice:             voice,
		sampleRate:        cfg.SampleRate,
		channels:          cfg.Channels,
		firstChunkTimeout: time.Duration(cfg.FirstChunkTimeoutMS) * time.Millisecond,
		maxChunkBytes:     cfg.MaxChunkBytes,
		logger:            logger.With(slog.String("component", "tts-gateway")),
	}
	if ex, ok := synth.(Exclusive); ok && ex.Exclusive() {
		g.slot = make(chan struct{}, 1)
	}
	return g
}

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.MockChunks, cfg.MockChunkBytes), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func (g *Gateway) SampleRate() int { return g.sampleRate }
func (g *Gateway) Channels() int   { return g.channels }

// Stream delivers non-empty PCM chunks to onChunk in production order and
// returns how many were delivered. An error from onChunk stops synthesis and
// is returned unchanged. The first-chunk timeout covers engine time only,
// not the wait for an Exclusive engine.
func (g *Gateway) Stream(ctx context.Context, sessionID, text string, onChunk func([]byte) error) (int, error) {
	if g.slot != nil {
		select {
		case g.slot <- struct{}{}:
		case <-ctx.Done():
			return 0, faults.FromContext(ctx)
		}
	}
	callCtx, cancel := context.WithCancel(ctx)
	out, fails := g.synth.Synthesize(callCtx, SynthRequest{SessionID: sessionID, Text: text, Voice: g.voice})
	defer func() {
		cancel()
		if g.slot != nil {
			go g.release(out, fails)
		}
	}()

	chunks, errs := out, fails

	var firstChunk <-chan time.Time
	if g.firstChunkTimeout > 0 {
		timer := time.NewTimer(g.firstChunkTimeout)
		defer timer.Stop()
		firstChunk = timer.C
	}

	delivered := 0
	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			return delivered, faults.FromContext(ctx)
		case <-firstChunk:
			return delivered, faults.Newf(faults.SynthesisTimeout, "no audio within %s", g.firstChunkTimeout)
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			firstChunk = nil
			for _, piece := range audio.Split(chunk.PCM, g.maxChunkBytes) {
				if err := onChunk(piece); err != nil {
					return delivered, err
				}
				delivered++
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return delivered, faults.FromContext(ctx)
			}
			g.logger.Warn("synthesis failed", slog.String("session_id", sessionID), slogError(err))
			return delivered, faults.Wrap(faults.SynthesisFailed, err)
		}
	}
	return delivered, nil
}

// release frees the engine once the abandoned or finished call has closed
// its channels.
func (g *Gateway) release(chunks <-chan SynthChunk, errs <-chan error) {
	for range chunks {
	}
	for range errs {
	}
	<-g.slot
}

// Synthesize returns the whole utterance as one PCM buffer.
func (g *Gateway) Synthesize(ctx context.Context, sessionID, text string) ([]byte, error) {
	var pcm []byte
	if _, err := g.Stream(ctx, sessionID, text, func(chunk []byte) error {
		pcm = append(pcm, chunk...)
		return nil
	}); err != nil {
		return nil, err
	}
	return pcm, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
