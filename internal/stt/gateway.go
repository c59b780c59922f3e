package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-talk/internal/config"
	"github.com/loqalabs/loqa-talk/internal/faults"
	"github.com/loqalabs/loqa-talk/internal/staging"
)

// Gateway runs a Recognizer off the caller's goroutine so a cancelled or
// timed-out turn stops waiting immediately.
type Gateway struct {
	recognizer Recognizer
	slot       chan struct{}
	language   string
	channels   int
	timeout    time.Duration
	logger     *slog.Logger
}

func NewGateway(cfg config.STTConfig, recognizer Recognizer, logger *slog.Logger) *Gateway {
	g := &Gateway{
		recognizer: recognizer,
		language:   cfg.Language,
		channels:   cfg.Channels,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:     logger.With(slog.String("component", "stt-gateway")),
	}
	if ex, ok := recognizer.(Exclusive); ok && ex.Exclusive() {
		g.slot = make(chan struct{}, 1)
	}
	return g
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg)
	case "mock", "":
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

type transcribeResult struct {
	res TranscriptResult
	err error
}

// Transcribe returns the trimmed transcript of audio. For an Exclusive
// recognizer the timeout starts once this call owns the engine.
func (g *Gateway) Transcribe(ctx context.Context, audio staging.Resource) (string, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return "", err
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	done := make(chan transcribeResult, 1)
	go func() {
		defer release()
		res, err := g.recognizer.Transcribe(callCtx, Request{Audio: audio, Channels: g.channels, Language: g.language})
		done <- transcribeResult{res: res, err: err}
	}()

	select {
	case <-callCtx.Done():
		return "", g.contextFault(ctx, callCtx)
	case out := <-done:
		if out.err != nil {
			if callCtx.Err() != nil {
				return "", g.contextFault(ctx, callCtx)
			}
			g.logger.Warn("transcription failed", slogError(out.err))
			return "", faults.Wrap(faults.TranscriptionFailed, out.err)
		}
		return strings.TrimSpace(out.res.Text), nil
	}
}

// acquire waits for the engine when the recognizer is Exclusive. The
// returned release must run once the engine call has returned.
func (g *Gateway) acquire(ctx context.Context) (func(), error) {
	if g.slot == nil {
		return func() {}, nil
	}
	select {
	case g.slot <- struct{}{}:
		return func() { <-g.slot }, nil
	case <-ctx.Done():
		return nil, faults.FromContext(ctx)
	}
}

func (g *Gateway) contextFault(parent, call context.Context) error {
	if parent.Err() != nil {
		return faults.FromContext(parent)
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return faults.Newf(faults.Timeout, "transcription exceeded %s", g.timeout)
	}
	return faults.FromContext(call)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
