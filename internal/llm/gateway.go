package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-talk/internal/config"
	"github.com/loqalabs/loqa-talk/internal/faults"
)

// Gateway wraps a Generator with prompt building, a bounded retry, an optional
// per-call timeout and reply cleaning.
type Gateway struct {
	gen         Generator
	persona     string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	retries     int
	logger      *slog.Logger
}

func NewGateway(cfg config.LLMConfig, gen Generator, logger *slog.Logger) *Gateway {
	retries := cfg.Retries
	if retries > 1 {
		retries = 1
	}
	return &Gateway{
		gen:         gen,
		persona:     cfg.Persona,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     time.Duration(cfg.TimeoutMS) * time.Millisecond,
		retries:     retries,
		logger:      logger.With(slog.String("component", "llm-gateway")),
	}
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, cfg.Stream, &http.Client{}), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "mock", "":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// Persona returns the instruction prefixed to every prompt.
func (g *Gateway) Persona() string { return g.persona }

// Stream forwards reply fragments to onFragment in generation order. A retry
// is attempted only when the failed attempt produced no fragments.
func (g *Gateway) Stream(ctx context.Context, req Request, onFragment func(string) error) error {
	if req.MaxTokens == 0 {
		req.MaxTokens = g.maxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = g.temperature
	}

	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		delivered := 0
		var consumerErr error
		err := g.attempt(ctx, req, func(chunk Chunk) error {
			if chunk.Content == "" {
				return nil
			}
			delivered++
			if err := onFragment(chunk.Content); err != nil {
				consumerErr = err
				return err
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if consumerErr != nil {
			return consumerErr
		}
		if ctx.Err() != nil {
			return faults.FromContext(ctx)
		}
		lastErr = err
		if faults.Is(err, faults.Timeout) || delivered > 0 {
			break
		}
		if attempt < g.retries {
			g.logger.Warn("generation failed, retrying", slog.String("turn_id", req.TurnID), slogError(err))
		}
	}
	if faults.KindOf(lastErr) != "" {
		return lastErr
	}
	return faults.Wrap(faults.GenerationFailed, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if g.timeout <= 0 {
		return g.gen.Generate(ctx, req, consumer)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	err := g.gen.Generate(callCtx, req, consumer)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return faults.Newf(faults.Timeout, "generation exceeded %s", g.timeout)
	}
	return err
}

// Generate returns the concatenated raw reply for prompt.
func (g *Gateway) Generate(ctx context.Context, req Request) (string, error) {
	var b strings.Builder
	if err := g.Stream(ctx, req, func(fragment string) error {
		b.WriteString(fragment)
		return nil
	}); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Reply prompts the model with transcript and returns the raw and cleaned
// reply. An empty cleaned reply is a generation failure.
func (g *Gateway) Reply(ctx context.Context, sessionID, turnID, transcript string) (string, string, error) {
	raw, err := g.Generate(ctx, Request{
		SessionID: sessionID,
		TurnID:    turnID,
		Prompt:    BuildPrompt(g.persona, transcript),
	})
	if err != nil {
		return "", "", err
	}
	cleaned := Clean(raw, g.persona)
	if cleaned == "" {
		return raw, "", faults.New(faults.GenerationFailed, "model returned an empty reply")
	}
	return raw, cleaned, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
