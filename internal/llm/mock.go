package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 20 * time.Millisecond} }

// Generate echoes the last user line of the prompt back as an assistant turn.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}
	content := "AI: You said " + lastUserLine(req.Prompt) + "."
	for i, word := range strings.SplitAfter(content, " ") {
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   word,
			Partial:   true,
			Latency:   m.delay + time.Duration(i)*time.Millisecond,
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{SessionID: req.SessionID, Partial: false, Latency: m.delay})
}

func lastUserLine(prompt string) string {
	lines := strings.Split(prompt, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if rest, ok := strings.CutPrefix(lines[i], "User:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(prompt)
}
