package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-talk/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer shells out to an engine that reads a WAV path and prints
// JSON. The engine holds one model, so it reports itself Exclusive.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
}

type execSegment struct {
	Text string `json:"text"`
}

type execResult struct {
	Text       string        `json:"text"`
	Segments   []execSegment `json:"segments"`
	Confidence float64       `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Exclusive() bool { return true }

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	if req.Audio == nil || req.Audio.Path() == "" {
		return TranscriptResult{}, errors.New("exec recognizer needs disk-staged audio")
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", req.Audio.Path())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	language := req.Language
	if language == "" {
		language = r.cfg.Language
	}
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	text := resp.Text
	if len(resp.Segments) > 0 {
		text = joinSegments(resp.Segments)
	}
	return TranscriptResult{Text: text, Confidence: resp.Confidence}, nil
}

// joinSegments trims each segment and joins the non-empty ones with a space.
func joinSegments(segments []execSegment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if s := strings.TrimSpace(seg.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
