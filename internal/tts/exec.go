package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// maxEngineLine bounds one JSON line from the engine; a line carries a whole
// base64 chunk.
const maxEngineLine = 16 << 20

// execSynth drives an engine that reads one JSON request on stdin and writes
// JSON lines of base64 PCM. It is Exclusive: the engine holds one model.
type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
}

type engineRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	RefText    string `json:"ref_text,omitempty"`
	RefCodes   string `json:"ref_codes,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type engineLine struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Exclusive() bool { return true }

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(engineRequest{
		Text:       req.Text,
		Voice:      req.Voice.Name,
		RefText:    req.Voice.RefText,
		RefCodes:   req.Voice.RefCodesPath,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	stdout, err := e.start(cmd, payload)
	if err != nil {
		return err
	}
	if err := e.relay(ctx, req, stdout, out); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("tts command failed: %w", err)
	}
	return nil
}

// start launches the engine and hands it the request on stdin.
func (e *execSynth) start(cmd *exec.Cmd, payload []byte) (io.Reader, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts command: %w", err)
	}
	_, werr := stdin.Write(payload)
	stdin.Close()
	if werr != nil {
		_ = cmd.Wait()
		return nil, fmt.Errorf("write tts request: %w", werr)
	}
	return stdout, nil
}

// relay decodes engine lines into chunks until stdout closes.
func (e *execSynth) relay(ctx context.Context, req SynthRequest, stdout io.Reader, out chan<- SynthChunk) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEngineLine)
	seq := 0
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line engineLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return fmt.Errorf("decode tts line: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("tts engine: %s", line.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(line.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode tts pcm: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   seq,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			PCM:        pcm,
			Final:      line.Final,
		}:
		}
		seq++
	}
	return scanner.Err()
}
