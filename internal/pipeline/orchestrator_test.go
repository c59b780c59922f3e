package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-talk/internal/audio"
	"github.com/loqalabs/loqa-talk/internal/config"
	"github.com/loqalabs/loqa-talk/internal/faults"
	"github.com/loqalabs/loqa-talk/internal/llm"
	"github.com/loqalabs/loqa-talk/internal/protocol"
	"github.com/loqalabs/loqa-talk/internal/staging"
	"github.com/loqalabs/loqa-talk/internal/tts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// trackingStager remembers every resource it hands out.
type trackingStager struct {
	staging.Stager
	mu        sync.Mutex
	resources []staging.Resource
}

func (s *trackingStager) Acquire(ctx context.Context, clip audio.Clip) (staging.Resource, error) {
	res, err := s.Stager.Acquire(ctx, clip)
	if err == nil {
		s.mu.Lock()
		s.resources = append(s.resources, res)
		s.mu.Unlock()
	}
	return res, err
}

func (s *trackingStager) all() []staging.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]staging.Resource(nil), s.resources...)
}

type transcriberFunc func(ctx context.Context, res staging.Resource) (string, error)

func (f transcriberFunc) Transcribe(ctx context.Context, res staging.Resource) (string, error) {
	return f(ctx, res)
}

type replierFunc func(ctx context.Context, sessionID, turnID, transcript string) (string, string, error)

func (f replierFunc) Reply(ctx context.Context, sessionID, turnID, transcript string) (string, string, error) {
	return f(ctx, sessionID, turnID, transcript)
}

type recorderFunc func(protocol.TurnEvent)

func (f recorderFunc) Record(_ context.Context, ev protocol.TurnEvent) { f(ev) }

type frameLog struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (l *frameLog) emit(f protocol.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
	return nil
}

func (l *frameLog) types() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var parts []string
	for _, f := range l.frames {
		parts = append(parts, string(f.Type))
	}
	return strings.Join(parts, " ")
}

func (l *frameLog) snapshot() []protocol.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Frame(nil), l.frames...)
}

type harness struct {
	stager *trackingStager
	orch   *Orchestrator
	events []protocol.TurnEvent
	mu     sync.Mutex
}

func newHarness(t *testing.T, stt Transcriber, replier Replier, speaker Speaker) *harness {
	t.Helper()
	h := &harness{stager: &trackingStager{Stager: staging.NewDisk(t.TempDir())}}
	rec := recorderFunc(func(ev protocol.TurnEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	orch, err := New(h.stager, stt, replier, speaker, Options{InputSampleRate: 16000, Recorders: []Recorder{rec}}, testLogger())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

func mockSpeaker(chunks, size int) Speaker {
	cfg := config.TTSConfig{SampleRate: 24000, Channels: 1}
	return tts.NewGateway(cfg, tts.NewMockSynth(24000, 1, chunks, size), tts.Voice{}, testLogger())
}

func scriptedReplier(raw string) Replier {
	gen := generatorFunc(func(_ context.Context, _ llm.Request, consume func(llm.Chunk) error) error {
		return consume(llm.Chunk{Content: raw})
	})
	return llm.NewGateway(config.LLMConfig{Persona: config.DefaultPersona}, gen, testLogger())
}

type generatorFunc func(ctx context.Context, req llm.Request, consume func(llm.Chunk) error) error

func (f generatorFunc) Generate(ctx context.Context, req llm.Request, consume func(llm.Chunk) error) error {
	return f(ctx, req, consume)
}

var utterance = make([]byte, 3200)

func TestRunTurnHelloScenario(t *testing.T) {
	var stagedPath string
	var existedDuringTranscription bool
	stt := transcriberFunc(func(_ context.Context, res staging.Resource) (string, error) {
		stagedPath = res.Path()
		_, err := os.Stat(res.Path())
		existedDuringTranscription = err == nil && !res.Released()
		return "hello", nil
	})
	h := newHarness(t, stt, scriptedReplier("AI: Hi there! How are you?"), mockSpeaker(3, 4096))

	var states []State
	log := &frameLog{}
	turn, err := h.orch.RunTurn(context.Background(), Request{
		SessionID: "s1",
		Audio:     utterance,
		OnState:   func(s State) { states = append(states, s) },
	}, log.emit)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}

	want := "transcription reply_text audio_start audio_chunk audio_chunk audio_chunk audio_end"
	if got := log.types(); got != want {
		t.Fatalf("frames = %q, want %q", got, want)
	}
	frames := log.snapshot()
	if frames[0].Text != "hello" || frames[1].Text != "Hi there! How are you?" {
		t.Fatalf("unexpected text frames %+v %+v", frames[0], frames[1])
	}
	if frames[2].SampleRate != 24000 || frames[2].Channels != 1 {
		t.Fatalf("audio_start should carry format, got %+v", frames[2])
	}
	for _, f := range frames[3:6] {
		if len(f.PCM) != 4096 {
			t.Fatalf("expected 4096-byte chunks, got %d", len(f.PCM))
		}
	}

	if !existedDuringTranscription {
		t.Fatal("staged audio must exist while transcribing")
	}
	if _, err := os.Stat(stagedPath); !os.IsNotExist(err) {
		t.Fatal("staged audio must be removed after transcription")
	}
	if turn.State != StateDone || turn.Chunks != 3 || turn.Reply != "Hi there! How are you?" {
		t.Fatalf("unexpected turn %+v", turn)
	}
	wantStates := []State{StateTranscribing, StateGenerating, StateSynthesizing, StateDone}
	if len(states) != len(wantStates) {
		t.Fatalf("states = %v", states)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Fatalf("states = %v, want %v", states, wantStates)
		}
	}
	gotEvents := strings.Join(h.eventTypes(), ",")
	if gotEvents != "started,transcribed,replied,completed" {
		t.Fatalf("unexpected events %s", gotEvents)
	}
}

func TestRunTurnTranscriptionFailure(t *testing.T) {
	stt := transcriberFunc(func(context.Context, staging.Resource) (string, error) {
		return "", faults.Wrap(faults.TranscriptionFailed, errors.New("engine crashed"))
	})
	h := newHarness(t, stt, scriptedReplier("unused"), mockSpeaker(3, 4096))

	log := &frameLog{}
	turn, err := h.orch.RunTurn(context.Background(), Request{SessionID: "s1", Audio: utterance}, log.emit)
	if !faults.Is(err, faults.TranscriptionFailed) {
		t.Fatalf("expected TranscriptionFailed, got %v", err)
	}
	frames := log.snapshot()
	if len(frames) != 1 || frames[0].Type != protocol.FrameError {
		t.Fatalf("expected a single error frame, got %q", log.types())
	}
	if !strings.HasPrefix(frames[0].Message, "TranscriptionFailed: ") {
		t.Fatalf("unexpected error message %q", frames[0].Message)
	}
	if turn.State != StateFailed {
		t.Fatalf("expected failed turn, got %s", turn.State)
	}
	for _, res := range h.stager.all() {
		if !res.Released() {
			t.Fatal("resource must be released after a transcription failure")
		}
		if _, err := os.Stat(res.Path()); !os.IsNotExist(err) {
			t.Fatal("staged file must be gone")
		}
	}
	if h.stager.Live() != 0 {
		t.Fatalf("expected no live resources, got %d", h.stager.Live())
	}
}

func TestRunTurnInvalidInputAcquiresNothing(t *testing.T) {
	called := false
	stt := transcriberFunc(func(context.Context, staging.Resource) (string, error) {
		called = true
		return "", nil
	})
	h := newHarness(t, stt, scriptedReplier("unused"), mockSpeaker(1, 2))

	for _, payload := range [][]byte{nil, {1, 2, 3}} {
		log := &frameLog{}
		_, err := h.orch.RunTurn(context.Background(), Request{SessionID: "s", Audio: payload}, log.emit)
		if !faults.Is(err, faults.InvalidInput) {
			t.Fatalf("expected InvalidInput, got %v", err)
		}
		if log.types() != "error" {
			t.Fatalf("expected single error frame, got %q", log.types())
		}
	}
	if called || len(h.stager.all()) != 0 {
		t.Fatal("invalid input must not reach the gateway or stage audio")
	}
}

func TestRunTurnGenerationFailureStopsBeforeAudio(t *testing.T) {
	stt := transcriberFunc(func(context.Context, staging.Resource) (string, error) { return "hi", nil })
	replier := replierFunc(func(context.Context, string, string, string) (string, string, error) {
		return "", "", errors.New("ollama unreachable")
	})
	h := newHarness(t, stt, replier, mockSpeaker(1, 2))

	log := &frameLog{}
	_, err := h.orch.RunTurn(context.Background(), Request{SessionID: "s", Audio: utterance}, log.emit)
	if !faults.Is(err, faults.GenerationFailed) {
		t.Fatalf("expected GenerationFailed, got %v", err)
	}
	if log.types() != "transcription error" {
		t.Fatalf("unexpected frames %q", log.types())
	}
	if !strings.HasPrefix(log.snapshot()[1].Message, "GenerationFailed: ") {
		t.Fatalf("unexpected message %q", log.snapshot()[1].Message)
	}
}

func TestRunTurnTransportFailureIsSilent(t *testing.T) {
	stt := transcriberFunc(func(context.Context, staging.Resource) (string, error) { return "hi", nil })
	h := newHarness(t, stt, scriptedReplier("Hello."), mockSpeaker(5, 64))

	var mu sync.Mutex
	var frames []protocol.FrameType
	emit := func(f protocol.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		if f.Type == protocol.FrameAudioChunk {
			return errors.New("write: broken pipe")
		}
		frames = append(frames, f.Type)
		return nil
	}
	_, err := h.orch.RunTurn(context.Background(), Request{SessionID: "s", Audio: utterance}, emit)
	if !faults.Is(err, faults.TransportDisconnected) {
		t.Fatalf("expected TransportDisconnected, got %v", err)
	}
	for _, f := range frames {
		if f == protocol.FrameError {
			t.Fatal("no error frame may be sent to a dead transport")
		}
	}
}

func TestRunTurnDisconnectDuringSynthesis(t *testing.T) {
	stt := transcriberFunc(func(context.Context, staging.Resource) (string, error) { return "hi", nil })
	h := newHarness(t, stt, scriptedReplier("Hello."), mockSpeaker(1000, 64))

	ctx, cancel := context.WithCancelCause(context.Background())
	log := &frameLog{}
	chunks := 0
	emit := func(f protocol.Frame) error {
		if f.Type == protocol.FrameAudioChunk {
			chunks++
			if chunks == 2 {
				cancel(faults.New(faults.TransportDisconnected, "client went away"))
			}
		}
		return log.emit(f)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RunTurn(ctx, Request{SessionID: "s", Audio: utterance}, emit)
		done <- err
	}()
	select {
	case err := <-done:
		if !faults.Is(err, faults.TransportDisconnected) {
			t.Fatalf("expected TransportDisconnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop after disconnect")
	}
	n := len(log.snapshot())
	time.Sleep(30 * time.Millisecond)
	if len(log.snapshot()) != n {
		t.Fatal("frames emitted after the turn returned")
	}
	for _, f := range log.snapshot() {
		if f.Type == protocol.FrameError || f.Type == protocol.FrameAudioEnd {
			t.Fatalf("unexpected %s frame after disconnect", f.Type)
		}
	}
	if h.stager.Live() != 0 {
		t.Fatal("staged audio leaked")
	}
}

func TestRunTurnDisconnectDuringTranscription(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	stt := transcriberFunc(func(ctx context.Context, _ staging.Resource) (string, error) {
		close(started)
		select {
		case <-ctx.Done():
			return "", faults.FromContext(ctx)
		case <-release:
			return "late", nil
		}
	})
	h := newHarness(t, stt, scriptedReplier("unused"), mockSpeaker(1, 2))

	ctx, cancel := context.WithCancelCause(context.Background())
	log := &frameLog{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.RunTurn(ctx, Request{SessionID: "s", Audio: utterance}, log.emit)
	}()
	<-started
	cancel(faults.New(faults.TransportDisconnected, "closed"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop")
	}
	if len(log.snapshot()) != 0 {
		t.Fatalf("expected no frames, got %q", log.types())
	}
	if h.stager.Live() != 0 {
		t.Fatal("staged audio must be released on disconnect")
	}
}

func TestRunTurnClientCancelReportsError(t *testing.T) {
	stt := transcriberFunc(func(context.Context, staging.Resource) (string, error) { return "hi", nil })
	ctx, cancel := context.WithCancelCause(context.Background())
	replier := replierFunc(func(ctx context.Context, _, _, _ string) (string, string, error) {
		cancel(faults.New(faults.Cancelled, "cancelled by client"))
		<-ctx.Done()
		return "", "", faults.FromContext(ctx)
	})
	h := newHarness(t, stt, replier, mockSpeaker(1, 2))

	log := &frameLog{}
	_, err := h.orch.RunTurn(ctx, Request{SessionID: "s", Audio: utterance}, log.emit)
	if !faults.Is(err, faults.Cancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if log.types() != "transcription error" {
		t.Fatalf("unexpected frames %q", log.types())
	}
	if log.snapshot()[1].Message != "Cancelled: cancelled by client" {
		t.Fatalf("unexpected message %q", log.snapshot()[1].Message)
	}
}

func TestRunTurnRejectsOversizedUtterance(t *testing.T) {
	stt := transcriberFunc(func(context.Context, staging.Resource) (string, error) { return "hi", nil })
	orch, err := New(staging.NewMemory(), stt, scriptedReplier("x"), mockSpeaker(1, 2), Options{MaxUtteranceBytes: 8}, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = orch.RunTurn(context.Background(), Request{Audio: make([]byte, 10)}, (&frameLog{}).emit)
	if !faults.Is(err, faults.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}
