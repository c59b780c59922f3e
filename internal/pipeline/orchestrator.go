// Package pipeline sequences transcription, reply generation and synthesis
// for a single turn and emits its protocol frames in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-talk/internal/audio"
	"github.com/loqalabs/loqa-talk/internal/faults"
	"github.com/loqalabs/loqa-talk/internal/protocol"
	"github.com/loqalabs/loqa-talk/internal/staging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-talk/internal/pipeline"

type Options struct {
	InputSampleRate   int
	MaxUtteranceBytes int
	Recorders         []Recorder
	Tracer            trace.Tracer
	Meter             metric.Meter
}

type Orchestrator struct {
	stager    staging.Stager
	stt       Transcriber
	llm       Replier
	tts       Speaker
	inputRate int
	maxBytes  int
	recorders []Recorder
	tracer    trace.Tracer
	metrics   *turnMetrics
	logger    *slog.Logger
}

type turnMetrics struct {
	turns    metric.Int64Counter
	duration metric.Float64Histogram
	stage    metric.Float64Histogram
	chunks   metric.Int64Counter
}

func New(stager staging.Stager, stt Transcriber, llm Replier, tts Speaker, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	metrics, err := newTurnMetrics(meter)
	if err != nil {
		return nil, err
	}
	inputRate := opts.InputSampleRate
	if inputRate <= 0 {
		inputRate = 16000
	}
	return &Orchestrator{
		stager:    stager,
		stt:       stt,
		llm:       llm,
		tts:       tts,
		inputRate: inputRate,
		maxBytes:  opts.MaxUtteranceBytes,
		recorders: opts.Recorders,
		tracer:    tracer,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "orchestrator")),
	}, nil
}

func newTurnMetrics(meter metric.Meter) (*turnMetrics, error) {
	turns, err := meter.Int64Counter("talk.turns",
		metric.WithDescription("Turns finished, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("turns counter: %w", err)
	}
	duration, err := meter.Float64Histogram("talk.turn.duration",
		metric.WithDescription("Wall time of a turn"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("turn duration histogram: %w", err)
	}
	stage, err := meter.Float64Histogram("talk.stage.duration",
		metric.WithDescription("Wall time of each pipeline stage"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("stage duration histogram: %w", err)
	}
	chunks, err := meter.Int64Counter("talk.audio.chunks",
		metric.WithDescription("Synthesized audio chunks delivered"))
	if err != nil {
		return nil, fmt.Errorf("chunk counter: %w", err)
	}
	return &turnMetrics{turns: turns, duration: duration, stage: stage, chunks: chunks}, nil
}

// RunTurn drives one turn to Done or Failed. Frames are emitted in the order
// transcription, reply_text, audio_start, audio_chunk*, audio_end; a failure
// replaces the remainder with a single error frame unless the transport is
// gone. The returned error is the turn's failure, if any.
func (o *Orchestrator) RunTurn(ctx context.Context, req Request, emit Emitter) (*Turn, error) {
	turn := &Turn{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		State:     StateListening,
		StartedAt: time.Now(),
	}
	ctx, span := o.tracer.Start(ctx, "talk.turn", trace.WithAttributes(
		attribute.String("session.id", turn.SessionID),
		attribute.String("turn.id", turn.ID),
		attribute.Int("audio.bytes", len(req.Audio)),
	))
	defer span.End()

	o.record(ctx, turn, protocol.EventTurnStarted, "")

	clip, err := o.validate(req.Audio)
	if err != nil {
		return o.fail(ctx, span, turn, req, err, emit)
	}

	o.transition(turn, req, StateTranscribing)
	transcript, err := o.transcribe(ctx, turn, clip)
	if err != nil {
		return o.fail(ctx, span, turn, req, err, emit)
	}
	turn.Transcript = transcript
	if err := o.send(ctx, emit, protocol.Frame{Type: protocol.FrameTranscription, Text: transcript}); err != nil {
		return o.fail(ctx, span, turn, req, err, emit)
	}
	o.record(ctx, turn, protocol.EventTranscribed, transcript)

	o.transition(turn, req, StateGenerating)
	raw, reply, err := o.generate(ctx, turn)
	turn.RawReply = raw
	if err != nil {
		return o.fail(ctx, span, turn, req, err, emit)
	}
	turn.Reply = reply
	if err := o.send(ctx, emit, protocol.Frame{Type: protocol.FrameReplyText, Text: reply}); err != nil {
		return o.fail(ctx, span, turn, req, err, emit)
	}
	o.record(ctx, turn, protocol.EventReplied, reply)

	o.transition(turn, req, StateSynthesizing)
	if err := o.synthesize(ctx, turn, emit); err != nil {
		return o.fail(ctx, span, turn, req, err, emit)
	}

	o.transition(turn, req, StateDone)
	turn.EndedAt = time.Now()
	o.record(ctx, turn, protocol.EventTurnComplete, "")
	o.observe(ctx, turn, "done")
	span.SetAttributes(attribute.Int("audio.chunks", turn.Chunks))
	span.SetStatus(codes.Ok, "")
	o.logger.Debug("turn complete",
		slog.String("session_id", turn.SessionID),
		slog.String("turn_id", turn.ID),
		slog.Int("chunks", turn.Chunks),
		slog.Duration("elapsed", turn.EndedAt.Sub(turn.StartedAt)))
	return turn, nil
}

func (o *Orchestrator) validate(payload []byte) (audio.Clip, error) {
	if o.maxBytes > 0 && len(payload) > o.maxBytes {
		return audio.Clip{}, faults.Newf(faults.InvalidInput, "utterance of %d bytes exceeds limit of %d", len(payload), o.maxBytes)
	}
	clip, err := audio.Normalize(payload, o.inputRate)
	if err != nil {
		return audio.Clip{}, faults.Wrap(faults.InvalidInput, err)
	}
	return clip, nil
}

// transcribe holds the staged resource only while the recognizer runs.
func (o *Orchestrator) transcribe(ctx context.Context, turn *Turn, clip audio.Clip) (string, error) {
	ctx, span := o.tracer.Start(ctx, "talk.transcribe")
	defer span.End()
	defer o.stageDone(ctx, "transcribe", time.Now())

	res, err := o.stager.Acquire(ctx, clip)
	if err != nil {
		if ctx.Err() != nil {
			return "", faults.FromContext(ctx)
		}
		return "", faults.Wrap(faults.TranscriptionFailed, fmt.Errorf("stage audio: %w", err))
	}
	defer func() {
		if err := res.Release(); err != nil {
			o.logger.Warn("release staged audio", slog.String("turn_id", turn.ID), slogError(err))
		}
	}()

	text, err := o.stt.Transcribe(ctx, res)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.Int("transcript.length", len(text)))
	return text, nil
}

func (o *Orchestrator) generate(ctx context.Context, turn *Turn) (string, string, error) {
	ctx, span := o.tracer.Start(ctx, "talk.generate")
	defer span.End()
	defer o.stageDone(ctx, "generate", time.Now())

	raw, reply, err := o.llm.Reply(ctx, turn.SessionID, turn.ID, turn.Transcript)
	if err != nil {
		span.RecordError(err)
		return raw, "", err
	}
	span.SetAttributes(attribute.Int("reply.length", len(reply)))
	return raw, reply, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, turn *Turn, emit Emitter) error {
	ctx, span := o.tracer.Start(ctx, "talk.synthesize")
	defer span.End()
	defer o.stageDone(ctx, "synthesize", time.Now())

	if err := o.send(ctx, emit, protocol.Frame{
		Type:       protocol.FrameAudioStart,
		SampleRate: o.tts.SampleRate(),
		Channels:   o.tts.Channels(),
	}); err != nil {
		return err
	}
	n, err := o.tts.Stream(ctx, turn.SessionID, turn.Reply, func(pcm []byte) error {
		return o.send(ctx, emit, protocol.Frame{Type: protocol.FrameAudioChunk, PCM: pcm})
	})
	turn.Chunks = n
	o.metrics.chunks.Add(ctx, int64(n))
	if err != nil {
		span.RecordError(err)
		return err
	}
	return o.send(ctx, emit, protocol.Frame{Type: protocol.FrameAudioEnd})
}

// send refuses to emit once ctx is done and tags write failures as a lost transport.
func (o *Orchestrator) send(ctx context.Context, emit Emitter, frame protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return faults.FromContext(ctx)
	}
	if err := emit(frame); err != nil {
		return faults.Wrap(faults.TransportDisconnected, err)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, turn *Turn, req Request, err error, emit Emitter) (*Turn, error) {
	failedIn := turn.State
	if faults.KindOf(err) == "" {
		if ctx.Err() != nil {
			err = faults.FromContext(ctx)
		} else {
			err = faults.Wrap(StageKind(failedIn), err)
		}
	}
	o.transition(turn, req, StateFailed)
	turn.Err = err
	turn.EndedAt = time.Now()

	span.RecordError(err)
	span.SetStatus(codes.Error, string(faults.KindOf(err)))
	o.record(ctx, turn, protocol.EventTurnFailed, string(failedIn))
	o.observe(ctx, turn, string(faults.KindOf(err)))

	if !faults.Silent(err) {
		if emitErr := emit(protocol.Frame{Type: protocol.FrameError, Message: err.Error()}); emitErr != nil {
			o.logger.Debug("error frame not delivered", slog.String("turn_id", turn.ID), slogError(emitErr))
		}
	}
	level := slog.LevelWarn
	if errors.Is(err, context.Canceled) || faults.Silent(err) || faults.Is(err, faults.Cancelled) {
		level = slog.LevelInfo
	}
	o.logger.Log(ctx, level, "turn failed",
		slog.String("session_id", turn.SessionID),
		slog.String("turn_id", turn.ID),
		slog.String("stage", string(failedIn)),
		slogError(err))
	return turn, err
}

// StageKind is the failure kind for an error raised while in state s.
func StageKind(s State) faults.Kind {
	switch s {
	case StateTranscribing:
		return faults.TranscriptionFailed
	case StateGenerating:
		return faults.GenerationFailed
	case StateSynthesizing:
		return faults.SynthesisFailed
	default:
		return faults.InvalidInput
	}
}

func (o *Orchestrator) transition(turn *Turn, req Request, next State) {
	turn.State = next
	if req.OnState != nil {
		req.OnState(next)
	}
}

func (o *Orchestrator) record(ctx context.Context, turn *Turn, eventType, text string) {
	if len(o.recorders) == 0 {
		return
	}
	ev := protocol.TurnEvent{
		SessionID: turn.SessionID,
		TurnID:    turn.ID,
		Type:      eventType,
		State:     string(turn.State),
		Text:      text,
		Chunks:    turn.Chunks,
		Timestamp: time.Now().UTC(),
	}
	if turn.Err != nil {
		ev.Kind = string(faults.KindOf(turn.Err))
		ev.Error = turn.Err.Error()
	}
	if !turn.EndedAt.IsZero() {
		ev.DurationMS = turn.EndedAt.Sub(turn.StartedAt).Milliseconds()
	}
	recCtx := context.WithoutCancel(ctx)
	for _, r := range o.recorders {
		r.Record(recCtx, ev)
	}
}

func (o *Orchestrator) observe(ctx context.Context, turn *Turn, outcome string) {
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	o.metrics.turns.Add(ctx, 1, attrs)
	o.metrics.duration.Record(ctx, turn.EndedAt.Sub(turn.StartedAt).Seconds(), attrs)
}

func (o *Orchestrator) stageDone(ctx context.Context, stage string, start time.Time) {
	o.metrics.stage.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
