// Package session runs the turns of one client connection strictly one after
// another and tracks live sessions for draining.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-talk/internal/faults"
	"github.com/loqalabs/loqa-talk/internal/pipeline"
	"github.com/loqalabs/loqa-talk/internal/protocol"
)

// Runner executes a single turn.
type Runner interface {
	RunTurn(ctx context.Context, req pipeline.Request, emit pipeline.Emitter) (*pipeline.Turn, error)
}

type Policy string

const (
	PolicyQueue  Policy = "queue"
	PolicyReject Policy = "reject"
)

type Options struct {
	Policy     Policy
	QueueDepth int
}

var ErrClosed = errors.New("session closed")

// Session owns at most one in-flight turn. Utterances submitted while a turn
// runs are queued or rejected according to the policy; rejections are
// reported after the running turn finishes so frames of different turns never
// interleave.
type Session struct {
	id     string
	runner Runner
	policy Policy
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	queue  chan []byte

	state atomic.Value
	turns atomic.Int64

	// busy and pending change together with turnCancel so that an utterance
	// taken off the queue is never observed as idle.
	mu         sync.Mutex
	busy       bool
	pending    int
	turnCancel context.CancelCauseFunc
	cancelNext error
	rejected   int
	closed     bool
}

func New(parent context.Context, runner Runner, opts Options, logger *slog.Logger) *Session {
	depth := 1
	if opts.Policy != PolicyReject {
		depth = opts.QueueDepth + 1
	}
	ctx, cancel := context.WithCancelCause(parent)
	s := &Session{
		id:     uuid.NewString(),
		runner: runner,
		policy: opts.Policy,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan []byte, depth),
	}
	s.logger = logger.With(slog.String("component", "session"), slog.String("session_id", s.id))
	s.state.Store(pipeline.StateListening)
	return s
}

func (s *Session) ID() string { return s.id }

// State is the state of the current turn, or Listening between turns.
func (s *Session) State() pipeline.State { return s.state.Load().(pipeline.State) }

// Busy reports whether a turn is in flight or an accepted utterance is
// waiting to start.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy || s.pending > 0
}

// Turns counts finished turns.
func (s *Session) Turns() int64 { return s.turns.Load() }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Cause is the reason the session was closed, or nil while it is open.
func (s *Session) Cause() error { return context.Cause(s.ctx) }

// Submit hands an utterance to the worker. It never blocks: when the turn
// slot is taken and the policy (or a full queue) does not allow waiting, it
// returns a TurnInProgress fault and a rejection notice is scheduled.
func (s *Session) Submit(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.policy == PolicyReject && (s.busy || s.pending > 0) {
		s.rejected++
		return faults.New(faults.TurnInProgress, "a turn is already in progress")
	}
	select {
	case s.queue <- audio:
		s.pending++
		return nil
	default:
		s.rejected++
		return faults.Newf(faults.TurnInProgress, "turn queue is full (%d pending)", len(s.queue))
	}
}

// CancelTurn aborts the in-flight turn, or the next one when an accepted
// utterance has not started yet. The turn reports a Cancelled error frame and
// the session stays usable.
func (s *Session) CancelTurn(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cause := faults.New(faults.Cancelled, reason)
	switch {
	case s.turnCancel != nil:
		s.turnCancel(cause)
	case s.pending > 0:
		s.cancelNext = cause
	default:
		return false
	}
	return true
}

// Close ends the session and the in-flight turn with cause.
func (s *Session) Close(cause error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if cause == nil {
		cause = ErrClosed
	}
	s.cancel(cause)
}

// Serve runs turns until the session closes, emitting every frame through
// emit. It returns the cause the session was closed with.
func (s *Session) Serve(emit pipeline.Emitter) error {
	for {
		select {
		case <-s.ctx.Done():
			return context.Cause(s.ctx)
		case audio := <-s.queue:
			if s.ctx.Err() != nil {
				return context.Cause(s.ctx)
			}
			s.mu.Lock()
			s.pending--
			ctx := s.beginLocked()
			s.mu.Unlock()
			_, err := s.execute(ctx, audio, emit)
			if faults.Is(err, faults.TransportDisconnected) {
				s.Close(err)
				return err
			}
			s.flushRejections(emit)
		}
	}
}

// RunTurn runs one utterance synchronously on the caller's goroutine. It
// fails with TurnInProgress instead of waiting when a turn is already active.
func (s *Session) RunTurn(audio []byte, emit pipeline.Emitter) (*pipeline.Turn, error) {
	s.mu.Lock()
	if s.busy || s.pending > 0 {
		s.mu.Unlock()
		return nil, faults.New(faults.TurnInProgress, "a turn is already in progress")
	}
	ctx := s.beginLocked()
	s.mu.Unlock()
	return s.execute(ctx, audio, emit)
}

// beginLocked marks a turn in flight and returns its context. s.mu must be
// held.
func (s *Session) beginLocked() context.Context {
	ctx, cancel := context.WithCancelCause(s.ctx)
	s.busy = true
	s.turnCancel = cancel
	if s.cancelNext != nil {
		cancel(s.cancelNext)
		s.cancelNext = nil
	}
	return ctx
}

// execute runs a turn started by beginLocked and clears busy when it ends.
func (s *Session) execute(turnCtx context.Context, audio []byte, emit pipeline.Emitter) (turn *pipeline.Turn, err error) {
	defer func() {
		s.state.Store(pipeline.StateListening)
		s.turns.Add(1)
		s.mu.Lock()
		cancel := s.turnCancel
		s.turnCancel = nil
		s.busy = false
		s.mu.Unlock()
		if cancel != nil {
			cancel(nil)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = s.recoverTurn(turnCtx, r, emit)
		}
	}()

	return s.runner.RunTurn(turnCtx, pipeline.Request{
		SessionID: s.id,
		Audio:     audio,
		OnState:   func(st pipeline.State) { s.state.Store(st) },
	}, emit)
}

func (s *Session) recoverTurn(ctx context.Context, r any, emit pipeline.Emitter) error {
	hub := sentry.CurrentHub().Clone()
	hub.Scope().SetTag("session_id", s.id)
	hub.RecoverWithContext(ctx, r)
	hub.Flush(2 * time.Second)

	err := faults.Wrap(pipeline.StageKind(s.State()), fmt.Errorf("panic: %v", r))
	s.logger.Error("turn panicked", slog.String("error", err.Error()))
	if emitErr := emit(protocol.Frame{Type: protocol.FrameError, Message: err.Error()}); emitErr != nil {
		return faults.Wrap(faults.TransportDisconnected, emitErr)
	}
	return err
}

func (s *Session) flushRejections(emit pipeline.Emitter) {
	s.mu.Lock()
	n := s.rejected
	s.rejected = 0
	s.mu.Unlock()
	if n == 0 {
		return
	}
	msg := faults.Newf(faults.TurnInProgress, "%d utterance(s) dropped while a turn was in progress", n).Error()
	if err := emit(protocol.Frame{Type: protocol.FrameError, Message: msg}); err != nil {
		s.logger.Debug("rejection notice not delivered", slog.String("error", err.Error()))
	}
}
