package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-talk/internal/protocol"
)

const (
	recorderQueue = 1024
	writeTimeout  = 2 * time.Second
)

// Recorder writes turn milestones into the timeline off the turn path. Writes
// go through one queue drained by a single goroutine, so a session row always
// lands before its events. Sessions are created on first sight so the
// pipeline does not need to know about the store.
type Recorder struct {
	store *Store
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan func(context.Context)
	done   chan struct{}

	// owned by the writer goroutine
	seen map[string]struct{}
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	r := &Recorder{
		store: store,
		log:   log.With(slog.String("component", "timeline")),
		queue: make(chan func(context.Context), recorderQueue),
		done:  make(chan struct{}),
		seen:  make(map[string]struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for op := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		op(ctx)
		cancel()
	}
}

// enqueue never blocks; when the writer falls behind the operation is dropped.
func (r *Recorder) enqueue(what string, op func(context.Context)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- op:
	default:
		r.log.Warn("timeline queue full, dropping write", slog.String("op", what))
	}
}

// Record implements pipeline.Recorder.
func (r *Recorder) Record(_ context.Context, ev protocol.TurnEvent) {
	if !r.store.enabled() {
		return
	}
	r.enqueue(ev.Type, func(ctx context.Context) { r.append(ctx, ev) })
}

func (r *Recorder) append(ctx context.Context, ev protocol.TurnEvent) {
	if err := r.ensureSession(ctx, ev.SessionID); err != nil {
		r.log.Warn("record session failed", slog.String("session_id", ev.SessionID), slog.String("error", err.Error()))
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.Warn("encode turn event failed", slog.String("error", err.Error()))
		return
	}
	if err := r.store.AppendEvent(ctx, Event{
		SessionID: ev.SessionID,
		TurnID:    ev.TurnID,
		Type:      ev.Type,
		State:     ev.State,
		Payload:   payload,
		CreatedAt: ev.Timestamp,
	}); err != nil {
		r.log.Warn("record turn event failed",
			slog.String("session_id", ev.SessionID),
			slog.String("turn_id", ev.TurnID),
			slog.String("error", err.Error()))
	}
}

// SessionOpened records transport details for a new session.
func (r *Recorder) SessionOpened(_ context.Context, sessionID, transport, remoteAddr string) {
	if !r.store.enabled() {
		return
	}
	r.enqueue("session_opened", func(ctx context.Context) {
		if err := r.store.OpenSession(ctx, sessionID, transport, remoteAddr); err != nil {
			r.log.Warn("record session failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			return
		}
		r.seen[sessionID] = struct{}{}
	})
}

// SessionClosed stamps the session end and forgets it.
func (r *Recorder) SessionClosed(_ context.Context, sessionID string) {
	if !r.store.enabled() {
		return
	}
	r.enqueue("session_closed", func(ctx context.Context) {
		if err := r.store.CloseSession(ctx, sessionID); err != nil {
			r.log.Warn("close session failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
		delete(r.seen, sessionID)
	})
}

// Flush waits until every write queued before the call has been applied.
func (r *Recorder) Flush(ctx context.Context) error {
	applied := make(chan struct{})
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil
	}
	select {
	case r.queue <- func(context.Context) { close(applied) }:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-applied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListSessionEvents returns the timeline of a session including writes still
// queued when the call was made.
func (r *Recorder) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	return r.store.ListSessionEvents(ctx, sessionID, limit)
}

// Close applies the queued writes and stops the writer. Later calls are
// ignored.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) ensureSession(ctx context.Context, sessionID string) error {
	if _, ok := r.seen[sessionID]; ok {
		return nil
	}
	if err := r.store.OpenSession(ctx, sessionID, "", ""); err != nil {
		return err
	}
	r.seen[sessionID] = struct{}{}
	return nil
}
