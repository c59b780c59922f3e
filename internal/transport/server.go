// Package transport binds the turn pipeline to its clients: a single-exchange
// HTTP endpoint, a chunked streaming endpoint, a persistent WebSocket and a
// NATS request/reply subject.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-talk/internal/artifact"
	"github.com/loqalabs/loqa-talk/internal/config"
	"github.com/loqalabs/loqa-talk/internal/eventstore"
	"github.com/loqalabs/loqa-talk/internal/faults"
	"github.com/loqalabs/loqa-talk/internal/protocol"
	"github.com/loqalabs/loqa-talk/internal/session"
)

// SessionObserver is told when sessions start and end.
type SessionObserver interface {
	SessionOpened(ctx context.Context, sessionID, transport, remoteAddr string)
	SessionClosed(ctx context.Context, sessionID string)
}

// Timeline lists the recorded events of a session.
type Timeline interface {
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

type Options struct {
	Session  config.SessionConfig
	Observer SessionObserver
	Timeline Timeline
}

type Server struct {
	runner    session.Runner
	registry  *session.Registry
	artifacts *artifact.Store
	observer  SessionObserver
	timeline  Timeline
	logger    *slog.Logger

	policy       session.Policy
	queueDepth   int
	explicit     bool
	maxBytes     int
	pingInterval time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

func New(runner session.Runner, registry *session.Registry, artifacts *artifact.Store, opts Options, logger *slog.Logger) *Server {
	cfg := opts.Session
	s := &Server{
		runner:       runner,
		registry:     registry,
		artifacts:    artifacts,
		observer:     opts.Observer,
		timeline:     opts.Timeline,
		logger:       logger.With(slog.String("component", "transport")),
		policy:       session.Policy(cfg.TurnPolicy),
		queueDepth:   cfg.QueueDepth,
		explicit:     cfg.UtteranceMode == "explicit",
		maxBytes:     cfg.MaxUtteranceBytes,
		pingInterval: time.Duration(cfg.PingIntervalMS) * time.Millisecond,
		writeTimeout: time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.policy == "" {
		s.policy = session.PolicyQueue
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 5 * time.Second
	}
	return s
}

// Register mounts the talk routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("POST /talk", withSentryRecovery(http.HandlerFunc(s.handleTalk)))
	mux.Handle("POST /talk/stream", withSentryRecovery(http.HandlerFunc(s.handleStream)))
	mux.Handle("GET /talk/ws", withSentryRecovery(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("GET /audio/{ref}", withSentryRecovery(http.HandlerFunc(s.handleAudio)))
	mux.Handle("GET /sessions/{id}/events", withSentryRecovery(http.HandlerFunc(s.handleSessionEvents)))
}

func (s *Server) newSession(parent context.Context) *session.Session {
	return session.New(parent, s.runner, session.Options{Policy: s.policy, QueueDepth: s.queueDepth}, s.logger)
}

func (s *Server) opened(ctx context.Context, sess *session.Session, transport, remoteAddr string) {
	s.logger.Info("session opened",
		slog.String("session_id", sess.ID()),
		slog.String("transport", transport),
		slog.String("remote_addr", remoteAddr))
	if s.observer != nil {
		s.observer.SessionOpened(ctx, sess.ID(), transport, remoteAddr)
	}
}

func (s *Server) closed(ctx context.Context, sess *session.Session) {
	s.logger.Info("session closed",
		slog.String("session_id", sess.ID()),
		slog.Int64("turns", sess.Turns()))
	if s.observer != nil {
		s.observer.SessionClosed(ctx, sess.ID())
	}
}

// statusFor maps a turn failure to an HTTP status.
func statusFor(err error) int {
	switch faults.KindOf(err) {
	case faults.InvalidInput:
		return http.StatusBadRequest
	case faults.TurnInProgress:
		return http.StatusConflict
	case faults.TranscriptionFailed, faults.GenerationFailed, faults.SynthesisFailed:
		return http.StatusBadGateway
	case faults.Timeout, faults.SynthesisTimeout:
		return http.StatusGatewayTimeout
	case faults.Cancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), protocol.ErrorResponse{Error: err.Error(), Kind: string(faults.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
