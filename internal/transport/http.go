package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/loqalabs/loqa-talk/internal/artifact"
	"github.com/loqalabs/loqa-talk/internal/faults"
	"github.com/loqalabs/loqa-talk/internal/protocol"
	"github.com/loqalabs/loqa-talk/internal/session"
)

const trailerError = "X-Talk-Error"

var (
	errUnavailable = errors.New("server is draining or at capacity")
	errArtifact    = errors.New("could not store reply audio")
)

// acquire admits a one-turn session bound to parent. When parent ends
// before the turn does, the session is closed as a lost transport.
func (s *Server) acquire(parent context.Context, transport, remoteAddr string) (*session.Session, func(), error) {
	ctx := context.WithoutCancel(parent)
	sess := s.newSession(ctx)
	if !s.registry.Add(sess) {
		sess.Close(nil)
		return nil, nil, errUnavailable
	}
	stop := context.AfterFunc(parent, func() {
		sess.Close(faults.New(faults.TransportDisconnected, "client went away"))
	})
	s.opened(ctx, sess, transport, remoteAddr)
	release := func() {
		stop()
		sess.Close(nil)
		s.registry.Remove(sess)
		s.closed(ctx, sess)
	}
	return sess, release, nil
}

// exchange runs one utterance to completion and stores the reply audio as an
// artifact.
func (s *Server) exchange(parent context.Context, transport, remoteAddr string, data []byte) (protocol.TalkResponse, error) {
	sess, release, err := s.acquire(parent, transport, remoteAddr)
	if err != nil {
		return protocol.TalkResponse{}, err
	}
	defer release()

	var pcm bytes.Buffer
	var rate, channels int
	turn, err := sess.RunTurn(data, func(f protocol.Frame) error {
		switch f.Type {
		case protocol.FrameAudioStart:
			rate, channels = f.SampleRate, f.Channels
		case protocol.FrameAudioChunk:
			pcm.Write(f.PCM)
		}
		return nil
	})
	if err != nil {
		return protocol.TalkResponse{}, err
	}

	resp := protocol.TalkResponse{Transcript: turn.Transcript, Reply: turn.Reply}
	if s.artifacts != nil {
		ref, err := s.artifacts.Save(pcm.Bytes(), rate, channels)
		if err != nil {
			s.logger.Error("store reply audio", slogError(err))
			return protocol.TalkResponse{}, errArtifact
		}
		resp.AudioRef = ref
	}
	return resp, nil
}

// readUtterance accepts a raw body (PCM or WAV) or a multipart upload in the
// "audio" or "file" field.
func (s *Server) readUtterance(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := int64(s.maxBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return readLimited(r.Body, limit)
	}

	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, faults.Wrap(faults.InvalidInput, fmt.Errorf("parse upload: %w", err))
	}
	for _, field := range []string{"audio", "file"} {
		file, _, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, faults.Wrap(faults.InvalidInput, fmt.Errorf("read upload: %w", err))
		}
		defer file.Close()
		return readLimited(file, limit)
	}
	return nil, faults.New(faults.InvalidInput, "upload has no audio or file field")
}

// readLimited reads one byte past limit so oversized payloads are rejected
// by the pipeline with the actual size in the message.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidInput, fmt.Errorf("read body: %w", err))
	}
	return data, nil
}

func (s *Server) handleTalk(w http.ResponseWriter, r *http.Request) {
	data, err := s.readUtterance(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.exchange(r.Context(), "http", r.RemoteAddr, data)
	switch {
	case errors.Is(err, errUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: err.Error()})
	case errors.Is(err, errArtifact):
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: err.Error()})
	case faults.Silent(err):
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleStream sends the reply audio as raw PCM while it is synthesized.
// Transcript and reply travel as headers; a failure after the body started
// is reported in the X-Talk-Error trailer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	data, err := s.readUtterance(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, release, err := s.acquire(r.Context(), "http-stream", r.RemoteAddr)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: err.Error()})
		return
	}
	defer release()

	rc := http.NewResponseController(w)
	var transcript, reply string
	started := false
	emit := func(f protocol.Frame) error {
		switch f.Type {
		case protocol.FrameTranscription:
			transcript = f.Text
		case protocol.FrameReplyText:
			reply = f.Text
		case protocol.FrameAudioStart:
			h := w.Header()
			h.Set("Content-Type", fmt.Sprintf("audio/L16; rate=%d; channels=%d", f.SampleRate, f.Channels))
			h.Set("X-Transcript", headerValue(transcript))
			h.Set("X-Reply", headerValue(reply))
			h.Set("X-Sample-Rate", strconv.Itoa(f.SampleRate))
			h.Set("Trailer", trailerError)
			w.WriteHeader(http.StatusOK)
			started = true
			return rc.Flush()
		case protocol.FrameAudioChunk:
			if s.writeTimeout > 0 {
				_ = rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if _, err := w.Write(f.PCM); err != nil {
				return err
			}
			return rc.Flush()
		}
		return nil
	}

	_, err = sess.RunTurn(data, emit)
	if err == nil || faults.Silent(err) {
		return
	}
	if !started {
		writeError(w, err)
		return
	}
	w.Header().Set(trailerError, err.Error())
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		http.NotFound(w, r)
		return
	}
	path, err := s.artifacts.Path(r.PathValue("ref"))
	switch {
	case errors.Is(err, artifact.ErrInvalidRef):
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error()})
		return
	case errors.Is(err, artifact.ErrNotFound):
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error("resolve artifact", slogError(err))
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: "internal server error"})
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, path)
}

type timelineEntry struct {
	TurnID    string          `json:"turn_id"`
	Type      string          `json:"type"`
	State     string          `json:"state,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Event     json.RawMessage `json:"event,omitempty"`
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.timeline == nil {
		http.NotFound(w, r)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := s.timeline.ListSessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.logger.Error("list session events", slogError(err))
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: "internal server error"})
		return
	}
	out := make([]timelineEntry, 0, len(events))
	for _, ev := range events {
		entry := timelineEntry{TurnID: ev.TurnID, Type: ev.Type, State: ev.State, CreatedAt: ev.CreatedAt}
		if json.Valid(ev.Payload) {
			entry.Event = ev.Payload
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// headerValue drops characters that cannot appear in a header value.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}
