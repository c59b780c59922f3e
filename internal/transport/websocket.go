package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-talk/internal/faults"
	"github.com/loqalabs/loqa-talk/internal/protocol"
	"github.com/loqalabs/loqa-talk/internal/session"
)

// wsConn serializes writes from the session worker, the reader and the
// keepalive loop.
type wsConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) emit(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if f.Type == protocol.FrameAudioChunk {
		return c.conn.WriteMessage(websocket.BinaryMessage, f.PCM)
	}
	return c.conn.WriteJSON(f.Wire())
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) closeWith(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.writeTimeout))
	_ = c.conn.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.registry.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "server is draining"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slogError(err))
		return
	}
	c := &wsConn{conn: conn, writeTimeout: s.writeTimeout}
	if s.maxBytes > 0 {
		conn.SetReadLimit(int64(s.maxBytes) + 1)
	}

	ctx := context.WithoutCancel(r.Context())
	sess := s.newSession(ctx)
	if !s.registry.Add(sess) {
		sess.Close(nil)
		c.closeWith(websocket.CloseTryAgainLater, errUnavailable.Error())
		return
	}
	s.opened(ctx, sess, "websocket", r.RemoteAddr)
	defer func() {
		s.registry.Remove(sess)
		s.closed(ctx, sess)
	}()

	served := make(chan error, 1)
	go func() { served <- sess.Serve(c.emit) }()
	go s.keepalive(sess, c)
	go func() {
		<-sess.Done()
		if faults.Is(sess.Cause(), faults.TransportDisconnected) {
			_ = conn.Close()
			return
		}
		c.mu.Lock()
		c.closeWith(websocket.CloseGoingAway, "session closed")
		c.mu.Unlock()
	}()

	s.readLoop(sess, c)
	if err := <-served; err != nil && !errors.Is(err, session.ErrClosed) && !faults.Silent(err) {
		s.logger.Info("session ended", slog.String("session_id", sess.ID()), slogError(err))
	}
}

// readLoop turns client messages into utterances until the connection fails.
// In message mode each binary message is one utterance; in explicit mode
// binary messages accumulate until a commit.
func (s *Server) readLoop(sess *session.Session, c *wsConn) {
	var pending []byte
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			sess.Close(faults.Wrap(faults.TransportDisconnected, err))
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if !s.explicit {
				s.submit(sess, data)
				continue
			}
			if s.maxBytes > 0 && len(pending)+len(data) > s.maxBytes {
				s.notify(sess, c, faults.Newf(faults.InvalidInput, "utterance exceeds limit of %d bytes", s.maxBytes))
				pending = nil
				continue
			}
			pending = append(pending, data...)
		case websocket.TextMessage:
			var msg protocol.ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.notify(sess, c, faults.New(faults.InvalidInput, "malformed control message"))
				continue
			}
			switch msg.Type {
			case protocol.ClientCommit:
				if !s.explicit {
					continue
				}
				s.submit(sess, pending)
				pending = nil
			case protocol.ClientCancel:
				sess.CancelTurn("cancelled by client")
			default:
				s.notify(sess, c, faults.Newf(faults.InvalidInput, "unknown control message %q", msg.Type))
			}
		}
	}
}

// submit hands an utterance to the session. Rejections are reported by the
// session once the running turn ends.
func (s *Server) submit(sess *session.Session, data []byte) {
	if err := sess.Submit(data); err != nil && !errors.Is(err, session.ErrClosed) {
		s.logger.Debug("utterance not accepted", slog.String("session_id", sess.ID()), slogError(err))
	}
}

// notify reports a protocol error that belongs to no turn. It is dropped
// while a turn is in flight so it cannot split that turn's frames.
func (s *Server) notify(sess *session.Session, c *wsConn, err error) {
	if sess.Busy() {
		s.logger.Debug("dropping client protocol error during turn", slog.String("session_id", sess.ID()), slogError(err))
		return
	}
	if werr := c.emit(protocol.Frame{Type: protocol.FrameError, Message: err.Error()}); werr != nil {
		sess.Close(faults.Wrap(faults.TransportDisconnected, werr))
	}
}

func (s *Server) keepalive(sess *session.Session, c *wsConn) {
	if s.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				sess.Close(faults.Wrap(faults.TransportDisconnected, err))
				return
			}
		}
	}
}
