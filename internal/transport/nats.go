package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-talk/internal/faults"
	"github.com/loqalabs/loqa-talk/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	requestQueue    = "loqa-talk"
	headerErrorKind = "Talk-Error-Kind"
)

// BusService answers single-exchange turns over NATS request/reply. The
// request payload is the utterance; the reply is a TalkResponse, or an
// ErrorResponse with the fault kind repeated in the Talk-Error-Kind header.
type BusService struct {
	srv     *Server
	conn    *nats.Conn
	subject string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewBusService(parent context.Context, srv *Server, conn *nats.Conn, subject string) *BusService {
	ctx, cancel := context.WithCancel(parent)
	return &BusService{
		srv:     srv,
		conn:    conn,
		subject: subject,
		logger:  srv.logger.With(slog.String("subject", subject)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *BusService) Start() error {
	if b.subject == "" {
		return nil
	}
	sub, err := b.conn.QueueSubscribe(b.subject, requestQueue, b.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe turn requests: %w", err)
	}
	b.sub = sub
	b.logger.Info("accepting turn requests over NATS")
	return nil
}

// Close stops accepting requests and waits for running turns. Turns are
// bounded by the session registry drain, which runs first on shutdown.
func (b *BusService) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.wg.Wait()
	b.cancel()
}

func (b *BusService) Healthy() bool {
	return b.subject == "" || (b.sub != nil && b.sub.IsValid())
}

// handleRequest runs each turn on its own goroutine so one slow turn does not
// hold up the subscription.
func (b *BusService) handleRequest(msg *nats.Msg) {
	if msg.Reply == "" {
		b.logger.Warn("dropping turn request without reply subject")
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.serve(msg)
	}()
}

func (b *BusService) serve(msg *nats.Msg) {
	data := msg.Data
	if b.srv.maxBytes > 0 && len(data) > b.srv.maxBytes+1 {
		data = data[:b.srv.maxBytes+1]
	}
	resp, err := b.srv.exchange(b.ctx, "nats", msg.Reply, data)
	if err != nil {
		b.respondError(msg, err)
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("encode turn reply", slogError(err))
		return
	}
	if err := msg.Respond(payload); err != nil {
		b.logger.Warn("turn reply not delivered", slogError(err))
	}
}

func (b *BusService) respondError(msg *nats.Msg, err error) {
	if faults.Silent(err) {
		return
	}
	kind := faults.KindOf(err)
	body := protocol.ErrorResponse{Error: err.Error(), Kind: string(kind)}
	if errors.Is(err, errUnavailable) || errors.Is(err, errArtifact) {
		body.Kind = ""
	}
	payload, _ := json.Marshal(body)
	reply := nats.NewMsg(msg.Reply)
	reply.Data = payload
	if body.Kind != "" {
		reply.Header.Set(headerErrorKind, body.Kind)
	}
	if err := msg.RespondMsg(reply); err != nil {
		b.logger.Warn("turn error reply not delivered", slogError(err))
	}
}
