package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-talk/internal/protocol"
	"github.com/nats-io/nats.go"
)

const streamName = "TALK_TURNS"

// TurnPublisher fans turn events out on <prefix>.<type>. Publishing is
// fire-and-forget; a slow or absent bus never blocks a turn.
type TurnPublisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func NewTurnPublisher(client *Client, prefix string) *TurnPublisher {
	if prefix == "" {
		prefix = protocol.SubjectTurnPrefix
	}
	return &TurnPublisher{
		conn:   client.Conn(),
		prefix: prefix,
		log:    client.log.With(slog.String("subject_prefix", prefix)),
	}
}

// EnsureStream creates the JetStream stream that retains turn events, so
// consumers that attach late can replay the timeline.
func (p *TurnPublisher) EnsureStream(js nats.JetStreamContext, maxAge time.Duration) error {
	subjects := []string{p.prefix + ".>"}
	if _, err := js.StreamInfo(streamName); err == nil {
		_, err = js.UpdateStream(&nats.StreamConfig{Name: streamName, Subjects: subjects, MaxAge: maxAge})
		return err
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	})
	if err != nil {
		return fmt.Errorf("create turn stream: %w", err)
	}
	return nil
}

// Record implements pipeline.Recorder.
func (p *TurnPublisher) Record(_ context.Context, ev protocol.TurnEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("encode turn event failed", slog.String("error", err.Error()))
		return
	}
	subject := protocol.TurnSubject(p.prefix, ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("publish turn event failed",
			slog.String("subject", subject),
			slog.String("turn_id", ev.TurnID),
			slog.String("error", err.Error()))
	}
}
