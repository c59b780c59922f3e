package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-talk/internal/config"
	"github.com/loqalabs/loqa-talk/internal/faults"
	"github.com/loqalabs/loqa-talk/internal/natsserver"
	"github.com/loqalabs/loqa-talk/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T, f *fixture) *nats.Conn {
	t.Helper()
	ns, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	svc := NewBusService(context.Background(), f.talk, nc, "talk.request")
	if err := svc.Start(); err != nil {
		t.Fatalf("start bus service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy bus service")
	}
	return nc
}

func TestBusServiceAnswersTurns(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	nc := startBus(t, f)

	msg, err := nc.Request("talk.request", utterance, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp protocol.TalkResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Transcript != "hello" || resp.Reply != "Hi there! How are you?" || resp.AudioRef == "" {
		t.Fatalf("unexpected reply %+v", resp)
	}
	if _, err := f.artifacts.Path(resp.AudioRef); err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	if f.registry.Len() != 0 {
		t.Fatalf("session left registered after reply")
	}
}

func TestBusServiceReportsFaultKind(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	nc := startBus(t, f)

	msg, err := nc.Request("talk.request", []byte{1, 2, 3}, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := msg.Header.Get(headerErrorKind); got != string(faults.InvalidInput) {
		t.Fatalf("error kind header = %q", got)
	}
	var body protocol.ErrorResponse
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != string(faults.InvalidInput) {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestBusServiceWithoutSubjectIsIdle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	svc := NewBusService(context.Background(), f.talk, nil, "")
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("idle service should report healthy")
	}
	svc.Close()
}
