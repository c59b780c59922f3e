package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-talk/internal/config"
	"github.com/loqalabs/loqa-talk/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Artifacts.Dir = filepath.Join(dir, "output_audio")
	cfg.Staging.Mode = "memory"
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	return cfg
}

func TestRuntimeServesTurnsAndRecordsThem(t *testing.T) {
	rt := New(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := rt.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(rt.close)
	rt.ready.Store(true)
	ts := httptest.NewServer(rt.mux)
	defer ts.Close()

	sub, err := rt.busClient.Conn().SubscribeSync("talk.turn.completed")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rt.busClient.Conn().Flush()

	resp, err := http.Post(ts.URL+"/talk", "application/octet-stream", bytes.NewReader(make([]byte, 3200)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var talk protocol.TalkResponse
	json.NewDecoder(resp.Body).Decode(&talk)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || talk.Transcript == "" || talk.Reply == "" || talk.AudioRef == "" {
		t.Fatalf("unexpected talk response %d %+v", resp.StatusCode, talk)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected completed event on the bus: %v", err)
	}
	var ev protocol.TurnEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}

	eventsResp, err := http.Get(ts.URL + "/sessions/" + ev.SessionID + "/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	var entries []struct {
		Type string `json:"type"`
	}
	json.NewDecoder(eventsResp.Body).Decode(&entries)
	eventsResp.Body.Close()
	var types []string
	for _, e := range entries {
		types = append(types, e.Type)
	}
	want := []string{protocol.EventTurnStarted, protocol.EventTranscribed, protocol.EventReplied, protocol.EventTurnComplete}
	if len(types) != len(want) {
		t.Fatalf("timeline = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("timeline = %v, want %v", types, want)
		}
	}

	reply, err := rt.busClient.Conn().Request("talk.request", make([]byte, 3200), 5*time.Second)
	if err != nil {
		t.Fatalf("turn over NATS: %v", err)
	}
	var busTalk protocol.TalkResponse
	if err := json.Unmarshal(reply.Data, &busTalk); err != nil || busTalk.AudioRef == "" {
		t.Fatalf("unexpected NATS reply %s (%v)", reply.Data, err)
	}

	for path, status := range map[string]int{"/healthz": 200, "/readyz": 200, "/metrics": 200} {
		r, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		r.Body.Close()
		if r.StatusCode != status {
			t.Fatalf("%s: status %d, want %d", path, r.StatusCode, status)
		}
	}

	rt.drain()
	r, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready while draining, got %d", r.StatusCode)
	}
}

func TestSetupRejectsUnknownEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = false
	cfg.LLM.Mode = "gpt"
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := rt.setup(context.Background())
	t.Cleanup(rt.close)
	if err == nil {
		t.Fatal("expected setup to fail for an unknown llm mode")
	}
}
