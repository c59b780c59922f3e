package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.LLM.Model != "phi3" {
		t.Fatalf("expected default model phi3, got %q", cfg.LLM.Model)
	}
	if cfg.LLM.Persona != DefaultPersona {
		t.Fatalf("expected default persona")
	}
	if cfg.Session.TurnPolicy != "queue" {
		t.Fatalf("expected queue turn policy, got %q", cfg.Session.TurnPolicy)
	}
	if cfg.STT.Language != "en" {
		t.Fatalf("expected language en, got %q", cfg.STT.Language)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_LLM_MODE", "ollama")
	t.Setenv("LOQA_LLM_TEMPERATURE", "0.2")
	t.Setenv("LOQA_LLM_STREAM", "false")
	t.Setenv("LOQA_TTS_MAX_CHUNK_BYTES", "2048")
	t.Setenv("LOQA_SESSION_TURN_POLICY", "reject")
	t.Setenv("LOQA_STAGING_MODE", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.LLM.Mode != "ollama" {
		t.Fatalf("expected llm mode override, got %q", cfg.LLM.Mode)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature 0.2, got %v", cfg.LLM.Temperature)
	}
	if cfg.LLM.Stream {
		t.Fatal("expected stream override false")
	}
	if cfg.TTS.MaxChunkBytes != 2048 {
		t.Fatalf("expected max chunk bytes 2048, got %d", cfg.TTS.MaxChunkBytes)
	}
	if cfg.Session.TurnPolicy != "reject" {
		t.Fatalf("expected reject policy, got %q", cfg.Session.TurnPolicy)
	}
	if cfg.Staging.Mode != "memory" {
		t.Fatalf("expected memory staging, got %q", cfg.Staging.Mode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talk.yaml")
	data := []byte(`
runtime_name: talk-test
http:
  port: 9000
llm:
  mode: ollama
  model: llama3.2:latest
tts:
  sample_rate: 22050
session:
  queue_depth: 1
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "talk-test" || cfg.HTTP.Port != 9000 {
		t.Fatalf("unexpected runtime/http: %+v", cfg.HTTP)
	}
	if cfg.LLM.Model != "llama3.2:latest" {
		t.Fatalf("unexpected model %q", cfg.LLM.Model)
	}
	if cfg.TTS.SampleRate != 22050 {
		t.Fatalf("unexpected sample rate %d", cfg.TTS.SampleRate)
	}
	if cfg.Session.QueueDepth != 1 {
		t.Fatalf("unexpected queue depth %d", cfg.Session.QueueDepth)
	}
	// untouched sections keep defaults
	if cfg.STT.SampleRate != 16000 {
		t.Fatalf("expected default stt sample rate, got %d", cfg.STT.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad stt mode", func(c *Config) { c.STT.Mode = "cloud" }},
		{"exec stt without command", func(c *Config) { c.STT.Mode = "exec" }},
		{"exec stt with memory staging", func(c *Config) {
			c.STT.Mode = "exec"
			c.STT.Command = "whisper"
			c.Staging.Mode = "memory"
		}},
		{"ollama without endpoint", func(c *Config) {
			c.LLM.Mode = "ollama"
			c.LLM.Endpoint = ""
		}},
		{"too many retries", func(c *Config) { c.LLM.Retries = 2 }},
		{"odd chunk size", func(c *Config) { c.TTS.MaxChunkBytes = 1023 }},
		{"bad turn policy", func(c *Config) { c.Session.TurnPolicy = "interleave" }},
		{"bad utterance mode", func(c *Config) { c.Session.UtteranceMode = "vad" }},
		{"bad staging mode", func(c *Config) { c.Staging.Mode = "s3" }},
		{"empty artifacts dir", func(c *Config) { c.Artifacts.Dir = "" }},
		{"bus without prefix", func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.SubjectPrefix = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := validate(Default()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
