package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	// Empty serves /metrics on the main HTTP listener.
	PrometheusBind string `yaml:"prometheus_bind"`
	SentryDSN      string `yaml:"sentry_dsn"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Session     SessionConfig    `yaml:"session"`
	Staging     StagingConfig    `yaml:"staging"`
	Artifacts   ArtifactsConfig  `yaml:"artifacts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	RequestSubject string   `yaml:"request_subject"` // empty disables turn requests over NATS
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	Stream      bool    `yaml:"stream"`
	Persona     string  `yaml:"persona"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
	Retries     int     `yaml:"retries"`
}

type TTSConfig struct {
	Mode                string `yaml:"mode"` // mock, exec
	Command             string `yaml:"command"`
	Voice               string `yaml:"voice"`
	RefTextPath         string `yaml:"ref_text_path"`
	RefCodesPath        string `yaml:"ref_codes_path"`
	SampleRate          int    `yaml:"sample_rate"`
	Channels            int    `yaml:"channels"`
	FirstChunkTimeoutMS int    `yaml:"first_chunk_timeout_ms"`
	MaxChunkBytes       int    `yaml:"max_chunk_bytes"`
	MockChunks          int    `yaml:"mock_chunks"`
	MockChunkBytes      int    `yaml:"mock_chunk_bytes"`
}

type SessionConfig struct {
	TurnPolicy        string `yaml:"turn_policy"`    // queue, reject
	UtteranceMode     string `yaml:"utterance_mode"` // message, explicit
	QueueDepth        int    `yaml:"queue_depth"`
	MaxUtteranceBytes int    `yaml:"max_utterance_bytes"`
	MaxSessions       int    `yaml:"max_sessions"`
	PingIntervalMS    int    `yaml:"ping_interval_ms"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
}

type StagingConfig struct {
	Mode string `yaml:"mode"` // disk, memory
	Dir  string `yaml:"dir"`
}

type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// DefaultPersona is the conversation-partner instruction prefixed to every prompt.
const DefaultPersona = "You are an English conversation partner helping a B2 learner. " +
	"Reply naturally and casual, use short sentences, do not ask follow-up questions."

func Default() Config {
	return Config{
		RuntimeName: "loqa-talk",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "talk.turn",
			RequestSubject: "talk.request",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/talk-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Mode:       "mock",
			Language:   "en",
			SampleRate: 16000,
			Channels:   1,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "phi3",
			Stream:      true,
			Persona:     DefaultPersona,
			MaxTokens:   256,
			Temperature: 0.7,
			Retries:     1,
		},
		TTS: TTSConfig{
			Mode:                "mock",
			SampleRate:          24000,
			Channels:            1,
			FirstChunkTimeoutMS: 15000,
			MockChunks:          3,
			MockChunkBytes:      4096,
		},
		Session: SessionConfig{
			TurnPolicy:        "queue",
			UtteranceMode:     "message",
			QueueDepth:        4,
			MaxUtteranceBytes: 16 << 20,
			MaxSessions:       256,
			PingIntervalMS:    20000,
			WriteTimeoutMS:    5000,
		},
		Staging: StagingConfig{
			Mode: "disk",
			Dir:  "",
		},
		Artifacts: ArtifactsConfig{
			Dir: "./output_audio",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.SentryDSN, "LOQA_TELEMETRY_SENTRY_DSN")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.RequestSubject, "LOQA_BUS_REQUEST_SUBJECT")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideBool(&cfg.LLM.Stream, "LOQA_LLM_STREAM")
	overrideString(&cfg.LLM.Persona, "LOQA_LLM_PERSONA")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.Retries, "LOQA_LLM_RETRIES")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.RefTextPath, "LOQA_TTS_REF_TEXT_PATH")
	overrideString(&cfg.TTS.RefCodesPath, "LOQA_TTS_REF_CODES_PATH")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.FirstChunkTimeoutMS, "LOQA_TTS_FIRST_CHUNK_TIMEOUT_MS")
	overrideInt(&cfg.TTS.MaxChunkBytes, "LOQA_TTS_MAX_CHUNK_BYTES")
	overrideString(&cfg.Session.TurnPolicy, "LOQA_SESSION_TURN_POLICY")
	overrideString(&cfg.Session.UtteranceMode, "LOQA_SESSION_UTTERANCE_MODE")
	overrideInt(&cfg.Session.QueueDepth, "LOQA_SESSION_QUEUE_DEPTH")
	overrideInt(&cfg.Session.MaxUtteranceBytes, "LOQA_SESSION_MAX_UTTERANCE_BYTES")
	overrideInt(&cfg.Session.MaxSessions, "LOQA_SESSION_MAX_SESSIONS")
	overrideInt(&cfg.Session.PingIntervalMS, "LOQA_SESSION_PING_INTERVAL_MS")
	overrideInt(&cfg.Session.WriteTimeoutMS, "LOQA_SESSION_WRITE_TIMEOUT_MS")
	overrideString(&cfg.Staging.Mode, "LOQA_STAGING_MODE")
	overrideString(&cfg.Staging.Dir, "LOQA_STAGING_DIR")
	overrideString(&cfg.Artifacts.Dir, "LOQA_ARTIFACTS_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if strings.HasPrefix(cfg.Bus.RequestSubject, cfg.Bus.SubjectPrefix+".") {
			return errors.New("bus.request_subject must not live under bus.subject_prefix")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" {
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.Staging.Mode != "disk" {
			return errors.New("stt.mode=exec requires staging.mode=disk")
		}
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.STT.TimeoutMS < 0 {
		return errors.New("stt.timeout_ms must be >= 0")
	}

	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.Retries < 0 || cfg.LLM.Retries > 1 {
		return errors.New("llm.retries must be 0 or 1")
	}
	if cfg.LLM.TimeoutMS < 0 {
		return errors.New("llm.timeout_ms must be >= 0")
	}

	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.MaxChunkBytes < 0 || cfg.TTS.MaxChunkBytes%2 != 0 {
		return errors.New("tts.max_chunk_bytes must be a non-negative even number")
	}
	if cfg.TTS.FirstChunkTimeoutMS < 0 {
		return errors.New("tts.first_chunk_timeout_ms must be >= 0")
	}

	switch cfg.Session.TurnPolicy {
	case "queue", "reject":
	default:
		return errors.New("session.turn_policy must be one of queue|reject")
	}
	switch cfg.Session.UtteranceMode {
	case "message", "explicit":
	default:
		return errors.New("session.utterance_mode must be one of message|explicit")
	}
	if cfg.Session.QueueDepth < 0 {
		return errors.New("session.queue_depth must be >= 0")
	}
	if cfg.Session.MaxUtteranceBytes <= 0 {
		return errors.New("session.max_utterance_bytes must be positive")
	}
	if cfg.Session.MaxSessions < 0 {
		return errors.New("session.max_sessions must be >= 0")
	}

	switch cfg.Staging.Mode {
	case "disk", "memory":
	default:
		return errors.New("staging.mode must be one of disk|memory")
	}
	if cfg.Artifacts.Dir == "" {
		return errors.New("artifacts.dir must not be empty")
	}
	return nil
}
