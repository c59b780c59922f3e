package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-talk/internal/artifact"
	"github.com/loqalabs/loqa-talk/internal/bus"
	"github.com/loqalabs/loqa-talk/internal/config"
	"github.com/loqalabs/loqa-talk/internal/eventstore"
	"github.com/loqalabs/loqa-talk/internal/faults"
	"github.com/loqalabs/loqa-talk/internal/llm"
	"github.com/loqalabs/loqa-talk/internal/natsserver"
	"github.com/loqalabs/loqa-talk/internal/pipeline"
	"github.com/loqalabs/loqa-talk/internal/session"
	"github.com/loqalabs/loqa-talk/internal/staging"
	"github.com/loqalabs/loqa-talk/internal/stt"
	"github.com/loqalabs/loqa-talk/internal/transport"
	"github.com/loqalabs/loqa-talk/internal/tts"
	"go.opentelemetry.io/otel"
)

const (
	drainTimeout    = 10 * time.Second
	pruneInterval   = time.Hour
	meterScope      = "github.com/loqalabs/loqa-talk/internal/runtime"
	shutdownTimeout = 10 * time.Second
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	mux           *http.ServeMux
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	registry      *session.Registry
	events        *eventstore.Store
	timeline      *eventstore.Recorder
	nats          *natsserver.EmbeddedServer
	busClient     *bus.Client
	busService    *transport.BusService

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// setup builds every component and mounts the routes. Components started
// here are torn down by close.
func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events
	timeline := eventstore.NewRecorder(events, r.logger)
	r.timeline = timeline
	recorders := []pipeline.Recorder{timeline}

	if r.cfg.Bus.Enabled {
		publisher, err := r.connectBus(ctx)
		if err != nil {
			return err
		}
		recorders = append(recorders, publisher)
	}

	orch, err := r.buildPipeline(recorders)
	if err != nil {
		return err
	}

	r.registry = session.NewRegistry(r.cfg.Session.MaxSessions)
	if err := r.registry.Instrument(otel.Meter(meterScope)); err != nil {
		return fmt.Errorf("instrument sessions: %w", err)
	}

	artifacts, err := artifact.NewStore(r.cfg.Artifacts.Dir)
	if err != nil {
		return err
	}

	talk := transport.New(orch, r.registry, artifacts, transport.Options{
		Session:  r.cfg.Session,
		Observer: timeline,
		Timeline: timeline,
	}, r.logger)

	if r.busClient != nil && r.cfg.Bus.RequestSubject != "" {
		r.busService = transport.NewBusService(ctx, talk, r.busClient.Conn(), r.cfg.Bus.RequestSubject)
		if err := r.busService.Start(); err != nil {
			return err
		}
	}

	r.mux = http.NewServeMux()
	r.mux.HandleFunc("/healthz", r.handleHealth)
	r.mux.HandleFunc("/readyz", r.handleReady)
	talk.Register(r.mux)
	if metricsHandler != nil {
		if r.cfg.Telemetry.PrometheusBind == "" {
			r.mux.Handle("/metrics", metricsHandler)
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{
				Addr:              r.cfg.Telemetry.PrometheusBind,
				Handler:           metricsMux,
				ReadHeaderTimeout: 5 * time.Second,
			}
		}
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) (*bus.TurnPublisher, error) {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.nats = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.busClient = client

	publisher := bus.NewTurnPublisher(client, busCfg.SubjectPrefix)
	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := publisher.EnsureStream(client.JetStream(), maxAge); err != nil {
		r.logger.Warn("turn event stream unavailable, publishing without retention", slog.String("error", err.Error()))
	}
	return publisher, nil
}

func (r *Runtime) buildPipeline(recorders []pipeline.Recorder) (*pipeline.Orchestrator, error) {
	stager, err := staging.New(r.cfg.Staging.Mode, r.cfg.Staging.Dir)
	if err != nil {
		return nil, err
	}

	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}
	generator, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	voice, err := tts.LoadVoice(r.cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts voice: %w", err)
	}

	r.logger.Info("pipeline configured",
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.String("staging", r.cfg.Staging.Mode))

	return pipeline.New(
		stager,
		stt.NewGateway(r.cfg.STT, recognizer, r.logger),
		llm.NewGateway(r.cfg.LLM, generator, r.logger),
		tts.NewGateway(r.cfg.TTS, synth, voice, r.logger),
		pipeline.Options{
			InputSampleRate:   r.cfg.STT.SampleRate,
			MaxUtteranceBytes: r.cfg.Session.MaxUtteranceBytes,
			Recorders:         recorders,
		},
		r.logger,
	)
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.setup(ctx); err != nil {
		r.close()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.serve(r.httpServer, "http")
	if r.metricsServer != nil {
		r.serve(r.metricsServer, "metrics")
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.events.RunPruner(ctx, pruneInterval)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.drain()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		_ = r.metricsServer.Shutdown(shutdownCtx)
	}
	r.wg.Wait()
	r.close()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// drain refuses new sessions, lets in-flight ones finish for a while and
// then cancels whatever is left.
func (r *Runtime) drain() {
	r.ready.Store(false)
	if r.registry == nil {
		return
	}
	r.registry.StartDraining()
	live := r.registry.Len()
	if live == 0 {
		return
	}
	r.logger.Info("draining sessions", slog.Int("sessions", live))
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := r.registry.Wait(ctx); err == nil {
		return
	}
	r.logger.Warn("drain timed out, closing sessions", slog.Int("sessions", r.registry.Len()))
	r.registry.CloseAll(faults.New(faults.Cancelled, "server shutting down"))
	waitCtx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	_ = r.registry.Wait(waitCtx)
}

func (r *Runtime) close() {
	if r.busService != nil {
		r.busService.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.nats.Shutdown()
	if r.timeline != nil {
		r.timeline.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busOK := r.busClient == nil || r.busClient.Healthy()
	if r.busService != nil {
		busOK = busOK && r.busService.Healthy()
	}
	if r.ready.Load() && busOK {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
