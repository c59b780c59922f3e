package session

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// Registry tracks live sessions and supports graceful draining: once
// draining starts, Add refuses new sessions while existing ones finish.
// The draining check and wg.Add happen under mu so no Add can slip in after
// StartDraining returns.
type Registry struct {
	mu       sync.Mutex
	draining bool
	limit    int
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewRegistry returns a registry admitting at most limit sessions (0 means
// unlimited).
func NewRegistry(limit int) *Registry {
	return &Registry{limit: limit, sessions: make(map[string]*Session)}
}

// Add registers s. It returns false while draining or at capacity.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	if r.limit > 0 && len(r.sessions) >= r.limit {
		return false
	}
	r.sessions[s.ID()] = s
	r.wg.Add(1)
	return true
}

// Remove unregisters s. It must be called exactly once per successful Add.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s.ID()]
	delete(r.sessions, s.ID())
	r.mu.Unlock()
	if ok {
		r.wg.Done()
	}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// CloseAll closes every live session with cause.
func (r *Registry) CloseAll(cause error) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()
	for _, s := range live {
		s.Close(cause)
	}
}

// Wait blocks until every registered session is removed or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Instrument publishes the live session count as an observable gauge.
func (r *Registry) Instrument(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge("talk.sessions.active",
		metric.WithDescription("Live client sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}))
	return err
}
