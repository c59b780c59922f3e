// Package staging holds an utterance for the duration of transcription,
// either as a WAV file on disk or as an in-memory buffer.
package staging

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-talk/internal/audio"
)

// Resource is a staged utterance. Release is idempotent.
type Resource interface {
	PCM() []byte
	SampleRate() int
	// Path is the WAV file backing the resource, or "" for in-memory staging.
	Path() string
	Release() error
	Released() bool
}

type Stager interface {
	Acquire(ctx context.Context, clip audio.Clip) (Resource, error)
	// Live reports how many resources are currently held.
	Live() int64
}

// New returns a stager for mode ("disk" or "memory").
func New(mode, dir string) (Stager, error) {
	switch mode {
	case "disk", "":
		return NewDisk(dir), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown staging mode %q", mode)
	}
}

type counter struct{ live atomic.Int64 }

func (c *counter) Live() int64 { return c.live.Load() }

type diskStager struct {
	counter
	dir string
}

// NewDisk stages utterances as temporary WAV files under dir
// (os.TempDir when empty).
func NewDisk(dir string) Stager {
	return &diskStager{dir: dir}
}

func (s *diskStager) Acquire(ctx context.Context, clip audio.Clip) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := s.dir
	if dir == "" {
		dir = os.TempDir()
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("staging dir: %w", err)
	}
	file, err := os.CreateTemp(dir, "talk_stt_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	channels := clip.Channels
	if channels <= 0 {
		channels = 1
	}
	if err := audio.EncodeWAV(file, clip.PCM, clip.SampleRate, channels); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, err
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	s.live.Add(1)
	return &diskResource{clip: clip, path: file.Name(), owner: &s.counter}, nil
}

type diskResource struct {
	clip     audio.Clip
	path     string
	owner    *counter
	once     sync.Once
	released atomic.Bool
	err      error
}

func (r *diskResource) PCM() []byte     { return r.clip.PCM }
func (r *diskResource) SampleRate() int { return r.clip.SampleRate }
func (r *diskResource) Path() string    { return r.path }
func (r *diskResource) Released() bool  { return r.released.Load() }

func (r *diskResource) Release() error {
	r.once.Do(func() {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			r.err = fmt.Errorf("remove staged audio: %w", err)
		}
		r.released.Store(true)
		r.owner.live.Add(-1)
	})
	return r.err
}

type memoryStager struct {
	counter
}

// NewMemory keeps utterances in process memory.
func NewMemory() Stager {
	return &memoryStager{}
}

func (s *memoryStager) Acquire(ctx context.Context, clip audio.Clip) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.live.Add(1)
	return &memoryResource{clip: clip, owner: &s.counter}, nil
}

type memoryResource struct {
	mu       sync.Mutex
	clip     audio.Clip
	owner    *counter
	released bool
}

func (r *memoryResource) PCM() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clip.PCM
}

func (r *memoryResource) SampleRate() int { return r.clip.SampleRate }
func (r *memoryResource) Path() string    { return "" }

func (r *memoryResource) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *memoryResource) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true
	r.clip.PCM = nil
	r.owner.live.Add(-1)
	return nil
}
