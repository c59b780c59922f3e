// Package artifact keeps finished replies as WAV files that clients fetch by
// reference.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-talk/internal/audio"
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrInvalidRef = errors.New("invalid artifact reference")

	refPattern = regexp.MustCompile(`^tts_[0-9a-f]{8}\.wav$`)
)

type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save writes pcm as tts_<8 hex>.wav and returns that name as the reference.
func (s *Store) Save(pcm []byte, sampleRate, channels int) (string, error) {
	for attempt := 0; attempt < 4; attempt++ {
		ref := newRef()
		path := filepath.Join(s.dir, ref)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create artifact: %w", err)
		}
		if err := audio.EncodeWAV(file, pcm, sampleRate, channels); err != nil {
			file.Close()
			os.Remove(path)
			return "", err
		}
		if err := file.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("close artifact: %w", err)
		}
		return ref, nil
	}
	return "", errors.New("could not allocate a unique artifact name")
}

// Path resolves ref to a file inside the store.
func (s *Store) Path(ref string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", ErrInvalidRef
	}
	path := filepath.Join(s.dir, ref)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return path, nil
}

func newRef() string {
	id := uuid.New()
	return fmt.Sprintf("tts_%x.wav", id[:4])
}
