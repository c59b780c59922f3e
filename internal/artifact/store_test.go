package artifact

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-talk/internal/audio"
)

func TestSaveAndResolve(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "output_audio"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	pcm := []byte{1, 0, 2, 0, 3, 0}
	ref, err := store.Save(pcm, 24000, 1)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !refPattern.MatchString(ref) {
		t.Fatalf("unexpected ref %q", ref)
	}
	path, err := store.Path(ref)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	clip, err := audio.Normalize(data, 0)
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if clip.SampleRate != 24000 || !bytes.Equal(clip.PCM, pcm) {
		t.Fatalf("unexpected artifact contents %+v", clip)
	}
}

func TestPathRejectsTraversalAndUnknown(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, ref := range []string{"../etc/passwd", "tts_zzzzzzzz.wav", "tts_0123abcd.mp3", ""} {
		if _, err := store.Path(ref); !errors.Is(err, ErrInvalidRef) {
			t.Fatalf("ref %q: expected ErrInvalidRef, got %v", ref, err)
		}
	}
	if _, err := store.Path("tts_0123abcd.wav"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
