package tts

import (
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-talk/internal/config"
)

// Voice is the reference speaker used to condition every synthesis call.
// It is loaded once at startup and never mutated.
type Voice struct {
	Name         string
	RefText      string
	RefCodesPath string
}

// LoadVoice reads the reference transcript and checks the reference codes
// file named in cfg. Empty paths yield a voice without reference data.
func LoadVoice(cfg config.TTSConfig) (Voice, error) {
	voice := Voice{Name: cfg.Voice}
	if cfg.RefTextPath != "" {
		data, err := os.ReadFile(cfg.RefTextPath)
		if err != nil {
			return Voice{}, fmt.Errorf("read reference text: %w", err)
		}
		voice.RefText = strings.TrimSpace(string(data))
	}
	if cfg.RefCodesPath != "" {
		info, err := os.Stat(cfg.RefCodesPath)
		if err != nil {
			return Voice{}, fmt.Errorf("reference codes: %w", err)
		}
		if info.IsDir() {
			return Voice{}, fmt.Errorf("reference codes path %s is a directory", cfg.RefCodesPath)
		}
		voice.RefCodesPath = cfg.RefCodesPath
	}
	return voice, nil
}
