// Package audio converts between client uploads, 16-bit PCM and WAV containers.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is mono 16-bit little-endian PCM with its sample rate.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

var (
	ErrEmpty      = errors.New("audio payload is empty")
	ErrMisaligned = errors.New("pcm payload not aligned to 16-bit samples")
)

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

// Normalize accepts either raw PCM at defaultRate or a WAV upload and returns
// mono PCM. Multi-channel WAV input is downmixed.
func Normalize(data []byte, defaultRate int) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, ErrEmpty
	}
	if !IsWAV(data) {
		if len(data)%2 != 0 {
			return Clip{}, ErrMisaligned
		}
		return Clip{PCM: data, SampleRate: defaultRate, Channels: 1}, nil
	}
	return DecodeWAV(bytes.NewReader(data))
}

// DecodeWAV reads a 16-bit WAV stream into mono PCM.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return Clip{}, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return Clip{}, errors.New("wav declares no channels")
	}
	frames := len(buf.Data) / channels
	if frames == 0 {
		return Clip{}, ErrEmpty
	}
	pcm := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sum/channels)))
	}
	return Clip{PCM: pcm, SampleRate: int(dec.SampleRate), Channels: 1}, nil
}

// EncodeWAV writes pcm as a 16-bit WAV container.
func EncodeWAV(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return ErrMisaligned
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Split cuts pcm into pieces of at most max bytes on sample boundaries.
// A non-positive max returns pcm unchanged.
func Split(pcm []byte, max int) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	if max <= 0 || len(pcm) <= max {
		return [][]byte{pcm}
	}
	max -= max % 2
	if max == 0 {
		max = 2
	}
	out := make([][]byte, 0, (len(pcm)+max-1)/max)
	for start := 0; start < len(pcm); start += max {
		end := start + max
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[start:end])
	}
	return out
}
