// Package audio queues assistant speech segments for back-to-back playback.
package audio

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrEmptySegment is returned for an audio chunk that decodes to nothing.
var ErrEmptySegment = errors.New("empty audio segment")

// Segment is one decoded WAV chunk. Path points at a temporary file that
// exists until Release.
type Segment struct {
	Data []byte
	Path string

	once sync.Once
}

// DecodeSegment decodes a base64 WAV payload into a temp file under the
// system temp directory.
func DecodeSegment(encoded string) (*Segment, error) {
	return DecodeSegmentIn("", encoded)
}

// DecodeSegmentIn is DecodeSegment with an explicit directory.
func DecodeSegmentIn(dir, encoded string) (*Segment, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptySegment
	}

	f, err := os.CreateTemp(dir, "nexva-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create audio file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("close audio file: %w", err)
	}
	return &Segment{Data: data, Path: f.Name()}, nil
}

// IsWAV reports whether the payload carries a RIFF/WAVE header.
func (s *Segment) IsWAV() bool {
	return len(s.Data) >= 12 && bytes.Equal(s.Data[0:4], []byte("RIFF")) && bytes.Equal(s.Data[8:12], []byte("WAVE"))
}

// Release removes the backing file. Safe to call more than once.
func (s *Segment) Release() {
	s.once.Do(func() {
		if s.Path != "" {
			_ = os.Remove(s.Path)
		}
	})
}
