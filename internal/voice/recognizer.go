// Package voice turns microphone speech into utterances for the voice chat
// loop: live draft transcripts, silence-based utterance boundaries, barge-in
// detection and self-echo suppression.
package voice

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupported means no speech recognizer is available.
	ErrUnsupported = errors.New("speech recognition not supported")
	// ErrPermissionDenied means the microphone could not be opened.
	ErrPermissionDenied = errors.New("microphone access denied")
)

// Recognition error codes. NoSpeech and Aborted are transient.
const (
	ErrCodeNoSpeech = "no-speech"
	ErrCodeAborted  = "aborted"
	ErrCodeNetwork  = "network"
	ErrCodeAudio    = "audio-capture"
)

// Result is one recognition hypothesis. Final results are never revised;
// interim ones are replaced by the next event.
type Result struct {
	Transcript string
	Final      bool
}

// Options configures one recognition session.
type Options struct {
	Language   string
	Continuous bool
	Interim    bool
}

// Callbacks receive recognition events. Any of them may be called from a
// recognizer goroutine.
type Callbacks struct {
	OnStart  func()
	OnResult func(results []Result)
	OnError  func(code string)
	OnEnd    func()
}

// AudioSource is an open microphone stream of 16 kHz mono s16le frames.
type AudioSource interface {
	Frames() <-chan []byte
	SampleRate() int
}

// Microphone hands out one shared AudioSource. Acquire on an open
// microphone returns the same source.
type Microphone interface {
	Acquire(ctx context.Context) (AudioSource, error)
	Release() error
}

// Recognizer runs speech recognition sessions over an AudioSource, one at
// a time. Stop ends the running session, if any; a new Start may follow.
type Recognizer interface {
	Start(src AudioSource, opts Options, cb Callbacks) error
	Stop()
}

// Timer is the part of *time.Timer the capture needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
