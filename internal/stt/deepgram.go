// Package stt provides the concrete speech recognizer and microphone used
// by voice capture: Deepgram streaming recognition fed by ffmpeg capture.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Alomgir27/nexva-widget/internal/voice"
)

const (
	DeepgramWSEndpoint = "wss://api.deepgram.com/v1/listen"
	DeepgramModel      = "nova-2"
)

// DeepgramConfig configures the streaming recognizer.
type DeepgramConfig struct {
	APIKey           string        `json:"api_key"`
	Endpoint         string        `json:"endpoint"`
	Model            string        `json:"model"`
	SampleRate       int           `json:"sample_rate"`
	Channels         int           `json:"channels"`
	Punctuate        bool          `json:"punctuate"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
}

// DefaultDeepgramConfig returns the stock settings for 16 kHz mono PCM.
func DefaultDeepgramConfig() *DeepgramConfig {
	return &DeepgramConfig{
		Endpoint:         DeepgramWSEndpoint,
		Model:            DeepgramModel,
		SampleRate:       16000,
		Channels:         1,
		Punctuate:        true,
		HandshakeTimeout: 10 * time.Second,
	}
}

// DeepgramRecognizer implements voice.Recognizer over Deepgram's live
// transcription WebSocket. Each Start opens a new stream.
type DeepgramRecognizer struct {
	apiKey string
	config *DeepgramConfig
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu  sync.Mutex
	run *deepgramStream
}

// NewDeepgramRecognizer creates a recognizer. An empty APIKey falls back to
// DEEPGRAM_API_KEY.
func NewDeepgramRecognizer(config *DeepgramConfig, logger zerolog.Logger) *DeepgramRecognizer {
	if config == nil {
		config = DefaultDeepgramConfig()
	}
	def := DefaultDeepgramConfig()
	if config.Endpoint == "" {
		config.Endpoint = def.Endpoint
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.Channels <= 0 {
		config.Channels = def.Channels
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}

	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}

	return &DeepgramRecognizer{
		apiKey: apiKey,
		config: config,
		logger: logger.With().Str("provider", "deepgram-streaming").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
	}
}

// IsAvailable reports whether an API key is configured.
func (r *DeepgramRecognizer) IsAvailable() bool {
	return r.apiKey != ""
}

type deepgramMessage struct {
	Type        string          `json:"type"`
	IsFinal     bool            `json:"is_final,omitempty"`
	SpeechFinal bool            `json:"speech_final,omitempty"`
	Channel     deepgramChannel `json:"channel,omitempty"`
	Description string          `json:"description,omitempty"`
}

type deepgramChannel struct {
	Alternatives []deepgramAlternative `json:"alternatives,omitempty"`
}

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

func (r *DeepgramRecognizer) streamURL(opts voice.Options) (string, error) {
	u, err := url.Parse(r.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse deepgram endpoint: %w", err)
	}
	lang := opts.Language
	if lang == "" {
		lang = "en-US"
	}
	q := u.Query()
	q.Set("model", r.config.Model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.config.SampleRate))
	q.Set("channels", strconv.Itoa(r.config.Channels))
	q.Set("punctuate", strconv.FormatBool(r.config.Punctuate))
	q.Set("interim_results", strconv.FormatBool(opts.Interim))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start opens a stream and begins forwarding src frames. Events are
// delivered on the stream's goroutines. A running stream is stopped first.
func (r *DeepgramRecognizer) Start(src voice.AudioSource, opts voice.Options, cb voice.Callbacks) error {
	if r.apiKey == "" {
		return fmt.Errorf("deepgram API key not configured: %w", voice.ErrUnsupported)
	}
	if src == nil {
		return errors.New("deepgram recognizer needs an audio source")
	}
	r.Stop()

	endpoint, err := r.streamURL(opts)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+r.apiKey)

	conn, resp, err := r.dialer.Dial(endpoint, header)
	if err != nil {
		if resp != nil {
			r.logger.Error().Int("status", resp.StatusCode).Err(err).Msg("Deepgram WebSocket connection failed")
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &deepgramStream{
		conn:   conn,
		cancel: cancel,
		cb:     cb,
		logger: r.logger,
	}

	r.mu.Lock()
	r.run = s
	r.mu.Unlock()

	r.logger.Info().Msg("Connected to Deepgram streaming STT")
	if cb.OnStart != nil {
		cb.OnStart()
	}

	frames := src.Frames()
	drain(frames)
	go s.pump(ctx, frames)
	go s.read()
	return nil
}

// Stop ends the running stream. Its OnEnd fires once the reader exits.
func (r *DeepgramRecognizer) Stop() {
	r.mu.Lock()
	s := r.run
	r.run = nil
	r.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

// deepgramStream is one open Deepgram connection.
type deepgramStream struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	cb     voice.Callbacks
	logger zerolog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	stopped bool
}

// drain drops frames buffered before the stream opened; they belong to an
// earlier turn.
func drain(frames <-chan []byte) {
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// pump forwards microphone frames until the stream is stopped.
func (s *deepgramStream) pump(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				s.fail(voice.ErrCodeAudio)
				return
			}
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.BinaryMessage, frame)
			s.writeMu.Unlock()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("Failed to send audio")
				}
				return
			}
		}
	}
}

func (s *deepgramStream) read() {
	defer func() {
		if s.cb.OnEnd != nil {
			s.cb.OnEnd()
		}
	}()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.isStopped() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Msg("Deepgram connection closed normally")
			} else {
				s.logger.Error().Err(err).Msg("Error reading Deepgram response")
				if s.cb.OnError != nil {
					s.cb.OnError(voice.ErrCodeNetwork)
				}
			}
			s.cancel()
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to parse Deepgram message")
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			final := msg.IsFinal || msg.SpeechFinal
			if alt.Transcript == "" && !final {
				continue
			}
			s.logger.Debug().Str("text", alt.Transcript).Bool("final", final).Float64("confidence", alt.Confidence).Msg("Deepgram transcript")
			if s.cb.OnResult != nil && alt.Transcript != "" {
				s.cb.OnResult([]voice.Result{{Transcript: alt.Transcript, Final: final}})
			}

		case "UtteranceEnd":
			s.logger.Debug().Msg("Deepgram utterance end")

		case "Error":
			s.logger.Error().Str("description", msg.Description).Msg("Deepgram error")
			if s.cb.OnError != nil {
				s.cb.OnError(voice.ErrCodeNetwork)
			}
		}
	}
}

func (s *deepgramStream) fail(code string) {
	if s.isStopped() {
		return
	}
	if s.cb.OnError != nil {
		s.cb.OnError(code)
	}
	s.stop()
}

func (s *deepgramStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *deepgramStream) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.writeMu.Lock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send close message")
	}
	s.writeMu.Unlock()
	_ = s.conn.Close()
	s.logger.Info().Msg("Deepgram streaming stopped")
}
