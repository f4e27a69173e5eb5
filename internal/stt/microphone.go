package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alomgir27/nexva-widget/internal/voice"
)

// MicrophoneConfig selects the ffmpeg capture device.
type MicrophoneConfig struct {
	FFmpegPath   string        `json:"ffmpeg_path"`
	InputFormat  string        `json:"input_format"`
	Device       string        `json:"device"`
	SampleRate   int           `json:"sample_rate"`
	FrameMs      int           `json:"frame_ms"`
	StartTimeout time.Duration `json:"start_timeout"`
}

// DefaultMicrophoneConfig picks the platform's default capture device.
func DefaultMicrophoneConfig() MicrophoneConfig {
	cfg := MicrophoneConfig{
		FFmpegPath:   "ffmpeg",
		SampleRate:   16000,
		FrameMs:      20,
		StartTimeout: 5 * time.Second,
	}
	switch runtime.GOOS {
	case "darwin":
		cfg.InputFormat, cfg.Device = "avfoundation", ":0"
	case "windows":
		cfg.InputFormat, cfg.Device = "dshow", "audio=default"
	default:
		cfg.InputFormat, cfg.Device = "pulse", "default"
	}
	return cfg
}

// FFmpegMicrophone captures mono s16le PCM by running ffmpeg. The process
// is started on first Acquire and kept until Release.
type FFmpegMicrophone struct {
	cfg    MicrophoneConfig
	logger zerolog.Logger

	mu     sync.Mutex
	src    *pcmSource
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFFmpegMicrophone creates a microphone; zero fields take defaults.
func NewFFmpegMicrophone(cfg MicrophoneConfig, logger zerolog.Logger) *FFmpegMicrophone {
	def := DefaultMicrophoneConfig()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat, cfg.Device = def.InputFormat, def.Device
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = def.FrameMs
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	return &FFmpegMicrophone{
		cfg:    cfg,
		logger: logger.With().Str("component", "microphone").Logger(),
	}
}

func (m *FFmpegMicrophone) args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", m.cfg.InputFormat,
		"-i", m.cfg.Device,
		"-ac", "1",
		"-ar", strconv.Itoa(m.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// Acquire starts capture if needed and returns the shared source. Failure
// to produce any audio is reported as voice.ErrPermissionDenied.
func (m *FFmpegMicrophone) Acquire(ctx context.Context) (voice.AudioSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.src != nil {
		return m.src, nil
	}

	if _, err := exec.LookPath(m.cfg.FFmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", voice.ErrUnsupported)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, m.cfg.FFmpegPath, m.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	src := &pcmSource{
		frames: make(chan []byte, 64),
		rate:   m.cfg.SampleRate,
	}
	frameBytes := m.cfg.SampleRate * 2 * m.cfg.FrameMs / 1000
	first := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(src.frames)
		var once sync.Once
		for {
			buf := make([]byte, frameBytes)
			if _, err := io.ReadFull(stdout, buf); err != nil {
				if runCtx.Err() == nil && !errors.Is(err, io.EOF) {
					m.logger.Warn().Err(err).Msg("microphone read failed")
				}
				_ = cmd.Wait()
				return
			}
			once.Do(func() { close(first) })
			select {
			case src.frames <- buf:
			default:
				// consumer is behind; drop the oldest
				select {
				case <-src.frames:
				default:
				}
				src.frames <- buf
			}
		}
	}()

	timeout := time.NewTimer(m.cfg.StartTimeout)
	defer timeout.Stop()
	select {
	case <-first:
	case <-done:
		cancel()
		return nil, fmt.Errorf("ffmpeg exited before producing audio: %w", voice.ErrPermissionDenied)
	case <-timeout.C:
		cancel()
		<-done
		return nil, fmt.Errorf("no audio within %s: %w", m.cfg.StartTimeout, voice.ErrPermissionDenied)
	case <-ctx.Done():
		cancel()
		<-done
		return nil, ctx.Err()
	}

	m.src, m.cancel, m.done = src, cancel, done
	m.logger.Info().Str("format", m.cfg.InputFormat).Str("device", m.cfg.Device).Msg("microphone open")
	return src, nil
}

// Release stops capture. It is safe to call when closed.
func (m *FFmpegMicrophone) Release() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.src, m.cancel, m.done = nil, nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	m.logger.Info().Msg("microphone released")
	return nil
}

// pcmSource is an open capture stream.
type pcmSource struct {
	frames chan []byte
	rate   int
}

func (s *pcmSource) Frames() <-chan []byte { return s.frames }
func (s *pcmSource) SampleRate() int       { return s.rate }
