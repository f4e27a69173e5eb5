package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alomgir27/nexva-widget/internal/bus"
	"github.com/Alomgir27/nexva-widget/internal/chat"
	"github.com/Alomgir27/nexva-widget/internal/metrics"
)

// System messages shown by the capture
const (
	MsgUnsupported      = "❌ Voice input is not supported on this device."
	MsgMicDenied        = "❌ Microphone access denied. Please allow microphone access."
	MsgRecognitionError = "❌ Voice recognition error. Please try again."
)

// Drafts is the live user message the capture writes into.
type Drafts interface {
	BeginDraft(content string) chat.Message
	UpdateDraft(content string) bool
	CommitDraft(content string) (chat.Message, bool)
	RemoveDraft() bool
}

// Config holds capture tuning.
type Config struct {
	Language       string
	SilenceTimeout time.Duration
	// EchoWindow is how many trailing runes of assistant text are kept for
	// self-echo matching.
	EchoWindow  int
	ResumeDelay time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Language:       "en-US",
		SilenceTimeout: 2 * time.Second,
		EchoWindow:     500,
		ResumeDelay:    500 * time.Millisecond,
	}
}

// Capture is the voice capture state machine. One recognition session runs
// at a time; each session builds at most one utterance. Sessions are
// numbered, and every event carries the number of the session it belongs
// to, so a session that was ended (flushed, paused or cleaned up) can never
// flush twice.
type Capture struct {
	config     Config
	recognizer Recognizer
	mic        Microphone
	drafts     Drafts
	eventBus   *bus.EventBus
	logger     zerolog.Logger
	afterFunc  AfterFunc

	mu                sync.Mutex
	session           uint64
	active            bool
	recording         bool
	paused            bool
	continuous        bool
	finalText         string
	pending           string
	hasDraft          bool
	userSpeaking      bool
	interruptSent     bool
	assistantSpeaking bool
	assistantText     []rune
	silence           Timer
	resume            Timer
	source            AudioSource

	onTranscript func(string)
	onInterrupt  func()
	onSystem     func(string)
	onListening  func(bool)
}

// NewCapture creates an idle capture. recognizer may be nil, in which case
// Start always reports voice input as unsupported. mic may be nil for
// recognizers that capture audio themselves.
func NewCapture(cfg Config, recognizer Recognizer, mic Microphone, drafts Drafts, eventBus *bus.EventBus, logger zerolog.Logger) *Capture {
	def := DefaultConfig()
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = def.EchoWindow
	}
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = def.ResumeDelay
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if drafts == nil {
		drafts = chat.NewConversation()
	}
	return &Capture{
		config:     cfg,
		recognizer: recognizer,
		mic:        mic,
		drafts:     drafts,
		eventBus:   eventBus,
		logger:     logger.With().Str("component", "voice-capture").Logger(),
		afterFunc:  realAfterFunc,
	}
}

// SetAfterFunc replaces the timer factory.
func (c *Capture) SetAfterFunc(f AfterFunc) {
	c.mu.Lock()
	c.afterFunc = f
	c.mu.Unlock()
}

// SetInterruptCallback sets the barge-in callback. nil disables barge-in.
func (c *Capture) SetInterruptCallback(cb func()) {
	c.mu.Lock()
	c.onInterrupt = cb
	c.mu.Unlock()
}

// SetSystemMessageCallback sets where user-visible errors are reported.
func (c *Capture) SetSystemMessageCallback(cb func(string)) {
	c.mu.Lock()
	c.onSystem = cb
	c.mu.Unlock()
}

// SetListeningCallback is told when a recognition session starts or ends.
func (c *Capture) SetListeningCallback(cb func(bool)) {
	c.mu.Lock()
	c.onListening = cb
	c.mu.Unlock()
}

// IsSupported reports whether a recognizer is configured.
func (c *Capture) IsSupported() bool {
	return c.recognizer != nil
}

// Start opens the microphone (once, then cached) and begins listening.
// Every finished utterance goes to onTranscript. In continuous mode a
// paused capture restarts itself on Resume. It reports false when voice
// input cannot start; the reason has been reported as a system message.
func (c *Capture) Start(ctx context.Context, onTranscript func(string), continuous bool) bool {
	if c.recognizer == nil {
		c.system(MsgUnsupported)
		return false
	}

	c.mu.Lock()
	if c.active && c.recording {
		c.mu.Unlock()
		return true
	}
	src := c.source
	c.mu.Unlock()

	if src == nil && c.mic != nil {
		var err error
		src, err = c.mic.Acquire(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Microphone access denied")
			c.system(MsgMicDenied)
			return false
		}
		c.logger.Info().Msg("Microphone access granted")
	}

	c.mu.Lock()
	c.source = src
	c.active = true
	c.continuous = continuous
	c.onTranscript = onTranscript
	c.interruptSent = false
	sess, cb := c.beginSessionLocked()
	c.mu.Unlock()

	return c.launch(sess, src, cb)
}

// beginSessionLocked resets per-utterance state and numbers a new session.
func (c *Capture) beginSessionLocked() (uint64, Callbacks) {
	c.session++
	sess := c.session
	c.recording = true
	c.finalText = ""
	c.pending = ""
	c.hasDraft = false
	c.userSpeaking = false
	c.stopTimerLocked(&c.silence)

	return sess, Callbacks{
		OnStart:  func() { c.handleStart(sess) },
		OnResult: func(r []Result) { c.handleResult(sess, r) },
		OnError:  func(code string) { c.handleError(sess, code) },
		OnEnd:    func() { c.finish(sess, false) },
	}
}

func (c *Capture) launch(sess uint64, src AudioSource, cb Callbacks) bool {
	opts := Options{Language: c.config.Language, Continuous: true, Interim: true}
	if err := c.recognizer.Start(src, opts, cb); err != nil {
		c.logger.Error().Err(err).Msg("Failed to start recognition")
		if errors.Is(err, ErrPermissionDenied) {
			c.system(MsgMicDenied)
		} else {
			c.system(MsgRecognitionError)
		}
		c.mu.Lock()
		stale := sess != c.session
		c.mu.Unlock()
		if !stale {
			c.Cleanup()
		}
		return false
	}
	c.logger.Debug().Uint64("session", sess).Msg("Recognition started")
	return true
}

func (c *Capture) handleStart(sess uint64) {
	c.mu.Lock()
	if sess != c.session {
		c.mu.Unlock()
		return
	}
	cb := c.onListening
	c.mu.Unlock()

	c.eventBus.Publish(bus.Event{Type: bus.EventTypeListeningStarted})
	if cb != nil {
		cb(true)
	}
}

func (c *Capture) handleResult(sess uint64, results []Result) {
	c.mu.Lock()
	if sess != c.session || c.paused {
		c.mu.Unlock()
		return
	}

	var interim strings.Builder
	for _, r := range results {
		if r.Final {
			if c.finalText != "" {
				c.finalText += " "
			}
			c.finalText += r.Transcript
		} else {
			interim.WriteString(r.Transcript)
		}
	}
	display := c.finalText
	if interim.Len() > 0 {
		display += " " + interim.String()
	}
	text := strings.TrimSpace(display)

	if c.assistantSpeaking && c.isEchoLocked(text) {
		c.pending = ""
		c.stopTimerLocked(&c.silence)
		c.mu.Unlock()
		metrics.EchoSuppressed.Inc()
		c.logger.Debug().Str("text", text).Msg("Ignoring assistant echo")
		return
	}

	c.pending = text
	begin := text != "" && !c.hasDraft
	if begin {
		c.hasDraft = true
	}
	update := c.hasDraft && !begin

	var interrupt func()
	if text != "" {
		c.userSpeaking = true
		if c.onInterrupt != nil && !c.interruptSent {
			c.interruptSent = true
			interrupt = c.onInterrupt
		}
	}

	c.stopTimerLocked(&c.silence)
	if text != "" {
		c.silence = c.afterFunc(c.config.SilenceTimeout, func() { c.finish(sess, true) })
	}
	c.mu.Unlock()

	switch {
	case begin:
		c.drafts.BeginDraft(display)
	case update:
		c.drafts.UpdateDraft(display)
	}

	if interrupt != nil {
		metrics.VoiceInterrupts.Inc()
		c.eventBus.Publish(bus.Event{Type: bus.EventTypeInterrupt})
		c.logger.Info().Msg("User barge-in, interrupting assistant")
		interrupt()
	}
}

func (c *Capture) isEchoLocked(text string) bool {
	if text == "" || len(c.assistantText) == 0 {
		return false
	}
	return strings.Contains(strings.ToLower(string(c.assistantText)), strings.ToLower(text))
}

// finish ends session sess, flushing its utterance unless it is empty.
// stopRecognizer is set when the capture itself ends the session.
func (c *Capture) finish(sess uint64, stopRecognizer bool) {
	c.mu.Lock()
	if sess != c.session || !c.recording {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(&c.silence)
	text := strings.TrimSpace(c.pending)
	hadDraft := c.hasDraft
	onTranscript := c.onTranscript
	onListening := c.onListening

	// bumping the session drops every later event of this one
	c.session++
	c.recording = false
	c.finalText = ""
	c.pending = ""
	c.hasDraft = false
	c.userSpeaking = false
	c.mu.Unlock()

	if stopRecognizer {
		c.recognizer.Stop()
	}

	if text != "" {
		if hadDraft {
			c.drafts.CommitDraft(text)
		}
		metrics.VoiceFlushes.Inc()
		c.eventBus.Publish(bus.Event{Type: bus.EventTypeTranscript, Data: map[string]any{"text": text}})
		c.logger.Info().Int("chars", len(text)).Msg("Utterance complete")
		if onTranscript != nil {
			onTranscript(text)
		}
	} else if hadDraft {
		c.drafts.RemoveDraft()
	}

	c.eventBus.Publish(bus.Event{Type: bus.EventTypeListeningStopped})
	if onListening != nil {
		onListening(false)
	}
}

func (c *Capture) handleError(sess uint64, code string) {
	if code == ErrCodeNoSpeech || code == ErrCodeAborted {
		return
	}

	c.mu.Lock()
	if sess != c.session {
		c.mu.Unlock()
		return
	}
	hadDraft := c.hasDraft
	c.hasDraft = false
	c.mu.Unlock()

	c.logger.Warn().Str("code", code).Msg("Recognition error")
	if hadDraft {
		c.drafts.RemoveDraft()
	}
	c.system(MsgRecognitionError)
	c.Cleanup()
}

// Pause stops recognition while assistant audio plays. A pending utterance
// is flushed first. Pausing between turns only blocks the next restart.
// No-op while capture is inactive.
func (c *Capture) Pause() {
	c.mu.Lock()
	if !c.active || c.paused {
		c.mu.Unlock()
		return
	}
	// between turns there is nothing to flush, but the flag still has to
	// hold off the next restart until Resume
	c.paused = true
	recording := c.recording
	sess := c.session
	c.mu.Unlock()

	c.logger.Debug().Bool("recording", recording).Msg("Recognition paused")
	if recording {
		c.finish(sess, true)
	}
}

// Resume clears the paused flag and, in continuous mode, restarts
// recognition after the resume delay.
func (c *Capture) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused || !c.continuous {
		return
	}
	c.paused = false
	c.stopTimerLocked(&c.resume)
	c.resume = c.afterFunc(c.config.ResumeDelay, c.restart)
}

func (c *Capture) restart() {
	c.mu.Lock()
	if !c.active || c.recording || !c.continuous || c.paused {
		c.mu.Unlock()
		return
	}
	src := c.source
	sess, cb := c.beginSessionLocked()
	c.mu.Unlock()

	c.logger.Debug().Msg("Recognition resumed")
	c.launch(sess, src, cb)
}

// ResetInterrupt re-arms barge-in for the next assistant response.
func (c *Capture) ResetInterrupt() {
	c.mu.Lock()
	c.interruptSent = false
	c.mu.Unlock()
}

// SetAssistantSpeaking marks assistant audio as playing. Starting re-arms
// barge-in; stopping forgets the spoken text.
func (c *Capture) SetAssistantSpeaking(speaking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assistantSpeaking = speaking
	if speaking {
		c.interruptSent = false
	} else {
		c.assistantText = nil
	}
}

// AddAssistantText appends spoken assistant text to the echo buffer.
func (c *Capture) AddAssistantText(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assistantText = append(c.assistantText, []rune(text)...)
	if n := len(c.assistantText) - c.config.EchoWindow; n > 0 {
		c.assistantText = append([]rune(nil), c.assistantText[n:]...)
	}
}

// AssistantText returns the echo buffer.
func (c *Capture) AssistantText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.assistantText)
}

// Stop leaves continuous mode, drops the draft and cleans up.
func (c *Capture) Stop() {
	c.mu.Lock()
	c.continuous = false
	hadDraft := c.hasDraft
	c.hasDraft = false
	c.mu.Unlock()

	if hadDraft {
		c.drafts.RemoveDraft()
	}
	c.Cleanup()
}

// Cleanup tears down recognition, timers and the microphone and resets all
// state. Safe to call from any state, any number of times.
func (c *Capture) Cleanup() {
	c.mu.Lock()
	wasRecording := c.recording
	wasActive := c.active
	c.session++
	c.active = false
	c.recording = false
	c.paused = false
	c.continuous = false
	c.finalText = ""
	c.pending = ""
	c.hasDraft = false
	c.userSpeaking = false
	c.interruptSent = false
	c.assistantSpeaking = false
	c.assistantText = nil
	c.stopTimerLocked(&c.silence)
	c.stopTimerLocked(&c.resume)
	src := c.source
	c.source = nil
	onListening := c.onListening
	c.mu.Unlock()

	if wasRecording && c.recognizer != nil {
		c.recognizer.Stop()
	}
	if src != nil && c.mic != nil {
		if err := c.mic.Release(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to release microphone")
		} else {
			c.logger.Debug().Msg("Microphone stream stopped")
		}
	}
	if wasActive && onListening != nil {
		onListening(false)
	}
}

func (c *Capture) stopTimerLocked(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Capture) system(msg string) {
	c.mu.Lock()
	cb := c.onSystem
	c.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// State is a point-in-time view of the capture flags.
type State struct {
	Active            bool
	Recording         bool
	Paused            bool
	Continuous        bool
	UserSpeaking      bool
	AssistantSpeaking bool
	InterruptSent     bool
	Pending           string
}

// State returns the current flags.
func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Active:            c.active,
		Recording:         c.recording,
		Paused:            c.paused,
		Continuous:        c.continuous,
		UserSpeaking:      c.userSpeaking,
		AssistantSpeaking: c.assistantSpeaking,
		InterruptSent:     c.interruptSent,
		Pending:           c.pending,
	}
}
