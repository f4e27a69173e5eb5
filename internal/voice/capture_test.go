package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alomgir27/nexva-widget/internal/chat"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	starts   int
	stops    int
	cb       Callbacks
	startErr error
}

func (r *fakeRecognizer) Start(src AudioSource, opts Options, cb Callbacks) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts++
	r.cb = cb
	return nil
}

func (r *fakeRecognizer) Stop() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

func (r *fakeRecognizer) callbacks() Callbacks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cb
}

func (r *fakeRecognizer) result(results ...Result) { r.callbacks().OnResult(results) }

type fakeSource struct{}

func (fakeSource) Frames() <-chan []byte { return nil }
func (fakeSource) SampleRate() int       { return 16000 }

type fakeMic struct {
	acquires int
	releases int
	deny     bool
}

func (m *fakeMic) Acquire(ctx context.Context) (AudioSource, error) {
	if m.deny {
		return nil, ErrPermissionDenied
	}
	m.acquires++
	return fakeSource{}, nil
}

func (m *fakeMic) Release() error {
	m.releases++
	return nil
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) armed() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fireAll runs every armed timer once.
func (c *fakeClock) fireAll() {
	for _, t := range c.armed() {
		t.stopped = true
		t.f()
	}
}

type harness struct {
	capture     *Capture
	rec         *fakeRecognizer
	mic         *fakeMic
	clock       *fakeClock
	conv        *chat.Conversation
	transcripts []string
	system      []string
	interrupts  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rec:   &fakeRecognizer{},
		mic:   &fakeMic{},
		clock: &fakeClock{},
		conv:  chat.NewConversation(),
	}
	h.capture = NewCapture(DefaultConfig(), h.rec, h.mic, h.conv, nil, zerolog.Nop())
	h.capture.SetAfterFunc(h.clock.AfterFunc)
	h.capture.SetSystemMessageCallback(func(m string) { h.system = append(h.system, m) })
	return h
}

func (h *harness) start(t *testing.T, continuous bool) {
	t.Helper()
	ok := h.capture.Start(context.Background(), func(s string) { h.transcripts = append(h.transcripts, s) }, continuous)
	require.True(t, ok)
}

func (h *harness) messages() []chat.Message {
	return h.conv.Snapshot().Messages
}

func TestCapture_UtteranceFlushOnSilence(t *testing.T) {
	h := newHarness(t)
	h.start(t, true)

	h.rec.result(Result{Transcript: "hello", Final: true})
	h.rec.result(Result{Transcript: "wor"})

	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Draft)
	assert.Equal(t, "hello wor", msgs[0].Content)

	h.rec.result(Result{Transcript: "world", Final: true})
	armed := h.clock.armed()
	require.Len(t, armed, 1)
	assert.Equal(t, 2*time.Second, armed[0].d)

	h.clock.fireAll()
	assert.Equal(t, []string{"hello world"}, h.transcripts)
	assert.Equal(t, 1, h.rec.stops)

	msgs = h.messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Draft)
	assert.Equal(t, "hello world", msgs[0].Content)

	// late events from the finished session change nothing
	h.rec.callbacks().OnEnd()
	h.rec.result(Result{Transcript: "ghost", Final: true})
	h.clock.fireAll()
	assert.Equal(t, []string{"hello world"}, h.transcripts)
	assert.Len(t, h.messages(), 1)
	assert.False(t, h.capture.State().Recording)
}

func TestCapture_SilenceTimerResetsOnEveryUpdate(t *testing.T) {
	h := newHarness(t)
	h.start(t, false)

	h.rec.result(Result{Transcript: "one"})
	first := h.clock.armed()
	require.Len(t, first, 1)

	h.rec.result(Result{Transcript: "one two"})
	assert.True(t, first[0].stopped)
	assert.Len(t, h.clock.armed(), 1)

	// an empty update cancels without re-arming
	h.rec.result(Result{Transcript: "  "})
	assert.Empty(t, h.clock.armed())
}

func TestCapture_BargeInOncePerUtterance(t *testing.T) {
	h := newHarness(t)
	h.capture.SetInterruptCallback(func() { h.interrupts++ })
	h.start(t, true)

	h.capture.SetAssistantSpeaking(true)
	h.capture.AddAssistantText("Nexva helps teams answer customer questions.")

	h.rec.result(Result{Transcript: "wait"})
	h.rec.result(Result{Transcript: "wait stop"})
	h.rec.result(Result{Transcript: "wait stop please", Final: true})

	assert.Equal(t, 1, h.interrupts)
	assert.True(t, h.capture.State().InterruptSent)

	// a new assistant response re-arms barge-in
	h.capture.SetAssistantSpeaking(true)
	h.rec.result(Result{Transcript: "again"})
	assert.Equal(t, 2, h.interrupts)
}

func TestCapture_SelfEchoSuppressed(t *testing.T) {
	h := newHarness(t)
	h.capture.SetInterruptCallback(func() { h.interrupts++ })
	h.start(t, true)

	h.capture.SetAssistantSpeaking(true)
	h.capture.AddAssistantText("Hello! How can I ")
	h.capture.AddAssistantText("help you today?")

	h.rec.result(Result{Transcript: "How can I help"})

	assert.Empty(t, h.messages(), "echo must not create a draft")
	assert.Empty(t, h.clock.armed(), "echo must not arm the silence timer")
	assert.Zero(t, h.interrupts)
	assert.Empty(t, h.capture.State().Pending)

	h.clock.fireAll()
	assert.Empty(t, h.transcripts)

	// once the assistant stops speaking the buffer is forgotten
	h.capture.SetAssistantSpeaking(false)
	assert.Empty(t, h.capture.AssistantText())
}

func TestCapture_EchoWindow(t *testing.T) {
	h := newHarness(t)
	h.capture.AddAssistantText(strings.Repeat("a", 450))
	h.capture.AddAssistantText(strings.Repeat("é", 100))

	text := []rune(h.capture.AssistantText())
	assert.Len(t, text, 500)
	assert.Equal(t, 'é', text[len(text)-1])
}

func TestCapture_StopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start(t, true)
	h.rec.result(Result{Transcript: "half a sen"})
	require.Len(t, h.messages(), 1)

	h.capture.Stop()
	h.capture.Stop()
	h.capture.Cleanup()

	assert.Empty(t, h.messages(), "draft removed")
	assert.Equal(t, State{}, h.capture.State())
	assert.Empty(t, h.clock.armed())
	assert.Equal(t, 1, h.mic.releases)
	assert.Empty(t, h.transcripts)
}

func TestCapture_CleanupFromIdle(t *testing.T) {
	h := newHarness(t)
	h.capture.Cleanup()
	h.capture.Stop()
	assert.Equal(t, State{}, h.capture.State())
	assert.Zero(t, h.rec.stops)
	assert.Zero(t, h.mic.releases)
}

func TestCapture_MicrophoneCached(t *testing.T) {
	h := newHarness(t)
	h.start(t, true)
	h.rec.result(Result{Transcript: "first", Final: true})
	h.clock.fireAll()

	h.start(t, true)
	assert.Equal(t, 2, h.rec.starts)
	assert.Equal(t, 1, h.mic.acquires)

	// a running session makes Start a no-op
	h.start(t, true)
	assert.Equal(t, 2, h.rec.starts)
}

func TestCapture_MicrophoneDenied(t *testing.T) {
	h := newHarness(t)
	h.mic.deny = true

	ok := h.capture.Start(context.Background(), func(string) {}, true)
	assert.False(t, ok)
	assert.Equal(t, []string{MsgMicDenied}, h.system)
	assert.False(t, h.capture.State().Active)
}

func TestCapture_Unsupported(t *testing.T) {
	var system []string
	c := NewCapture(DefaultConfig(), nil, nil, nil, nil, zerolog.Nop())
	c.SetSystemMessageCallback(func(m string) { system = append(system, m) })

	assert.False(t, c.IsSupported())
	assert.False(t, c.Start(context.Background(), func(string) {}, true))
	assert.Equal(t, []string{MsgUnsupported}, system)
}

func TestCapture_RecognizerStartFailure(t *testing.T) {
	h := newHarness(t)
	h.rec.startErr = errors.New("socket refused")

	ok := h.capture.Start(context.Background(), func(string) {}, true)
	assert.False(t, ok)
	assert.Equal(t, []string{MsgRecognitionError}, h.system)
	assert.Equal(t, State{}, h.capture.State())
	assert.Equal(t, 1, h.mic.releases)
}

func TestCapture_Errors(t *testing.T) {
	h := newHarness(t)
	h.start(t, true)
	h.rec.result(Result{Transcript: "some"})

	h.rec.callbacks().OnError(ErrCodeNoSpeech)
	h.rec.callbacks().OnError(ErrCodeAborted)
	assert.Empty(t, h.system)
	assert.True(t, h.capture.State().Recording)

	h.rec.callbacks().OnError(ErrCodeNetwork)
	assert.Equal(t, []string{MsgRecognitionError}, h.system)
	assert.Empty(t, h.messages())
	assert.Equal(t, State{}, h.capture.State())
	assert.Empty(t, h.transcripts)
}

func TestCapture_RecognizerEndFlushes(t *testing.T) {
	h := newHarness(t)
	h.start(t, true)
	h.rec.result(Result{Transcript: "short one"})

	h.rec.callbacks().OnEnd()
	assert.Equal(t, []string{"short one"}, h.transcripts)
	assert.Zero(t, h.rec.stops)
	assert.False(t, h.capture.State().Recording)
	assert.True(t, h.capture.State().Active)
}

func TestCapture_EndWithoutSpeechRemovesOrphanDraft(t *testing.T) {
	h := newHarness(t)
	h.start(t, true)
	h.rec.result(Result{Transcript: "mm"})
	h.rec.result(Result{Transcript: ""})

	h.rec.callbacks().OnEnd()
	assert.Empty(t, h.transcripts)
	assert.Empty(t, h.messages())
}

func TestCapture_PauseResume(t *testing.T) {
	h := newHarness(t)
	h.start(t, true)

	h.capture.Pause()
	st := h.capture.State()
	assert.True(t, st.Paused)
	assert.False(t, st.Recording)
	assert.Equal(t, 1, h.rec.stops)

	// pausing twice does nothing
	h.capture.Pause()
	assert.Equal(t, 1, h.rec.stops)

	h.capture.Resume()
	armed := h.clock.armed()
	require.Len(t, armed, 1)
	assert.Equal(t, 500*time.Millisecond, armed[0].d)
	assert.False(t, h.capture.State().Paused)

	h.clock.fireAll()
	assert.Equal(t, 2, h.rec.starts)
	assert.True(t, h.capture.State().Recording)

	h.rec.result(Result{Transcript: "after resume", Final: true})
	h.clock.fireAll()
	assert.Equal(t, []string{"after resume"}, h.transcripts)
}

func TestCapture_PauseFlushesPending(t *testing.T) {
	h := newHarness(t)
	h.start(t, true)
	h.rec.result(Result{Transcript: "what is the"})

	h.capture.Pause()
	assert.Equal(t, []string{"what is the"}, h.transcripts)
}

func TestCapture_ResumeRequiresContinuous(t *testing.T) {
	h := newHarness(t)
	h.start(t, false)
	h.capture.Pause()
	h.capture.Resume()

	assert.Empty(t, h.clock.armed())
	assert.True(t, h.capture.State().Paused)
	assert.Equal(t, 1, h.rec.starts)
}

func TestCapture_ResultsIgnoredWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.start(t, true)
	h.capture.Pause()

	// a Start while paused opens a session whose results are held back
	h.start(t, true)
	h.rec.result(Result{Transcript: "speaker bleed", Final: true})
	assert.Empty(t, h.messages())
	assert.Empty(t, h.clock.armed())
}

func TestCapture_PauseBetweenTurnsBlocksRestart(t *testing.T) {
	h := newHarness(t)
	h.start(t, true)
	h.rec.result(Result{Transcript: "opening hours", Final: true})
	h.clock.fireAll()
	require.Equal(t, []string{"opening hours"}, h.transcripts)
	require.False(t, h.capture.State().Recording)

	h.capture.Pause()
	st := h.capture.State()
	assert.True(t, st.Paused)
	assert.True(t, st.Active)
	assert.Equal(t, 1, h.rec.stops, "nothing to stop between turns")

	// a restart armed before the pause stays parked
	h.capture.Resume()
	h.capture.Pause()
	h.clock.fireAll()
	assert.Equal(t, 1, h.rec.starts)
	assert.False(t, h.capture.State().Recording)

	h.capture.Resume()
	h.clock.fireAll()
	assert.Equal(t, 2, h.rec.starts)
	assert.True(t, h.capture.State().Recording)
}

func TestCapture_PauseWhileInactive(t *testing.T) {
	h := newHarness(t)
	h.capture.Pause()
	assert.False(t, h.capture.State().Paused)
}
