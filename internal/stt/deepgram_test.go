package stt

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alomgir27/nexva-widget/internal/voice"
)

type chanSource struct{ ch chan []byte }

func (s *chanSource) Frames() <-chan []byte { return s.ch }
func (s *chanSource) SampleRate() int       { return 16000 }

type fakeDeepgram struct {
	srv      *httptest.Server
	auth     chan string
	query    chan url.Values
	audio    chan []byte
	control  chan string
	mu       sync.Mutex
	conn     *websocket.Conn
	accepted chan struct{}
}

func newFakeDeepgram(t *testing.T) *fakeDeepgram {
	t.Helper()
	f := &fakeDeepgram{
		auth:     make(chan string, 1),
		query:    make(chan url.Values, 1),
		audio:    make(chan []byte, 16),
		control:  make(chan string, 4),
		accepted: make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.auth <- r.Header.Get("Authorization")
		f.query <- r.URL.Query()
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = c
		f.mu.Unlock()
		close(f.accepted)
		for {
			kind, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				f.audio <- msg
			} else {
				f.control <- string(msg)
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDeepgram) endpoint() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeDeepgram) send(t *testing.T, frame string) {
	t.Helper()
	<-f.accepted
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(t, f.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

type recEvents struct {
	mu      sync.Mutex
	started bool
	results []voice.Result
	errs    []string
	ended   chan struct{}
}

func (r *recEvents) callbacks() voice.Callbacks {
	r.ended = make(chan struct{})
	return voice.Callbacks{
		OnStart: func() { r.mu.Lock(); r.started = true; r.mu.Unlock() },
		OnResult: func(res []voice.Result) {
			r.mu.Lock()
			r.results = append(r.results, res...)
			r.mu.Unlock()
		},
		OnError: func(code string) { r.mu.Lock(); r.errs = append(r.errs, code); r.mu.Unlock() },
		OnEnd:   func() { close(r.ended) },
	}
}

func (r *recEvents) snapshot() ([]voice.Result, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]voice.Result(nil), r.results...), append([]string(nil), r.errs...)
}

func TestDeepgram_MissingKey(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")
	r := NewDeepgramRecognizer(&DeepgramConfig{}, zerolog.Nop())
	assert.False(t, r.IsAvailable())
	err := r.Start(&chanSource{ch: make(chan []byte)}, voice.Options{}, voice.Callbacks{})
	assert.ErrorIs(t, err, voice.ErrUnsupported)
}

func TestDeepgram_StreamsAudioAndResults(t *testing.T) {
	f := newFakeDeepgram(t)
	r := NewDeepgramRecognizer(&DeepgramConfig{APIKey: "dg-key", Endpoint: f.endpoint()}, zerolog.Nop())

	src := &chanSource{ch: make(chan []byte, 4)}
	src.ch <- []byte("stale")
	ev := &recEvents{}
	require.NoError(t, r.Start(src, voice.Options{Language: "de-DE", Interim: true, Continuous: true}, ev.callbacks()))

	assert.Equal(t, "Token dg-key", <-f.auth)
	q := <-f.query
	assert.Equal(t, "nova-2", q.Get("model"))
	assert.Equal(t, "de-DE", q.Get("language"))
	assert.Equal(t, "linear16", q.Get("encoding"))
	assert.Equal(t, "16000", q.Get("sample_rate"))
	assert.Equal(t, "true", q.Get("interim_results"))

	src.ch <- []byte("pcm-1")
	select {
	case got := <-f.audio:
		assert.Equal(t, []byte("pcm-1"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("audio frame never arrived")
	}

	f.send(t, `{"type":"Metadata"}`)
	f.send(t, `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`)
	f.send(t, `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`)
	f.send(t, `{"type":"Results","speech_final":true,"channel":{"alternatives":[{"transcript":"hello","confidence":0.9}]}}`)

	require.Eventually(t, func() bool {
		res, _ := ev.snapshot()
		return len(res) == 2
	}, 2*time.Second, 10*time.Millisecond)

	res, errs := ev.snapshot()
	assert.Equal(t, []voice.Result{{Transcript: "hel"}, {Transcript: "hello", Final: true}}, res)
	assert.Empty(t, errs)
	assert.True(t, ev.started)

	r.Stop()
	select {
	case msg := <-f.control:
		assert.JSONEq(t, `{"type":"CloseStream"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("CloseStream never sent")
	}
	select {
	case <-ev.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnd never fired")
	}
	_, errs = ev.snapshot()
	assert.Empty(t, errs, "a local stop is not an error")
	r.Stop()
}

func TestDeepgram_ServerDropIsNetworkError(t *testing.T) {
	f := newFakeDeepgram(t)
	r := NewDeepgramRecognizer(&DeepgramConfig{APIKey: "k", Endpoint: f.endpoint()}, zerolog.Nop())
	ev := &recEvents{}
	require.NoError(t, r.Start(&chanSource{ch: make(chan []byte)}, voice.Options{}, ev.callbacks()))

	<-f.accepted
	f.mu.Lock()
	_ = f.conn.UnderlyingConn().Close()
	f.mu.Unlock()

	select {
	case <-ev.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnd never fired")
	}
	_, errs := ev.snapshot()
	assert.Equal(t, []string{voice.ErrCodeNetwork}, errs)
}

func TestDeepgram_DialFailure(t *testing.T) {
	f := newFakeDeepgram(t)
	endpoint := f.endpoint()
	f.srv.Close()
	r := NewDeepgramRecognizer(&DeepgramConfig{APIKey: "k", Endpoint: endpoint}, zerolog.Nop())
	err := r.Start(&chanSource{ch: make(chan []byte)}, voice.Options{}, voice.Callbacks{})
	assert.Error(t, err)
}

func TestMicrophone_Args(t *testing.T) {
	m := NewFFmpegMicrophone(MicrophoneConfig{InputFormat: "alsa", Device: "hw:1"}, zerolog.Nop())
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "alsa", "-i", "hw:1",
		"-ac", "1", "-ar", "16000",
		"-f", "s16le", "-",
	}, m.args())
	assert.NoError(t, m.Release())
}

func TestMicrophone_MissingBinary(t *testing.T) {
	m := NewFFmpegMicrophone(MicrophoneConfig{FFmpegPath: "/nonexistent/ffmpeg-nexva"}, zerolog.Nop())
	_, err := m.Acquire(t.Context())
	assert.ErrorIs(t, err, voice.ErrUnsupported)
}
