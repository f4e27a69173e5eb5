package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alomgir27/nexva-widget/internal/config"
	"github.com/Alomgir27/nexva-widget/internal/logging"
	"github.com/Alomgir27/nexva-widget/internal/session"
	"github.com/Alomgir27/nexva-widget/internal/view"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"hello there", command{text: "hello there"}},
		{"  padded  ", command{text: "padded"}},
		{"/voice", command{name: "voice"}},
		{"/HUMAN", command{name: "human"}},
		{"/2", command{name: "2"}},
		{"/say  hi you ", command{name: "say", text: "hi you"}},
		{"", command{}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLine(tt.line))
		})
	}
}

// syncBuffer is a bytes.Buffer safe for the terminal's writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestREPL builds a widget that is never connected; sends fail locally.
func newTestREPL(t *testing.T) (*repl, *syncBuffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Widget.APIURL = "http://127.0.0.1:1"
	cfg.Widget.PresetQuestions = []string{"What are your hours?"}

	out := &syncBuffer{}
	term := view.NewTerminal(view.Options{Out: out, MarkdownStyle: "notty"})
	w, err := session.New(session.Options{
		APIKey: "test-key",
		Config: cfg,
		View:   term,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(w.Destroy)
	return &repl{w: w, term: term, logger: logging.Nop()}, out
}

func TestREPL_Dispatch(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"hello", session.MsgConnectionLost},
		{"/1", session.MsgConnectionLost},
		{"/help", "/voice /stop /human"},
		{"/human", session.MsgStartConversation},
		{"/ai", session.MsgStartConversation},
		{"/support", session.MsgNoConversation},
		{"/more", "No older messages."},
		{"/reset", session.MsgNewConversation},
		{"/logs", "No log entries yet."},
		{"/9", "Unknown command /9"},
		{"/bogus", "Unknown command /bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			r, out := newTestREPL(t)
			require.NoError(t, r.handle(context.Background(), tt.line))
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestREPL_Quit(t *testing.T) {
	r, _ := newTestREPL(t)
	for _, line := range []string{"/quit", "/exit", "/q", "/QUIT"} {
		assert.ErrorIs(t, r.handle(context.Background(), line), errQuit, line)
	}
}

func TestREPL_BlankLineSendsNothing(t *testing.T) {
	r, out := newTestREPL(t)
	require.NoError(t, r.handle(context.Background(), "   "))
	assert.NotContains(t, out.String(), session.MsgConnectionLost)
}

func TestREPL_StopWithoutVoice(t *testing.T) {
	r, out := newTestREPL(t)
	require.NoError(t, r.handle(context.Background(), "/stop"))
	assert.NotContains(t, out.String(), "Unknown command")
}

func TestREPL_Logs(t *testing.T) {
	r, out := newTestREPL(t)
	r.logger.Info("cli", "Chat started", map[string]interface{}{"resume": false})
	r.logger.Warn("cli", "Voice chat unavailable", nil)
	r.logger.Debug("events", "mode_changed", map[string]interface{}{"mode": "human"})

	require.NoError(t, r.handle(context.Background(), "/logs 2"))
	text := out.String()
	assert.NotContains(t, text, "Chat started")
	assert.Contains(t, text, "Voice chat unavailable")
	assert.Contains(t, text, "mode_changed (mode=human)")
	assert.NotContains(t, text, "Log file:")
}

func TestREPL_LogsShowsFile(t *testing.T) {
	r, out := newTestREPL(t)
	logger, err := logging.New(&logging.Config{LogDir: t.TempDir(), MaxHistory: 10})
	require.NoError(t, err)
	defer logger.Close()
	r.logger = logger

	logger.Info("cli", "Chat started", nil)
	require.NoError(t, r.handle(context.Background(), "/logs"))
	assert.Contains(t, out.String(), "Log file: "+logger.GetLogPath())
}

func TestShowProblems(t *testing.T) {
	out := &syncBuffer{}
	term := view.NewTerminal(view.Options{Out: out, MarkdownStyle: "notty"})
	logger := logging.Nop()
	logger.SetOnLog(showProblems(term))

	logger.Warn("cli", "Config watch disabled", map[string]interface{}{"error": "no such file"})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "⚠ Config watch disabled (error=no such file)")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShowProblems_IgnoresInfo(t *testing.T) {
	out := &syncBuffer{}
	term := view.NewTerminal(view.Options{Out: out, MarkdownStyle: "notty"})
	show := showProblems(term)

	show(logging.LogEntry{Level: "info", Component: "cli", Message: "Chat started"})
	show(logging.LogEntry{Level: "debug", Component: "events", Message: "connected"})
	assert.Empty(t, out.String())

	show(logging.LogEntry{Level: "error", Component: "cli", Message: "Initial connection failed"})
	assert.Contains(t, out.String(), "⚠ Initial connection failed")
}
