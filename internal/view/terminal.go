// Package view renders a widget session to a terminal.
package view

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/Alomgir27/nexva-widget/internal/chat"
	"github.com/Alomgir27/nexva-widget/internal/protocol"
	"github.com/Alomgir27/nexva-widget/internal/session"
)

// Options configures a Terminal.
type Options struct {
	Out          io.Writer
	Width        int
	PrimaryColor string
	// MarkdownStyle is a glamour standard style name; empty picks one from
	// the terminal background.
	MarkdownStyle string
}

var _ session.View = (*Terminal)(nil)

// Terminal is a line-oriented session.View. Messages are printed once,
// when they are final; streaming text shows as a typing indicator.
type Terminal struct {
	mu      sync.Mutex
	out     io.Writer
	width   int
	styles  styles
	md      *glamour.TermRenderer
	printed map[int]bool
	typing  bool
	mode    protocol.Mode
	voice   session.VoiceStatus
	presets []string
	support bool
}

type styles struct {
	header    lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	agent     lipgloss.Style
	system    lipgloss.Style
	muted     lipgloss.Style
}

func newStyles(primary string) styles {
	if primary == "" {
		primary = "#3b82f6"
	}
	accent := lipgloss.Color(primary)
	return styles{
		header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffffff")).Background(accent).Padding(0, 1),
		user:      lipgloss.NewStyle().Bold(true).Foreground(accent),
		assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10b981")),
		agent:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f59e0b")),
		system:    lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#9ca3af")),
		muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280")),
	}
}

// NewTerminal creates a terminal view. Markdown falls back to plain text if
// the glamour renderer cannot be built.
func NewTerminal(opts Options) *Terminal {
	if opts.Width <= 0 {
		opts.Width = 80
	}
	t := &Terminal{
		out:     opts.Out,
		width:   opts.Width,
		styles:  newStyles(opts.PrimaryColor),
		printed: make(map[int]bool),
		mode:    protocol.ModeAI,
		voice:   session.VoiceOff,
	}

	style := glamour.WithAutoStyle()
	if opts.MarkdownStyle != "" {
		style = glamour.WithStandardStyle(opts.MarkdownStyle)
	}
	md, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(opts.Width-4))
	if err == nil {
		t.md = md
	}
	return t
}

// Header prints the widget title bar.
func (t *Terminal) Header(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.println(t.styles.header.Render(title))
	t.println(t.styles.muted.Render("Type a message, or /help for commands."))
}

// Render prints messages that became final since the last call.
func (t *Terminal) Render(snapshot chat.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range snapshot.Messages {
		if m.Draft || !m.Finalized || t.printed[m.Key] {
			continue
		}
		t.printed[m.Key] = true
		t.println(t.format(m))
	}
}

func (t *Terminal) format(m chat.Message) string {
	switch {
	case m.Role == chat.RoleSystem:
		return t.styles.system.Render(m.Content)
	case m.Role == chat.RoleUser:
		return t.styles.user.Render("You") + "\n" + indent(m.Content)
	case m.IsHuman():
		return t.styles.agent.Render(m.AgentName()+" (support)") + "\n" + indent(m.Content)
	default:
		return t.styles.assistant.Render("Assistant") + "\n" + t.markdown(m.Content)
	}
}

func (t *Terminal) markdown(content string) string {
	if t.md == nil || strings.TrimSpace(content) == "" {
		return indent(content)
	}
	out, err := t.md.Render(content)
	if err != nil {
		return indent(content)
	}
	return strings.TrimRight(out, "\n")
}

func (t *Terminal) ShowTyping() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.typing {
		return
	}
	t.typing = true
	t.println(t.styles.muted.Render("… typing"))
}

func (t *Terminal) HideTyping() {
	t.mu.Lock()
	t.typing = false
	t.mu.Unlock()
}

func (t *Terminal) SetMode(mode protocol.Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mode == t.mode {
		return
	}
	t.mode = mode
	label := "AI assistant"
	if mode == protocol.ModeHuman {
		label = "human support"
	}
	t.println(t.styles.muted.Render("mode: " + label))
}

func (t *Terminal) SetVoiceStatus(status session.VoiceStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status == t.voice {
		return
	}
	t.voice = status
	t.println(t.styles.muted.Render(voiceLabel(status)))
}

func voiceLabel(s session.VoiceStatus) string {
	switch s {
	case session.VoiceListening:
		return "🎤 listening..."
	case session.VoiceSpeaking:
		return "🔊 speaking..."
	case session.VoiceIdle:
		return "🎤 voice on"
	default:
		return "🎤 voice off"
	}
}

func (t *Terminal) SetActions(a session.Actions) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(a.Presets) > 0 && !slices.Equal(a.Presets, t.presets) {
		var b strings.Builder
		b.WriteString("Suggested questions:")
		for i, q := range a.Presets {
			fmt.Fprintf(&b, "\n  /%d %s", i+1, q)
		}
		t.println(t.styles.muted.Render(b.String()))
	}
	t.presets = a.Presets
	if a.Support && !t.support {
		t.println(t.styles.muted.Render("Need a person? Type /support"))
	}
	t.support = a.Support
}

// Println prints a local notice, such as command help.
func (t *Terminal) Println(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.println(t.styles.system.Render(text))
}

func (t *Terminal) println(s string) {
	fmt.Fprintln(t.out, s)
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
