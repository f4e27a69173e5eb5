// Package session composes the transport, message model, voice capture and
// audio queue into one widget instance.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alomgir27/nexva-widget/internal/api"
	"github.com/Alomgir27/nexva-widget/internal/audio"
	"github.com/Alomgir27/nexva-widget/internal/bus"
	"github.com/Alomgir27/nexva-widget/internal/chat"
	"github.com/Alomgir27/nexva-widget/internal/config"
	"github.com/Alomgir27/nexva-widget/internal/protocol"
	"github.com/Alomgir27/nexva-widget/internal/storage"
	"github.com/Alomgir27/nexva-widget/internal/transport"
	"github.com/Alomgir27/nexva-widget/internal/voice"
)

var (
	// ErrNoConversation means the server has not assigned a conversation yet.
	ErrNoConversation = errors.New("no active conversation")
	// ErrVoiceDisabled means voice is turned off in the widget options.
	ErrVoiceDisabled = errors.New("voice chat disabled")
	// ErrVoiceUnavailable means voice capture could not start.
	ErrVoiceUnavailable = errors.New("voice capture unavailable")
	// ErrDestroyed is returned by every action after Destroy.
	ErrDestroyed = errors.New("widget destroyed")
)

const historyPageSize = 10

// Options wires a Widget. Config, View and APIKey are required.
type Options struct {
	APIKey string
	Config *config.Config
	View   View

	// ConversationStore holds the conversation id (tab scope).
	// SessionStore holds the stable session id. Both default to memory.
	ConversationStore storage.Store
	SessionStore      storage.Store

	Recognizer voice.Recognizer
	Microphone voice.Microphone
	Player     audio.Player

	EventBus *bus.EventBus
	Logger   zerolog.Logger

	// AfterFunc schedules voice restarts and capture timers; nil uses
	// time.AfterFunc.
	AfterFunc voice.AfterFunc
}

// Widget is one mounted chat widget. All methods are safe for concurrent
// use.
type Widget struct {
	apiKey    string
	config    *config.Config
	view      View
	convStore storage.Store
	sessionID string
	eventBus  *bus.EventBus
	logger    zerolog.Logger
	afterFunc voice.AfterFunc

	conv    *chat.Conversation
	chat    *transport.ChatClient
	rest    *api.Client
	voiceWS *transport.VoiceClient
	capture *voice.Capture
	queue   *audio.Queue

	mu               sync.Mutex
	open             bool
	destroyed        bool
	mode             protocol.Mode
	conversationID   int64
	supportRequested bool
	presetsUsed      bool
	loadingMore      bool
	typing           bool
	voiceActive      bool
	voiceGen         uint64
}

// New mounts a widget. Nothing is dialed until Open.
func New(opts Options) (*Widget, error) {
	if opts.Config == nil {
		return nil, errors.New("session: config is required")
	}
	if opts.View == nil {
		return nil, errors.New("session: view is required")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("session: api key is required")
	}
	if opts.ConversationStore == nil {
		opts.ConversationStore = storage.NewMemoryStore()
	}
	if opts.SessionStore == nil {
		opts.SessionStore = storage.NewMemoryStore()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) voice.Timer { return time.AfterFunc(d, f) }
	}
	if opts.Player == nil {
		opts.Player = discardPlayer{}
	}

	cfg := opts.Config
	w := &Widget{
		apiKey:    opts.APIKey,
		config:    cfg,
		view:      opts.View,
		convStore: opts.ConversationStore,
		sessionID: storage.GetOrCreateSessionID(opts.SessionStore, opts.APIKey),
		eventBus:  opts.EventBus,
		logger:    opts.Logger.With().Str("component", "widget").Logger(),
		afterFunc: opts.AfterFunc,
		conv:      chat.NewConversation(),
		mode:      protocol.ModeAI,
	}

	w.chat = transport.NewChatClient(transport.ChatConfig{
		APIURL:    cfg.Widget.APIURL,
		APIKey:    opts.APIKey,
		SessionID: w.sessionID,
	}, chatEvents{w}, opts.Logger)
	w.rest = api.NewClient(api.ClientConfig{BaseURL: cfg.Widget.APIURL}, opts.Logger)
	w.voiceWS = transport.NewVoiceClient(transport.VoiceConfig{
		APIURL: cfg.Widget.APIURL,
		APIKey: opts.APIKey,
	}, voiceEvents{w}, opts.Logger)

	w.capture = voice.NewCapture(voice.Config{
		Language:       cfg.Voice.Language,
		SilenceTimeout: cfg.Voice.SilenceTimeout,
		EchoWindow:     cfg.Voice.EchoWindow,
		ResumeDelay:    cfg.Voice.ResumeDelay,
	}, opts.Recognizer, opts.Microphone, w.conv, opts.EventBus, opts.Logger)
	w.capture.SetAfterFunc(opts.AfterFunc)
	w.capture.SetSystemMessageCallback(w.system)
	w.capture.SetListeningCallback(w.onListening)

	w.queue = audio.NewQueue(opts.Player, opts.EventBus, opts.Logger)
	w.queue.SetStatusCallback(w.onPlayback)
	w.queue.SetSegmentStartCallback(w.onSegmentStart)

	w.conv.SetChangeCallback(w.view.Render)
	w.conv.Add(chat.RoleAssistant, cfg.Widget.WelcomeMessage)
	w.view.SetMode(protocol.ModeAI)
	w.view.SetVoiceStatus(VoiceOff)
	w.updateActions()

	w.logger.Info().Str("session_id", w.sessionID).Msg("Widget mounted")
	return w, nil
}

// Conversation exposes the message model.
func (w *Widget) Conversation() *chat.Conversation { return w.conv }

// Mode returns the current routing mode.
func (w *Widget) Mode() protocol.Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// ConversationID returns the assigned conversation id, or zero.
func (w *Widget) ConversationID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conversationID
}

// IsOpen reports whether the chat window is open.
func (w *Widget) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

// VoiceActive reports whether voice chat mode is on.
func (w *Widget) VoiceActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.voiceActive
}

// SupportRequested reports whether a human agent was requested.
func (w *Widget) SupportRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.supportRequested
}

// Open opens the chat window and connects, resuming the stored
// conversation. Opening an already connected widget only refreshes state.
func (w *Widget) Open(ctx context.Context) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	w.open = true
	if id, ok := storage.GetConversationID(w.convStore, w.apiKey); ok {
		w.conversationID = id
		w.logger.Info().Int64("conversation_id", id).Msg("Resuming conversation")
	}
	resume := w.conversationID
	w.mu.Unlock()

	if err := w.connect(ctx, resume); err != nil {
		return err
	}
	w.updateActions()
	return nil
}

func (w *Widget) connect(ctx context.Context, resume int64) error {
	if err := w.chat.Connect(ctx, resume); err != nil {
		w.logger.Error().Err(err).Msg("Chat connection failed")
		w.system(MsgConnectionError)
		w.eventBus.Publish(bus.Event{Type: bus.EventTypeError, Data: map[string]any{"error": err.Error()}})
		return fmt.Errorf("connect chat: %w", err)
	}
	w.eventBus.Publish(bus.Event{Type: bus.EventTypeConnected, Data: map[string]any{"conversation_id": resume}})
	return nil
}

// Close closes the chat window and leaves voice mode. The chat socket
// stays connected so reopening resumes immediately.
func (w *Widget) Close() {
	w.mu.Lock()
	w.open = false
	w.mu.Unlock()
	w.StopVoice()
}

// Send posts a user message. It reports false when the socket is not open,
// in which case a connection-lost message has been shown.
func (w *Widget) Send(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return false
	}
	firstMessage := !w.presetsUsed
	w.presetsUsed = true
	aiMode := w.mode == protocol.ModeAI
	w.mu.Unlock()

	w.conv.Add(chat.RoleUser, text)
	if firstMessage {
		w.updateActions()
	}
	if aiMode {
		w.showTyping()
	}

	if !w.chat.SendMessage(text) {
		w.system(MsgConnectionLost)
		w.hideTyping()
		return false
	}
	return true
}

// SendPreset sends the i-th preset question.
func (w *Widget) SendPreset(i int) bool {
	presets := w.cfg().Widget.PresetQuestions
	if i < 0 || i >= len(presets) {
		return false
	}
	return w.Send(presets[i])
}

// SwitchMode routes the conversation to mode. Local mode changes only after
// the backend accepts the switch.
func (w *Widget) SwitchMode(ctx context.Context, mode protocol.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}

	w.mu.Lock()
	id, current := w.conversationID, w.mode
	w.mu.Unlock()

	if id == 0 {
		w.system(MsgStartConversation)
		return ErrNoConversation
	}
	if mode == current {
		w.logger.Debug().Str("mode", string(mode)).Msg("Already in mode")
		return nil
	}

	if mode == protocol.ModeHuman {
		w.system(MsgSwitchingHuman)
	} else {
		w.system(MsgSwitchingAI)
	}

	if err := w.rest.SwitchMode(ctx, id, mode); err != nil {
		w.logger.Error().Err(err).Str("mode", string(mode)).Msg("Mode switch failed")
		w.system(MsgSwitchFailed)
		return err
	}

	w.setMode(mode)
	if mode == protocol.ModeHuman {
		w.system(MsgSwitchedHuman)
	} else {
		w.system(MsgSwitchedAI)
	}
	w.updateActions()
	return nil
}

// RequestSupport asks for a human agent once per conversation.
func (w *Widget) RequestSupport(ctx context.Context) error {
	w.mu.Lock()
	id, requested := w.conversationID, w.supportRequested
	w.mu.Unlock()

	if id == 0 {
		w.system(MsgNoConversation)
		return ErrNoConversation
	}
	if requested {
		w.system(MsgSupportAlready)
		return api.ErrSupportAlreadyRequested
	}

	msg, err := w.rest.RequestSupport(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrSupportAlreadyRequested) {
			w.logger.Warn().Err(err).Msg("Support already requested")
			w.mu.Lock()
			w.supportRequested = true
			w.mu.Unlock()
			w.system(MsgSupportAlready)
			w.updateActions()
		} else {
			w.logger.Error().Err(err).Msg("Support request failed")
			w.system(MsgSupportFailed)
		}
		return err
	}

	w.mu.Lock()
	w.supportRequested = true
	w.mu.Unlock()
	w.system("✅ " + msg + MsgSupportSuffix)
	w.eventBus.Publish(bus.Event{Type: bus.EventTypeSupportRequested, Data: map[string]any{"conversation_id": id}})
	w.updateActions()
	return nil
}

// LoadMore fetches the page of history before the oldest known message and
// returns how many messages were added.
func (w *Widget) LoadMore(ctx context.Context) (int, error) {
	w.mu.Lock()
	if w.loadingMore || w.conversationID == 0 || !w.conv.HasMore() {
		w.mu.Unlock()
		return 0, nil
	}
	before, ok := w.conv.OldestID()
	if !ok {
		w.mu.Unlock()
		return 0, nil
	}
	id := w.conversationID
	w.loadingMore = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.loadingMore = false
		w.mu.Unlock()
	}()

	page, err := w.rest.Messages(ctx, id, historyPageSize, before)
	if err != nil {
		w.logger.Error().Err(err).Msg("Error loading messages")
		return 0, err
	}
	return w.conv.Prepend(page), nil
}

// Reset forgets the conversation and starts a fresh one.
func (w *Widget) Reset(ctx context.Context) error {
	w.logger.Info().Msg("Resetting chat")
	w.StopVoice()

	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	w.conversationID = 0
	w.supportRequested = false
	w.mu.Unlock()

	if err := storage.ClearConversation(w.convStore, w.apiKey); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to clear stored conversation")
	}
	w.chat.Close()
	w.hideTyping()
	w.setMode(protocol.ModeAI)

	w.conv.Clear()
	w.conv.Add(chat.RoleAssistant, w.cfg().Widget.WelcomeMessage)
	w.system(MsgNewConversation)
	w.updateActions()

	return w.connect(ctx, 0)
}

// Destroy tears the widget down. Every later action fails.
func (w *Widget) Destroy() {
	w.logger.Info().Msg("Destroying widget")
	w.StopVoice()
	w.Close()
	w.chat.Close()
	w.capture.Cleanup()

	w.mu.Lock()
	w.destroyed = true
	w.open = false
	w.supportRequested = false
	w.conversationID = 0
	w.mode = protocol.ModeAI
	w.typing = false
	w.mu.Unlock()

	w.conv.SetChangeCallback(nil)
	w.conv.Clear()
	w.logger.Info().Msg("Widget destroyed")
}

// ApplyConfig takes new presentation options. Connection options (API URL,
// key) only apply to a new widget.
func (w *Widget) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	w.mu.Lock()
	next := *w.config
	next.Widget.Position = cfg.Widget.Position
	next.Widget.PrimaryColor = cfg.Widget.PrimaryColor
	next.Widget.HeaderText = cfg.Widget.HeaderText
	next.Widget.WelcomeMessage = cfg.Widget.WelcomeMessage
	next.Widget.Placeholder = cfg.Widget.Placeholder
	next.Widget.Theme = cfg.Widget.Theme
	next.Widget.BorderRadius = cfg.Widget.BorderRadius
	next.Widget.PresetQuestions = cfg.Widget.PresetQuestions
	next.Widget.EnableHumanSupport = cfg.Widget.EnableHumanSupport
	next.Widget.EnableVoice = cfg.Widget.EnableVoice
	next.Widget.Bubble = cfg.Widget.Bubble
	w.config = &next
	w.mu.Unlock()

	w.logger.Info().Msg("Configuration reloaded")
	w.updateActions()
}

func (w *Widget) cfg() *config.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.config
}

func (w *Widget) setMode(mode protocol.Mode) {
	w.mu.Lock()
	changed := w.mode != mode
	w.mode = mode
	w.mu.Unlock()

	w.view.SetMode(mode)
	if changed {
		w.eventBus.Publish(bus.Event{Type: bus.EventTypeModeChanged, Data: map[string]any{"mode": string(mode)}})
	}
}

func (w *Widget) assignConversation(id int64) {
	if id <= 0 {
		return
	}
	w.mu.Lock()
	changed := w.conversationID != id
	w.conversationID = id
	w.mu.Unlock()

	if err := storage.SaveConversationID(w.convStore, w.apiKey, id); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to save conversation id")
	}
	if changed {
		w.logger.Info().Int64("conversation_id", id).Msg("Conversation assigned")
		w.eventBus.Publish(bus.Event{Type: bus.EventTypeConversationAssigned, Data: map[string]any{"conversation_id": id}})
	}
}

func (w *Widget) updateActions() {
	w.mu.Lock()
	cfg := w.config
	a := Actions{
		Support:          cfg.Widget.EnableHumanSupport && w.conversationID != 0 && !w.supportRequested,
		SupportRequested: w.supportRequested,
	}
	if !w.presetsUsed {
		a.Presets = append([]string(nil), cfg.Widget.PresetQuestions...)
	}
	w.mu.Unlock()
	w.view.SetActions(a)
}

func (w *Widget) system(msg string) {
	w.conv.Add(chat.RoleSystem, msg)
}

func (w *Widget) showTyping() {
	w.mu.Lock()
	w.typing = true
	w.mu.Unlock()
	w.view.ShowTyping()
}

func (w *Widget) hideTyping() {
	w.mu.Lock()
	was := w.typing
	w.typing = false
	w.mu.Unlock()
	if was {
		w.view.HideTyping()
	}
}

// chatEvents adapts the chat socket to the widget.
type chatEvents struct{ w *Widget }

func (e chatEvents) OnHistory(messages []protocol.HistoryMessage, mode protocol.Mode) {
	w := e.w
	w.conv.ReplaceHistory(messages)
	w.assignConversation(w.chat.ConversationID())
	if mode.Valid() {
		w.setMode(mode)
	}
	w.updateActions()
}

func (e chatEvents) OnChunk(text string) {
	e.w.hideTyping()
	e.w.conv.AppendDelta(text)
}

func (e chatEvents) OnComplete(conversationID int64) {
	w := e.w
	w.conv.Finalize()
	w.hideTyping()
	w.assignConversation(conversationID)
	w.eventBus.Publish(bus.Event{Type: bus.EventTypeResponseComplete, Data: map[string]any{"channel": "chat"}})
	w.updateActions()
	if w.VoiceActive() {
		// a typed question answered mid voice chat hands back to the mic
		w.later(w.cfg().Voice.ContinueDelay, w.relisten)
	}
}

func (e chatEvents) OnHumanMessage(content, senderEmail string) {
	e.w.hideTyping()
	e.w.conv.AddHuman(content, senderEmail, "")
}

func (e chatEvents) OnTicketResolved(message string) {
	w := e.w
	w.system("✅ " + message)
	w.mu.Lock()
	w.supportRequested = false
	w.mu.Unlock()
	w.setMode(protocol.ModeAI)
	w.updateActions()
}

func (e chatEvents) OnServerError(message string) {
	e.w.system("❌ " + message)
	e.w.hideTyping()
}

func (e chatEvents) OnDisconnect(err error) {
	w := e.w
	w.eventBus.Publish(bus.Event{Type: bus.EventTypeDisconnected})
	if err == nil {
		return
	}
	w.logger.Warn().Err(err).Msg("Chat connection lost")
	w.system(MsgConnectionError)
	w.hideTyping()
	w.eventBus.Publish(bus.Event{Type: bus.EventTypeError, Data: map[string]any{"error": err.Error()}})
}

// discardPlayer finishes every segment immediately.
type discardPlayer struct{}

func (discardPlayer) Play(context.Context, *audio.Segment) error { return nil }
