package session

import (
	"github.com/Alomgir27/nexva-widget/internal/chat"
	"github.com/Alomgir27/nexva-widget/internal/protocol"
)

// VoiceStatus is the voice indicator shown next to the input.
type VoiceStatus string

const (
	VoiceOff       VoiceStatus = "off"
	VoiceListening VoiceStatus = "listening"
	// VoiceIdle means voice mode is on but nothing is being recorded, for
	// example while a query is in flight.
	VoiceIdle     VoiceStatus = "idle"
	VoiceSpeaking VoiceStatus = "speaking"
)

// Actions describes the conversation controls the view should offer.
type Actions struct {
	// Support is true when a support request may be made.
	Support          bool
	SupportRequested bool
	// Presets are the suggested opening questions; empty once the user
	// has sent a message.
	Presets []string
}

// View is the presentation layer. The widget calls it from any goroutine;
// implementations synchronize themselves.
type View interface {
	Render(snapshot chat.Snapshot)
	ShowTyping()
	HideTyping()
	SetMode(mode protocol.Mode)
	SetVoiceStatus(status VoiceStatus)
	SetActions(actions Actions)
}
