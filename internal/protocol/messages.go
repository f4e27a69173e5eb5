// Package protocol holds the wire types exchanged with the Nexva backend
// over its chat and voice WebSockets and the conversations REST API.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Mode is the conversation routing state.
type Mode string

const (
	ModeAI    Mode = "ai"
	ModeHuman Mode = "human"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeAI || m == ModeHuman
}

// SenderSupport marks a history message written by a human agent.
const SenderSupport = "support"

// Chat frame types
const (
	TypeHistory        = "history"
	TypeChunk          = "chunk"
	TypeComplete       = "complete"
	TypeHumanMessage   = "human_message"
	TypeTicketResolved = "ticket_resolved"
	TypeError          = "error"
)

// Voice frame types
const (
	TypeTextQuery     = "text_query"
	TypeInterrupt     = "interrupt"
	TypeStop          = "stop"
	TypeResponseStart = "response_start"
	TypeTextChunk     = "text_chunk"
	TypeAudioChunk    = "audio_chunk"
	TypeResponseEnd   = "response_end"
)

// ID is an opaque server identifier. The backend sends numbers, but a
// quoted value is accepted too.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Int64 parses the id as a positive decimal number.
func (id ID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Handshake is the first frame sent on the chat socket.
type Handshake struct {
	SessionID      string `json:"session_id"`
	ConversationID int64  `json:"conversation_id,omitempty"`
}

// ChatRequest carries one user message.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// HistoryMessage is a stored message, as sent in history frames and
// returned by the messages endpoint.
type HistoryMessage struct {
	ID          ID     `json:"id,omitempty"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	SenderType  string `json:"sender_type,omitempty"`
	SenderEmail string `json:"sender_email,omitempty"`
}

// ChatFrame is any frame received on the chat socket. Fields are
// populated according to Type.
type ChatFrame struct {
	Type           string           `json:"type"`
	Messages       []HistoryMessage `json:"messages,omitempty"`
	Mode           Mode             `json:"mode,omitempty"`
	Text           string           `json:"text,omitempty"`
	ConversationID int64            `json:"conversation_id,omitempty"`
	Content        string           `json:"content,omitempty"`
	SenderEmail    string           `json:"sender_email,omitempty"`
	Message        string           `json:"message,omitempty"`
}

// VoiceRequest is a client frame on the voice socket.
type VoiceRequest struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// VoiceFrame is any frame received on the voice socket.
type VoiceFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Audio   string `json:"audio,omitempty"`
	Message string `json:"message,omitempty"`
}

// SwitchModeRequest is the body of the switch-mode endpoint.
type SwitchModeRequest struct {
	Mode Mode `json:"mode"`
}

// SupportResponse is the success body of the request-support endpoint.
type SupportResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the FastAPI error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
