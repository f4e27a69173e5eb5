package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alomgir27/nexva-widget/internal/protocol"
)

// ChatHandler receives chat socket events. Calls arrive on the reader
// goroutine, one at a time, in frame arrival order.
type ChatHandler interface {
	OnHistory(messages []protocol.HistoryMessage, mode protocol.Mode)
	OnChunk(text string)
	OnComplete(conversationID int64)
	OnHumanMessage(content, senderEmail string)
	OnTicketResolved(message string)
	OnServerError(message string)
	// OnDisconnect is called once per connection. err is nil after a local
	// or clean close.
	OnDisconnect(err error)
}

// ChatConfig configures a ChatClient.
type ChatConfig struct {
	APIURL           string
	APIKey           string
	SessionID        string
	HandshakeTimeout time.Duration
}

// ChatClient is the chat WebSocket at /ws/chat/{apiKey}.
type ChatClient struct {
	config  ChatConfig
	handler ChatHandler
	logger  zerolog.Logger
	conn    *conn

	mu             sync.Mutex
	conversationID int64
}

// NewChatClient creates a client. Nothing is dialed until Connect.
func NewChatClient(cfg ChatConfig, handler ChatHandler, logger zerolog.Logger) *ChatClient {
	logger = logger.With().Str("component", "chat-ws").Logger()
	return &ChatClient{
		config:  cfg,
		handler: handler,
		logger:  logger,
		conn:    newConn("chat", cfg.HandshakeTimeout, logger),
	}
}

// Connect opens the socket and sends the handshake, resuming resumeID when
// it is positive. It is a no-op while a connection is open.
func (c *ChatClient) Connect(ctx context.Context, resumeID int64) error {
	endpoint, err := SocketURL(c.config.APIURL, "/ws/chat/"+url.PathEscape(c.config.APIKey))
	if err != nil {
		return err
	}

	s, opened, err := c.conn.dial(ctx, endpoint)
	if err != nil {
		return err
	}
	if !opened {
		c.logger.Debug().Msg("Already connected")
		return nil
	}

	c.mu.Lock()
	if resumeID > 0 {
		c.conversationID = resumeID
	}
	c.mu.Unlock()

	hello := protocol.Handshake{SessionID: c.config.SessionID}
	if resumeID > 0 {
		hello.ConversationID = resumeID
		c.logger.Info().Int64("conversation_id", resumeID).Msg("Resuming conversation")
	}
	if err := c.conn.writeJSON(hello); err != nil {
		c.conn.close()
		go c.conn.readLoop(s, c.dispatch, func(error) {})
		return fmt.Errorf("send handshake: %w", err)
	}

	go c.conn.readLoop(s, c.dispatch, c.handler.OnDisconnect)
	return nil
}

// SendMessage writes one user message. It reports false when the socket is
// not open or the write fails; delivery is never assumed.
func (c *ChatClient) SendMessage(text string) bool {
	err := c.conn.writeJSON(protocol.ChatRequest{Message: text, SessionID: c.config.SessionID})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Send failed")
		return false
	}
	return true
}

// IsOpen reports whether the socket is connected.
func (c *ChatClient) IsOpen() bool {
	return c.conn.isOpen()
}

// ConversationID is the conversation resumed or assigned on this client.
func (c *ChatClient) ConversationID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Close shuts the socket. Calling it again is a no-op.
func (c *ChatClient) Close() {
	c.conn.close()
	c.mu.Lock()
	c.conversationID = 0
	c.mu.Unlock()
}

func (c *ChatClient) dispatch(kind string, raw json.RawMessage) {
	var frame protocol.ChatFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Warn().Err(err).Str("type", kind).Msg("Failed to parse frame")
		return
	}

	switch kind {
	case protocol.TypeHistory:
		c.logger.Debug().Int("messages", len(frame.Messages)).Str("mode", string(frame.Mode)).Msg("History received")
		c.handler.OnHistory(frame.Messages, frame.Mode)

	case protocol.TypeChunk:
		c.handler.OnChunk(frame.Text)

	case protocol.TypeComplete:
		if frame.ConversationID > 0 {
			c.mu.Lock()
			c.conversationID = frame.ConversationID
			c.mu.Unlock()
		}
		c.handler.OnComplete(frame.ConversationID)

	case protocol.TypeHumanMessage:
		c.logger.Info().Str("sender", frame.SenderEmail).Msg("Received human message")
		c.handler.OnHumanMessage(frame.Content, frame.SenderEmail)

	case protocol.TypeTicketResolved:
		c.logger.Info().Msg("Ticket resolved, switching to AI mode")
		c.handler.OnTicketResolved(frame.Message)

	case protocol.TypeError:
		c.logger.Warn().Str("message", frame.Message).Msg("Server error")
		c.handler.OnServerError(frame.Message)

	default:
		c.logger.Debug().Str("type", kind).Msg("Unknown message type")
	}
}
