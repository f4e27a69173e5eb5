package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alomgir27/nexva-widget/internal/protocol"
)

// VoiceHandler receives voice socket events on the reader goroutine.
type VoiceHandler interface {
	OnResponseStart()
	OnTextChunk(text string)
	// OnAudioChunk carries one base64 encoded WAV segment.
	OnAudioChunk(audio string)
	OnResponseEnd()
	OnVoiceError(message string)
	OnVoiceDisconnect(err error)
}

// VoiceConfig configures a VoiceClient.
type VoiceConfig struct {
	APIURL           string
	APIKey           string
	HandshakeTimeout time.Duration
}

// VoiceClient is the voice-chat WebSocket at /ws/voice-chat/{apiKey}.
type VoiceClient struct {
	config  VoiceConfig
	handler VoiceHandler
	logger  zerolog.Logger
	conn    *conn
}

// NewVoiceClient creates a client. Nothing is dialed until Connect.
func NewVoiceClient(cfg VoiceConfig, handler VoiceHandler, logger zerolog.Logger) *VoiceClient {
	logger = logger.With().Str("component", "voice-ws").Logger()
	return &VoiceClient{
		config:  cfg,
		handler: handler,
		logger:  logger,
		conn:    newConn("voice", cfg.HandshakeTimeout, logger),
	}
}

// Connect opens the socket. It is a no-op while a connection is open.
func (c *VoiceClient) Connect(ctx context.Context) error {
	endpoint, err := SocketURL(c.config.APIURL, "/ws/voice-chat/"+url.PathEscape(c.config.APIKey))
	if err != nil {
		return err
	}
	s, opened, err := c.conn.dial(ctx, endpoint)
	if err != nil {
		return err
	}
	if opened {
		go c.conn.readLoop(s, c.dispatch, c.handler.OnVoiceDisconnect)
	}
	return nil
}

// IsOpen reports whether the socket is connected.
func (c *VoiceClient) IsOpen() bool {
	return c.conn.isOpen()
}

// SendQuery sends one finished utterance.
func (c *VoiceClient) SendQuery(text string) bool {
	return c.send(protocol.VoiceRequest{Type: protocol.TypeTextQuery, Text: text})
}

// Interrupt asks the server to cut the current response short.
func (c *VoiceClient) Interrupt() bool {
	return c.send(protocol.VoiceRequest{Type: protocol.TypeInterrupt})
}

// Stop tells the server the voice session is over and closes the socket.
func (c *VoiceClient) Stop() {
	if c.conn.isOpen() {
		c.send(protocol.VoiceRequest{Type: protocol.TypeStop})
	}
	c.conn.close()
}

func (c *VoiceClient) send(req protocol.VoiceRequest) bool {
	if err := c.conn.writeJSON(req); err != nil {
		c.logger.Warn().Err(err).Str("type", req.Type).Msg("Send failed")
		return false
	}
	return true
}

func (c *VoiceClient) dispatch(kind string, raw json.RawMessage) {
	var frame protocol.VoiceFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Warn().Err(err).Str("type", kind).Msg("Failed to parse frame")
		return
	}

	switch kind {
	case protocol.TypeResponseStart:
		c.handler.OnResponseStart()
	case protocol.TypeTextChunk:
		c.handler.OnTextChunk(frame.Text)
	case protocol.TypeAudioChunk:
		c.handler.OnAudioChunk(frame.Audio)
	case protocol.TypeResponseEnd:
		c.handler.OnResponseEnd()
	case protocol.TypeError:
		c.logger.Warn().Str("message", frame.Message).Msg("Server error")
		c.handler.OnVoiceError(frame.Message)
	default:
		c.logger.Debug().Str("type", kind).Msg("Unknown message type")
	}
}
