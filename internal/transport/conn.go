// Package transport owns the WebSocket connections to the Nexva backend:
// the chat socket and the voice-chat socket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Alomgir27/nexva-widget/internal/metrics"
)

// ErrNotConnected is returned when writing to a socket that is not open.
var ErrNotConnected = errors.New("websocket not connected")

// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// SocketURL derives the WebSocket endpoint for path from an HTTP API base
// URL: https becomes wss, anything else ws.
func SocketURL(apiURL, path string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url %q has no host", apiURL)
	}
	if u.Scheme == "https" || u.Scheme == "wss" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// conn is the connection core shared by the chat and voice clients: one
// socket, a write lock, and a single reader goroutine that hands frames
// to dispatch in arrival order.
type conn struct {
	channel string
	logger  zerolog.Logger
	dialer  *websocket.Dialer

	mu  sync.Mutex
	cur *socket

	writeMu sync.Mutex
}

// socket is one dialed connection. closing is set by a local close.
type socket struct {
	ws      *websocket.Conn
	closing bool
}

func newConn(channel string, timeout time.Duration, logger zerolog.Logger) *conn {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &conn{
		channel: channel,
		logger:  logger,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: timeout,
		},
	}
}

func (c *conn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && !c.cur.closing
}

// dial opens the socket. It returns false without error when a socket is
// already open.
func (c *conn) dial(ctx context.Context, endpoint string) (*socket, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && !c.cur.closing {
		return nil, false, nil
	}

	c.logger.Info().Str("url", redact(endpoint)).Msg("Connecting")
	ws, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("dial %s: %w", c.channel, err)
	}
	s := &socket{ws: ws}
	c.cur = s
	metrics.ActiveConnections.WithLabelValues(c.channel).Inc()
	c.logger.Info().Msg("Connected")
	return s, true, nil
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	s := c.cur
	if s != nil && s.closing {
		s = nil
	}
	c.mu.Unlock()
	if s == nil {
		metrics.SendFailures.WithLabelValues(c.channel).Inc()
		return ErrNotConnected
	}

	c.writeMu.Lock()
	err := s.ws.WriteJSON(v)
	c.writeMu.Unlock()
	if err != nil {
		metrics.SendFailures.WithLabelValues(c.channel).Inc()
		return fmt.Errorf("write %s frame: %w", c.channel, err)
	}
	metrics.MessagesSent.WithLabelValues(c.channel).Inc()
	return nil
}

// readLoop runs until the socket fails or is closed. dispatch receives the
// frame type and raw payload. end is called once with nil after a local
// close or a clean remote close, else with the failure.
func (c *conn) readLoop(s *socket, dispatch func(kind string, raw json.RawMessage), end func(error)) {
	var readErr error
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		// a frame that does not parse is dropped; the socket stays up
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Failed to parse message")
			continue
		}
		metrics.FramesReceived.WithLabelValues(c.channel, head.Type).Inc()
		dispatch(head.Type, json.RawMessage(data))
	}

	c.mu.Lock()
	local := s.closing
	if c.cur == s {
		c.cur = nil
	}
	c.mu.Unlock()
	_ = s.ws.Close()
	metrics.ActiveConnections.WithLabelValues(c.channel).Dec()

	switch {
	case local:
		c.logger.Debug().Msg("Connection closed")
		end(nil)
	case websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Info().Msg("Server closed connection")
		end(nil)
	default:
		c.logger.Warn().Err(readErr).Msg("Connection lost")
		end(fmt.Errorf("read %s: %w", c.channel, readErr))
	}
}

// close marks the socket as locally closed and shuts it down. Safe to call
// repeatedly and from inside dispatch.
func (c *conn) close() {
	c.mu.Lock()
	s := c.cur
	if s == nil || s.closing {
		c.mu.Unlock()
		return
	}
	s.closing = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = s.ws.Close()
}

// redact hides the api key path segment in logs.
func redact(endpoint string) string {
	i := strings.LastIndex(endpoint, "/")
	if i < 0 || i == len(endpoint)-1 {
		return endpoint
	}
	return endpoint[:i+1] + "***"
}
