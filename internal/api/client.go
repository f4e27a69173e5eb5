// Package api is the client for the Nexva conversations REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alomgir27/nexva-widget/internal/metrics"
	"github.com/Alomgir27/nexva-widget/internal/protocol"
)

// ErrSupportAlreadyRequested is matched by errors.Is when the backend
// rejects a support request for a conversation that already has one.
var ErrSupportAlreadyRequested = errors.New("support already requested")

// SupportConflictError is returned for a 400 from request-support.
type SupportConflictError struct {
	Detail string
}

func (e *SupportConflictError) Error() string {
	if e.Detail == "" {
		return ErrSupportAlreadyRequested.Error()
	}
	return ErrSupportAlreadyRequested.Error() + ": " + e.Detail
}

func (e *SupportConflictError) Unwrap() error { return ErrSupportAlreadyRequested }

// StatusError is any other non-2xx response.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed: %d - %s", e.Endpoint, e.Code, e.Body)
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL string
	// Timeout of zero leaves requests bounded only by their context.
	Timeout time.Duration
}

// Client calls the conversations API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a REST client for cfg.BaseURL.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// SwitchMode routes the conversation to the AI assistant or human support.
func (c *Client) SwitchMode(ctx context.Context, conversationID int64, mode protocol.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}
	path := fmt.Sprintf("/api/conversations/%d/switch-mode", conversationID)
	resp, err := c.do(ctx, "switch_mode", http.MethodPost, path, protocol.SwitchModeRequest{Mode: mode})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("switch-mode", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Info().Int64("conversation_id", conversationID).Str("mode", string(mode)).Msg("Mode switched")
	return nil
}

// RequestSupport asks for a human agent. It returns the server message on
// success and a *SupportConflictError on a 400.
func (c *Client) RequestSupport(ctx context.Context, conversationID int64) (string, error) {
	path := fmt.Sprintf("/api/conversations/%d/request-support", conversationID)
	resp, err := c.do(ctx, "request_support", http.MethodPost, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		var body protocol.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return "", &SupportConflictError{Detail: body.Detail}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError("request-support", resp)
	}

	var body protocol.SupportResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("decode support response: %w", err)
	}
	if body.Message == "" {
		body.Message = "Support requested"
	}
	return body.Message, nil
}

// Messages fetches up to limit messages older than beforeID. An empty
// beforeID requests the newest page.
func (c *Client) Messages(ctx context.Context, conversationID int64, limit int, beforeID protocol.ID) ([]protocol.HistoryMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID != "" {
		q.Set("before_message_id", string(beforeID))
	}
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, "messages", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("messages", resp)
	}

	var msgs []protocol.HistoryMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APIRequests.WithLabelValues(endpoint, "error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Request failed")
		return nil, fmt.Errorf("%s request: %w", endpoint, err)
	}
	metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

func statusError(endpoint string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}
