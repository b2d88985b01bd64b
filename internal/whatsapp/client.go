// Package whatsapp talks to the WhatsApp Cloud API: it sends text replies,
// downloads inbound media and decodes webhook deliveries.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/config"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/logging"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

// Client provides the Graph API calls the conversation needs.
type Client struct {
	httpClient    *http.Client
	token         string
	phoneNumberID string
	baseURL       string
}

// NewClient creates a Graph API client from the whatsapp config section.
func NewClient(cfg config.WhatsAppConfig) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: config.Seconds(cfg.Timeout)},
		token:         cfg.Token,
		phoneNumberID: cfg.PhoneNumberID,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
	}
}

type textMessage struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Context          *messageContext `json:"context,omitempty"`
	Text             textBody        `json:"text"`
}

type messageContext struct {
	MessageID string `json:"message_id"`
}

type textBody struct {
	Body string `json:"body"`
}

type apiErr struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	FBTraceID string `json:"fbtrace_id,omitempty"`
}

type errorEnvelope struct {
	Error *apiErr `json:"error,omitempty"`
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	ID       string `json:"id"`
}

// Reply sends text to user, quoting inReplyTo when set.
func (c *Client) Reply(ctx context.Context, to, text, inReplyTo string) error {
	msg := textMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: text},
	}
	if inReplyTo != "" {
		msg.Context = &messageContext{MessageID: inReplyTo}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	resp.Body.Close()
	log.Debug().Str("to", logging.MaskPhone(to)).Msg("WhatsApp reply sent")
	return nil
}

// Fetch downloads media: the id resolves to a short-lived URL which is then
// read with the same bearer token.
func (c *Client) Fetch(ctx context.Context, mediaID string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", c.baseURL, mediaID), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, "", fmt.Errorf("lookup media %s: %w", mediaID, err)
	}
	var info mediaInfo
	err = json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if err != nil {
		return nil, "", fmt.Errorf("decode media %s: %w", mediaID, err)
	}
	if info.URL == "" {
		return nil, "", fmt.Errorf("media %s has no download url", mediaID)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err = c.do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media %s: %w", mediaID, err)
	}
	mime := info.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return resp.Body, mime, nil
}

// do sends req with the bearer token. Non-2xx answers become errors; transport
// failures and 5xx are collaborator outages.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrCollaboratorUnavailable, err)
	}
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("statusCode", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("WhatsApp API response")
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var env errorEnvelope
	detail := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		detail = fmt.Sprintf("%s (type: %s, code: %d)", env.Error.Message, env.Error.Type, env.Error.Code)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d: %s", models.ErrCollaboratorUnavailable, resp.StatusCode, detail)
	}
	return nil, fmt.Errorf("WhatsApp API error: status %d: %s", resp.StatusCode, detail)
}
