// Package grn talks to the goods-receipt-note extractor.
package grn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/config"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

// ErrTimeout is returned when the extractor did not answer in time. The
// extractor keeps working on the document in that case.
var ErrTimeout = errors.New("grn extractor timed out")

const (
	replySuccess  = "GRN processed successfully\n- Uploaded\n- Database updated"
	replyPartial  = "GRN received but could not be fully processed."
	replyFailed   = "Failed to process GRN."
	replyDeferred = "GRN is still being processed in the background. You will find it in SharePoint once it completes."
)

// Result is the extractor's report for one document.
type Result struct {
	SharepointURL  string `json:"sharepoint_url"`
	DatabaseStatus string `json:"database_status"`
}

// Complete reports whether the document was both uploaded and recorded.
func (r *Result) Complete() bool {
	return r != nil && r.SharepointURL != "" && r.DatabaseStatus == "Success"
}

// ReplyFor picks the user-facing message for an extraction outcome.
func ReplyFor(res *Result, err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return replyDeferred
	case err != nil:
		return replyFailed
	case res.Complete():
		return replySuccess
	default:
		return replyPartial
	}
}

type Client struct {
	httpClient *http.Client
	url        string
}

// NewClient builds a client with a short connect timeout and a long read timeout.
func NewClient(cfg config.GRNConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: config.Seconds(cfg.ConnectTimeout)}).DialContext
	transport.ResponseHeaderTimeout = config.Seconds(cfg.ReadTimeout)
	return &Client{
		httpClient: &http.Client{Transport: transport},
		url:        cfg.URL,
	}
}

// Extract posts one document to the extractor.
func (c *Client) Extract(ctx context.Context, name string, content io.Reader) (*Result, error) {
	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, pr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("extract grn: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("extract grn: %w: %w", models.ErrCollaboratorUnavailable, err)
	}
	defer resp.Body.Close()
	log.Info().
		Str("file", name).
		Int("statusCode", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("grn extractor response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 {
			err = fmt.Errorf("%w: %w", models.ErrCollaboratorUnavailable, err)
		}
		return nil, fmt.Errorf("extract grn: %w", err)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode grn result: %w", err)
	}
	return &result, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
