// Package backoffice is the client of the claims API that drafts are written to.
package backoffice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/config"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

// ErrSessionExpired is returned when the API rejects the session credential.
var ErrSessionExpired = errors.New("claims session expired")

const (
	ClaimTitle       = "WhatsApp Claim"
	ClaimDescription = "Created via WhatsApp"
	StatusDrafted    = "Drafted"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(cfg config.BackofficeConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: config.Seconds(cfg.Timeout)},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// Ref is a back-office identifier; the API sends numbers but older builds
// send strings, so both decode.
type Ref string

func (r *Ref) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*r = Ref(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode reference %s: %w", string(data), err)
	}
	*r = Ref(s)
	return nil
}

// ClaimHeader is the claim part of a create or append request.
type ClaimHeader struct {
	Title       string      `json:"claim_title"`
	Description string      `json:"claim_description"`
	EmployeeID  int64       `json:"emp_id"`
	EntityID    string      `json:"entity_id"`
	Total       json.Number `json:"total_claim_amount"`
	Status      string      `json:"claim_status"`
}

// LineItem is one bill of a claim. Amounts are exact decimal strings.
type LineItem struct {
	ExpenseTypeID    int64       `json:"expense_type_id"`
	ExpenseSubTypeID int64       `json:"expense_sub_type_id"`
	FromDate         *string     `json:"from_date"`
	ToDate           *string     `json:"to_date"`
	BillAmount       json.Number `json:"bill_amount"`
	VATAmount        json.Number `json:"vat_amount"`
	MerchantName     string      `json:"merchant_name"`
	InvoiceNumber    string      `json:"invoice_number"`
}

// ClaimRequest is the body of one create or append call.
type ClaimRequest struct {
	Claim ClaimHeader `json:"claim"`
	Bills []LineItem  `json:"bills"`
}

type claimResponse struct {
	ClaimNo Ref `json:"claim_no"`
	Bills   []struct {
		BillNo Ref `json:"bill_no"`
	} `json:"bills"`
	Total *json.Number `json:"total_claim_amount,omitempty"`
}

// ClaimResult is what the API reports after a write.
type ClaimResult struct {
	RecordRef    string
	LineItemRefs []string
	// Total is the API's own total when it reports one.
	Total string
}

// Attachment is a file uploaded against a line item. Open is called once per
// upload, so the same attachment can be sent for several line items.
type Attachment struct {
	Name     string
	MimeType string
	Open     func(ctx context.Context) (io.ReadCloser, error)
}

type loginResponse struct {
	SessionID string `json:"sessionId"`
}

// Login exchanges the user's phone for a transient session credential.
func (c *Client) Login(ctx context.Context, phone string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/login?%s", c.baseURL, url.Values{"phone": {phone}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(`{"email":"","password":""}`))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp loginResponse
	if err := c.doJSON(req, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.SessionID == "" {
		return "", errors.New("login: sessionId missing")
	}
	return resp.SessionID, nil
}

// CreateOrAppend writes a claim. An empty recordRef creates a new claim,
// otherwise the line items are appended to recordRef.
func (c *Client) CreateOrAppend(ctx context.Context, credential, recordRef string, claim ClaimRequest) (*ClaimResult, error) {
	endpoint := c.baseURL + "/api/claims"
	if recordRef != "" {
		endpoint += "/" + url.PathEscape(recordRef)
	}
	payload, err := json.Marshal(claim)
	if err != nil {
		return nil, fmt.Errorf("encode claim: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", credential)

	var resp claimResponse
	if err := c.doJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("write claim: %w", err)
	}
	if resp.ClaimNo == "" {
		return nil, errors.New("write claim: claim_no missing")
	}
	result := &ClaimResult{RecordRef: string(resp.ClaimNo)}
	for _, b := range resp.Bills {
		result.LineItemRefs = append(result.LineItemRefs, string(b.BillNo))
	}
	if resp.Total != nil {
		result.Total = resp.Total.String()
	}
	log.Info().
		Str("claimNo", result.RecordRef).
		Int("bills", len(result.LineItemRefs)).
		Bool("append", recordRef != "").
		Msg("claim written")
	return result, nil
}

// Attach uploads files against one line item in a single multipart call.
func (c *Client) Attach(ctx context.Context, credential, recordRef, lineItemRef string, files []Attachment) error {
	pr, pw := io.Pipe()
	// unblocks the writer when the server answers before reading everything
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeAttachments(ctx, mw, recordRef, lineItemRef, files))
	}()

	endpoint := fmt.Sprintf("%s/api/upload/server?%s", c.baseURL, url.Values{"sessionId": {credential}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	if err := c.doJSON(req, nil); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("upload attachments for bill %s: %w", lineItemRef, err)
	}
	return nil
}

func writeAttachments(ctx context.Context, mw *multipart.Writer, recordRef, lineItemRef string, files []Attachment) error {
	if err := mw.WriteField("claim_no", recordRef); err != nil {
		return err
	}
	if err := mw.WriteField("bill_no", lineItemRef); err != nil {
		return err
	}
	for _, f := range files {
		if err := writeAttachment(ctx, mw, f); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeAttachment(ctx context.Context, mw *multipart.Writer, f Attachment) error {
	src, err := f.Open(ctx)
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", f.Name, err)
	}
	defer src.Close()
	part, err := mw.CreateFormFile("files", f.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy attachment %s: %w", f.Name, err)
	}
	return nil
}

// doJSON sends req and decodes a 2xx body into out when out is not nil.
func (c *Client) doJSON(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrCollaboratorUnavailable, err)
	}
	defer resp.Body.Close()
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("statusCode", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("claims API response")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrSessionExpired
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", models.ErrCollaboratorUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
