package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

// Document is one captured file handed to recognition.
type Document struct {
	Name     string
	MimeType string
	Content  []byte
}

// OCRClient turns documents into markdown text through the Mistral OCR API.
type OCRClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
}

func NewOCRClient(baseURL, model, apiKey string, timeout time.Duration) *OCRClient {
	return &OCRClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
	}
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// Read returns the markdown of every page joined in page order.
func (c *OCRClient) Read(ctx context.Context, doc Document) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", doc.MimeType, base64.StdEncoding.EncodeToString(doc.Content))
	body := ocrRequest{Model: c.model}
	if strings.HasPrefix(doc.MimeType, "image/") {
		body.Document = ocrDocument{Type: "image_url", ImageURL: dataURL}
	} else {
		body.Document = ocrDocument{Type: "document_url", DocumentURL: dataURL}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr %s: %w: %w", doc.Name, models.ErrCollaboratorUnavailable, err)
	}
	defer resp.Body.Close()
	log.Debug().
		Str("file", doc.Name).
		Int("statusCode", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("ocr response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %w", models.ErrCollaboratorUnavailable, err)
		}
		return "", fmt.Errorf("ocr %s: %w", doc.Name, err)
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ocr response: %w", err)
	}
	pages := make([]string, 0, len(out.Pages))
	for _, p := range out.Pages {
		if text := strings.TrimSpace(p.Markdown); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
