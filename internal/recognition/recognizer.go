// Package recognition extracts bill fields from captured invoice documents.
package recognition

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/config"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

type textReader interface {
	Read(ctx context.Context, doc Document) (string, error)
}

// Recognizer runs OCR and then asks a chat model to structure the text.
type Recognizer struct {
	ocr  textReader
	chat model.BaseChatModel
}

func NewRecognizer(ctx context.Context, cfg config.RecognitionConfig) (*Recognizer, error) {
	chat, err := NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ocr := NewOCRClient(cfg.OCRBaseURL, cfg.OCRModel, cfg.OCRAPIKey, config.Seconds(cfg.Timeout))
	return &Recognizer{ocr: ocr, chat: chat}, nil
}

// Extract recognizes one document. Transport failures are returned; a document
// that yields no usable data returns an empty bill wrapped in ErrPartialExtraction.
func (r *Recognizer) Extract(ctx context.Context, doc Document, mapping models.CategoryMapping) (models.Bill, error) {
	text, err := r.ocr.Read(ctx, doc)
	if err != nil {
		return models.Bill{}, err
	}
	if text == "" {
		return models.Bill{}, fmt.Errorf("%s: %w: no text found", doc.Name, models.ErrPartialExtraction)
	}

	msg, err := r.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(buildPrompt(text, mapping)),
	})
	if err != nil {
		return models.Bill{}, fmt.Errorf("structure %s: %w: %w", doc.Name, models.ErrCollaboratorUnavailable, err)
	}

	bill, err := ParseBill(msg.Content, mapping)
	if err != nil {
		log.Warn().Err(err).Str("file", doc.Name).Msg("unparseable extraction output")
		return models.Bill{}, fmt.Errorf("%s: %w: %w", doc.Name, models.ErrPartialExtraction, err)
	}
	if bill.Empty() {
		return bill, fmt.Errorf("%s: %w: empty result", doc.Name, models.ErrPartialExtraction)
	}
	return bill, nil
}
