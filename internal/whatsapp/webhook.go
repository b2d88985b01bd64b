package whatsapp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the webhook body the Cloud API posts.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Messages         []inboundMessage `json:"messages"`
}

type inboundMessage struct {
	From      string     `json:"from"`
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	Type      string     `json:"type"`
	Text      *textBody  `json:"text,omitempty"`
	Image     *mediaBody `json:"image,omitempty"`
	Document  *mediaBody `json:"document,omitempty"`
	Audio     *mediaBody `json:"audio,omitempty"`
	Video     *mediaBody `json:"video,omitempty"`
	Sticker   *mediaBody `json:"sticker,omitempty"`
}

type mediaBody struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
}

// Message is one inbound user message flattened out of the envelope.
type Message struct {
	From     string
	ID       string
	Type     string
	Text     string
	MediaID  string
	MimeType string
	Filename string
}

// IsMedia reports whether the message carries a file of any kind.
func (m Message) IsMedia() bool {
	return m.MediaID != ""
}

// ParseWebhook extracts user messages from a webhook body. Status callbacks
// and unsupported message types yield no messages.
func ParseWebhook(body []byte) ([]Message, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	var out []Message
	for _, e := range env.Entry {
		for _, ch := range e.Changes {
			for _, m := range ch.Value.Messages {
				msg, ok := flatten(m)
				if ok {
					out = append(out, msg)
				}
			}
		}
	}
	return out, nil
}

func flatten(m inboundMessage) (Message, bool) {
	if m.From == "" || m.ID == "" {
		return Message{}, false
	}
	msg := Message{From: m.From, ID: m.ID, Type: m.Type}
	switch m.Type {
	case "text":
		if m.Text == nil {
			return Message{}, false
		}
		msg.Text = strings.TrimSpace(m.Text.Body)
	case "image", "document", "audio", "video", "sticker":
		media := firstMedia(m.Image, m.Document, m.Audio, m.Video, m.Sticker)
		if media == nil || media.ID == "" {
			return Message{}, false
		}
		msg.MediaID = media.ID
		msg.MimeType = media.MimeType
		msg.Filename = media.Filename
	default:
		return Message{}, false
	}
	return msg, true
}

func firstMedia(bodies ...*mediaBody) *mediaBody {
	for _, b := range bodies {
		if b != nil {
			return b
		}
	}
	return nil
}
