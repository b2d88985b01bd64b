package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/flow"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/logging"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/whatsapp"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/worker"
)

const (
	maxWebhookBody       = 1 << 20
	defaultHandleTimeout = 60 * time.Second
)

type EventHandler interface {
	Handle(ctx context.Context, ev flow.Event) error
}

// JobSubmitter queues jobs all or nothing.
type JobSubmitter interface {
	Submit(jobs ...worker.Job) error
}

// Handler wires the webhook routes to the per-user dispatcher.
type Handler struct {
	events        EventHandler
	jobs          JobSubmitter
	verifyToken   string
	handleTimeout time.Duration
	health        func(ctx context.Context) error
}

// NewHandler constructs a Handler. health may be nil.
func NewHandler(events EventHandler, jobs JobSubmitter, verifyToken string, health func(ctx context.Context) error) *Handler {
	return &Handler{
		events:        events,
		jobs:          jobs,
		verifyToken:   verifyToken,
		handleTimeout: defaultHandleTimeout,
		health:        health,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/webhook", h.verifyWebhook)
	router.POST("/webhook", h.receiveWebhook)
	router.GET("/healthz", h.healthz)
}

// verifyWebhook answers the Cloud API subscription handshake.
func (h *Handler) verifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")
	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		c.String(http.StatusForbidden, "verification failed")
		return
	}
	c.String(http.StatusOK, challenge)
}

// receiveWebhook queues every message for its user and acknowledges at once;
// replies go out asynchronously.
func (h *Handler) receiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	messages, err := whatsapp.ParseWebhook(body)
	if err != nil {
		log.Warn().Err(err).Msg("malformed webhook")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}

	// A partly queued payload would be redelivered whole and count twice.
	jobs := make([]worker.Job, 0, len(messages))
	for _, msg := range messages {
		ev := ToEvent(msg)
		jobs = append(jobs, worker.Job{
			Key:  ev.User,
			Name: ev.Kind.String(),
			Run:  h.runEvent(ev),
		})
	}
	if err := h.jobs.Submit(jobs...); err != nil {
		log.Error().Err(err).Int("messages", len(jobs)).Msg("submit events failed")
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is busy, please retry"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *Handler) runEvent(ev flow.Event) func(ctx context.Context) {
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, h.handleTimeout)
		defer cancel()
		if err := h.events.Handle(ctx, ev); err != nil {
			log.Error().Err(err).Str("user", logging.MaskPhone(ev.User)).Str("event", ev.Kind.String()).Msg("handle event failed")
		}
	}
}

func (h *Handler) healthz(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ToEvent classifies an inbound message for the flow machine.
func ToEvent(msg whatsapp.Message) flow.Event {
	ev := flow.Event{User: msg.From, DeliveryID: msg.ID}
	switch {
	case msg.IsMedia():
		ev.Kind = flow.EventMedia
		ev.MediaID = msg.MediaID
		ev.MimeType = msg.MimeType
	case flow.IsFlowStart(msg.Text):
		ev.Kind = flow.EventFlowStart
		ev.Text = msg.Text
	default:
		ev.Kind = flow.EventText
		ev.Text = msg.Text
	}
	return ev
}
