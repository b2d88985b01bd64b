package worker

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/redis"
)

const redisCancelChannel = "wa:cancel"

type cancelMessage struct {
	User   string `json:"user"`
	Origin string `json:"origin"`
}

// CancelBus broadcasts user cancellations to every replica so a flow restart
// on one instance stops tasks started on another.
type CancelBus struct {
	client *redis.Client
	origin string
}

func NewCancelBus(client *redis.Client, origin string) *CancelBus {
	return &CancelBus{client: client, origin: origin}
}

// Listen subscribes in the background and calls handler for cancellations
// published by other replicas. It returns once the subscription is live.
func (b *CancelBus) Listen(ctx context.Context, handler func(user string)) error {
	if b == nil || b.client == nil || handler == nil {
		return nil
	}
	raw := b.client.Raw()
	if raw == nil {
		return nil
	}
	pubsub := raw.Subscribe(ctx, redisCancelChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m cancelMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					log.Warn().Err(err).Msg("cancel message decode failed")
					continue
				}
				if m.Origin == b.origin {
					continue
				}
				handler(m.User)
			}
		}
	}()
	return nil
}

// Publish announces that user's tasks must stop.
func (b *CancelBus) Publish(ctx context.Context, user string) {
	if b == nil || b.client == nil {
		return
	}
	payload, err := json.Marshal(cancelMessage{User: user, Origin: b.origin})
	if err != nil {
		log.Warn().Err(err).Msg("cancel message marshal failed")
		return
	}
	if err := b.client.Publish(ctx, redisCancelChannel, payload); err != nil {
		log.Warn().Err(err).Msg("cancel publish failed")
	}
}
