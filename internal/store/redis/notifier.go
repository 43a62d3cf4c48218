package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

var _ store.Notifier = (*Notifier)(nil)

// Notifier broadcasts outcomes over Redis pub/sub.
type Notifier struct {
	client  redis.UniversalClient
	channel string
}

// NewNotifier creates a notifier publishing on <prefix>authz:outcomes.
func NewNotifier(client redis.UniversalClient, prefix string) *Notifier {
	return &Notifier{client: client, channel: prefix + "authz:outcomes"}
}

// Publish sends the outcome to every subscribed broker.
func (n *Notifier) Publish(ctx context.Context, outcome *models.Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish outcome: %w", err)
	}

	return nil
}

// Subscribe listens until ctx is done. go-redis reconnects the subscription on its own.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan *models.Outcome, error) {
	pubsub := n.client.Subscribe(ctx, n.channel)

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	messages := pubsub.Channel()
	ch := make(chan *models.Outcome, 64)

	go func() {
		<-ctx.Done()
		_ = pubsub.Close()
	}()

	go func() {
		defer close(ch)

		for msg := range messages {
			var outcome models.Outcome
			if err := json.Unmarshal([]byte(msg.Payload), &outcome); err != nil {
				log.Warn().Err(err).Msg("Ignoring malformed outcome message")
				continue
			}
			select {
			case ch <- &outcome:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
