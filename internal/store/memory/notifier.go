package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
	"github.com/wolfeidau/biopay/internal/telemetry"
)

const subscriberBuffer = 64

var _ store.Notifier = (*Notifier)(nil)

// Notifier fans outcomes out to subscribers within a single process.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[chan *models.Outcome]struct{}
}

// NewNotifier creates a new in-process notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[chan *models.Outcome]struct{}),
	}
}

// Publish delivers the outcome to every current subscriber. A subscriber whose buffer
// is full misses the outcome rather than blocking the publisher.
func (n *Notifier) Publish(ctx context.Context, outcome *models.Outcome) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.subscribers {
		clone := *outcome
		select {
		case ch <- &clone:
		default:
			telemetry.GetMetrics().OutcomesDroppedTotal.Add(ctx, 1)
			log.Warn().Str("token", outcome.Token).Msg("Dropped outcome for slow subscriber")
		}
	}

	return nil
}

// Subscribe registers a subscriber until ctx is done.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan *models.Outcome, error) {
	ch := make(chan *models.Outcome, subscriberBuffer)

	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()

		n.mu.Lock()
		delete(n.subscribers, ch)
		n.mu.Unlock()

		close(ch)
	}()

	return ch, nil
}
