package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

const subscriberBuffer = 64

var _ store.Notifier = (*Notifier)(nil)

// Notifier broadcasts outcomes with LISTEN/NOTIFY.
type Notifier struct {
	pool    *pgxpool.Pool
	channel string
}

// NewNotifier creates a notifier on the given channel.
func NewNotifier(pool *pgxpool.Pool, channel string) *Notifier {
	return &Notifier{pool: pool, channel: channel}
}

// Publish sends the outcome as a JSON notification payload.
func (n *Notifier) Publish(ctx context.Context, outcome *models.Outcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, n.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to publish outcome: %w", mapPostgresError(err))
	}

	return nil
}

// Subscribe holds a dedicated connection listening on the channel until ctx is done.
// A dropped connection is re-established with exponential backoff; outcomes
// published while reconnecting are missed and the waiting agent falls back to its
// own deadline.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan *models.Outcome, error) {
	conn, err := n.listen(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan *models.Outcome, subscriberBuffer)

	go func() {
		defer close(ch)

		for {
			err := n.receive(ctx, conn, ch)
			conn.Release()

			if ctx.Err() != nil {
				return
			}

			log.Warn().Err(err).Str("channel", n.channel).Msg("Outcome listener disconnected, reconnecting")

			conn, err = backoff.Retry(ctx, func() (*pgxpool.Conn, error) {
				return n.listen(ctx)
			}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(0))
			if err != nil {
				log.Error().Err(err).Str("channel", n.channel).Msg("Outcome listener stopped")
				return
			}
		}
	}()

	return ch, nil
}

func (n *Notifier) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listener connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", n.channel, mapPostgresError(err))
	}

	return conn, nil
}

func (n *Notifier) receive(ctx context.Context, conn *pgxpool.Conn, ch chan<- *models.Outcome) error {
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The connection state is unknown; do not return it to the pool.
			hijacked := conn.Hijack()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = hijacked.Close(closeCtx)
			cancel()
			return err
		}

		var outcome models.Outcome
		if err := json.Unmarshal([]byte(notification.Payload), &outcome); err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed outcome notification")
			continue
		}

		select {
		case ch <- &outcome:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
