package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const answerChannelPrefix = "sdp:exchange:"

// Notifier fans exchange updates out to every server instance through Redis
// pub/sub, so a poll waiting on one instance wakes when another stores the
// answer.
type Notifier struct {
	client *Client
	logger *slog.Logger
}

func NewNotifier(client *Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Notifier{client: client, logger: logger}
}

func channelFor(exchangeID uuid.UUID) string {
	return answerChannelPrefix + exchangeID.String()
}

func (n *Notifier) Publish(ctx context.Context, exchangeID uuid.UUID) error {
	if err := n.client.rdb.Publish(ctx, channelFor(exchangeID), "updated").Err(); err != nil {
		return fmt.Errorf("publishing exchange update: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so no
// Publish issued afterwards can be missed.
func (n *Notifier) Subscribe(ctx context.Context, exchangeID uuid.UUID) (<-chan struct{}, func(), error) {
	sub := n.client.rdb.Subscribe(ctx, channelFor(exchangeID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribing to exchange updates: %w", err)
	}

	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	messages := sub.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := sub.Close(); err != nil {
				n.logger.Debug("closing exchange subscription", "exchange_id", exchangeID, "error", err)
			}
		})
	}
	return wake, cancel, nil
}
