package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aaronwang/bidding-app/internal/broadcast"
	"github.com/redis/go-redis/v9"
)

// Subscriber wraps Redis Pub/Sub functionality
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *slog.Logger
}

// NewSubscriber creates a new Redis Pub/Sub subscriber
func NewSubscriber(c *Client, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		client: c.client,
		logger: logger.With("component", "redis-subscriber"),
	}
}

// SubscribeToAll subscribes to the events of every unit: "bid_events:*"
func (s *Subscriber) SubscribeToAll(ctx context.Context) error {
	s.pubsub = s.client.PSubscribe(ctx, channelPrefix+"*")
	return s.confirm(ctx)
}

func (s *Subscriber) confirm(ctx context.Context) error {
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Listen forwards messages to out until ctx is done.
// This is a blocking operation - run in a goroutine
func (s *Subscriber) Listen(ctx context.Context, out chan<- *broadcast.Message) error {
	if s.pubsub == nil {
		return fmt.Errorf("not subscribed to any channel")
	}

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m, err := broadcast.DecodeMessage(unitIDFromChannel(msg.Channel), []byte(msg.Payload))
			if err != nil {
				s.logger.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// "bid_events:item123" -> "item123"
func unitIDFromChannel(channel string) string {
	return strings.TrimPrefix(channel, channelPrefix)
}

// Close closes the subscription. The underlying client is owned by Client.
func (s *Subscriber) Close() error {
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}
