package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aaronwang/bidding-app/shared/models"
)

const channelPrefix = "bid_events:"

// Channel returns the Pub/Sub channel live events of unitID are published on
func Channel(unitID string) string {
	return channelPrefix + unitID
}

// Publisher publishes live bid events over Redis Pub/Sub
type Publisher struct {
	c *Client
}

// NewPublisher creates a Publisher on an existing client
func NewPublisher(c *Client) *Publisher {
	return &Publisher{c: c}
}

// Name identifies the publisher in logs
func (p *Publisher) Name() string { return "redis" }

// Publish sends the event to every subscriber of the unit's channel.
// Fire-and-forget: subscribers that are not connected miss it.
func (p *Publisher) Publish(ctx context.Context, event *models.BidEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.c.client.Publish(ctx, Channel(event.UnitID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
