package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aaronwang/bidding-app/internal/broadcast"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DurableName is the JetStream consumer shared by all archival workers
const DurableName = "archival-worker"

// Archive persists one bid event. It must tolerate redelivery.
type Archive interface {
	ArchiveEvent(ctx context.Context, event *models.BidEvent) error
}

// NATSConsumer consumes bid events from JetStream and persists them
type NATSConsumer struct {
	js         jetstream.JetStream
	archive    Archive
	logger     *slog.Logger
	retryDelay time.Duration
	consumeCtx jetstream.ConsumeContext
}

// NewNATSConsumer creates a new JetStream consumer on conn
func NewNATSConsumer(conn *nats.Conn, archive Archive, logger *slog.Logger) (*NATSConsumer, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSConsumer{
		js:         js,
		archive:    archive,
		logger:     logger.With("component", "archive"),
		retryDelay: 5 * time.Second,
	}, nil
}

// Start begins consuming messages and blocks until ctx is done.
// Subject pattern: "bid.events.*" covers every unit.
func (c *NATSConsumer) Start(ctx context.Context) error {
	if err := broadcast.EnsureStream(ctx, c.js); err != nil {
		return err
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, broadcast.StreamName, jetstream.ConsumerConfig{
		Durable:       DurableName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    10,
		FilterSubject: broadcast.ArchiveSubject("*"),
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.consumeCtx = cc
	c.logger.Info("consuming", "stream", broadcast.StreamName, "durable", DurableName)

	// Keep consumer running until context is cancelled
	<-ctx.Done()
	return nil
}

// handleMessage processes a single bid event message
func (c *NATSConsumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var event models.BidEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		c.logger.Error("failed to unmarshal event, discarding", "subject", msg.Subject(), "error", err)
		msg.Term()
		return
	}

	// Create a timeout context for database operations
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.archive.ArchiveEvent(dbCtx, &event); err != nil {
		c.logger.Warn("failed to persist event, will retry",
			"event_id", event.EventID, "unit_id", event.UnitID, "error", err)
		msg.NakWithDelay(c.retryDelay)
		return
	}

	c.logger.Info("persisted event",
		"event_id", event.EventID,
		"type", event.Type,
		"unit_id", event.UnitID,
		"bidder_id", event.BidderID,
		"amount", event.Amount.String())

	// Acknowledge message
	msg.Ack()
}

// Close stops consuming
func (c *NATSConsumer) Close() error {
	if c.consumeCtx != nil {
		c.consumeCtx.Stop()
	}
	return nil
}
