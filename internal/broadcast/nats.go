package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subject naming
const (
	// live fan-out, one subject per unit: bid_events.{unitID}
	liveSubjectPrefix = "bid_events."
	// durable archival: bid.events.{unitID}
	archiveSubjectPrefix = "bid.events."

	// StreamName is the JetStream stream holding archival events
	StreamName = "BID_EVENTS"
)

// LiveSubject returns the NATS subject live events of unitID are published on
func LiveSubject(unitID string) string {
	return liveSubjectPrefix + unitID
}

// ArchiveSubject returns the JetStream subject archival events of unitID go to
func ArchiveSubject(unitID string) string {
	return archiveSubjectPrefix + unitID
}

// NATSPublisher publishes live events on core NATS. No acknowledgement, no replay.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher creates a live-event publisher
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Name identifies the publisher in logs
func (p *NATSPublisher) Name() string { return "nats" }

// Publish sends the event to the unit's live subject
func (p *NATSPublisher) Publish(_ context.Context, event *models.BidEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(LiveSubject(event.UnitID), data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

// Archiver publishes events to JetStream for archival persistence.
// Uses JetStream for guaranteed delivery (at-least-once semantics)
type Archiver struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewArchiver creates the archival publisher and makes sure the stream exists
func NewArchiver(ctx context.Context, conn *nats.Conn, logger *slog.Logger) (*Archiver, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := EnsureStream(ctx, js); err != nil {
		return nil, err
	}
	logger.Info("stream ready", "component", "jetstream", "stream", StreamName)
	return &Archiver{js: js, logger: logger.With("component", "jetstream")}, nil
}

// EnsureStream creates or updates the archival stream
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Stream for bid events archival",
		Subjects:    []string{archiveSubjectPrefix + "*"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update stream: %w", err)
	}
	return nil
}

// Name identifies the publisher in logs
func (a *Archiver) Name() string { return "jetstream" }

// Publish waits for the server to acknowledge the stored message
func (a *Archiver) Publish(ctx context.Context, event *models.BidEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := ArchiveSubject(event.UnitID)
	ack, err := a.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.EventID))
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	a.logger.Debug("archived event", "subject", subject, "seq", ack.Sequence)
	return nil
}

// Message is a live event received by the broadcast service
type Message struct {
	UnitID  string
	Payload []byte
	Event   *models.BidEvent
}

// DecodeMessage parses a raw event payload received on a unit's channel
func DecodeMessage(unitID string, payload []byte) (*Message, error) {
	var event models.BidEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if unitID == "" {
		unitID = event.UnitID
	}
	return &Message{UnitID: unitID, Payload: payload, Event: &event}, nil
}

// NATSSubscriber receives live events of every unit from core NATS
type NATSSubscriber struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates a subscriber on conn
func NewNATSSubscriber(conn *nats.Conn, logger *slog.Logger) *NATSSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSubscriber{conn: conn, logger: logger.With("component", "nats-subscriber")}
}

// Listen subscribes to bid_events.* and forwards every event to out until ctx is done
func (s *NATSSubscriber) Listen(ctx context.Context, out chan<- *Message) error {
	sub, err := s.conn.Subscribe(liveSubjectPrefix+"*", func(msg *nats.Msg) {
		unitID := strings.TrimPrefix(msg.Subject, liveSubjectPrefix)
		m, err := DecodeMessage(unitID, msg.Data)
		if err != nil {
			s.logger.Warn("dropping malformed event", "subject", msg.Subject, "error", err)
			return
		}
		select {
		case out <- m:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	s.sub = sub
	s.logger.Info("subscribed", "subject", liveSubjectPrefix+"*")

	<-ctx.Done()
	return ctx.Err()
}

// Close removes the subscription
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}
