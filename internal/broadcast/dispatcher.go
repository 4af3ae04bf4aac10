// Package broadcast delivers committed bid events to live subscribers and to the
// archival stream. Delivery is best effort and never blocks the bid path.
package broadcast

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
)

// Publisher sends one event to one destination
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event *models.BidEvent) error
}

// Dispatcher fans events out to its publishers on background workers. Events of
// the same unit always go through the same worker, so they keep commit order.
type Dispatcher struct {
	publishers     []Publisher
	shards         []chan *models.BidEvent
	timeout        time.Duration
	enqueueTimeout time.Duration
	retries        int
	dropLevel      slog.Level
	logger         *slog.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// DispatcherConfig sizes the dispatcher
type DispatcherConfig struct {
	Name           string
	Workers        int
	BufferSize     int
	PublishTimeout time.Duration
	// EnqueueTimeout is how long Notify waits for room in a full queue.
	// Zero drops immediately.
	EnqueueTimeout time.Duration
	// Retries is the number of extra publish attempts after a failure
	Retries int
}

// DefaultDispatcherConfig returns 4 workers with 256 buffered events each
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Name: "live", Workers: 4, BufferSize: 256, PublishTimeout: 5 * time.Second}
}

// ArchiveDispatcherConfig sizes the queue in front of the archival stream. It
// buffers more, waits briefly for room and retries failed publishes, so events
// are only lost when the stream stays unreachable.
func ArchiveDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Name:           "archive",
		Workers:        4,
		BufferSize:     4096,
		PublishTimeout: 5 * time.Second,
		EnqueueTimeout: 50 * time.Millisecond,
		Retries:        3,
	}
}

// NewDispatcher starts the workers
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger, publishers ...Publisher) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "live"
	}
	d := &Dispatcher{
		publishers:     publishers,
		shards:         make([]chan *models.BidEvent, cfg.Workers),
		timeout:        cfg.PublishTimeout,
		enqueueTimeout: cfg.EnqueueTimeout,
		retries:        cfg.Retries,
		dropLevel:      slog.LevelWarn,
		logger:         logger.With("component", "broadcast", "dispatcher", cfg.Name),
	}
	if cfg.EnqueueTimeout > 0 {
		d.dropLevel = slog.LevelError
	}
	for i := range d.shards {
		d.shards[i] = make(chan *models.BidEvent, cfg.BufferSize)
		d.wg.Add(1)
		go d.run(d.shards[i])
	}
	return d
}

// Notify queues the event. When the worker's buffer is still full after the
// enqueue timeout the event is dropped; clients pick up the state on their next fetch.
func (d *Dispatcher) Notify(event *models.BidEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	shard := d.shards[d.shardFor(event.UnitID)]
	select {
	case shard <- event:
		return
	default:
	}

	if d.enqueueTimeout > 0 {
		timer := time.NewTimer(d.enqueueTimeout)
		defer timer.Stop()
		select {
		case shard <- event:
			return
		case <-timer.C:
		}
	}

	d.dropped.Add(1)
	d.logger.Log(context.Background(), d.dropLevel, "queue full, dropping event",
		"unit_id", event.UnitID, "event_id", event.EventID, "type", event.Type)
}

// Dropped returns how many events were discarded, because a queue was full or
// every publish attempt failed
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be published
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) shardFor(unitID string) int {
	h := fnv.New32a()
	h.Write([]byte(unitID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) run(events <-chan *models.BidEvent) {
	defer d.wg.Done()
	for event := range events {
		for _, p := range d.publishers {
			d.publish(p, event)
		}
	}
}

func (d *Dispatcher) publish(p Publisher, event *models.BidEvent) {
	var err error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		if err = d.publishOnce(p, event); err == nil {
			d.logger.Debug("published event", "publisher", p.Name(), "unit_id", event.UnitID, "type", event.Type)
			return
		}
		d.logger.Warn("failed to publish event",
			"publisher", p.Name(), "unit_id", event.UnitID, "event_id", event.EventID, "attempt", attempt+1, "error", err)
	}
	if d.retries > 0 {
		d.dropped.Add(1)
		d.logger.Log(context.Background(), d.dropLevel, "giving up on event",
			"publisher", p.Name(), "unit_id", event.UnitID, "event_id", event.EventID, "error", err)
	}
}

func (d *Dispatcher) publishOnce(p Publisher, event *models.BidEvent) error {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return p.Publish(ctx, event)
}

// Group hands every event to each of its dispatchers. A stalled dispatcher
// never delays the others.
type Group []*Dispatcher

// Notify queues the event on every dispatcher
func (g Group) Notify(event *models.BidEvent) {
	for _, d := range g {
		d.Notify(event)
	}
}

// Close drains every dispatcher
func (g Group) Close() {
	for _, d := range g {
		d.Close()
	}
}

// Dropped sums the drops of every dispatcher
func (g Group) Dropped() int64 {
	var n int64
	for _, d := range g {
		n += d.Dropped()
	}
	return n
}
