package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bugmirror/pkg/kafka"
	"bugmirror/pkg/logger"
)

// Collector accumulates match events and flushes them to Kafka either
// when the buffer reaches batchSize or after flushInterval, whichever
// comes first. Tracking never blocks request handling; a full buffer
// drops the event with a warning.
type Collector struct {
	producer      *kafka.Producer
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	log           *slog.Logger
	done          chan struct{}
}

// NewCollector builds a Collector around an existing producer.
func NewCollector(producer *kafka.Producer, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		producer:      producer,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           logger.WithComponent("event-collector"),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop. Returns immediately; the
// loop stops when ctx is cancelled, flushing whatever remains.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	c.log.Info("event collector started",
		"batch_size", c.batchSize,
		"flush_interval", c.flushInterval,
	)
}

// Track buffers one event. Triggers an immediate flush when the buffer
// reaches the batch size.
func (c *Collector) Track(key string, value any) {
	c.mu.Lock()
	c.buffer = append(c.buffer, kafka.Event{Key: key, Value: value})
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		go c.flush(context.Background())
	}
}

// Stop waits for the flush loop started by Start to finish.
func (c *Collector) Stop() {
	<-c.done
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]kafka.Event, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.producer.PublishBatch(ctx, batch); err != nil {
		c.log.Error("failed to publish event batch", "count", len(batch), "error", err)
		return
	}
	c.log.Debug("flushed event batch", "count", len(batch))
}
