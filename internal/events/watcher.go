package events

import (
	"context"
	"log/slog"

	"bugmirror/pkg/config"
	"bugmirror/pkg/kafka"
	"bugmirror/pkg/logger"
)

// ReloadFunc is invoked when a corpus update notification arrives.
type ReloadFunc func(ctx context.Context) error

// Watcher consumes corpus update notifications and triggers an index
// reload for each one. Malformed notifications are logged and skipped;
// a failed reload is logged and retried on the next notification.
type Watcher struct {
	consumer *kafka.Consumer
	log      *slog.Logger
}

// NewWatcher builds a Watcher on the corpus-updated topic.
func NewWatcher(cfg config.KafkaConfig, reload ReloadFunc) *Watcher {
	log := logger.WithComponent("corpus-watcher")
	handler := func(ctx context.Context, key, value []byte) error {
		note, err := kafka.DecodeJSON[CorpusUpdated](value)
		if err != nil {
			log.Warn("ignoring malformed corpus notification", "error", err)
			return nil
		}
		log.Info("corpus update notification received",
			"source", note.Source,
			"rows", note.Rows,
		)
		if err := reload(ctx); err != nil {
			log.Error("reload after corpus notification failed", "error", err)
		}
		return nil
	}
	return &Watcher{
		consumer: kafka.NewConsumer(cfg, cfg.Topics.CorpusUpdated, handler),
		log:      log,
	}
}

// Start runs the consume loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	return w.consumer.Start(ctx)
}

// Close shuts down the underlying consumer.
func (w *Watcher) Close() error {
	return w.consumer.Close()
}
