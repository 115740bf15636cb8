package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"turnguard/internal/config"
)

// StartKafka consumes device submissions from a Kafka topic, for sites
// that bridge their access controllers through a broker instead of
// posting directly.
func StartKafka(ctx context.Context, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			var sub Submission
			if err := json.Unmarshal(m.Value, &sub); err != nil {
				if logger != nil {
					logger.Warn("kafka decode error", "err", err)
				}
				continue
			}
			if sub.DeviceID == "" {
				sub.DeviceID = string(m.Key)
			}
			if _, err := pipeline.Ingest(ctx, sub); err != nil {
				if logger != nil {
					logger.Warn("kafka ingest rejected", "device_id", sub.DeviceID, "kind", ErrorKind(err), "err", err)
				}
			}
		}
	}()
}
