package eventmonitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// PubsubSink forwards monitored records to a Google Pub/Sub topic, for
// dataflows that post-process hub traffic instead of watching a console.
type PubsubSink struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubsubSink creates a sink on the given topic. It accepts a context to
// verify the topic exists before returning.
func NewPubsubSink(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*PubsubSink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &PubsubSink{
		topic:  topic,
		logger: logger.With().Str("component", "PubsubSink").Str("topic_id", topicID).Logger(),
	}, nil
}

// Write forwards one record. The payload travels as the message data; the
// decoded properties travel as attributes. The publish result is checked
// asynchronously so the pump never blocks on Pub/Sub.
func (s *PubsubSink) Write(ctx context.Context, record Record) error {
	attributes := map[string]string{
		"partition":    record.Partition,
		"offset":       strconv.FormatInt(record.Offset, 10),
		"enqueuedTime": record.EnqueuedTime.UTC().Format(time.RFC3339Nano),
	}
	for key, value := range record.Annotations {
		attributes[key] = value
	}
	for key, value := range record.Application {
		attributes[key] = value
	}

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       record.Payload,
		Attributes: attributes,
	})

	go func() {
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := result.Get(getCtx); err != nil {
			s.logger.Error().Err(err).
				Str("partition", record.Partition).
				Int64("offset", record.Offset).
				Msg("Failed to forward record to Pub/Sub.")
		}
	}()

	return nil
}

// Close flushes pending messages, bounded by the context.
func (s *PubsubSink) Close(ctx context.Context) error {
	if s.topic == nil {
		return nil
	}

	stopDone := make(chan struct{})
	go func() {
		s.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
