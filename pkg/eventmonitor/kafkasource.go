package eventmonitor

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// KafkaSourceConfig holds the connection settings for a hub's
// Kafka-compatible event endpoint.
type KafkaSourceConfig struct {
	// Brokers are the bootstrap addresses, e.g. "myhub.servicebus.windows.net:9093".
	Brokers []string
	// Topic is the event-hub-compatible name, usually the hub name.
	Topic string
	// ConsumerGroup identifies this reader to the endpoint.
	ConsumerGroup string
	// ConnectionString, when set, enables SASL-plain authentication with the
	// "$ConnectionString" user over TLS, the scheme event-hub endpoints use.
	ConnectionString string
	// DialTimeout bounds broker dials.
	DialTimeout time.Duration
	// MinBytes and MaxBytes tune fetch sizes.
	MinBytes int
	MaxBytes int
}

// KafkaSourceDefaults returns a KafkaSourceConfig with sensible defaults.
func KafkaSourceDefaults() KafkaSourceConfig {
	return KafkaSourceConfig{
		ConsumerGroup: "$Default",
		DialTimeout:   10 * time.Second,
		MinBytes:      1,
		MaxBytes:      10 * 1024 * 1024,
	}
}

// KafkaSource is the production LogSource, reading the hub's partitioned
// event log through its Kafka-compatible endpoint.
type KafkaSource struct {
	cfg    KafkaSourceConfig
	dialer *kafka.Dialer
	logger zerolog.Logger
}

// NewKafkaSource creates a KafkaSource. It does not dial until used.
func NewKafkaSource(cfg KafkaSourceConfig, logger zerolog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	dialer := &kafka.Dialer{
		Timeout:   cfg.DialTimeout,
		DualStack: true,
		ClientID:  cfg.ConsumerGroup,
	}
	if cfg.ConnectionString != "" {
		dialer.SASLMechanism = plain.Mechanism{
			Username: "$ConnectionString",
			Password: cfg.ConnectionString,
		}
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &KafkaSource{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With().Str("component", "KafkaSource").Str("topic", cfg.Topic).Logger(),
	}, nil
}

// Partitions enumerates the partition IDs of the event log.
func (s *KafkaSource) Partitions(ctx context.Context) ([]string, error) {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker %s: %w", s.cfg.Brokers[0], err)
	}
	defer func() { _ = conn.Close() }()

	partitions, err := conn.ReadPartitions(s.cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to read partitions for %s: %w", s.cfg.Topic, err)
	}

	ids := make([]string, 0, len(partitions))
	for _, p := range partitions {
		ids = append(ids, strconv.Itoa(p.ID))
	}
	s.logger.Debug().Int("count", len(ids)).Msg("Enumerated partitions.")
	return ids, nil
}

// OpenReceiver opens a reader on one partition positioned at the first record
// enqueued at or after the given time.
func (s *KafkaSource) OpenReceiver(ctx context.Context, partition string, from time.Time) (PartitionReceiver, error) {
	id, err := strconv.Atoi(partition)
	if err != nil {
		return nil, fmt.Errorf("invalid partition ID %q: %w", partition, err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   s.cfg.Brokers,
		Topic:     s.cfg.Topic,
		Partition: id,
		Dialer:    s.dialer,
		MinBytes:  s.cfg.MinBytes,
		MaxBytes:  s.cfg.MaxBytes,
	})

	if err := reader.SetOffsetAt(ctx, from); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("failed to position partition %s at %s: %w", partition, from, err)
	}

	return &kafkaReceiver{reader: reader, partition: partition}, nil
}

// kafkaReceiver adapts one kafka.Reader to the PartitionReceiver interface.
type kafkaReceiver struct {
	reader    *kafka.Reader
	partition string
}

func (r *kafkaReceiver) Next(ctx context.Context) (RawEvent, error) {
	msg, err := r.reader.ReadMessage(ctx)
	if err != nil {
		return RawEvent{}, err
	}

	headers := make(map[string][]byte, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = h.Value
	}

	return RawEvent{
		Partition:    r.partition,
		Offset:       msg.Offset,
		EnqueuedTime: msg.Time,
		Key:          string(msg.Key),
		Payload:      msg.Value,
		Headers:      headers,
	}, nil
}

func (r *kafkaReceiver) Close() error {
	return r.reader.Close()
}
