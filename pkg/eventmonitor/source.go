package eventmonitor

import (
	"context"
	"time"
)

// RawEvent is an undecoded record read from one partition of the log.
type RawEvent struct {
	Partition    string
	Offset       int64
	EnqueuedTime time.Time
	Key          string
	Payload      []byte
	Headers      map[string][]byte
}

// PartitionReceiver reads one partition in enqueued order. Next blocks until
// a record arrives or the context ends.
type PartitionReceiver interface {
	Next(ctx context.Context) (RawEvent, error)
	Close() error
}

// LogSource abstracts the partitioned event-log service. The production
// implementation is KafkaSource; tests use in-memory fakes.
type LogSource interface {
	// Partitions enumerates the partition IDs of the log.
	Partitions(ctx context.Context) ([]string, error)
	// OpenReceiver opens a receiver positioned at the first record enqueued at
	// or after the given time.
	OpenReceiver(ctx context.Context, partition string, from time.Time) (PartitionReceiver, error)
}
