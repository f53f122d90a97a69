package eventmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// RecordSink is where decoded records end up. The surrounding CLI decides the
// concrete sink; Pump drains the monitor's channel into one.
type RecordSink interface {
	Write(ctx context.Context, record Record) error
	Close(ctx context.Context) error
}

// Pump drains records into the sink until the channel closes or the context
// ends. Sink write failures are logged and do not stop the pump; monitoring
// is observational.
func Pump(ctx context.Context, records <-chan Record, sink RecordSink, logger zerolog.Logger) {
	pumpLogger := logger.With().Str("component", "Pump").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case record, ok := <-records:
			if !ok {
				return
			}
			if err := sink.Write(ctx, record); err != nil {
				pumpLogger.Error().Err(err).
					Str("partition", record.Partition).
					Int64("offset", record.Offset).
					Msg("Failed to write record to sink.")
			}
		}
	}
}

// ConsoleSink renders records as JSON lines on a writer, the CLI's default
// output form.
type ConsoleSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewConsoleSink creates a sink writing to w.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{enc: json.NewEncoder(w)}
}

// consoleRecord is the rendered form: the payload is shown as text when it is
// printable, base64 otherwise (encoding/json's default for []byte).
type consoleRecord struct {
	Partition    string            `json:"partition"`
	Offset       int64             `json:"offset"`
	EnqueuedTime string            `json:"enqueuedTime"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	PayloadText  string            `json:"payloadText,omitempty"`
	System       map[string]string `json:"system,omitempty"`
	Application  map[string]string `json:"application,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// Write renders one record.
func (s *ConsoleSink) Write(_ context.Context, record Record) error {
	out := consoleRecord{
		Partition:    record.Partition,
		Offset:       record.Offset,
		EnqueuedTime: record.EnqueuedTime.UTC().Format("2006-01-02T15:04:05.999Z07:00"),
		System:       record.System,
		Application:  record.Application,
		Annotations:  record.Annotations,
	}
	if json.Valid(record.Payload) {
		out.Payload = json.RawMessage(record.Payload)
	} else {
		out.PayloadText = string(record.Payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(out); err != nil {
		return fmt.Errorf("failed to render record: %w", err)
	}
	return nil
}

// Close is a no-op; the writer is owned by the caller.
func (s *ConsoleSink) Close(_ context.Context) error { return nil }
