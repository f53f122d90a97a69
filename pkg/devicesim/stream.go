package devicesim

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// MessageStream produces telemetry payloads on demand. Implementations may be
// finite, in which case Next returns io.EOF once exhausted, or infinite.
// Streams are pulled from a single goroutine and need not be thread-safe.
type MessageStream interface {
	Next(ctx context.Context) ([]byte, error)
}

// SliceStream yields a fixed sequence of payloads and then io.EOF.
type SliceStream struct {
	payloads [][]byte
	next     int
}

// NewSliceStream creates a stream over the given payloads.
func NewSliceStream(payloads ...[]byte) *SliceStream {
	return &SliceStream{payloads: payloads}
}

// Next returns the next payload in the sequence.
func (s *SliceStream) Next(_ context.Context) ([]byte, error) {
	if s.next >= len(s.payloads) {
		return nil, io.EOF
	}
	p := s.payloads[s.next]
	s.next++
	return p, nil
}

// GeneratorStream adapts a payload-producing function to the MessageStream
// interface.
type GeneratorStream func(ctx context.Context) ([]byte, error)

// Next invokes the generator function.
func (g GeneratorStream) Next(ctx context.Context) ([]byte, error) {
	return g(ctx)
}

// telemetryPayload is the shape of a simulated device reading.
type telemetryPayload struct {
	DeviceID    string  `json:"deviceId"`
	MessageID   string  `json:"messageId"`
	Sequence    int     `json:"sequence"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   string  `json:"timestamp"`
}

// SimulatedTelemetry is an infinite stream of plausible sensor readings for a
// device, suitable for driving a hub with synthetic load.
type SimulatedTelemetry struct {
	DeviceID string
	sequence int
}

// NewSimulatedTelemetry creates a telemetry stream for the given device.
func NewSimulatedTelemetry(deviceID string) *SimulatedTelemetry {
	return &SimulatedTelemetry{DeviceID: deviceID}
}

// Next produces the next simulated reading.
func (s *SimulatedTelemetry) Next(_ context.Context) ([]byte, error) {
	s.sequence++
	payload := telemetryPayload{
		DeviceID:    s.DeviceID,
		MessageID:   uuid.NewString(),
		Sequence:    s.sequence,
		Temperature: 20 + rand.Float64()*15,
		Humidity:    60 + rand.Float64()*20,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
