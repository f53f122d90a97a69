package devicesim

import "github.com/rs/zerolog"

// InboundMessage is a cloud-to-device message observed by the driver. It is
// reported and discarded; the driver never buffers or correlates inbound
// traffic with outbound publishes.
type InboundMessage struct {
	Topic   string
	Payload []byte
}

// EventSink receives observational callbacks from the driver. Implementations
// must be fast and non-blocking; they are invoked from the driver's forwarding
// goroutine, never from the transport's I/O thread.
type EventSink interface {
	// ConnectionStatus reports handshake outcomes and connection loss.
	ConnectionStatus(status string)
	// Inbound reports a cloud-to-device message.
	Inbound(msg InboundMessage)
	// Published reports the running count of successful publishes.
	Published(count int)
}

// LoggerSink reports driver events to a zerolog logger.
type LoggerSink struct {
	logger zerolog.Logger
}

// NewLoggerSink creates an EventSink backed by the given logger.
func NewLoggerSink(logger zerolog.Logger) *LoggerSink {
	return &LoggerSink{logger: logger.With().Str("component", "LoggerSink").Logger()}
}

// ConnectionStatus logs the connection status line.
func (s *LoggerSink) ConnectionStatus(status string) {
	s.logger.Info().Str("status", status).Msg("Connection status changed.")
}

// Inbound logs a received cloud-to-device message.
func (s *LoggerSink) Inbound(msg InboundMessage) {
	s.logger.Info().Str("topic", msg.Topic).Bytes("payload", msg.Payload).Msg("Received device-bound message.")
}

// Published logs publish progress.
func (s *LoggerSink) Published(count int) {
	s.logger.Debug().Int("sent", count).Msg("Telemetry message published.")
}
