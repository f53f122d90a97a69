// Package devicesim drives a simulated device against a hub's MQTT broker:
// it authenticates with a time-boxed shared-access token, publishes a bounded
// stream of telemetry at a fixed cadence, and reports cloud-to-device
// messages that arrive while it runs.
package devicesim

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iot-hub/pkg/sastoken"
)

// ErrTransport indicates a mid-session I/O fault. It is fatal: Run shuts the
// driver down and returns it to the caller.
var ErrTransport = errors.New("transport fault")

// ConnectionState is the driver's position in its connection lifecycle.
// It is written by the transport callbacks and the shutdown path, and read
// (never written) by the publish loop.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// DriverConfig holds the operational settings for a Driver.
type DriverConfig struct {
	// TokenTTL is the validity window of the signed connect credential.
	TokenTTL time.Duration
	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration
	// ConnectTimeout bounds the wait for the broker handshake.
	ConnectTimeout time.Duration
	// PublishTimeout bounds the wait for a single publish to complete.
	PublishTimeout time.Duration
	// DisconnectGrace is how long outstanding work may drain on shutdown.
	DisconnectGrace time.Duration
	// CACertFile is an optional path to the trusted root certificate for the
	// broker's TLS endpoint.
	CACertFile string
	// InsecureSkipVerify skips TLS certificate verification.
	// This is NOT recommended for production environments.
	InsecureSkipVerify bool
	// EventBuffer is the capacity of the channel bridging transport callbacks
	// to the event sink.
	EventBuffer int
}

// DriverDefaults returns a DriverConfig with sensible defaults.
func DriverDefaults() DriverConfig {
	return DriverConfig{
		TokenTTL:        360 * time.Second,
		KeepAlive:       60 * time.Second,
		ConnectTimeout:  10 * time.Second,
		PublishTimeout:  10 * time.Second,
		DisconnectGrace: 500 * time.Millisecond,
		EventBuffer:     64,
	}
}

// driverEvent is what transport callbacks hand to the forwarding goroutine.
// Callbacks only write to this channel and to the state field; all reporting
// happens off the I/O thread.
type driverEvent struct {
	status  string
	inbound *InboundMessage
}

// Driver owns a single broker connection, the publish loop and the receive
// callback. A Driver is single-use: once Shutdown has run it cannot be
// reconnected.
type Driver struct {
	target ConnectionTarget
	cfg    DriverConfig
	client mqtt.Client
	sink   EventSink
	logger zerolog.Logger

	state     atomic.Int32
	events    chan driverEvent
	doneChan  chan struct{}
	forwarder sync.WaitGroup

	startOnce    sync.Once
	shutdownOnce sync.Once
}

// NewDriver creates a Driver for the given target. It issues the connect
// credential and assembles the transport client but does not connect.
func NewDriver(target ConnectionTarget, cfg DriverConfig, sink EventSink, logger zerolog.Logger) (*Driver, error) {
	d, err := newDriver(target, cfg, sink, logger)
	if err != nil {
		return nil, err
	}
	opts, err := d.createMqttOptions()
	if err != nil {
		return nil, err
	}
	d.client = mqtt.NewClient(opts)
	return d, nil
}

// NewDriverWithClient creates a Driver around an existing transport client.
// This is primarily a seam for unit tests.
func NewDriverWithClient(client mqtt.Client, target ConnectionTarget, cfg DriverConfig, sink EventSink, logger zerolog.Logger) (*Driver, error) {
	d, err := newDriver(target, cfg, sink, logger)
	if err != nil {
		return nil, err
	}
	d.client = client
	return d, nil
}

func newDriver(target ConnectionTarget, cfg DriverConfig, sink EventSink, logger zerolog.Logger) (*Driver, error) {
	if target.EntityHost == "" {
		return nil, fmt.Errorf("target entity host is required")
	}
	if target.DeviceID == "" {
		return nil, fmt.Errorf("target device ID is required")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	componentLogger := logger.With().Str("component", "Driver").Str("device_id", target.DeviceID).Logger()
	if sink == nil {
		sink = NewLoggerSink(logger)
	}
	return &Driver{
		target:   target,
		cfg:      cfg,
		sink:     sink,
		logger:   componentLogger,
		events:   make(chan driverEvent, cfg.EventBuffer),
		doneChan: make(chan struct{}),
	}, nil
}

// Connect initiates the broker handshake. Refusals are classified by the
// CONNACK reason table and returned as *ConnectionRefusedError; the state
// stays in Connecting so the caller may retry or abort.
func (d *Driver) Connect(_ context.Context) error {
	select {
	case <-d.doneChan:
		return fmt.Errorf("driver is shut down")
	default:
	}

	d.setState(StateConnecting)
	d.startOnce.Do(func() {
		d.forwarder.Add(1)
		go d.forward()
	})

	d.logger.Info().Str("broker", d.target.BrokerURL()).Msg("Connecting to hub MQTT broker...")
	token := d.client.Connect()
	if !token.WaitTimeout(d.cfg.ConnectTimeout) {
		return fmt.Errorf("timed out after %s waiting for broker handshake", d.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		refusal := classifyConnectError(err)
		d.logger.Error().Err(refusal).Msg("Broker handshake failed.")
		return refusal
	}
	return nil
}

// IsConnected is a non-blocking read of the connection state, used by the
// publish loop to gate sends.
func (d *Driver) IsConnected() bool {
	return d.State() == StateConnected
}

// State returns the current connection state.
func (d *Driver) State() ConnectionState {
	return ConnectionState(d.state.Load())
}

func (d *Driver) setState(s ConnectionState) {
	d.state.Store(int32(s))
}

// Run publishes from the stream until maxCount messages have been sent, the
// stream is exhausted, the context is cancelled, or a transport fault occurs.
// Every loop iteration sleeps the full interval whether or not a publish
// happened, so a disconnected period paces at the same cadence instead of
// bursting on reconnect. Shutdown always runs before Run returns.
func (d *Driver) Run(ctx context.Context, stream MessageStream, interval time.Duration, maxCount int) error {
	defer d.Shutdown()

	sent := 0
	for sent < maxCount {
		if d.IsConnected() {
			payload, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				d.logger.Info().Int("sent", sent).Msg("Message stream exhausted.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("message stream failed: %w", err)
			}

			if err := d.publish(payload); err != nil {
				return err
			}
			sent++
			d.sink.Published(sent)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	d.logger.Info().Int("sent", sent).Msg("Publish loop complete.")
	return nil
}

func (d *Driver) publish(payload []byte) error {
	token := d.client.Publish(d.target.PublishTopic(), 0, false, payload)
	if !token.WaitTimeout(d.cfg.PublishTimeout) {
		return fmt.Errorf("%w: publish timed out after %s", ErrTransport, d.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Shutdown stops the transport and the forwarding goroutine. It is idempotent,
// safe to call from any goroutine, and uses a bounded wait so it cannot
// deadlock against an in-flight publish.
func (d *Driver) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.setState(StateClosing)
		d.logger.Info().Msg("Shutting down driver...")

		if d.client != nil && d.client.IsConnected() {
			if token := d.client.Unsubscribe(d.target.SubscribeTopic()); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				d.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe from device-bound topic.")
			}
			d.client.Disconnect(uint(d.cfg.DisconnectGrace.Milliseconds()))
		}

		close(d.doneChan)

		joined := make(chan struct{})
		go func() {
			d.forwarder.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(5 * time.Second):
			d.logger.Error().Msg("Timeout waiting for event forwarder to stop.")
		}

		d.setState(StateDisconnected)
		d.logger.Info().Msg("Driver shut down.")
	})
}

// Done returns a channel that is closed once shutdown has begun.
func (d *Driver) Done() <-chan struct{} {
	return d.doneChan
}

// forward drains transport events to the sink off the I/O thread.
func (d *Driver) forward() {
	defer d.forwarder.Done()
	for {
		select {
		case <-d.doneChan:
			return
		case ev := <-d.events:
			if ev.inbound != nil {
				d.sink.Inbound(*ev.inbound)
			} else {
				d.sink.ConnectionStatus(ev.status)
			}
		}
	}
}

// emit hands an event to the forwarder, dropping it if the driver is shutting
// down.
func (d *Driver) emit(ev driverEvent) {
	select {
	case d.events <- ev:
	case <-d.doneChan:
	}
}

// onConnect runs on the transport's I/O thread after a successful handshake.
// It subscribes to the device-bound topic and marks the driver connected.
func (d *Driver) onConnect(client mqtt.Client) {
	token := client.Subscribe(d.target.SubscribeTopic(), 1, d.onMessage)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			d.logger.Error().Err(token.Error()).Str("topic", d.target.SubscribeTopic()).Msg("Failed to subscribe to device-bound topic.")
		}
	}()
	d.setState(StateConnected)
	d.emit(driverEvent{status: "connected to hub broker with result: " + ReasonForCode(0)})
}

// onConnectionLost runs on the transport's I/O thread when an established
// connection drops. The publish loop keeps pacing; only publish faults and
// the caller end a run.
func (d *Driver) onConnectionLost(_ mqtt.Client, err error) {
	if d.state.CompareAndSwap(int32(StateConnected), int32(StateConnecting)) {
		d.logger.Warn().Err(err).Msg("Lost connection to broker.")
		d.emit(driverEvent{status: "connection lost: " + err.Error()})
	}
}

// onMessage runs on the transport's I/O thread for each device-bound message.
// It copies the payload and hands it to the forwarder; no business logic runs
// here.
func (d *Driver) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())
	d.emit(driverEvent{inbound: &InboundMessage{Topic: msg.Topic(), Payload: payloadCopy}})
}

// ConnectHandlerForTest exposes the on-connect callback for unit tests.
func (d *Driver) ConnectHandlerForTest() mqtt.OnConnectHandler { return d.onConnect }

// MessageHandlerForTest exposes the inbound message callback for unit tests.
func (d *Driver) MessageHandlerForTest() mqtt.MessageHandler { return d.onMessage }

// ConnectionLostHandlerForTest exposes the connection-lost callback for unit tests.
func (d *Driver) ConnectionLostHandlerForTest() mqtt.ConnectionLostHandler { return d.onConnectionLost }

// createMqttOptions assembles the paho client options, issuing the signed
// connect credential. Auto-reconnect stays off so handshake refusals surface
// to the operator instead of being retried behind its back.
func (d *Driver) createMqttOptions() (*mqtt.ClientOptions, error) {
	token, err := sastoken.Generate(sastoken.Config{
		ResourceURI: d.target.EntityHost,
		PolicyName:  d.target.PolicyName,
		Key:         d.target.PrimaryKey,
		TTL:         d.cfg.TokenTTL,
	}, time.Now())
	if err != nil {
		return nil, fmt.Errorf("issuing connect credential: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.target.BrokerURL())
	opts.SetClientID(d.target.DeviceID)
	opts.SetUsername(d.target.Username())
	opts.SetPassword(token.Value)
	opts.SetProtocolVersion(4) // MQTT 3.1.1
	opts.SetKeepAlive(d.cfg.KeepAlive)
	opts.SetConnectTimeout(d.cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(d.onConnect)
	opts.SetConnectionLostHandler(d.onConnectionLost)
	opts.SetDefaultPublishHandler(d.onMessage)

	tlsConfig, err := newTLSConfig(d.cfg)
	if err != nil {
		return nil, err
	}
	opts.SetTLSConfig(tlsConfig)

	return opts, nil
}

// newTLSConfig is a helper to create a tls.Config for the broker connection.
func newTLSConfig(cfg DriverConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	return tlsConfig, nil
}
