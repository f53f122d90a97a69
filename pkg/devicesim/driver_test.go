package devicesim_test

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-iot-hub/pkg/devicesim"
)

// --- Mocks for Paho MQTT Client ---

type mockToken struct{ err error }

func (m *mockToken) Wait() bool                       { return true }
func (m *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *mockToken) Error() error { return m.err }

type mockMqttMessage struct {
	topic   string
	payload []byte
}

func (m *mockMqttMessage) Topic() string     { return m.topic }
func (m *mockMqttMessage) Payload() []byte   { return m.payload }
func (m *mockMqttMessage) MessageID() uint16 { return 1 }
func (m *mockMqttMessage) Duplicate() bool   { return false }
func (m *mockMqttMessage) Qos() byte         { return 1 }
func (m *mockMqttMessage) Retained() bool    { return false }
func (m *mockMqttMessage) Ack()              {}

type mockMqttClient struct {
	mu sync.Mutex

	isConnected      bool
	disconnectCalled bool
	subscribedTopic  string
	published        [][]byte
	publishedTopics  []string

	connectErr error
	publishErr error
}

func (m *mockMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}
func (m *mockMqttClient) IsConnectionOpen() bool { return m.IsConnected() }
func (m *mockMqttClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return &mockToken{err: m.connectErr}
	}
	m.isConnected = true
	return &mockToken{}
}
func (m *mockMqttClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = false
	m.disconnectCalled = true
}
func (m *mockMqttClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return &mockToken{err: m.publishErr}
	}
	m.publishedTopics = append(m.publishedTopics, topic)
	m.published = append(m.published, payload.([]byte))
	return &mockToken{}
}
func (m *mockMqttClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribedTopic = topic
	return &mockToken{}
}
func (m *mockMqttClient) Unsubscribe(_ ...string) mqtt.Token { return &mockToken{} }

// Stubs for the remainder of the interface.
func (m *mockMqttClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}
func (m *mockMqttClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (m *mockMqttClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (m *mockMqttClient) publishedPayloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published...)
}

// --- Recording sink ---

type recordingSink struct {
	mu        sync.Mutex
	statuses  []string
	inbound   []devicesim.InboundMessage
	published []int
}

func (s *recordingSink) ConnectionStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}
func (s *recordingSink) Inbound(msg devicesim.InboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, msg)
}
func (s *recordingSink) Published(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, count)
}
func (s *recordingSink) inboundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbound)
}
func (s *recordingSink) statusCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

// --- Helpers ---

func testTarget() devicesim.ConnectionTarget {
	return devicesim.ConnectionTarget{
		EntityHost: "myhub.azure-devices.net",
		PolicyName: "iothubowner",
		PrimaryKey: "c3VwZXItc2VjcmV0LWRldmljZS1rZXk=",
		DeviceID:   "sensor-1",
	}
}

func newConnectedDriver(t *testing.T, client *mockMqttClient, sink devicesim.EventSink) *devicesim.Driver {
	t.Helper()
	driver, err := devicesim.NewDriverWithClient(client, testTarget(), devicesim.DriverDefaults(), sink, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(driver.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, driver.Connect(ctx))

	// Simulate the broker completing the handshake on the I/O thread.
	driver.ConnectHandlerForTest()(client)
	require.True(t, driver.IsConnected())
	return driver
}

// --- Test Cases ---

func TestDriver_RunPublishesBoundedStream(t *testing.T) {
	client := &mockMqttClient{}
	sink := &recordingSink{}
	driver := newConnectedDriver(t, client, sink)

	stream := devicesim.NewSliceStream([]byte("a"), []byte("b"))

	err := driver.Run(context.Background(), stream, 0, 2)
	require.NoError(t, err)

	// Exactly two messages, in order, on the events topic.
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, client.publishedPayloads())
	assert.Equal(t, "devices/sensor-1/messages/events/", client.publishedTopics[0])
	assert.Equal(t, devicesim.StateDisconnected, driver.State())
	assert.True(t, client.disconnectCalled, "Run must release the connection on completion")
}

func TestDriver_RunWithZeroMaxCount(t *testing.T) {
	client := &mockMqttClient{}
	driver := newConnectedDriver(t, client, &recordingSink{})

	err := driver.Run(context.Background(), devicesim.NewSliceStream([]byte("a")), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, client.publishedPayloads())
}

func TestDriver_RunStopsOnStreamExhaustion(t *testing.T) {
	client := &mockMqttClient{}
	driver := newConnectedDriver(t, client, &recordingSink{})

	err := driver.Run(context.Background(), devicesim.NewSliceStream([]byte("only")), 0, 5)
	require.NoError(t, err)
	assert.Len(t, client.publishedPayloads(), 1)
	assert.Equal(t, devicesim.StateDisconnected, driver.State())
}

func TestDriver_PublishFaultIsFatal(t *testing.T) {
	client := &mockMqttClient{publishErr: packets.ErrorNetworkError}
	driver := newConnectedDriver(t, client, &recordingSink{})

	err := driver.Run(context.Background(), devicesim.NewSliceStream([]byte("a")), 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, devicesim.ErrTransport)
	// The fault must still funnel through shutdown.
	assert.Equal(t, devicesim.StateDisconnected, driver.State())
	assert.True(t, client.disconnectCalled)
}

func TestDriver_PacesWhileDisconnected(t *testing.T) {
	client := &mockMqttClient{}
	driver, err := devicesim.NewDriverWithClient(client, testTarget(), devicesim.DriverDefaults(), &recordingSink{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(driver.Shutdown)

	// Never connected: the loop must pace at the interval without publishing
	// and end only on cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)

	err = driver.Run(ctx, devicesim.NewSliceStream([]byte("a")), 5*time.Millisecond, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, client.publishedPayloads())
}

func TestDriver_ConnectRefusedIsClassified(t *testing.T) {
	client := &mockMqttClient{connectErr: packets.ErrorRefusedNotAuthorised}
	driver, err := devicesim.NewDriverWithClient(client, testTarget(), devicesim.DriverDefaults(), &recordingSink{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(driver.Shutdown)

	err = driver.Connect(context.Background())
	require.Error(t, err)

	var refused *devicesim.ConnectionRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, byte(5), refused.Code)
	assert.Equal(t, "refused - not authorized", refused.Reason)
	// Refusal is non-fatal: state stays in Connecting so the caller can retry.
	assert.Equal(t, devicesim.StateConnecting, driver.State())
}

func TestDriver_InboundMessagesReachSink(t *testing.T) {
	client := &mockMqttClient{}
	sink := &recordingSink{}
	driver := newConnectedDriver(t, client, sink)

	driver.MessageHandlerForTest()(client, &mockMqttMessage{
		topic:   "devices/sensor-1/messages/devicebound/%24.to=foo",
		payload: []byte("reboot"),
	})

	require.Eventually(t, func() bool {
		return sink.inboundCount() == 1
	}, time.Second, 10*time.Millisecond, "inbound message never reached the sink")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []byte("reboot"), sink.inbound[0].Payload)
	assert.Contains(t, sink.inbound[0].Topic, "devicebound")
}

func TestDriver_ConnectionStatusReported(t *testing.T) {
	client := &mockMqttClient{}
	sink := &recordingSink{}
	newConnectedDriver(t, client, sink)

	require.Eventually(t, func() bool {
		return sink.statusCount() == 1
	}, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.statuses[0], "success")
}

func TestDriver_ShutdownIsIdempotent(t *testing.T) {
	client := &mockMqttClient{}
	driver := newConnectedDriver(t, client, &recordingSink{})

	driver.Shutdown()
	driver.Shutdown()

	assert.Equal(t, devicesim.StateDisconnected, driver.State())
	select {
	case <-driver.Done():
	default:
		t.Fatal("Done() channel should be closed after Shutdown()")
	}

	// A shut-down driver cannot be reconnected.
	err := driver.Connect(context.Background())
	require.Error(t, err)
}

func TestDriver_ConnectionLostGatesPublishing(t *testing.T) {
	client := &mockMqttClient{}
	driver := newConnectedDriver(t, client, &recordingSink{})

	driver.ConnectionLostHandlerForTest()(client, packets.ErrorNetworkError)
	assert.False(t, driver.IsConnected())
}

func TestReasonForCode(t *testing.T) {
	assert.Equal(t, "success", devicesim.ReasonForCode(0))
	assert.Equal(t, "refused - incorrect protocol version", devicesim.ReasonForCode(1))
	assert.Equal(t, "refused - invalid client id", devicesim.ReasonForCode(2))
	assert.Equal(t, "refused - server unavailable", devicesim.ReasonForCode(3))
	assert.Equal(t, "refused - bad username or password", devicesim.ReasonForCode(4))
	assert.Equal(t, "refused - not authorized", devicesim.ReasonForCode(5))
	assert.Contains(t, devicesim.ReasonForCode(42), "unknown")
}
