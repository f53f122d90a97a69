package devicesim

import "fmt"

// hubAPIVersion is the api-version segment IoT hubs expect in the MQTT username.
const hubAPIVersion = "2016-11-14"

// securePort is the standard MQTT-over-TLS port.
const securePort = 8883

// ConnectionTarget describes where and as whom a simulated device connects.
// It is immutable for the lifetime of a driver and is normally produced by a
// hubresolver from CLI-resolved hub metadata.
type ConnectionTarget struct {
	// EntityHost is the hub hostname, e.g. "myhub.azure-devices.net".
	EntityHost string
	// PolicyName is the shared access policy the primary key belongs to.
	PolicyName string
	// PrimaryKey is the base64-encoded shared access key.
	PrimaryKey string
	// DeviceID is the identity the driver assumes on the broker.
	DeviceID string
}

// BrokerURL returns the TLS broker address for the hub.
func (t ConnectionTarget) BrokerURL() string {
	return fmt.Sprintf("tls://%s:%d", t.EntityHost, securePort)
}

// Username returns the MQTT username the hub expects for this device.
func (t ConnectionTarget) Username() string {
	return fmt.Sprintf("%s/%s/api-version=%s", t.EntityHost, t.DeviceID, hubAPIVersion)
}

// PublishTopic returns the device-to-cloud events topic.
func (t ConnectionTarget) PublishTopic() string {
	return fmt.Sprintf("devices/%s/messages/events/", t.DeviceID)
}

// SubscribeTopic returns the wildcard topic for cloud-to-device messages.
func (t ConnectionTarget) SubscribeTopic() string {
	return fmt.Sprintf("devices/%s/messages/devicebound/#", t.DeviceID)
}
