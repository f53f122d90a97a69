package devicesim

import (
	"errors"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// connectionResult maps MQTT 3.1.1 CONNACK return codes to operator-readable
// reasons.
var connectionResult = map[byte]string{
	0: "success",
	1: "refused - incorrect protocol version",
	2: "refused - invalid client id",
	3: "refused - server unavailable",
	4: "refused - bad username or password",
	5: "refused - not authorized",
}

// ReasonForCode returns the textual reason for a CONNACK return code.
func ReasonForCode(code byte) string {
	if reason, ok := connectionResult[code]; ok {
		return reason
	}
	return fmt.Sprintf("unknown connection result %d", code)
}

// ConnectionRefusedError reports a broker handshake rejection. The driver
// never retries these; the caller decides whether to re-invoke the operation.
type ConnectionRefusedError struct {
	Code   byte
	Reason string
	cause  error
}

func (e *ConnectionRefusedError) Error() string {
	return fmt.Sprintf("connection refused by broker: %s (code %d)", e.Reason, e.Code)
}

func (e *ConnectionRefusedError) Unwrap() error { return e.cause }

// classifyConnectError maps a paho connect failure onto the CONNACK reason
// table. Errors that do not correspond to a CONNACK code (e.g. dial timeouts)
// are returned unchanged.
func classifyConnectError(err error) error {
	for code, connErr := range packets.ConnErrors {
		// Paho also keys transport-level failures (network error, protocol
		// violation) in this map; only 1..5 are CONNACK refusals.
		if connErr == nil || code > 5 {
			continue
		}
		if errors.Is(err, connErr) {
			return &ConnectionRefusedError{Code: code, Reason: ReasonForCode(code), cause: err}
		}
	}
	return err
}
