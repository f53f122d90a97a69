package eventmonitor

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Annotation keys stamped onto device-to-cloud events by the hub.
const (
	AnnotationDeviceID   = "iothub-connection-device-id"
	AnnotationAuthMethod = "iothub-connection-auth-method"
)

// Header keys promoted to system properties.
const (
	headerContentType = "content-type"
	headerMessageID   = "message-id"
)

// decodeError marks a record that cannot be decoded. The monitor logs these
// and skips the record; they never terminate the stream.
type decodeError struct {
	partition string
	offset    int64
	reason    string
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("partition %s offset %d: %s", e.partition, e.offset, e.reason)
}

// decodeRecord turns a raw event into a Record, splitting headers into
// system, application and annotation properties and keeping only the
// requested categories.
func decodeRecord(raw RawEvent, opts PropertyOptions) (Record, error) {
	record := Record{
		Partition:    raw.Partition,
		Offset:       raw.Offset,
		EnqueuedTime: raw.EnqueuedTime,
		Payload:      raw.Payload,
	}

	system := map[string]string{
		"partition":    raw.Partition,
		"offset":       strconv.FormatInt(raw.Offset, 10),
		"enqueuedTime": raw.EnqueuedTime.UTC().Format("2006-01-02T15:04:05.999Z07:00"),
	}
	application := make(map[string]string)
	annotations := make(map[string]string)

	for key, value := range raw.Headers {
		if !utf8.Valid(value) {
			return Record{}, &decodeError{
				partition: raw.Partition,
				offset:    raw.Offset,
				reason:    fmt.Sprintf("header %q is not valid UTF-8", key),
			}
		}
		switch {
		case key == headerContentType || key == headerMessageID:
			system[key] = string(value)
		case strings.HasPrefix(key, "iothub-") || strings.HasPrefix(key, "x-opt-"):
			annotations[key] = string(value)
		default:
			application[key] = string(value)
		}
	}

	if opts.System {
		record.System = system
	}
	if opts.Application {
		record.Application = application
	}
	if opts.Annotations {
		record.Annotations = annotations
	}
	return record, nil
}

// matchesFilter applies the device-id and content-type filters to the raw
// headers, so filtering works whether or not the corresponding property
// category was requested.
func matchesFilter(raw RawEvent, filter FilterOptions) bool {
	if filter.DeviceID != "" {
		if !strings.EqualFold(string(raw.Headers[AnnotationDeviceID]), filter.DeviceID) {
			return false
		}
	}
	if filter.ContentType != "" {
		if !strings.EqualFold(string(raw.Headers[headerContentType]), filter.ContentType) {
			return false
		}
	}
	return true
}
