// Package eventmonitor tails device-to-cloud messages from the hub's
// partitioned event log. It opens one receiver per partition positioned at a
// start time, merges records into a single channel in arrival order, and ends
// the stream cleanly when an inactivity window elapses or the caller cancels.
package eventmonitor

import (
	"fmt"
	"strings"
	"time"
)

// Record is a decoded event yielded to the caller. Which property maps are
// populated depends on the requested property categories.
type Record struct {
	Partition    string            `json:"partition"`
	Offset       int64             `json:"offset"`
	EnqueuedTime time.Time         `json:"enqueuedTime"`
	Payload      []byte            `json:"payload"`
	System       map[string]string `json:"system,omitempty"`
	Application  map[string]string `json:"application,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// PropertyOptions selects which property categories are decoded onto records.
type PropertyOptions struct {
	System      bool
	Application bool
	Annotations bool
}

// ParseProperties converts the CLI-facing category names (sys, app, anno, all)
// into PropertyOptions. Unknown categories are an error.
func ParseProperties(categories []string) (PropertyOptions, error) {
	var opts PropertyOptions
	for _, category := range categories {
		switch strings.ToLower(strings.TrimSpace(category)) {
		case "sys":
			opts.System = true
		case "app":
			opts.Application = true
		case "anno":
			opts.Annotations = true
		case "all":
			opts.System = true
			opts.Application = true
			opts.Annotations = true
		default:
			return PropertyOptions{}, fmt.Errorf("unknown property category %q (want sys, app, anno or all)", category)
		}
	}
	return opts, nil
}

// FilterOptions drops records before they are yielded. Empty fields match
// everything.
type FilterOptions struct {
	// DeviceID keeps only records whose origin device annotation matches.
	DeviceID string
	// ContentType keeps only records with a matching content-type system
	// property.
	ContentType string
}

// MonitorConfig holds the settings for one monitoring run.
type MonitorConfig struct {
	// ConsumerGroup is the cursor namespace to read under.
	ConsumerGroup string
	// StartTime positions each partition receiver at the first record enqueued
	// at or after this instant. Zero means "now".
	StartTime time.Time
	// InactivityTimeout ends the stream after this long with no record on any
	// partition. Zero means wait forever; only cancellation ends the stream.
	InactivityTimeout time.Duration
	// Properties selects the decoded property categories.
	Properties PropertyOptions
	// Filter drops non-matching records.
	Filter FilterOptions
	// Buffer is the merged output channel capacity.
	Buffer int
}

// MonitorDefaults returns a MonitorConfig with the conventional defaults.
func MonitorDefaults() MonitorConfig {
	return MonitorConfig{
		ConsumerGroup: "$Default",
		Buffer:        100,
	}
}
