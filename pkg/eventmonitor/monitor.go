package eventmonitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor merges records from every partition of a log source into one output
// channel. Per-partition order is preserved; no order is guaranteed across
// partitions. A Monitor is single-use: Run may be called once.
type Monitor struct {
	source LogSource
	cfg    MonitorConfig
	logger zerolog.Logger

	records  chan Record
	activity chan struct{}
	doneChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu     sync.Mutex
	runErr error
}

// NewMonitor creates a Monitor over the given source.
func NewMonitor(source LogSource, cfg MonitorConfig, logger zerolog.Logger) (*Monitor, error) {
	if source == nil {
		return nil, fmt.Errorf("log source cannot be nil")
	}
	if cfg.InactivityTimeout < 0 {
		return nil, fmt.Errorf("inactivity timeout must be 0 (wait forever) or greater")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "$Default"
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now().UTC()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 100
	}

	return &Monitor{
		source: source,
		cfg:    cfg,
		logger: logger.With().
			Str("component", "Monitor").
			Str("consumer_group", cfg.ConsumerGroup).
			Logger(),
		records:  make(chan Record, cfg.Buffer),
		activity: make(chan struct{}, 1),
		doneChan: make(chan struct{}),
	}, nil
}

// Run opens every partition receiver and returns the merged record channel.
// The channel closes when the inactivity timeout elapses, the context is
// cancelled, or a receiver fails; Err reports the cause after close.
func (m *Monitor) Run(ctx context.Context) (<-chan Record, error) {
	partitions, err := m.source.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate partitions: %w", err)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("log source reported no partitions")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	receivers := make(map[string]PartitionReceiver, len(partitions))
	for _, partition := range partitions {
		receiver, err := m.source.OpenReceiver(runCtx, partition, m.cfg.StartTime)
		if err != nil {
			for _, open := range receivers {
				_ = open.Close()
			}
			cancel()
			return nil, fmt.Errorf("failed to open receiver for partition %s: %w", partition, err)
		}
		receivers[partition] = receiver
	}

	m.logger.Info().
		Int("partitions", len(partitions)).
		Time("start_time", m.cfg.StartTime).
		Msg("Monitoring device-to-cloud events...")

	for partition, receiver := range receivers {
		m.wg.Add(1)
		go m.receive(runCtx, partition, receiver)
	}

	if m.cfg.InactivityTimeout > 0 {
		go m.watchdog(runCtx)
	}

	go func() {
		m.wg.Wait()
		close(m.records)
		close(m.doneChan)
	}()

	return m.records, nil
}

// Stop cancels the run and waits, bounded by the context, for all partition
// receivers to shut down.
func (m *Monitor) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
	select {
	case <-m.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once every receiver has shut down.
func (m *Monitor) Done() <-chan struct{} {
	return m.doneChan
}

// Err reports why the stream ended. It is nil for a clean end (inactivity
// timeout or cancellation).
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runErr
}

// receive is the per-partition read loop. A single goroutine per partition
// keeps per-partition arrival order intact on the merged channel.
func (m *Monitor) receive(ctx context.Context, partition string, receiver PartitionReceiver) {
	defer m.wg.Done()
	defer func() {
		if err := receiver.Close(); err != nil {
			m.logger.Warn().Err(err).Str("partition", partition).Msg("Error closing partition receiver.")
		}
	}()

	logger := m.logger.With().Str("partition", partition).Logger()
	logger.Debug().Msg("Partition receiver started.")

	for {
		raw, err := receiver.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Debug().Msg("Partition receiver stopping.")
				return
			}
			// Receiver faults are not retried; the whole stream ends and the
			// caller decides whether to re-invoke.
			logger.Error().Err(err).Msg("Partition receiver failed.")
			m.fail(fmt.Errorf("partition %s receiver failed: %w", partition, err))
			return
		}

		m.recordActivity()

		// Receivers are positioned at the start time; anything older that
		// still slips through is dropped rather than yielded.
		if raw.EnqueuedTime.Before(m.cfg.StartTime) {
			continue
		}
		if !matchesFilter(raw, m.cfg.Filter) {
			continue
		}

		record, err := decodeRecord(raw, m.cfg.Properties)
		if err != nil {
			logger.Warn().Err(err).Msg("Skipping undecodable record.")
			continue
		}

		select {
		case m.records <- record:
		case <-ctx.Done():
			return
		}
	}
}

// watchdog ends the stream after the inactivity window passes with no record
// received on any partition. Expiry is a graceful end, not an error.
func (m *Monitor) watchdog(ctx context.Context) {
	timer := time.NewTimer(m.cfg.InactivityTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.cfg.InactivityTimeout)
		case <-timer.C:
			m.logger.Info().
				Dur("timeout", m.cfg.InactivityTimeout).
				Msg("No events within the inactivity window, ending stream.")
			m.cancel()
			return
		}
	}
}

// recordActivity pokes the watchdog without ever blocking a receiver.
func (m *Monitor) recordActivity() {
	select {
	case m.activity <- struct{}{}:
	default:
	}
}

func (m *Monitor) fail(err error) {
	m.mu.Lock()
	if m.runErr == nil {
		m.runErr = err
	}
	m.mu.Unlock()
	m.cancel()
}
