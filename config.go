package sourced

import "time"

const (
	DefaultMaxRetries          = 16
	DefaultCacheSize           = 4096
	DefaultSnapshotFrequency   = 10
	DefaultSnapshotWorkers     = 4
	DefaultSnapshotQueueSize   = 1024
	DefaultSnapshotSaveTimeout = 30 * time.Second

	DefaultOutboxBatchSize    = 16
	DefaultOutboxMaxAttempts  = 5
	DefaultOutboxLease        = 60 * time.Second
	DefaultOutboxPollInterval = time.Second
	DefaultOutboxMaxIdleDelay = 30 * time.Second
)

// DefaultSnapshotConfig returns the snapshotting defaults: checkpoint every
// DefaultSnapshotFrequency events, saved through the async worker queue
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Frequency:    DefaultSnapshotFrequency,
		WorkerCount:  DefaultSnapshotWorkers,
		MaxQueueSize: DefaultSnapshotQueueSize,
		SaveTimeout:  DefaultSnapshotSaveTimeout,
	}
}

// DefaultWorkerConfig returns the outbox delivery defaults
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    DefaultOutboxBatchSize,
		MaxAttempts:  DefaultOutboxMaxAttempts,
		Lease:        DefaultOutboxLease,
		PollInterval: DefaultOutboxPollInterval,
		MaxIdleDelay: DefaultOutboxMaxIdleDelay,
	}
}
