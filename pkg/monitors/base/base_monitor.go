package base

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BaseMonitor provides the common foundation for all monitor types. It
// implements shared functionality for logging, metrics and status tracking,
// reducing boilerplate in individual monitor implementations.
type BaseMonitor struct {
	name      string
	lastRun   time.Time
	lastError error
	metrics   map[string]interface{}
	logger    zerolog.Logger
	mu        sync.Mutex // protects metrics, lastRun, lastError
}

// NewBaseMonitor creates and initializes a new BaseMonitor with a given name
// and logger.
func NewBaseMonitor(name string, logger zerolog.Logger) *BaseMonitor {
	return &BaseMonitor{
		name:    name,
		logger:  logger.With().Str("monitor", name).Logger(),
		metrics: make(map[string]interface{}),
	}
}

// Name returns the monitor's name.
func (b *BaseMonitor) Name() string {
	return b.name
}

// Logger returns the monitor's contextual logger for structured events. The
// pointer form keeps zerolog's chained level calls usable on the result.
func (b *BaseMonitor) Logger() *zerolog.Logger {
	return &b.logger
}

// RecordExecution updates the last run time and error status.
func (b *BaseMonitor) RecordExecution(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRun = time.Now()
	b.lastError = err
}

// GetLastError returns the last error that occurred during execution.
func (b *BaseMonitor) GetLastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

// GetLastExecutionTime returns the last time the monitor was executed.
func (b *BaseMonitor) GetLastExecutionTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRun
}

// GetMetrics returns a copy of the monitor's collected metrics.
func (b *BaseMonitor) GetMetrics() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	dest := make(map[string]interface{}, len(b.metrics))
	for k, v := range b.metrics {
		dest[k] = v
	}
	return dest
}

// UpdateMetrics is a helper to update a metric value.
func (b *BaseMonitor) UpdateMetrics(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics[key] = value
}
