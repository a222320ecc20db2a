package backup

import (
	"sync"
	"time"
)

// MetricsCollector keeps in-process counters for backup operations
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics BackupMetrics
}

// BackupMetrics is a point-in-time copy of the collected counters
type BackupMetrics struct {
	Backups  OperationMetrics `json:"backups"`
	Restores OperationMetrics `json:"restores"`
	Cleanups OperationMetrics `json:"cleanups"`

	Cancelled               int64   `json:"cancelled"`
	BytesWritten            int64   `json:"bytes_written"`
	AverageCompressionRatio float64 `json:"average_compression_ratio"`
	DryRuns                 int64   `json:"dry_runs"`
	ExpiredDeleted          int64   `json:"expired_deleted"`
	ExpiredFailed           int64   `json:"expired_failed"`

	StartTime  time.Time `json:"start_time"`
	LastUpdate time.Time `json:"last_update"`
}

// OperationMetrics tracks success/failure rates for one operation
type OperationMetrics struct {
	Total           int64         `json:"total"`
	Success         int64         `json:"success"`
	Failed          int64         `json:"failed"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
	MinDuration     time.Duration `json:"min_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
}

func (om *OperationMetrics) record(success bool, duration time.Duration) {
	om.Total++
	if success {
		om.Success++
	} else {
		om.Failed++
	}
	om.SuccessRate = float64(om.Success) / float64(om.Total)

	if om.MinDuration == 0 || duration < om.MinDuration {
		om.MinDuration = duration
	}
	if duration > om.MaxDuration {
		om.MaxDuration = duration
	}
	total := time.Duration(int64(om.AverageDuration)*(om.Total-1)) + duration
	om.AverageDuration = total / time.Duration(om.Total)
}

// NewMetricsCollector creates an empty collector
func NewMetricsCollector() *MetricsCollector {
	now := time.Now()
	return &MetricsCollector{metrics: BackupMetrics{StartTime: now, LastUpdate: now}}
}

// RecordBackup records one finished pipeline run
func (mc *MetricsCollector) RecordBackup(status BackupStatus, duration time.Duration, size int64, compressionRatio float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	m := &mc.metrics
	if status == BackupStatusCancelled {
		m.Cancelled++
	} else {
		m.Backups.record(status == BackupStatusCompleted, duration)
	}

	if status == BackupStatusCompleted {
		m.BytesWritten += size
		if compressionRatio > 0 {
			n := float64(m.Backups.Success)
			m.AverageCompressionRatio += (compressionRatio - m.AverageCompressionRatio) / n
		}
	}
	m.LastUpdate = time.Now()
}

// RecordRestore records one restore call
func (mc *MetricsCollector) RecordRestore(success, dryRun bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Restores.record(success, duration)
	if dryRun {
		mc.metrics.DryRuns++
	}
	mc.metrics.LastUpdate = time.Now()
}

// RecordCleanup records one retention sweep
func (mc *MetricsCollector) RecordCleanup(result *CleanupResult, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var duration time.Duration
	if result != nil {
		duration = result.Duration
		mc.metrics.ExpiredDeleted += int64(result.DeletedCount)
		mc.metrics.ExpiredFailed += int64(len(result.Failed))
	}
	mc.metrics.Cleanups.record(err == nil, duration)
	mc.metrics.LastUpdate = time.Now()
}

// Snapshot returns a copy of the current counters
func (mc *MetricsCollector) Snapshot() BackupMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}
