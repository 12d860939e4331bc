package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"go.uber.org/zap"
)

// StatFunc reports total and available bytes of the filesystem holding path
type StatFunc func(path string) (total, available uint64, err error)

// DiskManager monitors disk space and enforces write policies for staging
// and view sstables
type DiskManager struct {
	dataDir              string
	logger               *zap.Logger
	stat                 StatFunc
	mu                   sync.Mutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	cachedTotalBytes     uint64
	checkInterval        time.Duration

	// Thresholds in percent
	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
	Stat                    StatFunc
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	stat := cfg.Stat
	if stat == nil {
		stat = statfs
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		stat:                    stat,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.checkDiskSpace(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}

	return dm, nil
}

// CheckBeforeWrite checks if a write of the given size can proceed.
// Returns a DiskFull error if the write should be rejected.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return storageerrors.DiskFull(fmt.Sprintf("disk usage at %.2f%%, circuit breaker engaged", dm.cachedUsagePercent), nil).
			WithDetail("usage_percent", dm.cachedUsagePercent).
			WithDetail("available_bytes", dm.cachedAvailableBytes)
	}

	// Allow small writes during throttling, reject large ones
	if dm.isThrottled && estimatedBytes > dm.cachedAvailableBytes/10 {
		return storageerrors.DiskFull(fmt.Sprintf("disk usage at %.2f%%, write throttled", dm.cachedUsagePercent), nil).
			WithDetail("usage_percent", dm.cachedUsagePercent).
			WithDetail("estimated_bytes", estimatedBytes)
	}

	if estimatedBytes > dm.cachedAvailableBytes {
		return storageerrors.DiskFull(fmt.Sprintf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, dm.cachedAvailableBytes), nil).
			WithDetail("available_bytes", dm.cachedAvailableBytes)
	}

	return nil
}

// checkDiskSpace refreshes the cached usage and updates the state.
// Must be called with the lock held.
func (dm *DiskManager) checkDiskSpace() error {
	total, available, err := dm.stat(dm.dataDir)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("filesystem of %s reports zero capacity", dm.dataDir)
	}

	usagePercent := float64(total-available) / float64(total) * 100.0

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = available
	dm.cachedTotalBytes = total
	dm.lastCheck = time.Now()

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	if dm.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !dm.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available))
	}

	if dm.isThrottled && !previouslyThrottled {
		dm.logger.Warn("Disk write throttling ENABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && previouslyThrottled {
		dm.logger.Info("Disk write throttling DISABLED",
			zap.Float64("usage_percent", usagePercent))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// GetDiskUsage returns current disk usage statistics, refreshing them if stale
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		TotalBytes:      dm.cachedTotalBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	TotalBytes      uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}

func statfs(path string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}
