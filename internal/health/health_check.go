package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/viewbuilder/internal/metrics"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/diskmanager"
	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name under which the node reports in the gRPC health
// service, next to the overall "" entry
const ServiceName = "pairdb.viewbuilder"

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// BacklogSource reports the view building backlog
type BacklogSource interface {
	Backlog() model.ViewBacklog
}

// StatusPublisher receives the node status after every round of checks
type StatusPublisher interface {
	UpdateStatus(status model.NodeStatus, backlog model.ViewBacklog)
}

// DiskUsage reports disk usage of the data directory
type DiskUsage interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// HealthChecker performs health checks for the view builder node
type HealthChecker struct {
	nodeID         string
	dataDir        string
	interval       time.Duration
	backlogWarning int
	disk           DiskUsage
	generator      BacklogSource
	grpcHealth     *grpchealth.Server
	publisher      StatusPublisher
	metrics        *metrics.Metrics
	logger         *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	backlog     model.ViewBacklog
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
	draining    bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	DataDir  string
	Interval time.Duration
	// BacklogWarning is the number of queued staging files above which the
	// node reports itself degraded
	BacklogWarning int
	Disk           DiskUsage
	Generator      BacklogSource
	GRPCHealth     *grpchealth.Server
	Publisher      StatusPublisher
	Metrics        *metrics.Metrics
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	backlogWarning := cfg.BacklogWarning
	if backlogWarning <= 0 {
		backlogWarning = 100
	}

	return &HealthChecker{
		nodeID:         cfg.NodeID,
		dataDir:        cfg.DataDir,
		interval:       interval,
		backlogWarning: backlogWarning,
		disk:           cfg.Disk,
		generator:      cfg.Generator,
		grpcHealth:     cfg.GRPCHealth,
		publisher:      cfg.Publisher,
		metrics:        cfg.Metrics,
		logger:         logger,
		checks:         make(map[string]CheckResult),
		livenessOK:     true,
		readinessOK:    true,
		status:         model.NodeStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and publishes the outcome
func (h *HealthChecker) RunChecks() {
	checks := []func() CheckResult{
		h.checkDiskSpace,
		h.checkDataDirAccessible,
		h.checkGenerator,
		h.checkFileDescriptors,
	}

	results := make([]CheckResult, 0, len(checks))
	allHealthy := true
	allReady := true
	for _, check := range checks {
		result := check()
		results = append(results, result)
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	var backlog model.ViewBacklog
	if h.generator != nil {
		backlog = h.generator.Backlog()
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	for _, result := range results {
		h.checks[result.Name] = result
	}
	switch {
	case !allReady:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}
	h.backlog = backlog
	h.livenessOK = true
	h.readinessOK = allReady && !h.draining
	status, ready := h.status, h.readinessOK
	h.mu.Unlock()

	h.publishServingStatus(ready)
	if h.publisher != nil {
		h.publisher.UpdateStatus(status, backlog)
	}
	h.recordSystemStats()

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", ready),
		zap.Int("queued_files", backlog.QueuedFiles))
}

func (h *HealthChecker) checkDiskSpace() CheckResult {
	result := CheckResult{Name: "disk_space", Timestamp: time.Now()}
	if h.disk == nil {
		result.Status = StatusHealthy
		result.Message = "Disk manager not configured"
		return result
	}

	usage := h.disk.GetDiskUsage()
	switch {
	case usage.IsCircuitBroken:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Disk usage critical: %.2f%%", usage.UsagePercent)
	case usage.IsThrottled:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.2f%%", usage.UsagePercent)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024)
	}
	return result
}

func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	result := CheckResult{Name: "data_dir_accessible", Timestamp: time.Now()}

	info, err := os.Stat(h.dataDir)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Data directory not accessible: %v", err)
		return result
	}
	if !info.IsDir() {
		result.Status = StatusCritical
		result.Message = "Data path is not a directory"
		return result
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Cannot write to data directory: %v", err)
		return result
	}
	f.Close()
	os.Remove(testFile)

	result.Status = StatusHealthy
	result.Message = "Data directory is accessible and writable"
	return result
}

// checkGenerator fails once the worker has exited and warns while the
// staging backlog is large
func (h *HealthChecker) checkGenerator() CheckResult {
	result := CheckResult{Name: "view_update_generator", Timestamp: time.Now()}
	if h.generator == nil {
		result.Status = StatusHealthy
		result.Message = "View update generator not configured"
		return result
	}

	backlog := h.generator.Backlog()
	switch {
	case !backlog.Throttled:
		result.Status = StatusCritical
		result.Message = "View update worker is not running"
	case backlog.QueuedFiles > h.backlogWarning:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("%d staging files queued", backlog.QueuedFiles)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d staging files queued, %d awaiting relocation", backlog.QueuedFiles, backlog.PendingRelocate)
	}
	return result
}

func (h *HealthChecker) checkFileDescriptors() CheckResult {
	result := CheckResult{Name: "file_descriptors", Timestamp: time.Now()}

	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Failed to get rlimit: %v", err)
		return result
	}

	// Linux only
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil || rlimit.Cur == 0 {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max)
		return result
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	result.Status = StatusHealthy
	if usagePercent > 90 {
		result.Status = StatusWarning
	}
	result.Message = fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur)
	return result
}

func (h *HealthChecker) recordSystemStats() {
	if h.metrics == nil {
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var used, available int64
	if h.disk != nil {
		usage := h.disk.GetDiskUsage()
		available = int64(usage.AvailableBytes)
		used = int64(usage.TotalBytes) - available
	}
	h.metrics.UpdateSystemStats(used, available, int64(mem.Alloc), runtime.NumGoroutine())
	if h.generator != nil {
		b := h.generator.Backlog()
		h.metrics.UpdateBacklog(b.QueuedFiles, b.PendingRelocate, b.AvailablePermits)
	}
}

func (h *HealthChecker) publishServingStatus(ready bool) {
	if h.grpcHealth == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.grpcHealth.SetServingStatus("", status)
	h.grpcHealth.SetServingStatus(ServiceName, status)
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Backlog:   h.backlog,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness marks the node ready or draining. A draining node stays
// not ready until SetReadiness(true).
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	h.draining = !ready
	h.readinessOK = ready
	h.mu.Unlock()

	h.publishServingStatus(ready)
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()

	code := http.StatusOK
	if !live {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":   ready,
		"status":  status.Status,
		"backlog": status.Backlog,
		"checks":  h.GetChecks(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
