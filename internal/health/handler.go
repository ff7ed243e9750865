package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/pytake/orchestrator/internal/logger"
)

// Handler handles health check requests for the orchestration service.
type Handler struct {
	db  *gorm.DB
	rdb *redis.Client
	log *logger.Logger
}

func NewHandler(db *gorm.DB, rdb *redis.Client, log *logger.Logger) *Handler {
	return &Handler{db: db, rdb: rdb, log: log}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    time.Duration          `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Details   interface{}   `json:"details,omitempty"`
}

// SystemInfo contains system information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemoryAlloc  uint64 `json:"memory_alloc_bytes"`
	MemorySys    uint64 `json:"memory_sys_bytes"`
	MemoryNumGC  uint32 `json:"memory_num_gc"`
	LastGC       string `json:"last_gc,omitempty"`
}

var startTime = time.Now()

// GetHealth performs comprehensive health checks
// @Summary Health check
// @Description Get system health status with detailed checks
// @Tags Health
// @Accept json
// @Produce json
// @Success 200 {object} HealthStatus "System is healthy"
// @Failure 503 {object} HealthStatus "System is unhealthy"
// @Router /health [get]
func (h *Handler) GetHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	checks := make(map[string]CheckResult)
	overallStatus := "healthy"

	dbResult := h.checkDatabase(ctx)
	checks["database"] = dbResult
	if dbResult.Status != "healthy" {
		overallStatus = "unhealthy"
	}

	brokerResult := h.checkBroker(ctx)
	checks["broker"] = brokerResult
	if brokerResult.Status != "healthy" {
		overallStatus = "unhealthy"
	}

	systemResult := h.checkSystemResources()
	checks["system_resources"] = systemResult
	if systemResult.Status == "critical" {
		overallStatus = "unhealthy"
	}

	healthStatus := HealthStatus{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime),
		Checks:    checks,
		System:    h.getSystemInfo(),
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, healthStatus)
}

// GetLiveness provides a simple liveness check
// @Summary Liveness check
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health/live [get]
func (h *Handler) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// GetReadiness provides a readiness check
// @Summary Readiness check
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/ready [get]
func (h *Handler) GetReadiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealthy := h.quickDBCheck(ctx)
	brokerHealthy := h.quickRedisCheck(ctx)

	if dbHealthy && brokerHealthy {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now(),
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "not_ready",
		"timestamp": time.Now(),
		"database":  dbHealthy,
		"broker":    brokerHealthy,
	})
}

func (h *Handler) checkDatabase(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Timestamp: start}

	if h.db == nil {
		result.Status = "unhealthy"
		result.Message = "database connection not initialised"
		result.Duration = time.Since(start)
		return result
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		result.Status = "unhealthy"
		result.Message = "failed to get database instance: " + err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		result.Status = "unhealthy"
		result.Message = "database ping failed: " + err.Error()
		result.Duration = time.Since(start)
		return result
	}

	stats := sqlDB.Stats()
	details := map[string]interface{}{
		"open_connections":     stats.OpenConnections,
		"in_use_connections":   stats.InUse,
		"idle_connections":     stats.Idle,
		"max_open_connections": stats.MaxOpenConnections,
		"wait_count":           stats.WaitCount,
		"wait_duration":        stats.WaitDuration,
	}

	if stats.MaxOpenConnections > 0 && stats.OpenConnections > stats.MaxOpenConnections*8/10 {
		result.Status = "degraded"
		result.Message = "database connection pool usage high"
	} else {
		result.Status = "healthy"
		result.Message = "database is responsive"
	}

	result.Duration = time.Since(start)
	result.Details = details
	return result
}

// checkBroker pings Redis and reports how many keys match the
// "orchestrator:*:waiting" pattern; it does not report how many jobs any
// queue holds.
func (h *Handler) checkBroker(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Timestamp: start}

	if h.rdb == nil {
		result.Status = "unhealthy"
		result.Message = "broker connection not initialised"
		result.Duration = time.Since(start)
		return result
	}

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		result.Status = "unhealthy"
		result.Message = "broker ping failed: " + err.Error()
		result.Duration = time.Since(start)
		return result
	}

	keys, err := h.rdb.Keys(ctx, "orchestrator:*:waiting").Result()
	if err != nil {
		result.Status = "degraded"
		result.Message = "failed to enumerate queue keys: " + err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = "healthy"
	result.Message = "broker is responsive"
	result.Details = map[string]interface{}{"waiting_queues": len(keys)}
	result.Duration = time.Since(start)
	return result
}

func (h *Handler) checkSystemResources() CheckResult {
	start := time.Now()
	result := CheckResult{Timestamp: start}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryUsageMB := float64(m.Alloc) / 1024 / 1024
	goroutineCount := runtime.NumGoroutine()

	details := map[string]interface{}{
		"memory_usage_mb": memoryUsageMB,
		"goroutine_count": goroutineCount,
		"gc_runs":         m.NumGC,
		"heap_objects":    m.HeapObjects,
	}

	switch {
	case memoryUsageMB > 1000 || goroutineCount > 10000:
		result.Status = "critical"
		result.Message = "high resource usage detected"
	case memoryUsageMB > 500 || goroutineCount > 5000:
		result.Status = "warning"
		result.Message = "moderate resource usage"
	default:
		result.Status = "healthy"
		result.Message = "system resources are normal"
	}

	result.Duration = time.Since(start)
	result.Details = details
	return result
}

func (h *Handler) getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := SystemInfo{
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		MemoryAlloc:  m.Alloc,
		MemorySys:    m.Sys,
		MemoryNumGC:  m.NumGC,
	}
	if m.LastGC > 0 {
		info.LastGC = time.Unix(0, int64(m.LastGC)).Format(time.RFC3339)
	}
	return info
}

func (h *Handler) quickDBCheck(ctx context.Context) bool {
	if h.db == nil {
		return false
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

func (h *Handler) quickRedisCheck(ctx context.Context) bool {
	if h.rdb == nil {
		return false
	}
	return h.rdb.Ping(ctx).Err() == nil
}
