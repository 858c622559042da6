package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/spool"
)

const (
	metricsInterval = 7 * time.Second
	healthTimeout   = 2 * time.Second
)

// SystemHandler reports liveness and streams queue and runtime metrics.
type SystemHandler struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	spool     *spool.Spool
	proctors  *service.ProctorService
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(pool *pgxpool.Pool, rdb *redis.Client, sp *spool.Spool, proctors *service.ProctorService, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		pool:      pool,
		rdb:       rdb,
		spool:     sp,
		proctors:  proctors,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

// Health godoc
// GET /health
// Degraded when Postgres or Redis do not answer; live attempts keep running
// either way, so the status code stays 200 unless both are down.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{"postgres": "ok", "redis": "ok"}
	failed := 0
	if err := h.pool.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		failed++
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		failed++
	}

	status, code := "ok", http.StatusOK
	switch failed {
	case 1:
		status = "degraded"
	case 2:
		status, code = "down", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":        status,
		"checks":        checks,
		"uptime":        formatDuration(time.Since(h.startTime)),
		"live_attempts": h.proctors.LiveCount(),
	})
}

// ---------- SSE Endpoint ----------

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// Go Application
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`

	// Proctoring
	LiveAttempts     int   `json:"live_attempts"`
	QueueAudit       int64 `json:"queue_audit"`
	QueueSubmissions int64 `json:"queue_submissions"`
	SpooledAudit     int   `json:"spooled_audit"`
}

// SystemMetricsSSE godoc
// GET /api/v1/admin/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Msg("Admin connected to system metrics SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeMetrics(c)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Admin disconnected from system metrics SSE")
			return
		case <-ticker.C:
			h.writeMetrics(c)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context) {
	data, err := json.Marshal(h.collect(c.Request.Context()))
	if err != nil {
		return
	}
	writeSSE(c, data)
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := systemMetrics{
		Timestamp:    time.Now().Unix(),
		Uptime:       formatDuration(time.Since(h.startTime)),
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		HeapSys:      ms.Sys,
		NumGC:        ms.NumGC,
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		LiveAttempts: h.proctors.LiveCount(),
	}

	// ── Worker Queues (pipelined LLEN) ──
	pipe := h.rdb.Pipeline()
	auditCmd := pipe.LLen(ctx, config.WorkerKey.PersistProctorAuditQueue)
	subsCmd := pipe.LLen(ctx, config.WorkerKey.PersistSubmissionsQueue)
	if _, err := pipe.Exec(ctx); err == nil {
		m.QueueAudit, _ = auditCmd.Result()
		m.QueueSubmissions, _ = subsCmd.Result()
	}

	// ── Local Spool ──
	if h.spool != nil {
		m.SpooledAudit, _ = h.spool.Len(ctx)
	}

	return m
}

// ---------- Helpers ----------

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
