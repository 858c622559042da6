package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	rdb            *redis.Client
	assignments    *service.AssignmentService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	rdb *redis.Client,
	assignments *service.AssignmentService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		assignments:    assignments,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorAssignmentSSE godoc
// GET /api/v1/admin/assignments/:id/monitor
// Streams a snapshot of every student's proctoring state, then forwards
// audit and submission events as they are published.
func (h *MonitorHandler) MonitorAssignmentSSE(c *gin.Context) {
	assignmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if _, err := h.assignments.GetPolicy(c.Request.Context(), assignmentID); err != nil {
		status, code := proctorErrorCode(err)
		response.Fail(c, status, code)
		return
	}

	reqCtx := c.Request.Context()

	// SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Subscribe before the snapshot so nothing published in between is lost.
	channelName := config.CacheKey.ProctorMonitorChannel(assignmentID.String())
	pubsub := h.rdb.Subscribe(reqCtx, channelName)
	defer pubsub.Close()
	ch := pubsub.Channel()

	h.sendSnapshot(c, reqCtx, assignmentID)

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes until something happens on the channel
	dirty := false

	h.log.Info().Str("assignment_id", assignmentID.String()).Msg("Admin attached to proctoring monitor SSE")

	pingPayload, _ := json.Marshal(model.MonitorEvent{Type: model.MonitorEventPing})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("assignment_id", assignmentID.String()).Msg("Admin disconnected from proctoring monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON, no deserialization needed
			writeSSE(c, []byte(msg.Payload))
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			h.sendSnapshot(c, reqCtx, assignmentID)
			dirty = false

		case <-keepAliveTicker.C:
			writeSSE(c, pingPayload)
		}
	}
}

// sendSnapshot writes the merged per-student view. A failed fetch is
// logged and skipped; the stream stays open.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, ctx context.Context, assignmentID uuid.UUID) {
	fetchCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	students, err := h.monitorService.Snapshot(fetchCtx, assignmentID)
	if err != nil {
		h.log.Warn().Err(err).Str("assignment_id", assignmentID.String()).Msg("Monitor snapshot failed")
		return
	}

	payload, err := json.Marshal(model.MonitorEvent{
		Type: model.MonitorEventSnapshot,
		Data: gin.H{"assignment_id": assignmentID, "students": students},
	})
	if err != nil {
		return
	}
	writeSSE(c, payload)
}

func writeSSE(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
