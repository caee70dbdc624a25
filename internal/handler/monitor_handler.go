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
	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/model"
	"github.com/stemsi/exstem-integrity/internal/response"
	"github.com/stemsi/exstem-integrity/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	rdb            *redis.Client
	assessments    *service.AssessmentService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	rdb *redis.Client,
	assessments *service.AssessmentService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		assessments:    assessments,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

type monitorSnapshot struct {
	Type       string                    `json:"type"`
	Assessment monitorAssessment         `json:"assessment"`
	Progress   *service.ProgressSnapshot `json:"progress"`
}

type monitorAssessment struct {
	ID             uuid.UUID `json:"id"`
	Title          string    `json:"title"`
	Duration       int       `json:"duration"`
	TotalQuestions int       `json:"total_questions"`
	Proctored      bool      `json:"proctored"`
}

// MonitorAssessmentSSE godoc
// GET /api/v1/proctor/assessments/:id/monitor
// Streams an initial snapshot, then every monitor message published for
// the assessment, with periodic progress refreshes.
func (h *MonitorHandler) MonitorAssessmentSSE(c *gin.Context) {
	assessmentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	a, err := h.assessments.GetByID(reqCtx, assessmentID)
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Subscribe before the snapshot so nothing published in between is lost.
	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.AssessmentMonitorChannel(assessmentID.String()))
	defer pubsub.Close()
	ch := pubsub.Channel()

	h.sendSnapshot(c, reqCtx, a)

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("assessment_id", assessmentID.String()).Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("assessment_id", assessmentID.String()).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed
			writeEvent(c, []byte(msg.Payload))

		case <-refreshTicker.C:
			h.sendRefresh(c, reqCtx, assessmentID)

		case <-keepAliveTicker.C:
			writeEvent(c, pingPayload)
		}
	}
}

func writeEvent(c *gin.Context, data []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

func (h *MonitorHandler) progress(parent context.Context, assessmentID uuid.UUID) (*service.ProgressSnapshot, error) {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()
	return h.monitorService.GetProgress(ctx, assessmentID)
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, ctx context.Context, a *model.Assessment) {
	progress, err := h.progress(ctx, a.ID)
	if err != nil {
		h.log.Warn().Err(err).Str("assessment_id", a.ID.String()).Msg("Failed to build initial monitor snapshot")
		progress = &service.ProgressSnapshot{Sessions: []service.SessionProgress{}}
	}

	info := monitorAssessment{
		ID:        a.ID,
		Title:     a.Title,
		Duration:  int(a.Duration() / time.Minute),
		Proctored: a.Settings.Security.Proctored(),
	}
	if payload, err := h.assessments.Payload(ctx, a.ID); err == nil {
		info.TotalQuestions = len(payload.Questions)
	}

	data, err := json.Marshal(monitorSnapshot{Type: "snapshot", Assessment: info, Progress: progress})
	if err != nil {
		return
	}
	writeEvent(c, data)
}

func (h *MonitorHandler) sendRefresh(c *gin.Context, ctx context.Context, assessmentID uuid.UUID) {
	progress, err := h.progress(ctx, assessmentID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to fetch progress for refresh")
		return
	}
	if len(progress.Sessions) == 0 {
		return
	}

	data, err := json.Marshal(gin.H{"type": "refresh", "progress": progress})
	if err != nil {
		return
	}
	writeEvent(c, data)
}
