package broadcast

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/carouselio/broadcast-api/internal/handler"
	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/service/broadcast"
	apperrors "github.com/carouselio/broadcast-api/pkg/errors"
)

type Handler struct {
	service        broadcast.Service
	streamInterval time.Duration
}

// NewHandler creates the broadcast handler. streamInterval is how often the SSE
// stream re-reads job progress.
func NewHandler(service broadcast.Service, streamInterval time.Duration) *Handler {
	if streamInterval <= 0 {
		streamInterval = time.Second
	}
	return &Handler{
		service:        service,
		streamInterval: streamInterval,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	broadcasts := r.Group("/broadcasts")
	{
		broadcasts.POST("", h.CreateJob)
		broadcasts.GET("", h.ListJobs)
		broadcasts.GET("/:id", h.GetJob)
		broadcasts.GET("/:id/progress", h.GetProgress)
		broadcasts.GET("/:id/progress/stream", h.StreamProgress)
		broadcasts.GET("/:id/recipients", h.ListRecipients)
		broadcasts.GET("/:id/audit", h.AuditTrail)
		broadcasts.POST("/:id/trigger", h.Trigger)
		broadcasts.POST("/:id/reprocess", h.Reprocess)
		broadcasts.POST("/:id/cancel", h.Cancel)
	}
}

type listJobsQuery struct {
	Status   string `form:"status"`
	Channel  string `form:"channel"`
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=500"`
}

type listRecipientsQuery struct {
	Status   string `form:"status"`
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=500"`
}

type pageQuery struct {
	Page     int `form:"page" binding:"omitempty,min=1"`
	PageSize int `form:"page_size" binding:"omitempty,min=1,max=500"`
}

type reprocessResponse struct {
	Job      *model.BroadcastJob `json:"job"`
	Requeued int                 `json:"requeued"`
}

type triggerResponse struct {
	Job    *model.BroadcastJob     `json:"job"`
	Result broadcast.TriggerResult `json:"result"`
}

func (h *Handler) CreateJob(c *gin.Context) {
	var req broadcast.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.RespondError(c, apperrors.BadRequest("invalid request body", err))
		return
	}

	job, err := h.service.CreateJob(c.Request.Context(), handler.ActorFromContext(c), req)
	if err != nil {
		handler.RespondError(c, toAppError(err))
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(job))
}

func (h *Handler) ListJobs(c *gin.Context) {
	var q listJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		handler.RespondError(c, apperrors.BadRequest("invalid query", err))
		return
	}

	filter := model.JobFilter{
		Status:     model.JobStatus(q.Status),
		Channel:    model.Channel(q.Channel),
		Pagination: model.Pagination{Page: q.Page, PageSize: q.PageSize},
	}
	jobs, total, err := h.service.ListJobs(c.Request.Context(), filter)
	if err != nil {
		handler.RespondError(c, toAppError(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewPagedResponse(jobs, filter.Pagination, total))
}

func (h *Handler) GetJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := h.service.GetJob(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, toAppError(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(job))
}

func (h *Handler) GetProgress(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	progress, err := h.service.Progress(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, toAppError(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(progress))
}

// StreamProgress pushes a progress event on every change until the job is
// terminal or the client goes away.
func (h *Handler) StreamProgress(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	updates, err := h.service.WatchProgress(c.Request.Context(), id, h.streamInterval)
	if err != nil {
		handler.RespondError(c, toAppError(err))
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		snap, ok := <-updates
		if !ok {
			return false
		}
		c.SSEvent("progress", snap)
		return true
	})
}

func (h *Handler) ListRecipients(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var q listRecipientsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		handler.RespondError(c, apperrors.BadRequest("invalid query", err))
		return
	}

	filter := model.RecipientFilter{
		JobID:      id,
		Status:     model.RecipientStatus(q.Status),
		Pagination: model.Pagination{Page: q.Page, PageSize: q.PageSize},
	}
	records, total, err := h.service.ListRecipients(c.Request.Context(), filter)
	if err != nil {
		handler.RespondError(c, toAppError(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewPagedResponse(records, filter.Pagination, total))
}

func (h *Handler) AuditTrail(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		handler.RespondError(c, apperrors.BadRequest("invalid query", err))
		return
	}
	logs, err := h.service.AuditTrail(c.Request.Context(), id, model.Pagination{Page: q.Page, PageSize: q.PageSize})
	if err != nil {
		handler.RespondError(c, toAppError(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(logs))
}

func (h *Handler) Trigger(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, result, err := h.service.Trigger(c.Request.Context(), handler.ActorFromContext(c), id)
	if err != nil {
		handler.RespondError(c, toAppError(err))
		return
	}
	status := http.StatusAccepted
	if result == broadcast.TriggerNoop {
		status = http.StatusOK
	}
	c.JSON(status, handler.NewSuccessResponse(triggerResponse{Job: job, Result: result}))
}

func (h *Handler) Reprocess(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, n, err := h.service.Reprocess(c.Request.Context(), handler.ActorFromContext(c), id)
	if err != nil {
		handler.RespondError(c, toAppError(err))
		return
	}
	status := http.StatusAccepted
	if n == 0 {
		status = http.StatusOK
	}
	c.JSON(status, handler.NewSuccessResponse(reprocessResponse{Job: job, Requeued: n}))
}

func (h *Handler) Cancel(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := h.service.Cancel(c.Request.Context(), handler.ActorFromContext(c), id)
	if err != nil {
		handler.RespondError(c, toAppError(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(job))
}

func jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		handler.RespondError(c, apperrors.BadRequest("invalid job id", err))
		return uuid.Nil, false
	}
	return id, true
}

func toAppError(err error) error {
	switch {
	case errors.Is(err, broadcast.ErrJobNotFound):
		return apperrors.NotFound("broadcast job", err)
	case errors.Is(err, broadcast.ErrValidation):
		return apperrors.BadRequest(err.Error(), err)
	case errors.Is(err, broadcast.ErrJobBusy), errors.Is(err, broadcast.ErrInvalidTransition):
		return apperrors.Conflict(err.Error(), err)
	}
	return err
}
