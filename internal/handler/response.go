package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/carouselio/broadcast-api/internal/model"
	apperrors "github.com/carouselio/broadcast-api/pkg/errors"
)

// Context keys set by the request id and auth middleware.
const (
	ContextRequestID = "request_id"
	ContextUserID    = "user_id"
	ContextUserEmail = "user_email"
)

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Meta    *PageMeta   `json:"meta,omitempty"`
}

type PageMeta struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewPagedResponse(data interface{}, page model.Pagination, total int) *Response {
	page = page.Normalize()
	return &Response{
		Status: "success",
		Data:   data,
		Meta:   &PageMeta{Page: page.Page, PageSize: page.PageSize, Total: total},
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

// RespondError writes err as an error envelope. AppErrors keep their status,
// anything else is logged and hidden behind a 500.
func RespondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Internal(err)
	}
	if appErr.Code == apperrors.ErrInternal {
		log.Error().
			Err(err).
			Str("path", c.Request.URL.Path).
			Str("request_id", c.GetString(ContextRequestID)).
			Msg("Request failed")
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus(), NewErrorResponse(appErr.Message))
}

// ActorFromContext builds the acting admin from the authenticated request.
func ActorFromContext(c *gin.Context) model.Actor {
	actor := model.Actor{
		Email:     c.GetString(ContextUserEmail),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	if id, err := uuid.Parse(c.GetString(ContextUserID)); err == nil {
		actor.ID = id
	}
	return actor
}
