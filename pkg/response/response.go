package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response. Reasons lists every violation when a
// request was rejected on more than one rule.
type Error struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeRejected          = "REJECTED"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, types.ErrNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, data, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	abort(c, http.StatusNotFound, nil, &Error{Code: ErrCodeNotFound, Message: message})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	abort(c, http.StatusBadRequest, nil, &Error{Code: ErrCodeBadRequest, Message: message})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	abort(c, http.StatusUnauthorized, nil, &Error{Code: ErrCodeUnauthorized, Message: message})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	abort(c, http.StatusForbidden, nil, &Error{Code: ErrCodeForbidden, Message: message})
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	abort(c, http.StatusTooManyRequests, nil, &Error{Code: ErrCodeRateLimited, Message: message})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	abort(c, http.StatusInternalServerError, nil, &Error{Code: ErrCodeInternalError, Message: message})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	abort(c, http.StatusConflict, nil, &Error{Code: ErrCodeDuplicateResource, Message: message})
}

func abort(c *gin.Context, status int, data interface{}, e *Error) {
	c.JSON(status, Response{Success: false, Data: data, Error: e})
}

// handleError maps the ledger error kinds onto HTTP statuses. A rejected
// order is returned alongside the error so the caller sees its id.
func handleError(c *gin.Context, data interface{}, err error) {
	var typed *types.Error
	if !errors.As(err, &typed) {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled request error")
		InternalError(c, "An unexpected error occurred")
		return
	}

	e := &Error{Code: typed.Code, Message: typed.Message, Reasons: typed.Reasons}
	switch {
	case errors.Is(err, types.ErrValidation):
		abort(c, http.StatusBadRequest, nil, e)
	case errors.Is(err, types.ErrBusinessRule):
		abort(c, http.StatusUnprocessableEntity, data, e)
	case errors.Is(err, types.ErrTransient):
		log.Warn().Err(err).Str("path", c.FullPath()).Msg("upstream unavailable")
		abort(c, http.StatusServiceUnavailable, nil, e)
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled request error")
		InternalError(c, "An unexpected error occurred")
	}
}
