package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/fleet-api/internal/types"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response. Kind carries the control-plane error
// taxonomy so callers can branch without parsing messages.
type Error struct {
	Code    string `json:"code"`
	Kind    string `json:"error_kind,omitempty"`
	Message string `json:"message"`
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
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
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
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDuplicateResource,
			Message: message,
		},
	})
}

// handleError maps classified control-plane errors onto HTTP statuses and
// always exposes the error kind in the envelope.
func handleError(c *gin.Context, err error) {
	var ke *types.KindError
	if !errors.As(err, &ke) {
		InternalError(c, "An unexpected error occurred")
		return
	}

	status := http.StatusInternalServerError
	code := ErrCodeInternalError
	switch ke.Kind {
	case types.KindAuthError, types.KindNoCredentials:
		status, code = http.StatusUnauthorized, ErrCodeUnauthorized
	case types.KindRiskReject:
		status, code = http.StatusUnprocessableEntity, ErrCodeRejected
	case types.KindNoPrimary:
		status, code = http.StatusServiceUnavailable, ErrCodeUnavailable
	case types.KindQueueFull, types.KindRateLimited:
		status, code = http.StatusTooManyRequests, ErrCodeRejected
	case types.KindInvariantViolation:
		status, code = http.StatusConflict, ErrCodeDuplicateResource
	case types.KindPermanent:
		status, code = http.StatusBadRequest, ErrCodeBadRequest
	}

	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Kind:    string(ke.Kind),
			Message: ke.Message,
		},
	})
}
