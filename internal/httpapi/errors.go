package httpapi

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Codes for failures that carry no domain code.
const (
	codeUnauthorized            = "UNAUTHORIZED"
	codeForbidden               = "FORBIDDEN"
	codeInvalidPayload          = "INVALID_PAYLOAD"
	codeValidation              = "VALIDATION_ERROR"
	codeAccountExists           = "ACCOUNT_EXISTS"
	codeDuplicateIdempotencyKey = "DUPLICATE_IDEMPOTENCY_KEY"
	codeTimeout                 = "TIMEOUT"
	codeInternal                = "INTERNAL_ERROR"
	codeJobFailed               = "JOB_FAILED"
)

var validationSentinels = []error{
	credits.ErrInvalidOrganizationID,
	credits.ErrInvalidReservationID,
	credits.ErrInvalidIdempotencyKey,
	credits.ErrInvalidCredits,
	credits.ErrInvalidCapability,
	credits.ErrInvalidExpiry,
	credits.ErrInvalidReleaseReason,
	credits.ErrInvalidTransactionType,
}

// statusForError maps a service error onto an HTTP status and a stable code.
func statusForError(err error) (int, string) {
	if code, ok := credits.ErrorCode(err); ok {
		switch code {
		case credits.CodeOrganizationNotFound, credits.CodeReservationNotFound:
			return http.StatusNotFound, code
		case credits.CodeInsufficientCredits:
			return http.StatusPaymentRequired, code
		default:
			return http.StatusConflict, code
		}
	}
	switch {
	case errors.Is(err, ErrOrganizationForbidden):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, credits.ErrAccountExists):
		return http.StatusConflict, codeAccountExists
	case errors.Is(err, credits.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, codeDuplicateIdempotencyKey
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout
	}
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return http.StatusUnprocessableEntity, codeValidation
		}
	}
	return http.StatusInternalServerError, codeInternal
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := statusForError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("operation", operation), zap.String("path", ctx.FullPath()), zap.Error(err))
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	ctx.JSON(status, errorResponse(code, message))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func newRequestValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// validationMessage renders field failures as "field: rule" pairs.
func validationMessage(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	parts := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		rule := fieldError.Tag()
		if fieldError.Param() != "" {
			rule += "=" + fieldError.Param()
		}
		parts = append(parts, fieldError.Field()+": "+rule)
	}
	return strings.Join(parts, "; ")
}
