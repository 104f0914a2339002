package api

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/session"
	"schoolbus-tracker/internal/tracking"
)

const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeInternal     = "INTERNAL_ERROR"
	CodeValidation   = "VALIDATION_FAILED"
	CodeNotFound     = "NOT_FOUND"
)

var (
	errMissingToken = errors.New("authorization header is required")
	errForbidden    = errors.New("not allowed")
)

// Envelope wraps every response body.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(Envelope{Success: true, Data: data})
}

func created(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusCreated).JSON(Envelope{Success: true, Data: data})
}

// errorHandler is the fiber ErrorHandler. Precondition violations are
// guidance for the operator and go out as 409 with their stable code.
func errorHandler(c *fiber.Ctx, err error) error {
	status, body := classify(err)
	if status >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(status).JSON(Envelope{Error: &body})
}

func classify(err error) (int, ErrorBody) {
	var (
		fe *fiber.Error
		ve validator.ValidationErrors
		ob *tracking.OnBoardError
	)
	switch {
	case errors.As(err, &ve):
		details := make(map[string]string, len(ve))
		for _, fe := range ve {
			details[fe.Field()] = fe.Tag()
		}
		return fiber.StatusBadRequest, ErrorBody{Code: CodeValidation, Message: "request validation failed", Details: details}
	case errors.As(err, &ob):
		return fiber.StatusConflict, ErrorBody{Code: tracking.ErrorCode(err), Message: err.Error(), Details: map[string]any{"studentIds": ob.StudentIDs}}
	case tracking.IsPrecondition(err):
		return fiber.StatusConflict, ErrorBody{Code: tracking.ErrorCode(err), Message: err.Error()}
	case errors.Is(err, tracking.ErrInvalidInput):
		return fiber.StatusBadRequest, ErrorBody{Code: CodeValidation, Message: err.Error()}
	case errors.Is(err, tracking.ErrNotFound):
		return fiber.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, errMissingToken), errors.Is(err, session.ErrInvalidToken):
		return fiber.StatusUnauthorized, ErrorBody{Code: CodeUnauthorized, Message: err.Error()}
	case errors.Is(err, errForbidden), errors.Is(err, session.ErrNoDriverProfile):
		return fiber.StatusForbidden, ErrorBody{Code: CodeForbidden, Message: err.Error()}
	case errors.As(err, &fe):
		return fe.Code, ErrorBody{Code: codeForStatus(fe.Code), Message: fe.Message}
	}
	return fiber.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "internal error"}
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return CodeValidation
	case fiber.StatusUnauthorized:
		return CodeUnauthorized
	case fiber.StatusForbidden:
		return CodeForbidden
	case fiber.StatusNotFound:
		return CodeNotFound
	}
	return CodeInternal
}
