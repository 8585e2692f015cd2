// Package api provides the operations HTTP surface of the pipeline daemon:
// health, queue inspection, and dead-letter resurrection.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/osa-io/osa/internal/api/middleware"
	"github.com/osa-io/osa/internal/domain"
)

// ProblemDetail is an RFC 7807 problem response body.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewProblemDetail creates an RFC 7807 problem.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://osa.io/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// ProblemFromError maps the domain error taxonomy onto HTTP problems.
func ProblemFromError(err error) *ProblemDetail {
	var authzErr *domain.AuthorizationError
	if errors.As(err, &authzErr) {
		if authzErr.Code == domain.AuthzCodeMissingToken {
			return NewProblemDetail(http.StatusUnauthorized, "Unauthorized", "authentication required")
		}

		return NewProblemDetail(http.StatusForbidden, "Forbidden", "access denied")
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return NewProblemDetail(http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, domain.ErrValidation):
		return NewProblemDetail(http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		return NewProblemDetail(http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, domain.ErrExternalService):
		return NewProblemDetail(http.StatusServiceUnavailable, "Service Unavailable", err.Error())
	default:
		return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred")
	}
}

// WriteProblem writes an RFC 7807 response, filling instance and
// correlation id from the request.
func WriteProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	if problem.CorrelationID == "" {
		problem.CorrelationID = middleware.GetCorrelationID(r.Context())
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("failed to encode problem response",
			slog.String("correlation_id", problem.CorrelationID),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}

// writeJSON writes a success response body.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", slog.Any("error", err))
	}
}
