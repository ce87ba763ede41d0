package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/MJE43/arena-rewards/internal/imagegen"
	"github.com/MJE43/arena-rewards/internal/ledger"
	"github.com/MJE43/arena-rewards/internal/llm"
	"github.com/MJE43/arena-rewards/internal/pipeline"
	"github.com/MJE43/arena-rewards/internal/report"
)

// ErrorBuilder helps construct structured errors with context
type ErrorBuilder struct {
	errType   string
	message   string
	context   map[string]interface{}
	requestID string
}

// NewError creates a new error builder
func NewError(errType, message string) *ErrorBuilder {
	return &ErrorBuilder{
		errType: errType,
		message: message,
		context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (eb *ErrorBuilder) WithContext(key string, value interface{}) *ErrorBuilder {
	eb.context[key] = value
	return eb
}

// WithRequestID adds request ID to the error
func (eb *ErrorBuilder) WithRequestID(requestID string) *ErrorBuilder {
	eb.requestID = requestID
	return eb
}

// WithCause adds the underlying cause error
func (eb *ErrorBuilder) WithCause(err error) *ErrorBuilder {
	if err != nil {
		eb.context["cause"] = err.Error()
	}
	return eb
}

// Build creates the final ErrorResponse
func (eb *ErrorBuilder) Build() ErrorResponse {
	if len(eb.context) == 0 {
		eb.context = nil
	}
	return ErrorResponse{
		Type:      eb.errType,
		Message:   eb.message,
		Context:   eb.context,
		RequestID: eb.requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Classify maps a pipeline error onto an HTTP status and error type.
func Classify(err error) (int, string, string) {
	var (
		oor       *pipeline.RewardOutOfRangeError
		malformed *report.MalformedReportError
		missing   *report.MissingFieldError
		rejected  *ledger.RejectedError
	)
	switch {
	case errors.Is(err, pipeline.ErrInvalidWallet), errors.Is(err, ledger.ErrInvalidAddress):
		return http.StatusBadRequest, ErrTypeValidation, "Invalid wallet address"
	case errors.As(err, &oor):
		return http.StatusUnprocessableEntity, ErrTypeRewardOutOfRange, "Reward outside the accepted range"
	case errors.As(err, &malformed):
		return http.StatusBadGateway, ErrTypeMalformedReport, "Report could not be decoded"
	case errors.As(err, &missing):
		return http.StatusBadGateway, ErrTypeMissingField, "Report is missing a required field"
	case errors.As(err, &rejected):
		return http.StatusBadGateway, ErrTypeLedgerRejected, "Ledger rejected the mint"
	case errors.Is(err, llm.ErrUnavailable), errors.Is(err, imagegen.ErrUnavailable), errors.Is(err, ledger.ErrUnavailable):
		return http.StatusBadGateway, ErrTypeUnavailable, "Upstream collaborator unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrTypeTimeout, "Operation timed out"
	}
	return http.StatusInternalServerError, ErrTypeInternal, "Internal server error"
}

// ErrorHandler provides centralized error handling with logging
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError classifies err and writes the matching response
func (eh *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	status, errType, message := Classify(err)
	b := NewError(errType, message).
		WithRequestID(middleware.GetReqID(r.Context())).
		WithContext("path", r.URL.Path).
		WithCause(err)

	var missing *report.MissingFieldError
	if errors.As(err, &missing) {
		b.WithContext("field", missing.Field)
	}
	var oor *pipeline.RewardOutOfRangeError
	if errors.As(err, &oor) {
		b.WithContext("reward", oor.Reward).WithContext("min", oor.Min).WithContext("max", oor.Max)
	}

	resp := b.Build()
	eh.logError(r, resp, status)
	eh.writeErrorResponse(w, status, resp)
}

// HandleValidationError handles validation-specific errors
func (eh *ErrorHandler) HandleValidationError(w http.ResponseWriter, r *http.Request, field, message string) {
	resp := NewError(ErrTypeValidation, fmt.Sprintf("Validation failed: %s", message)).
		WithRequestID(middleware.GetReqID(r.Context())).
		WithContext("field", field).
		WithContext("path", r.URL.Path).
		Build()

	eh.logError(r, resp, http.StatusBadRequest)
	eh.writeErrorResponse(w, http.StatusBadRequest, resp)
}

// HandleUnauthorized rejects a request without a valid ingest token
func (eh *ErrorHandler) HandleUnauthorized(w http.ResponseWriter, r *http.Request) {
	resp := NewError(ErrTypeUnauthorized, "missing or invalid X-Ingest-Token").
		WithRequestID(middleware.GetReqID(r.Context())).
		WithContext("path", r.URL.Path).
		Build()

	eh.logError(r, resp, http.StatusUnauthorized)
	eh.writeErrorResponse(w, http.StatusUnauthorized, resp)
}

// logError logs the error with appropriate level and context
func (eh *ErrorHandler) logError(r *http.Request, resp ErrorResponse, status int) {
	category := GetErrorCategory(resp.Type)
	fields := []zap.Field{
		zap.String("type", resp.Type),
		zap.String("category", string(category)),
		zap.String("message", resp.Message),
		zap.Int("status", status),
		zap.String("request_id", resp.RequestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_ip", r.RemoteAddr),
		zap.Any("context", resp.Context),
	}
	if category == CategoryValidation {
		eh.logger.Warn("error_occurred", fields...)
		return
	}
	eh.logger.Error("error_occurred", fields...)
}

// writeErrorResponse writes the error response as JSON
func (eh *ErrorHandler) writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Service-Version", Version)
	w.Header().Set("X-Error-Type", resp.Type)
	w.Header().Set("X-Error-Category", string(GetErrorCategory(resp.Type)))
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		eh.logger.Error("write error response", zap.Error(err))
	}
}

// RecoveryHandler provides panic recovery with structured error logging
func (eh *ErrorHandler) RecoveryHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				requestID := middleware.GetReqID(r.Context())
				eh.logger.Error("panic_recovered",
					zap.String("request_id", requestID),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.Any("panic", rvr),
					zap.Stack("stack"))

				resp := NewError(ErrTypeInternal, "Internal server error").
					WithRequestID(requestID).
					WithContext("panic", fmt.Sprintf("%v", rvr)).
					WithContext("path", r.URL.Path).
					WithContext("method", r.Method).
					Build()

				eh.writeErrorResponse(w, http.StatusInternalServerError, resp)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
