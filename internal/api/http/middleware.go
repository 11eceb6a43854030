// Package http provides the REST API over hosted tables.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/streamview/streamview/internal/api/ws"
	"github.com/streamview/streamview/internal/errors"
)

// Context keys for request metadata.
type contextKey string

const (
	// requestIDKey is the context key for the request ID.
	requestIDKey contextKey = "request_id"
	// correlationIDKey is the context key for the correlation ID.
	correlationIDKey contextKey = "correlation_id"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     *errors.Error `json:"error"`
	RequestID string        `json:"request_id,omitempty"`
}

// RequestIDMiddleware adds a unique request_id to each request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationIDMiddleware propagates a correlation ID, defaulting to the
// request ID.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			if reqID, ok := r.Context().Value(requestIDKey).(string); ok {
				correlationID = reqID
			} else {
				correlationID = uuid.New().String()
			}
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware turns a panic into a 500 response.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					requestID := GetRequestID(r.Context())
					logger.Error("handler panic",
						"method", r.Method, "path", r.URL.Path, "request_id", requestID,
						"panic", v, "stack", string(debug.Stack()))
					writeError(w, errors.New(errors.ErrCategoryInternal, errors.CodeUnexpected, "internal server error"), requestID)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ContentTypeMiddleware defaults responses to JSON. Handlers that stream
// other formats override the header.
func ContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ChainMiddleware chains multiple middleware functions together.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	switch errors.GetCategory(err) {
	case errors.ErrCategorySchema, errors.ErrCategoryType, errors.ErrCategoryKey:
		return http.StatusBadRequest
	case errors.ErrCategoryConfig:
		if errors.GetCode(err) == errors.CodeAlreadyExists {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case errors.ErrCategoryLifecycle:
		if errors.GetCode(err) == errors.CodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusGone
	case errors.ErrCategoryTransport:
		switch errors.GetCode(err) {
		case errors.CodeBadMessage:
			return http.StatusBadRequest
		case errors.CodeRateLimited:
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case errors.ErrCategoryStorage:
		if errors.GetCode(err) == errors.CodeObjectNotFound {
			return http.StatusNotFound
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError writes err in its wire form with the status it maps to.
func writeError(w http.ResponseWriter, err error, requestID string) {
	writeJSON(w, StatusCode(err), ErrorResponse{Error: ws.WireError(err), RequestID: requestID})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetCorrelationID retrieves the correlation ID from the context.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
