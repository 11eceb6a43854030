package http

import (
	"log/slog"
	"net/http"

	"github.com/streamview/streamview/internal/observability"
	"github.com/streamview/streamview/internal/server"
)

// NewRouter builds the HTTP surface: the table API, the WebSocket endpoint,
// metrics and health. shutdown and ws may be nil.
func NewRouter(tables *TableHandler, ws http.Handler, shutdown *server.ShutdownManager, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	middlewares := []func(http.Handler) http.Handler{}
	if shutdown != nil {
		middlewares = append(middlewares, server.ShutdownMiddleware(shutdown))
	}
	middlewares = append(middlewares,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		CorrelationIDMiddleware,
		ContentTypeMiddleware,
	)
	tables.Register(mux, ChainMiddleware(middlewares...))

	if ws != nil {
		mux.Handle("GET /ws", ChainMiddleware(RecoveryMiddleware(logger), RequestIDMiddleware)(ws))
	}
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if shutdown != nil && shutdown.IsShuttingDown() {
			status, code = "shutting_down", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status":  status,
			"service": "streamview",
			"tables":  len(tables.host.TableNames()),
		})
	})
	return mux
}
