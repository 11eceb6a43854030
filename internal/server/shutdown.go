// Package server coordinates process shutdown: signal handling, request
// draining and the ordered release of the servers and stores of an app.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the request drain together with every stage.
	// Stages still pending when it expires are skipped. Default: 30 seconds.
	ShutdownTimeout time.Duration
	// DrainTimeout bounds the wait for in-flight requests. Default: 15 seconds.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// stage is one named step of the shutdown sequence.
type stage struct {
	name   string
	closer io.Closer
}

// ShutdownManager runs the shutdown sequence of a process once. Stages are
// released in reverse registration order so that whatever was started last
// stops first.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	log             *slog.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	stopping     atomic.Bool
	inFlight     atomic.Int64
	// idle receives a token whenever the last in-flight request finishes
	// after shutdown started.
	idle chan struct{}

	mu      sync.Mutex
	stages  []stage
	onStart []func()
}

// NewShutdownManager creates a new shutdown manager with the given configuration.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 15 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownManager{
		shutdownTimeout: config.ShutdownTimeout,
		drainTimeout:    config.DrainTimeout,
		log:             logger,
		shutdownCh:      make(chan struct{}),
		idle:            make(chan struct{}, 1),
	}
}

// RegisterCloser adds a named stage to the shutdown sequence.
func (sm *ShutdownManager) RegisterCloser(name string, closer io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stages = append(sm.stages, stage{name: name, closer: closer})
}

// OnShutdownStart registers a callback run as soon as shutdown begins,
// before in-flight requests are drained.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStart = append(sm.onStart, fn)
}

// ListenForSignals blocks until SIGTERM, SIGINT or ctx cancellation and
// then shuts down. It returns nil at once when another caller started the
// shutdown.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), "signal "+sig.String())
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown rejects new requests, drains in-flight ones and releases every
// stage. Only the first call does anything; later calls return nil.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var firstErr error
	sm.shutdownOnce.Do(func() {
		start := time.Now()
		sm.log.Info("shutting down", "reason", reason, "in_flight", sm.inFlight.Load())
		sm.stopping.Store(true)
		close(sm.shutdownCh)

		sm.mu.Lock()
		callbacks := append([]func(){}, sm.onStart...)
		stages := append([]stage{}, sm.stages...)
		sm.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}

		ctx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		if err := sm.drain(ctx); err != nil {
			sm.log.Warn("request drain incomplete", "err", err)
			firstErr = err
		}

		for i := len(stages) - 1; i >= 0; i-- {
			st := stages[i]
			if ctx.Err() != nil {
				sm.log.Error("shutdown timeout, stage skipped", "stage", st.name)
				if firstErr == nil {
					firstErr = fmt.Errorf("shutdown timeout before %s", st.name)
				}
				continue
			}
			began := time.Now()
			if err := st.closer.Close(); err != nil {
				sm.log.Warn("stage failed", "stage", st.name, "err", err)
				if firstErr == nil {
					firstErr = fmt.Errorf("close %s: %w", st.name, err)
				}
				continue
			}
			sm.log.Debug("stage closed", "stage", st.name, "took", time.Since(began))
		}
		sm.log.Info("shutdown complete", "took", time.Since(start))
	})
	return firstErr
}

// drain waits until no request is in flight or the drain timeout expires.
func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()
	for sm.inFlight.Load() > 0 {
		select {
		case <-sm.idle:
		case <-ctx.Done():
			if n := sm.inFlight.Load(); n > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", n)
			}
			return nil
		}
	}
	return nil
}

// TrackRequest counts a request as in flight. It returns false once
// shutdown started; the request must then be rejected.
func (sm *ShutdownManager) TrackRequest() bool {
	sm.inFlight.Add(1)
	if sm.stopping.Load() {
		sm.UntrackRequest()
		return false
	}
	return true
}

// UntrackRequest marks a tracked request as finished.
func (sm *ShutdownManager) UntrackRequest() {
	if sm.inFlight.Add(-1) == 0 && sm.stopping.Load() {
		select {
		case sm.idle <- struct{}{}:
		default:
		}
	}
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.stopping.Load()
}

// InFlightCount returns the current number of in-flight requests.
func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownCh returns a channel that is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// HTTPServerCloser gracefully shuts srv down, waiting at most timeout for
// open connections.
func HTTPServerCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// ShutdownMiddleware tracks every request and answers 503 once shutdown
// started.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, `{"error":{"category":"LIFECYCLE","code":"SHUTTING_DOWN","message":"server is shutting down"}}`+"\n")
				return
			}
			defer sm.UntrackRequest()
			next.ServeHTTP(w, r)
		})
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }
