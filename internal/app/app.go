// Package app wires the streamview server: hosted tables, snapshots and the
// HTTP, WebSocket and gRPC front ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	grpcapi "github.com/streamview/streamview/internal/api/grpc"
	httpapi "github.com/streamview/streamview/internal/api/http"
	"github.com/streamview/streamview/internal/api/ws"
	"github.com/streamview/streamview/internal/config"
	"github.com/streamview/streamview/internal/host"
	"github.com/streamview/streamview/internal/server"
	"github.com/streamview/streamview/internal/snapshot"
	"github.com/streamview/streamview/internal/storage"
	"github.com/streamview/streamview/internal/wal"
)

// App manages the lifecycle of one streamview process.
type App struct {
	cfg *config.Config
	log *slog.Logger

	host      *host.Host
	storage   storage.ObjectStorage
	manifest  *snapshot.Manifest
	snapshots *snapshot.Store
	scheduler *snapshot.Scheduler
	journal   *wal.Journal
	shutdown  *server.ShutdownManager
	ws        *ws.Manager

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg: cfg,
		log: logger,
		host: host.New(host.Options{
			Coercion: cfg.Coercion(),
			Logger:   logger,
		}),
	}, nil
}

// Host returns the table host.
func (a *App) Host() *host.Host { return a.host }

// HTTPAddr returns the bound HTTP address once started.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address once started, or "" when gRPC is
// disabled.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Start restores or creates the configured tables and starts every
// listener.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{Logger: a.log})
	a.shutdown.OnShutdownStart(cancel)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"journal", a.initJournal},
		{"snapshots", a.initSnapshots},
		{"tables", a.initTables},
		{"http", a.startHTTP},
		{"grpc", a.startGRPC},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = a.shutdown.Shutdown(context.Background(), "startup failed")
			return fmt.Errorf("failed to start %s: %w", step.name, err)
		}
	}

	a.log.Info("streamview started",
		"http", a.HTTPAddr(), "grpc", a.GRPCAddr(),
		"tables", len(a.host.TableNames()), "snapshots", a.snapshots != nil, "journal", a.journal != nil)
	return nil
}

// initJournal opens the journal. It is registered before the snapshot
// stages so that it closes after the final snapshots.
func (a *App) initJournal(ctx context.Context) error {
	if !a.cfg.Journal.Enabled {
		return nil
	}
	w, err := wal.Open(a.cfg.Journal.Dir, wal.Options{
		SegmentSize: a.cfg.Journal.SegmentSize,
		NoSync:      !a.cfg.Journal.Sync,
		Logger:      a.log,
	})
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	a.journal = wal.NewJournal(w)
	a.shutdown.RegisterCloser("journal", w)
	a.log.Info("journal opened", "dir", a.cfg.Journal.Dir, "lsn", w.LSN())
	return nil
}

// initSnapshots opens object storage and the manifest and starts the
// periodic scheduler.
func (a *App) initSnapshots(ctx context.Context) error {
	if !a.cfg.Snapshot.Enabled {
		return nil
	}

	var err error
	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		if a.cfg.Storage.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
			s3Cfg.UsePathStyle = true
		}
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.log.Info("storage initialized", "type", a.cfg.Storage.Type,
		"path", a.cfg.Storage.Path, "bucket", a.cfg.Storage.S3.Bucket)

	a.manifest, err = snapshot.NewManifest(a.cfg.Snapshot.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot manifest: %w", err)
	}
	a.shutdown.RegisterCloser("manifest", a.manifest)

	opts := snapshot.Options{
		Retain:      a.cfg.Snapshot.Retain,
		Concurrency: a.cfg.Snapshot.Concurrency,
		Logger:      a.log,
	}
	if a.journal != nil {
		opts.LSN = a.journal.LSN
	}
	a.snapshots = snapshot.NewStore(a.storage, a.manifest, opts)
	orphans, dangling, err := a.snapshots.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile snapshots: %w", err)
	}
	if orphans+dangling > 0 {
		a.log.Warn("snapshot storage reconciled", "orphans", orphans, "dangling", dangling)
	}
	a.scheduler = snapshot.NewScheduler(a.snapshots, a.host.Tables, a.cfg.Snapshot.Interval)
	if a.journal != nil {
		a.scheduler.OnRun(func(ctx context.Context, _ int) { a.truncateJournal(ctx) })
	}

	// Registered before the servers so that it runs after they stopped.
	a.shutdown.RegisterCloser("final snapshots", server.CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n := a.scheduler.RunOnce(ctx)
		a.log.Info("final snapshots written", "tables", n)
		return nil
	}))

	if a.cfg.Snapshot.Interval > 0 {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
		a.shutdown.RegisterCloser("snapshot scheduler", server.CloserFunc(func() error {
			a.scheduler.Stop()
			return nil
		}))
	}
	return nil
}

// initTables restores snapshotted tables, replays the journal on top of
// them and creates configured tables that still do not exist.
func (a *App) initTables(ctx context.Context) error {
	restore := a.snapshots != nil && a.cfg.Snapshot.Restore
	covered := make(map[string]uint64)
	if restore {
		tables, failures, err := a.snapshots.RestoreAll(ctx, a.cfg.Coercion())
		if err != nil {
			return fmt.Errorf("failed to restore snapshots: %w", err)
		}
		for name, err := range failures {
			a.log.Warn("snapshot restore failed", "table", name, "err", err)
		}
		for _, t := range tables {
			if err := a.host.HostTable(t); err != nil {
				return err
			}
		}
		if len(tables) > 0 {
			a.log.Info("tables restored", "count", len(tables))
		}
		if covered, err = a.snapshotLSNs(ctx); err != nil {
			return err
		}
	}

	if a.journal != nil {
		switch {
		case restore || a.snapshots == nil:
			entries, err := a.journal.WAL().Entries()
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}
			a.host.Replay(entries, covered)
		default:
			a.log.Warn("snapshot restore is disabled, journal not replayed")
		}
		a.host.SetJournal(a.journal)
	}

	for _, spec := range a.cfg.Tables {
		if _, err := a.host.Table(spec.Name); err == nil {
			continue
		}
		if _, err := a.host.CreateTable(spec); err != nil {
			return fmt.Errorf("table %q: %w", spec.Name, err)
		}
	}
	return nil
}

// snapshotLSNs returns the journal LSN of the latest snapshot of every
// table in the manifest.
func (a *App) snapshotLSNs(ctx context.Context) (map[string]uint64, error) {
	names, err := a.manifest.Tables(ctx)
	if err != nil {
		return nil, err
	}
	lsns := make(map[string]uint64, len(names))
	for _, name := range names {
		rec, err := a.manifest.Latest(ctx, name)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			lsns[name] = rec.LSN
		}
	}
	return lsns, nil
}

// truncateJournal deletes the journal segments that snapshots made
// redundant.
func (a *App) truncateJournal(ctx context.Context) {
	w := a.journal.WAL()
	lsns, err := a.snapshotLSNs(ctx)
	if err != nil {
		a.log.Warn("journal truncation skipped", "err", err)
		return
	}
	entries, err := w.Entries()
	if err != nil {
		a.log.Warn("journal truncation skipped", "err", err)
		return
	}
	n, err := w.Truncate(wal.Covered(entries, lsns))
	if err != nil {
		a.log.Warn("journal truncation failed", "err", err)
	}
	if n > 0 {
		a.log.Info("journal truncated", "segments", n)
	}
}

func (a *App) startHTTP(ctx context.Context) error {
	var err error
	a.ws, err = ws.NewManager(a.host, ws.Options{
		MaxConnections: a.cfg.Transport.MaxConnections,
		MessageRate:    a.cfg.Transport.MessageRate,
		MessageBurst:   a.cfg.Transport.MessageBurst,
		SendBuffer:     a.cfg.Transport.SendBuffer,
		ReadLimit:      a.cfg.Transport.ReadLimit,
		WriteWait:      a.cfg.Transport.WriteWait,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}
	a.shutdown.RegisterCloser("websocket", a.ws)

	tables := httpapi.NewTableHandler(a.host, a.snapshots, a.cfg.HTTP.MaxBodyBytes, a.log)
	mux := httpapi.NewRouter(tables, a.ws.Handler(), a.shutdown, a.log)
	mux.Handle("POST /v1/snapshots", httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware(a.log),
		httpapi.RequestIDMiddleware,
	)(a.triggerHandler()))

	a.httpListener, err = net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser(a.httpServer, 15*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info("HTTP server listening", "addr", a.httpListener.Addr().String())
		if err := a.httpServer.Serve(a.httpListener); err != nil && err != http.ErrServerClosed {
			a.log.Error("HTTP server error", "err", err)
		}
	}()
	return nil
}

func (a *App) startGRPC(ctx context.Context) error {
	if !a.cfg.GRPC.Enabled {
		return nil
	}
	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(grpcapi.UnaryInterceptor(a.log)))
	grpcapi.Register(a.grpcServer, grpcapi.NewTableServer(a.host))

	var err error
	a.grpcListener, err = net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info("gRPC server listening", "addr", a.grpcListener.Addr().String())
		if err := a.grpcServer.Serve(a.grpcListener); err != nil {
			a.log.Error("gRPC server error", "err", err)
		}
	}()
	return nil
}

// triggerHandler snapshots every changed table on demand.
func (a *App) triggerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if a.scheduler == nil {
			w.WriteHeader(http.StatusNotImplemented)
			fmt.Fprintln(w, `{"error":{"category":"CONFIG","code":"INVALID_CONFIG","message":"snapshots are disabled"}}`)
			return
		}
		n := a.scheduler.RunOnce(r.Context())
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"snapshots":%d}`+"\n", n)
	}
}

// Stop gracefully stops every service, writes final snapshots and
// releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wait(ctx)
	return err
}

// wait blocks until the serving goroutines exit or ctx expires.
func (a *App) wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown timeout, some servers may not have finished")
	}
}

// WaitForShutdown blocks until a shutdown signal is received or ctx is
// cancelled and then stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.wait(context.Background())
	return err
}
