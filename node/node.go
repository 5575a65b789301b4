// Package node assembles a FrameShift process for its configured role
// and owns its lifecycle: startup recovery, periodic maintenance, and
// graceful shutdown.
package node

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SeriousBug/frame-shift-video-sub000/bus"
	"github.com/SeriousBug/frame-shift-video-sub000/cluster"
	"github.com/SeriousBug/frame-shift-video-sub000/config"
	"github.com/SeriousBug/frame-shift-video-sub000/db"
	"github.com/SeriousBug/frame-shift-video-sub000/encode"
	"github.com/SeriousBug/frame-shift-video-sub000/errors"
	"github.com/SeriousBug/frame-shift-video-sub000/processor"
	"github.com/SeriousBug/frame-shift-video-sub000/queue"
	"github.com/SeriousBug/frame-shift-video-sub000/server"
)

// blobCleanupInterval is how often aged configuration snapshots are
// garbage collected.
const blobCleanupInterval = 24 * time.Hour

// Runtime is one assembled node process.
type Runtime struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	conn        *sql.DB
	store       *queue.Store
	bus         *bus.Bus
	processor   *processor.Processor
	distributor *cluster.Distributor
	httpServer  *http.Server
	listener    net.Listener

	// ListenAddr overrides the listen address; empty means ":<PORT>".
	ListenAddr string
}

// New builds the runtime for the configured instance type. The
// executor variant is the only real difference between modes: local
// for standalone and follower, remote for the leader.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*Runtime, error) {
	conn, err := db.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, logger); err != nil {
		conn.Close()
		return nil, err
	}

	store := queue.NewStore(conn)
	eventBus := bus.New(logger)

	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
		store:  store,
		bus:    eventBus,
	}

	var executor encode.Executor
	var worker *server.WorkerService
	workerID := cfg.WorkerID()

	switch cfg.InstanceType {
	case config.InstanceLeader:
		registry := cluster.NewFollowerRegistry(cfg.FollowerURLs)
		client := cluster.NewClient(cfg.SharedToken)
		client.SetCallbackURL(cfg.ResolvedCallbackURL())
		remote := cluster.NewRemoteExecutor(registry, client, logger)
		r.distributor = cluster.NewDistributor(store, registry, client, remote, eventBus, logger)
		executor = remote
		// The remote executor records follower assignment; rows are
		// claimed without a worker id.
		workerID = ""
	case config.InstanceFollower:
		local := encode.NewLocalExecutor(cfg.FFmpegPath, logger)
		worker = server.NewWorkerService(cfg.WorkerID(), local, cluster.NewClient(cfg.SharedToken), logger)
		executor = local
	default:
		executor = encode.NewLocalExecutor(cfg.FFmpegPath, logger)
	}

	r.processor = processor.New(store, executor, eventBus, logger, workerID, cfg.CheckInterval)

	srv := server.New(cfg, store, eventBus, r.processor, r.distributor, worker, logger)
	r.httpServer = &http.Server{Handler: srv.Routes()}
	return r, nil
}

// Start performs recovery, launches the processor and periodic tasks,
// and begins serving HTTP. Non-blocking; Shutdown stops everything.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.recover(ctx); err != nil {
		return err
	}

	if r.distributor != nil {
		r.distributor.Start(ctx)
	}
	r.processor.Start()
	go r.runPeriodicTasks(ctx)

	addr := r.ListenAddr
	if addr == "" {
		addr = ":" + strconv.Itoa(r.cfg.Port)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	r.listener = listener

	r.logger.Infow("Node started",
		"instance_type", r.cfg.InstanceType,
		"addr", listener.Addr().String(),
		"worker_id", r.cfg.WorkerID(),
	)
	go func() {
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Errorw("HTTP server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// recover repairs state left behind by a crash. Standalone and
// follower nodes revert half-done local work to pending and sweep temp
// files; the leader instead asks its followers what is still running.
func (r *Runtime) recover(ctx context.Context) error {
	if r.cfg.InstanceType == config.InstanceLeader {
		active := r.distributor.SyncWithFollowers(ctx)
		r.logger.Infow("Reconciled with followers", "active_jobs", len(active))
		return nil
	}

	if err := r.store.ResetProcessingJobs(); err != nil {
		return err
	}
	if r.cfg.MediaRoot != "" {
		if removed, err := encode.SweepTempFiles(r.cfg.MediaRoot, r.logger); err != nil {
			r.logger.Warnw("Temp sweep failed", "error", err)
		} else if removed > 0 {
			r.logger.Infow("Swept temp files", "removed", removed)
		}
	}
	return nil
}

func (r *Runtime) runPeriodicTasks(ctx context.Context) {
	staleTicker := time.NewTicker(r.cfg.CheckInterval)
	blobTicker := time.NewTicker(blobCleanupInterval)
	defer staleTicker.Stop()
	defer blobTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTicker.C:
			r.reapStaleJobs()
		case <-blobTicker.C:
			r.cleanupBlobs()
		}
	}
}

func (r *Runtime) reapStaleJobs() {
	// Remote jobs heartbeat through progress callbacks, which stall on
	// long encoder passes. The distributor's follower probes decide
	// liveness on the leader; the heartbeat reaper only applies to nodes
	// encoding locally.
	if r.cfg.InstanceType == config.InstanceLeader {
		return
	}
	reaped, err := r.store.ReleaseStaleJobs(r.cfg.StaleTimeout)
	if err != nil {
		r.logger.Errorw("Stale job reap failed", "error", err)
		return
	}
	if reaped == 0 {
		return
	}
	r.logger.Warnw("Reaped stale jobs", "count", reaped)
	if counts, err := r.store.GetStatusCounts(); err == nil {
		r.bus.Publish(bus.EventStatusCounts, counts)
	}
	r.processor.Trigger()
}

func (r *Runtime) cleanupBlobs() {
	deleted, err := r.store.CleanupConfigurations(r.cfg.BlobRetention)
	if err != nil {
		r.logger.Errorw("Configuration cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Infow("Cleaned up configuration snapshots", "deleted", deleted)
	}
}

// Shutdown stops the HTTP server, the processor (killing any running
// job), and closes the database.
func (r *Runtime) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Warnw("HTTP shutdown failed", "error", err)
	}

	r.processor.Stop()

	if err := r.conn.Close(); err != nil {
		r.logger.Warnw("Database close failed", "error", err)
	}
	r.logger.Infow("Node stopped")
}

// Run starts the node and blocks until SIGINT or SIGTERM.
func (r *Runtime) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.logger.Infow("Shutdown signal received")
	r.Shutdown(context.Background())
	return nil
}
