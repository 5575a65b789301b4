package server

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/SeriousBug/frame-shift-video-sub000/bus"
	"github.com/SeriousBug/frame-shift-video-sub000/cluster"
	"github.com/SeriousBug/frame-shift-video-sub000/config"
	"github.com/SeriousBug/frame-shift-video-sub000/processor"
	"github.com/SeriousBug/frame-shift-video-sub000/queue"
)

// Server carries the handler dependencies for one node. distributor is
// set on leaders, worker on followers; everything else is common.
type Server struct {
	cfg         *config.Config
	store       *queue.Store
	bus         *bus.Bus
	processor   *processor.Processor
	distributor *cluster.Distributor
	worker      *WorkerService
	codec       *cluster.AuthCodec
	validate    *validator.Validate
	logger      *zap.SugaredLogger
}

// New assembles the HTTP layer. distributor and worker may be nil
// depending on the instance type.
func New(cfg *config.Config, store *queue.Store, eventBus *bus.Bus, proc *processor.Processor, distributor *cluster.Distributor, worker *WorkerService, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:         cfg,
		store:       store,
		bus:         eventBus,
		processor:   proc,
		distributor: distributor,
		worker:      worker,
		codec:       cluster.NewAuthCodec(cfg.SharedToken),
		validate:    validator.New(),
		logger:      logger,
	}
}

// Routes builds the request mux for this node's instance type.
// Followers expose only the worker protocol plus health; leaders and
// standalone nodes expose the job API and the event stream.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	if s.cfg.InstanceType == config.InstanceFollower {
		mux.HandleFunc("/worker/execute", s.requireAuth(s.handleWorkerExecute))
		mux.HandleFunc("/worker/cancel/", s.requireAuth(s.handleWorkerCancel))
		mux.HandleFunc("/worker/status", s.requireAuth(s.handleWorkerStatus))
		mux.HandleFunc("/worker/system-status", s.requireAuth(s.handleWorkerSystemStatus))
		return mux
	}

	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/ws", s.handleWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jobIDPath splits /api/jobs/{id}[/suffix] into its id and suffix.
func jobIDPath(path string) (idPart, suffix string) {
	rest := strings.TrimPrefix(path, "/api/jobs/")
	idPart, suffix, _ = strings.Cut(rest, "/")
	return idPart, suffix
}
