package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/SeriousBug/frame-shift-video-sub000/cluster"
	"github.com/SeriousBug/frame-shift-video-sub000/encode"
	"github.com/SeriousBug/frame-shift-video-sub000/errors"
	"github.com/SeriousBug/frame-shift-video-sub000/queue"
)

// BusyError is returned when a dispatch arrives while an encode is
// already running. One encoder per node.
const BusyError = "worker busy"

// finishedHistorySize bounds the recent-outcome list carried in status
// reports. Old entries roll off; a leader that polls within a few
// status cycles of a job finishing still sees the outcome.
const finishedHistorySize = 16

// WorkerService runs leader-dispatched jobs on a follower. It tracks
// active work for status probes and forwards executor progress to the
// leader's callback endpoint.
type WorkerService struct {
	workerID string
	executor encode.Executor
	client   *cluster.Client
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	active    map[int64]float64
	callbacks map[int64]string
	finished  []cluster.FinishedJob
}

// NewWorkerService wires the executor's progress stream into leader
// callbacks.
func NewWorkerService(workerID string, executor encode.Executor, client *cluster.Client, logger *zap.SugaredLogger) *WorkerService {
	s := &WorkerService{
		workerID:  workerID,
		executor:  executor,
		client:    client,
		logger:    logger,
		active:    make(map[int64]float64),
		callbacks: make(map[int64]string),
	}
	executor.OnProgress(s.handleProgress)
	return s
}

// Execute runs one dispatched job to completion. callbackURL, when
// non-empty, receives progress POSTs while the encode runs.
func (s *WorkerService) Execute(ctx context.Context, req cluster.ExecuteRequest, callbackURL string) cluster.ExecuteResponse {
	s.mu.Lock()
	if len(s.active) > 0 {
		s.mu.Unlock()
		return cluster.ExecuteResponse{Success: false, ErrorMessage: BusyError}
	}
	s.active[req.JobID] = 0
	if callbackURL != "" {
		s.callbacks[req.JobID] = callbackURL
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, req.JobID)
		delete(s.callbacks, req.JobID)
		s.mu.Unlock()
	}()

	job := &queue.Job{
		ID:        req.JobID,
		Name:      req.JobName,
		InputFile: req.InputFile,
		Command:   req.FFmpegCommand,
	}

	result, err := s.executor.Execute(ctx, job)
	var resp cluster.ExecuteResponse
	if err != nil {
		resp = cluster.ExecuteResponse{Success: false, ErrorMessage: err.Error()}
	} else {
		resp = cluster.ExecuteResponse{
			Success:      result.Success,
			OutputFile:   result.Output,
			ErrorMessage: result.Error,
			TotalFrames:  result.TotalFrames,
			FFmpegStderr: result.Stderr,
		}
	}
	s.recordFinished(req.JobID, resp)
	return resp
}

// recordFinished keeps the outcome in the status history so a leader
// that lost the dispatch connection can still learn how the job ended.
func (s *WorkerService) recordFinished(jobID int64, resp cluster.ExecuteResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, cluster.FinishedJob{
		JobID:        jobID,
		Success:      resp.Success,
		OutputFile:   resp.OutputFile,
		ErrorMessage: resp.ErrorMessage,
		TotalFrames:  resp.TotalFrames,
		FFmpegStderr: resp.FFmpegStderr,
	})
	if len(s.finished) > finishedHistorySize {
		s.finished = s.finished[len(s.finished)-finishedHistorySize:]
	}
}

// Cancel kills a running job. Returns false when the job is not active
// here.
func (s *WorkerService) Cancel(jobID int64) bool {
	s.mu.Lock()
	_, ok := s.active[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.executor.Kill(jobID)
	return true
}

// Status reports this worker's identity and active jobs.
func (s *WorkerService) Status() cluster.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := cluster.StatusResponse{
		WorkerID:     s.workerID,
		Busy:         len(s.active) > 0,
		ActiveJobs:   []cluster.ActiveJob{},
		FinishedJobs: append([]cluster.FinishedJob(nil), s.finished...),
	}
	for jobID, progress := range s.active {
		status.ActiveJobs = append(status.ActiveJobs, cluster.ActiveJob{JobID: jobID, Progress: progress})
	}
	return status
}

func (s *WorkerService) handleProgress(p encode.Progress) {
	s.mu.Lock()
	if _, ok := s.active[p.JobID]; ok {
		s.active[p.JobID] = p.Percent
	}
	callback := s.callbacks[p.JobID]
	s.mu.Unlock()

	if callback == "" {
		return
	}
	err := s.client.ReportProgress(context.Background(), callback, p.JobID, cluster.ProgressReport{
		Frame:    p.Frame,
		FPS:      p.FPS,
		Speed:    p.Speed,
		Progress: p.Percent,
	})
	if err != nil {
		s.logger.Debugw("Progress callback failed", "job_id", p.JobID, "error", err)
	}
}

// requireAuth verifies the X-Auth proof over the request body before
// passing the request on. The body is rewound for the handler.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, s.logger, errors.NewInvalidRequestError("failed to read body: %v", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !s.codec.Verify(body, r.Header.Get(cluster.AuthHeader)) {
			s.logger.Warnw("Rejected unauthenticated request",
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
			)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleWorkerExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req cluster.ExecuteRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.logger.Infow("Received dispatch",
		"job_id", req.JobID,
		"name", req.JobName,
		"input", req.InputFile,
	)
	resp := s.worker.Execute(r.Context(), req, r.Header.Get(cluster.CallbackHeader))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkerCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	idPart := r.URL.Path[len("/worker/cancel/"):]
	jobID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		writeError(w, s.logger, errors.NewInvalidRequestError("invalid job id %q", idPart))
		return
	}

	if !s.worker.Cancel(jobID) {
		writeError(w, s.logger, errors.NewNotFoundError("job %d", jobID))
		return
	}
	writeJSON(w, http.StatusOK, cluster.CancelResponse{Cancelled: true})
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.worker.Status())
}

func (s *Server) handleWorkerSystemStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := cluster.CollectSystemStatus(s.worker.workerID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
