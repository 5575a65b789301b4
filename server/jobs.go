package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SeriousBug/frame-shift-video-sub000/bus"
	"github.com/SeriousBug/frame-shift-video-sub000/cluster"
	"github.com/SeriousBug/frame-shift-video-sub000/encode"
	"github.com/SeriousBug/frame-shift-video-sub000/errors"
	"github.com/SeriousBug/frame-shift-video-sub000/queue"
)

const defaultPageLimit = 50

// SubmitFile is one file in a submission.
type SubmitFile struct {
	InputPath  string `json:"inputPath" validate:"required"`
	OutputPath string `json:"outputPath,omitempty"`
	Name       string `json:"name,omitempty"`
}

// SubmitRequest creates one job per file, all sharing an encoding
// configuration.
type SubmitRequest struct {
	Files       []SubmitFile    `json:"files" validate:"required,min=1,dive"`
	FFmpegArgs  []string        `json:"ffmpegArgs,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	PickerState json.RawMessage `json:"pickerState,omitempty"`
}

// SubmitResponse reports the created jobs.
type SubmitResponse struct {
	JobIDs    []int64 `json:"jobIds"`
	BatchID   string  `json:"batchId"`
	ConfigKey string  `json:"configKey,omitempty"`
}

type bulkActionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listJobs(w, r)
	case http.MethodPost:
		s.submitJobs(w, r)
	case http.MethodPut:
		s.bulkAction(w, r)
	case http.MethodDelete:
		s.cancelAllJobs(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if status := q.Get("status"); status != "" {
		if !queue.IsValidStatus(status) {
			writeError(w, s.logger, errors.NewInvalidRequestError("unknown status %q", status))
			return
		}
		jobs, err := s.store.GetByStatus(queue.Status(status))
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
		return
	}

	limit := defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, s.logger, errors.NewInvalidRequestError("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	cursor, err := queue.DecodeCursor(q.Get("cursor"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	includeCleared := q.Get("includeCleared") == "true"
	page, err := s.store.GetPaginated(limit, cursor, includeCleared)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) submitJobs(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, s.logger, errors.NewInvalidRequestError("invalid submission: %v", err))
		return
	}

	// Resolve and fence every path before touching the store.
	filePaths := make([]string, 0, len(req.Files))
	for i := range req.Files {
		input, err := s.resolveMediaPath(req.Files[i].InputPath)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		req.Files[i].InputPath = input
		filePaths = append(filePaths, input)

		output := req.Files[i].OutputPath
		if output == "" {
			output = s.defaultOutputPath(input)
		}
		output, err = s.resolveMediaPath(output)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		req.Files[i].OutputPath = output
	}

	var configKey string
	if len(req.Config) > 0 {
		key, err := s.store.SaveConfiguration(filePaths, req.Config, req.PickerState)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		configKey = key
	}

	batchID, err := s.store.CreateBatch(len(req.Files), configKey)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	maxPos, err := s.store.GetMaxQueuePosition()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	jobIDs := make([]int64, 0, len(req.Files))
	for i, file := range req.Files {
		command, err := encode.BuildCommand(file.InputPath, file.OutputPath, req.FFmpegArgs, s.cfg.FFmpegThreads, s.cfg.FFmpegExtraArgs)
		if err != nil {
			s.failBatch(batchID, err)
			writeError(w, s.logger, err)
			return
		}

		name := file.Name
		if name == "" {
			name = filepath.Base(file.InputPath)
		}
		position := maxPos + int64(i) + 1
		id, err := s.store.Create(queue.NewJob{
			Name:          name,
			InputFile:     file.InputPath,
			OutputFile:    file.OutputPath,
			Command:       command,
			QueuePosition: &position,
			ConfigKey:     configKey,
			ConfigJSON:    req.Config,
		})
		if err != nil {
			s.failBatch(batchID, err)
			writeError(w, s.logger, err)
			return
		}
		jobIDs = append(jobIDs, id)

		if err := s.store.BumpBatch(batchID); err != nil {
			s.logger.Warnw("Failed to bump batch", "batch_id", batchID, "error", err)
		}
		s.publishJob(id, bus.EventJobCreated)
	}

	if err := s.store.FinishBatch(batchID, ""); err != nil {
		s.logger.Warnw("Failed to finish batch", "batch_id", batchID, "error", err)
	}

	s.logger.Infow("Submission accepted", "batch_id", batchID, "jobs", len(jobIDs))
	s.publishCounts()
	s.processor.Trigger()
	writeJSON(w, http.StatusCreated, SubmitResponse{JobIDs: jobIDs, BatchID: batchID, ConfigKey: configKey})
}

func (s *Server) failBatch(batchID string, cause error) {
	if err := s.store.FinishBatch(batchID, cause.Error()); err != nil {
		s.logger.Warnw("Failed to record batch failure", "batch_id", batchID, "error", err)
	}
}

// resolveMediaPath normalizes a submitted path and rejects anything
// outside the media root.
func (s *Server) resolveMediaPath(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", errors.NewInvalidRequestError("invalid path %q", path)
	}
	root := filepath.Clean(s.cfg.MediaRoot)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", errors.NewInvalidRequestError("path %q is outside the media root", path)
	}
	return abs, nil
}

func (s *Server) defaultOutputPath(inputPath string) string {
	base := filepath.Base(inputPath)
	if s.cfg.OutputDir != "" {
		return filepath.Join(s.cfg.OutputDir, base)
	}
	ext := filepath.Ext(base)
	return filepath.Join(filepath.Dir(inputPath), strings.TrimSuffix(base, ext)+".transcoded"+ext)
}

func (s *Server) bulkAction(w http.ResponseWriter, r *http.Request) {
	var req bulkActionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	switch req.Action {
	case "retry-all-failed":
		failed, err := s.store.GetByStatus(queue.StatusFailed)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		var retried []int64
		for _, job := range failed {
			if job.Retried || job.Cleared {
				continue
			}
			newID, err := s.store.Retry(job.ID)
			if err != nil {
				writeError(w, s.logger, err)
				return
			}
			retried = append(retried, newID)
			s.publishJob(newID, bus.EventJobCreated)
		}
		s.publishCounts()
		s.processor.Trigger()
		writeJSON(w, http.StatusOK, map[string]interface{}{"retriedJobIds": retried})

	case "clear-finished":
		count, err := s.store.ClearAllFinishedJobs()
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		s.bus.PublishJobsCleared(count)
		s.publishCounts()
		writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": count})

	default:
		writeError(w, s.logger, errors.NewInvalidRequestError("unknown action %q", req.Action))
	}
}

func (s *Server) cancelAllJobs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListCancellableJobs()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	cancelled := queue.StatusCancelled
	msg := "cancelled by user"
	for _, id := range ids {
		// Running jobs are killed through the processor; everything else
		// is a plain store update.
		if s.processor.CancelJob(id) {
			continue
		}
		err := s.store.Update(id, queue.JobPatch{Status: &cancelled, ErrorMessage: &msg})
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		s.publishJob(id, bus.EventJobUpdated)
	}

	s.publishCounts()
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": len(ids)})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	idPart, suffix := jobIDPath(r.URL.Path)
	jobID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		writeError(w, s.logger, errors.NewInvalidRequestError("invalid job id %q", idPart))
		return
	}

	if suffix == "progress" {
		s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			s.handleJobProgress(w, r, jobID)
		})(w, r)
		return
	}
	if suffix != "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.store.Get(jobID)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodPatch:
		s.jobAction(w, r, jobID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, jobID int64) {
	var req bulkActionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	switch req.Action {
	case "retry":
		newID, err := s.store.Retry(jobID)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		s.publishJob(newID, bus.EventJobCreated)
		s.publishCounts()
		s.processor.Trigger()
		writeJSON(w, http.StatusOK, map[string]interface{}{"newJobId": newID})

	case "cancel":
		s.cancelJob(w, jobID)

	default:
		writeError(w, s.logger, errors.NewInvalidRequestError("unknown action %q", req.Action))
	}
}

func (s *Server) cancelJob(w http.ResponseWriter, jobID int64) {
	job, err := s.store.Get(jobID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	switch job.Status {
	case queue.StatusProcessing:
		if !s.processor.CancelJob(jobID) && s.distributor != nil {
			s.distributor.CancelJobOnFollower(context.Background(), jobID)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"cancelling": true})
	case queue.StatusPending:
		cancelled := queue.StatusCancelled
		msg := "cancelled by user"
		if err := s.store.Update(jobID, queue.JobPatch{Status: &cancelled, ErrorMessage: &msg}); err != nil {
			writeError(w, s.logger, err)
			return
		}
		s.publishJob(jobID, bus.EventJobUpdated)
		s.publishCounts()
		writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true})
	default:
		writeError(w, s.logger, errors.NewInvalidRequestError("job %d is already %s", jobID, job.Status))
	}
}

// handleJobProgress is the follower→leader progress callback.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request, jobID int64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.distributor == nil {
		http.NotFound(w, r)
		return
	}

	var report cluster.ProgressReport
	if err := readJSON(r, &report); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.distributor.HandleProgress(jobID, report)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) publishJob(jobID int64, eventType string) {
	job, err := s.store.Get(jobID)
	if err != nil {
		s.logger.Warnw("Failed to load job for event", "job_id", jobID, "error", err)
		return
	}
	s.bus.Publish(eventType, bus.JobEvent{Job: job})
}

func (s *Server) publishCounts() {
	counts, err := s.store.GetStatusCounts()
	if err != nil {
		s.logger.Warnw("Failed to load status counts", "error", err)
		return
	}
	s.bus.Publish(bus.EventStatusCounts, counts)
}
