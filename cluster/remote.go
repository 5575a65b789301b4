package cluster

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/SeriousBug/frame-shift-video-sub000/encode"
	"github.com/SeriousBug/frame-shift-video-sub000/queue"
)

// NoFollowersError is returned when every follower is busy or dead.
const NoFollowersError = "no available followers"

// RemoteExecutor runs jobs by dispatching them to followers. Progress
// does not flow over the dispatch connection; the Distributor feeds it
// in through HandleProgress using the job→follower mapping.
type RemoteExecutor struct {
	registry *FollowerRegistry
	client   *Client
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	progress encode.ProgressFunc
	inflight map[int64]struct{}
}

// NewRemoteExecutor creates a leader-side executor over the registry.
func NewRemoteExecutor(registry *FollowerRegistry, client *Client, logger *zap.SugaredLogger) *RemoteExecutor {
	return &RemoteExecutor{
		registry: registry,
		client:   client,
		logger:   logger,
		inflight: make(map[int64]struct{}),
	}
}

// Available reports whether a dispatch could be placed right now. The
// processor checks this before claiming, so an idle-or-dead fleet
// leaves the queue untouched.
func (e *RemoteExecutor) Available() bool {
	return e.registry.HasAvailable()
}

// InFlight reports whether this process has a dispatch open for the
// job. False for jobs a follower runs on behalf of a previous leader
// incarnation.
func (e *RemoteExecutor) InFlight(jobID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[jobID]
	return ok
}

// OnProgress registers the progress callback.
func (e *RemoteExecutor) OnProgress(fn encode.ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = fn
}

// Execute acquires a follower, dispatches the job, and blocks until
// the follower answers. The follower is released whatever the outcome.
func (e *RemoteExecutor) Execute(ctx context.Context, job *queue.Job) (*encode.Result, error) {
	follower, ok := e.registry.AcquireForJob(job.ID)
	if !ok {
		// Not a terminal failure: the job goes back to the queue and is
		// dispatched once a follower frees up or recovers.
		return &encode.Result{Success: false, Error: NoFollowersError, Retryable: true}, nil
	}
	defer e.registry.Release(job.ID)

	e.mu.Lock()
	e.inflight[job.ID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, job.ID)
		e.mu.Unlock()
	}()

	e.logger.Infow("Dispatching job to follower",
		"job_id", job.ID,
		"follower", follower.ID,
		"url", follower.URL,
	)

	resp, err := e.client.Execute(ctx, follower.URL, ExecuteRequest{
		JobID:         job.ID,
		JobName:       job.Name,
		InputFile:     job.InputFile,
		OutputFile:    job.Command.OutputPath,
		FFmpegCommand: job.Command,
	})
	if err != nil {
		if ctx.Err() != nil {
			return &encode.Result{Success: false, Error: encode.CancelledError}, nil
		}
		// A single dispatch failure does not mark the follower dead;
		// the periodic probe decides that.
		e.logger.Warnw("Dispatch failed", "job_id", job.ID, "follower", follower.ID, "error", err)
		return &encode.Result{Success: false, Error: err.Error()}, nil
	}

	result := &encode.Result{
		Success:     resp.Success,
		Output:      resp.OutputFile,
		Error:       resp.ErrorMessage,
		Stderr:      resp.FFmpegStderr,
		TotalFrames: resp.TotalFrames,
	}
	if result.Success {
		result.FinalProgress = 100
	}
	return result, nil
}

// Kill asks the job's follower to cancel it. Fire-and-forget; on a
// confirmed cancel the mapping is cleared immediately.
func (e *RemoteExecutor) Kill(jobID int64) {
	follower, ok := e.registry.FollowerForJob(jobID)
	if !ok {
		return
	}

	go func() {
		cancelled, err := e.client.Cancel(context.Background(), follower.URL, jobID)
		if err != nil {
			e.logger.Warnw("Cancel request failed", "job_id", jobID, "follower", follower.ID, "error", err)
			return
		}
		if cancelled {
			e.registry.Release(jobID)
		}
	}()
}

// HandleProgress feeds a follower-reported progress event to the
// processor. Reports for unmapped jobs are dropped.
func (e *RemoteExecutor) HandleProgress(jobID int64, report ProgressReport) {
	if _, ok := e.registry.FollowerForJob(jobID); !ok {
		return
	}
	e.mu.Lock()
	fn := e.progress
	e.mu.Unlock()
	if fn != nil {
		fn(encode.Progress{
			JobID:   jobID,
			Frame:   report.Frame,
			FPS:     report.FPS,
			Speed:   report.Speed,
			Percent: report.Progress,
		})
	}
}
