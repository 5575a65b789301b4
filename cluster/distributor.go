package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SeriousBug/frame-shift-video-sub000/bus"
	"github.com/SeriousBug/frame-shift-video-sub000/encode"
	"github.com/SeriousBug/frame-shift-video-sub000/queue"
)

const (
	// syncRetries and syncBackoff govern per-follower status probes
	// during a full sync: up to 3 attempts with linear backoff.
	defaultSyncRetries = 3
	defaultSyncBackoff = 2 * time.Second

	// Full reconcile is expensive and rare; dead-follower probes are
	// cheap and frequent so recovered workers rejoin quickly.
	defaultSyncInterval      = 4 * time.Hour
	defaultDeadCheckInterval = 30 * time.Second

	// Adopted jobs have no dispatch connection to report completion, so
	// their followers are polled frequently until the outcome lands.
	defaultAdoptedPollInterval = 5 * time.Second
)

// Distributor owns the follower fleet on the leader: it reconciles
// registry state with what followers report, detects dead followers,
// and routes progress callbacks to the remote executor.
type Distributor struct {
	store    *queue.Store
	registry *FollowerRegistry
	client   *Client
	remote   *RemoteExecutor
	bus      *bus.Bus
	logger   *zap.SugaredLogger

	syncRetries         int
	syncBackoff         time.Duration
	syncInterval        time.Duration
	deadCheckInterval   time.Duration
	adoptedPollInterval time.Duration

	// adopted maps jobs observed running on a follower without a local
	// dispatch connection, job id to follower id. Their progress is
	// persisted directly and their outcome is pulled from the follower's
	// finished-job history.
	mu      sync.Mutex
	adopted map[int64]string
}

// NewDistributor wires the leader-side coordination pieces together.
func NewDistributor(store *queue.Store, registry *FollowerRegistry, client *Client, remote *RemoteExecutor, eventBus *bus.Bus, logger *zap.SugaredLogger) *Distributor {
	return &Distributor{
		store:             store,
		registry:          registry,
		client:            client,
		remote:            remote,
		bus:               eventBus,
		logger:            logger,
		syncRetries:         defaultSyncRetries,
		syncBackoff:         defaultSyncBackoff,
		syncInterval:        defaultSyncInterval,
		deadCheckInterval:   defaultDeadCheckInterval,
		adoptedPollInterval: defaultAdoptedPollInterval,
		adopted:             make(map[int64]string),
	}
}

// Start runs the periodic schedule until ctx is cancelled.
func (d *Distributor) Start(ctx context.Context) {
	go d.runTicker(ctx, d.syncInterval, func() {
		d.SyncWithFollowers(ctx)
	})
	go d.runTicker(ctx, d.deadCheckInterval, func() {
		d.CheckDeadFollowers(ctx)
	})
	go d.runTicker(ctx, d.adoptedPollInterval, func() {
		d.PollAdopted(ctx)
	})
}

func (d *Distributor) runTicker(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// SyncWithFollowers probes every follower and reconciles registry and
// Store state with what each one reports. Followers that fail every
// retry are marked dead. Returns the ids of jobs observed running.
func (d *Distributor) SyncWithFollowers(ctx context.Context) []int64 {
	var active []int64
	for _, follower := range d.registry.All() {
		status, err := d.statusWithRetry(ctx, follower)
		if err != nil {
			d.logger.Warnw("Follower unreachable, marking dead",
				"follower", follower.ID,
				"url", follower.URL,
				"error", err,
			)
			d.registry.MarkDead(follower.ID)
			continue
		}
		active = append(active, d.reconcileFollower(follower, status)...)
	}
	d.publishFollowerStatus()
	return active
}

// CheckDeadFollowers probes only the dead set with a single attempt
// each, reconciling any that answer.
func (d *Distributor) CheckDeadFollowers(ctx context.Context) {
	dead := d.registry.Dead()
	if len(dead) == 0 {
		return
	}
	recovered := false
	for _, follower := range dead {
		status, err := d.client.Status(ctx, follower.URL)
		if err != nil {
			continue
		}
		d.logger.Infow("Follower recovered", "follower", follower.ID)
		d.reconcileFollower(follower, status)
		recovered = true
	}
	if recovered {
		d.publishFollowerStatus()
	}
}

// reconcileFollower applies one follower's reported state: registry
// bookkeeping, restored progress, and repair of rows the Store lost
// track of across a leader restart.
func (d *Distributor) reconcileFollower(follower Follower, status *StatusResponse) []int64 {
	var jobIDs []int64
	for _, job := range status.ActiveJobs {
		jobIDs = append(jobIDs, job.JobID)
	}
	d.registry.Reconcile(follower.ID, jobIDs)

	for _, active := range status.ActiveJobs {
		job, err := d.store.Get(active.JobID)
		if err != nil {
			d.logger.Warnw("Follower reports unknown job",
				"follower", follower.ID,
				"job_id", active.JobID,
				"error", err,
			)
			continue
		}
		if job.Status != queue.StatusProcessing {
			// Leader restarted while this job ran remotely. Re-adopt the
			// row instead of restarting the work.
			processing := queue.StatusProcessing
			worker := follower.ID
			err := d.store.Update(job.ID, queue.JobPatch{
				Status:         &processing,
				AssignedWorker: &worker,
			})
			if err != nil {
				d.logger.Errorw("Failed to re-adopt job", "job_id", job.ID, "error", err)
				continue
			}
			d.logger.Infow("Re-adopted running job after restart",
				"job_id", job.ID,
				"follower", follower.ID,
			)
		}
		if err := d.store.UpdateProgress(active.JobID, active.Progress); err != nil {
			d.logger.Warnw("Failed to restore progress", "job_id", active.JobID, "error", err)
		}
		if !d.remote.InFlight(active.JobID) {
			// No dispatch connection will ever report this job's outcome.
			// Track it so progress and completion are pulled instead.
			d.mu.Lock()
			_, known := d.adopted[active.JobID]
			d.adopted[active.JobID] = follower.ID
			d.mu.Unlock()
			if !known {
				d.logger.Infow("Tracking adopted job until it finishes",
					"job_id", active.JobID,
					"follower", follower.ID,
				)
			}
		}
	}

	for _, fin := range status.FinishedJobs {
		d.recordAdoptedOutcome(fin)
	}
	return jobIDs
}

// recordAdoptedOutcome writes the terminal state of an adopted job. The
// row must still be processing and the job must have no local dispatch
// connection; anything else is already handled elsewhere.
func (d *Distributor) recordAdoptedOutcome(fin FinishedJob) {
	if d.remote.InFlight(fin.JobID) {
		return
	}
	job, err := d.store.Get(fin.JobID)
	if err != nil {
		return
	}
	if job.Status != queue.StatusProcessing {
		d.forgetAdopted(fin.JobID)
		return
	}

	switch {
	case fin.Success:
		if err := d.store.Complete(fin.JobID, fin.OutputFile); err != nil {
			d.logger.Errorw("Failed to record adopted completion", "job_id", fin.JobID, "error", err)
			return
		}
		if fin.TotalFrames != nil {
			if err := d.store.Update(fin.JobID, queue.JobPatch{TotalFrames: fin.TotalFrames}); err != nil {
				d.logger.Warnw("Failed to record total frames", "job_id", fin.JobID, "error", err)
			}
		}
	case fin.ErrorMessage == encode.CancelledError:
		cancelled := queue.StatusCancelled
		msg := fin.ErrorMessage
		now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
		err := d.store.Update(fin.JobID, queue.JobPatch{
			Status:       &cancelled,
			ErrorMessage: &msg,
			EndedAt:      &now,
		})
		if err != nil {
			d.logger.Errorw("Failed to record adopted cancellation", "job_id", fin.JobID, "error", err)
			return
		}
	default:
		msg := fin.ErrorMessage
		if fin.FFmpegStderr != "" {
			msg = msg + "\n" + fin.FFmpegStderr
		}
		if err := d.store.SetError(fin.JobID, msg); err != nil {
			d.logger.Errorw("Failed to record adopted failure", "job_id", fin.JobID, "error", err)
			return
		}
	}

	d.logger.Infow("Recorded outcome for adopted job",
		"job_id", fin.JobID,
		"success", fin.Success,
	)
	d.forgetAdopted(fin.JobID)
	d.publishJob(fin.JobID)
	d.publishCounts()
}

// forgetAdopted drops the adoption entry and frees the follower.
func (d *Distributor) forgetAdopted(jobID int64) {
	d.mu.Lock()
	delete(d.adopted, jobID)
	d.mu.Unlock()
	d.registry.Release(jobID)
}

// PollAdopted asks the follower behind each adopted job for its status
// so finished outcomes land promptly rather than at the next full sync.
func (d *Distributor) PollAdopted(ctx context.Context) {
	d.mu.Lock()
	byFollower := make(map[string][]int64)
	for jobID, followerID := range d.adopted {
		byFollower[followerID] = append(byFollower[followerID], jobID)
	}
	d.mu.Unlock()
	if len(byFollower) == 0 {
		return
	}

	for followerID, jobIDs := range byFollower {
		follower, ok := d.registry.Get(followerID)
		if !ok {
			continue
		}
		status, err := d.client.Status(ctx, follower.URL)
		if err != nil {
			continue
		}

		stillActive := make(map[int64]bool)
		for _, active := range status.ActiveJobs {
			stillActive[active.JobID] = true
			if err := d.store.UpdateProgress(active.JobID, active.Progress); err != nil {
				d.logger.Warnw("Failed to persist adopted progress", "job_id", active.JobID, "error", err)
			}
		}
		finished := make(map[int64]FinishedJob)
		for _, fin := range status.FinishedJobs {
			finished[fin.JobID] = fin
		}

		for _, jobID := range jobIDs {
			if stillActive[jobID] {
				continue
			}
			fin, ok := finished[jobID]
			if !ok {
				// Neither running nor in the finished history: the outcome
				// rolled off before we saw it.
				d.logger.Warnw("Adopted job outcome lost", "job_id", jobID, "follower", followerID)
				if err := d.store.SetError(jobID, "job outcome unavailable from "+followerID); err != nil {
					d.logger.Errorw("Failed to record lost outcome", "job_id", jobID, "error", err)
					continue
				}
				d.forgetAdopted(jobID)
				d.publishJob(jobID)
				d.publishCounts()
				continue
			}
			d.recordAdoptedOutcome(fin)
		}
	}
}

func (d *Distributor) publishJob(jobID int64) {
	job, err := d.store.Get(jobID)
	if err != nil {
		d.logger.Warnw("Failed to load job for event", "job_id", jobID, "error", err)
		return
	}
	d.bus.PublishJobUpdated(job)
}

func (d *Distributor) publishCounts() {
	counts, err := d.store.GetStatusCounts()
	if err != nil {
		d.logger.Warnw("Failed to load status counts", "error", err)
		return
	}
	d.bus.Publish(bus.EventStatusCounts, counts)
}

func (d *Distributor) statusWithRetry(ctx context.Context, follower Follower) (*StatusResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= d.syncRetries; attempt++ {
		status, err := d.client.Status(ctx, follower.URL)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if attempt < d.syncRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * d.syncBackoff):
			}
		}
	}
	return nil, lastErr
}

// HandleProgress routes a follower's progress callback. Adopted jobs
// have no processor run to feed, so their progress is persisted and
// published here; everything else goes to the remote executor.
func (d *Distributor) HandleProgress(jobID int64, report ProgressReport) {
	d.mu.Lock()
	_, adopted := d.adopted[jobID]
	d.mu.Unlock()
	if adopted {
		if err := d.store.UpdateProgress(jobID, report.Progress); err != nil {
			d.logger.Warnw("Failed to persist adopted progress", "job_id", jobID, "error", err)
		}
		d.bus.PublishProgress(bus.ProgressEvent{
			JobID:    jobID,
			Frame:    report.Frame,
			FPS:      report.FPS,
			Progress: report.Progress,
		})
		return
	}
	d.remote.HandleProgress(jobID, report)
}

// CancelJobOnFollower cancels a job on whichever follower runs it.
func (d *Distributor) CancelJobOnFollower(ctx context.Context, jobID int64) bool {
	follower, ok := d.registry.FollowerForJob(jobID)
	if !ok {
		return false
	}
	cancelled, err := d.client.Cancel(ctx, follower.URL, jobID)
	if err != nil {
		d.logger.Warnw("Cancel on follower failed", "job_id", jobID, "follower", follower.ID, "error", err)
		return false
	}
	if cancelled {
		d.registry.Release(jobID)
	}
	return cancelled
}

func (d *Distributor) publishFollowerStatus() {
	d.bus.Publish(bus.EventFollowersStatus, d.registry.Snapshot())
}
