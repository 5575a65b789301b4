// Package processor drives the job queue: it claims pending jobs one at
// a time, runs them through an executor, records outcomes, and
// publishes lifecycle events.
package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SeriousBug/frame-shift-video-sub000/bus"
	"github.com/SeriousBug/frame-shift-video-sub000/encode"
	"github.com/SeriousBug/frame-shift-video-sub000/queue"
)

// CancelledByUserMessage is recorded on jobs cancelled by an operator.
const CancelledByUserMessage = "cancelled by user"

// progressWriteInterval throttles persistence of progress updates. The
// event bus still sees every report; only the database writes are
// rate limited.
const progressWriteInterval = time.Second

type state int

const (
	stateIdle state = iota
	stateProcessing
	stateShuttingDown
)

// Processor is the single job consumer for one node. Exactly one job
// runs at a time; wakeups come from the periodic ticker and from
// Trigger.
type Processor struct {
	store    *queue.Store
	executor encode.Executor
	bus      *bus.Bus
	logger   *zap.SugaredLogger

	workerID      string
	checkInterval time.Duration

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}

	mu           sync.Mutex
	state        state
	currentJobID int64
	cancelled    bool
	limiterFor   int64
	limiter      *rate.Limiter
}

// New creates a processor. workerID is recorded on claimed rows; the
// leader passes an empty workerID because follower assignment is
// tracked by its remote executor instead.
func New(store *queue.Store, executor encode.Executor, eventBus *bus.Bus, logger *zap.SugaredLogger, workerID string, checkInterval time.Duration) *Processor {
	p := &Processor{
		store:         store,
		executor:      executor,
		bus:           eventBus,
		logger:        logger,
		workerID:      workerID,
		checkInterval: checkInterval,
		trigger:       make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	executor.OnProgress(p.handleProgress)
	return p
}

// Start launches the consumer loop.
func (p *Processor) Start() {
	go p.run()
	p.Trigger()
}

// Trigger wakes the loop to check for pending work. Non-blocking; a
// pending wakeup coalesces with new ones.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Stop shuts the loop down, killing any running job, and blocks until
// the loop exits.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.state == stateShuttingDown {
		p.mu.Unlock()
		<-p.done
		return
	}
	prev := p.state
	p.state = stateShuttingDown
	jobID := p.currentJobID
	p.mu.Unlock()

	close(p.stop)
	if prev == stateProcessing {
		p.executor.Kill(jobID)
	}
	<-p.done
	p.logger.Infow("Processor stopped", "worker_id", p.workerID)
}

// CancelJob kills the given job if it is the one currently running.
// Returns false when the job is not running here; the caller handles
// pending rows directly in the store.
func (p *Processor) CancelJob(jobID int64) bool {
	p.mu.Lock()
	running := p.state == stateProcessing && p.currentJobID == jobID
	if running {
		p.cancelled = true
	}
	p.mu.Unlock()

	if running {
		p.executor.Kill(jobID)
	}
	return running
}

// IsProcessing reports whether a job is currently running, and its id.
func (p *Processor) IsProcessing() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentJobID, p.state == stateProcessing
}

func (p *Processor) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
		case <-ticker.C:
		}
		p.drainQueue()
	}
}

// availabilityReporter is implemented by executors whose capacity can
// be exhausted (the leader's remote executor). Claiming stops while no
// capacity exists so pending jobs stay pending.
type availabilityReporter interface {
	Available() bool
}

// drainQueue processes claimed jobs back to back until the queue is
// empty, capacity runs out, or shutdown begins.
func (p *Processor) drainQueue() {
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if reporter, ok := p.executor.(availabilityReporter); ok && !reporter.Available() {
			return
		}

		job, err := p.store.ClaimNext(p.workerID)
		if err != nil {
			p.logger.Errorw("Failed to claim next job", "error", err)
			return
		}
		if job == nil {
			return
		}
		if !p.process(job) {
			return
		}
	}
}

// process runs one claimed job. Returns false when draining should
// stop because the job could not be placed.
func (p *Processor) process(job *queue.Job) bool {
	p.mu.Lock()
	if p.state == stateShuttingDown {
		p.mu.Unlock()
		return false
	}
	p.state = stateProcessing
	p.currentJobID = job.ID
	p.cancelled = false
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.state == stateProcessing {
			p.state = stateIdle
		}
		p.currentJobID = 0
		p.mu.Unlock()
	}()

	p.logger.Infow("Processing job", "job_id", job.ID, "name", job.Name)
	p.bus.PublishJobUpdated(job)

	result, err := p.executor.Execute(context.Background(), job)
	if err != nil {
		p.logger.Errorw("Executor error", "job_id", job.ID, "error", err)
		p.recordFailure(job.ID, err.Error())
		return true
	}

	p.mu.Lock()
	cancelled := p.cancelled
	p.mu.Unlock()

	switch {
	case result.Success:
		p.recordSuccess(job.ID, result)
	case cancelled || result.Error == encode.CancelledError:
		p.recordCancelled(job.ID)
	case result.Retryable:
		p.requeue(job.ID, result.Error)
		return false
	default:
		msg := result.Error
		if result.Stderr != "" {
			msg = msg + "\n" + result.Stderr
		}
		p.recordFailure(job.ID, msg)
	}
	return true
}

// requeue puts a claimed job back in the queue after a transient
// placement failure. The next trigger or tick retries it.
func (p *Processor) requeue(jobID int64, reason string) {
	p.logger.Warnw("Returning job to queue", "job_id", jobID, "reason", reason)
	if err := p.store.ReleaseJob(jobID); err != nil {
		p.logger.Errorw("Failed to requeue job", "job_id", jobID, "error", err)
		return
	}
	p.publishJob(jobID)
}

func (p *Processor) recordSuccess(jobID int64, result *encode.Result) {
	if err := p.store.Complete(jobID, result.Output); err != nil {
		p.logger.Errorw("Failed to record completion", "job_id", jobID, "error", err)
		return
	}
	if result.TotalFrames != nil {
		if err := p.store.Update(jobID, queue.JobPatch{TotalFrames: result.TotalFrames}); err != nil {
			p.logger.Warnw("Failed to record total frames", "job_id", jobID, "error", err)
		}
	}
	p.publishJob(jobID)
	p.publishCounts()
}

func (p *Processor) recordFailure(jobID int64, message string) {
	if err := p.store.SetError(jobID, message); err != nil {
		p.logger.Errorw("Failed to record failure", "job_id", jobID, "error", err)
		return
	}
	p.publishJob(jobID)
	p.publishCounts()
}

func (p *Processor) recordCancelled(jobID int64) {
	status := queue.StatusCancelled
	msg := CancelledByUserMessage
	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	err := p.store.Update(jobID, queue.JobPatch{
		Status:       &status,
		ErrorMessage: &msg,
		EndedAt:      &now,
	})
	if err != nil {
		p.logger.Errorw("Failed to record cancellation", "job_id", jobID, "error", err)
		return
	}
	p.publishJob(jobID)
	p.publishCounts()
}

// handleProgress persists and publishes executor progress. Store writes
// are throttled; events are not. The heartbeat rides on the throttled
// write.
func (p *Processor) handleProgress(progress encode.Progress) {
	p.mu.Lock()
	active := p.state == stateProcessing && p.currentJobID == progress.JobID && !p.cancelled
	p.mu.Unlock()
	if !active {
		return
	}

	if p.writeLimiter(progress.JobID).Allow() {
		if err := p.store.UpdateProgress(progress.JobID, progress.Percent); err != nil {
			p.logger.Warnw("Failed to persist progress", "job_id", progress.JobID, "error", err)
		}
	}
	p.bus.PublishProgress(bus.ProgressEvent{
		JobID:       progress.JobID,
		Frame:       progress.Frame,
		FPS:         progress.FPS,
		Progress:    progress.Percent,
		TotalFrames: progress.TotalFrames,
	})
}

// writeLimiter returns the progress write limiter for a job, resetting
// it when a new job starts.
func (p *Processor) writeLimiter(jobID int64) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limiter == nil || p.limiterFor != jobID {
		p.limiterFor = jobID
		p.limiter = rate.NewLimiter(rate.Every(progressWriteInterval), 1)
	}
	return p.limiter
}

func (p *Processor) publishJob(jobID int64) {
	job, err := p.store.Get(jobID)
	if err != nil {
		p.logger.Warnw("Failed to load job for event", "job_id", jobID, "error", err)
		return
	}
	p.bus.PublishJobUpdated(job)
}

func (p *Processor) publishCounts() {
	counts, err := p.store.GetStatusCounts()
	if err != nil {
		p.logger.Warnw("Failed to load status counts", "error", err)
		return
	}
	p.bus.Publish(bus.EventStatusCounts, counts)
}
