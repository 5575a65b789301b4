package encode

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
	"github.com/SeriousBug/frame-shift-video-sub000/queue"
)

// TempPrefix marks in-flight encoder output files. A crash leaves them
// behind; SweepTempFiles removes them at startup.
const TempPrefix = ".fsvtemp."

// killGracePeriod is how long a killed encoder gets to exit on SIGTERM
// before receiving SIGKILL.
const killGracePeriod = 5 * time.Second

// TempPath derives the temp sibling the encoder writes to before the
// final rename.
func TempPath(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), TempPrefix+filepath.Base(outputPath))
}

type runningJob struct {
	cmd    *exec.Cmd
	killed bool
}

// LocalExecutor runs the encoder as a child process on this node.
type LocalExecutor struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.SugaredLogger

	mu       sync.Mutex
	running  map[int64]*runningJob
	progress ProgressFunc
}

// NewLocalExecutor creates an executor that spawns ffmpegPath. The
// probe binary is resolved as a sibling of the encoder.
func NewLocalExecutor(ffmpegPath string, logger *zap.SugaredLogger) *LocalExecutor {
	ffprobe := "ffprobe"
	if dir := filepath.Dir(ffmpegPath); dir != "." {
		ffprobe = filepath.Join(dir, "ffprobe")
	}
	return &LocalExecutor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobe,
		logger:      logger,
		running:     make(map[int64]*runningJob),
	}
}

// OnProgress registers the progress callback. Must be called before
// Execute.
func (e *LocalExecutor) OnProgress(fn ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = fn
}

// Execute runs one encode to completion. The encoder writes to a temp
// sibling which is renamed over the target on success and removed on
// any failure.
func (e *LocalExecutor) Execute(ctx context.Context, job *queue.Job) (*Result, error) {
	command := job.Command
	if command.InputPath == "" || command.OutputPath == "" {
		return nil, errors.NewInvalidRequestError("job %d has no input or output path", job.ID)
	}

	tempPath := TempPath(command.OutputPath)
	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory for job %d", job.ID)
	}

	totalFrames, duration := e.probeMedia(ctx, command.InputPath)
	if job.TotalFrames != nil && *job.TotalFrames > 0 {
		totalFrames = *job.TotalFrames
	}

	argv := make([]string, 0, len(command.Args)+8)
	argv = append(argv, "-y", "-i", command.InputPath)
	argv = append(argv, command.Args...)
	argv = append(argv, "-progress", "pipe:1", "-nostats", tempPath)

	cmd := exec.Command(e.ffmpegPath, argv...)
	stderr := newStderrRing()
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open encoder stdout")
	}

	e.logger.Infow("Starting encode",
		"job_id", job.ID,
		"input", command.InputPath,
		"output", command.OutputPath,
		"total_frames", totalFrames,
	)

	if err := cmd.Start(); err != nil {
		removeTemp(tempPath)
		return &Result{
			Success: false,
			Error:   "failed to start encoder: " + err.Error(),
		}, nil
	}

	run := &runningJob{cmd: cmd}
	e.mu.Lock()
	e.running[job.ID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, job.ID)
		e.mu.Unlock()
	}()

	// A cancelled context kills the encode like an explicit Kill.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			e.Kill(job.ID)
		case <-watchDone:
		}
	}()

	parser := newProgressParser(totalFrames, duration)
	last := parser.run(stdout, func(p Progress) {
		p.JobID = job.ID
		e.emit(job.ID, p)
	})

	waitErr := cmd.Wait()

	e.mu.Lock()
	killed := run.killed
	e.mu.Unlock()

	result := &Result{FinalProgress: last.Percent}
	if totalFrames > 0 {
		result.TotalFrames = &totalFrames
	}

	switch {
	case killed:
		removeTemp(tempPath)
		result.Error = CancelledError
	case waitErr != nil:
		removeTemp(tempPath)
		result.Error = "encoder failed: " + waitErr.Error()
		result.Stderr = stderr.Tail()
	default:
		if err := os.Rename(tempPath, command.OutputPath); err != nil {
			removeTemp(tempPath)
			result.Error = "failed to finalize output: " + err.Error()
			break
		}
		result.Success = true
		result.Output = command.OutputPath
		result.FinalProgress = 100
	}

	e.logger.Infow("Encode finished",
		"job_id", job.ID,
		"success", result.Success,
		"error", result.Error,
	)
	return result, nil
}

// Kill terminates a running encode. Fire-and-forget: SIGTERM now,
// SIGKILL after a grace period. Progress arriving after Kill is
// discarded.
func (e *LocalExecutor) Kill(jobID int64) {
	e.mu.Lock()
	run, ok := e.running[jobID]
	if ok {
		run.killed = true
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	proc := run.cmd.Process
	if proc == nil {
		return
	}
	e.logger.Infow("Killing encode", "job_id", jobID)
	_ = proc.Signal(syscall.SIGTERM)

	go func() {
		time.Sleep(killGracePeriod)
		e.mu.Lock()
		_, stillRunning := e.running[jobID]
		e.mu.Unlock()
		if stillRunning {
			_ = proc.Kill()
		}
	}()
}

func (e *LocalExecutor) emit(jobID int64, p Progress) {
	e.mu.Lock()
	fn := e.progress
	run := e.running[jobID]
	killed := run != nil && run.killed
	e.mu.Unlock()

	if fn != nil && !killed {
		fn(p)
	}
}

// probeMedia asks ffprobe for the input's frame count and duration.
// Best effort; zeros mean unknown and the progress parser falls back
// accordingly.
func (e *LocalExecutor) probeMedia(ctx context.Context, inputPath string) (totalFrames int64, durationSeconds float64) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=nb_frames",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1",
		inputPath,
	)
	out, err := cmd.Output()
	if err != nil {
		e.logger.Debugw("Probe failed", "input", inputPath, "error", err)
		return 0, 0
	}

	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "nb_frames":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
				totalFrames = n
			}
		case "duration":
			if d, err := strconv.ParseFloat(value, 64); err == nil && d > 0 {
				durationSeconds = d
			}
		}
	}
	return totalFrames, durationSeconds
}

// removeTemp is best effort; anything left behind is caught by the
// startup sweep.
func removeTemp(path string) {
	_ = os.Remove(path)
}

// SweepTempFiles walks root and deletes crash remnants: any file whose
// basename carries the temp prefix. Returns the number removed.
func SweepTempFiles(root string, logger *zap.SugaredLogger) (int, error) {
	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), TempPrefix) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			logger.Warnw("Failed to remove temp file", "path", path, "error", err)
			return nil
		}
		logger.Infow("Removed stale temp file", "path", path)
		removed++
		return nil
	})
	if err != nil {
		return removed, errors.Wrapf(err, "failed to sweep %s", root)
	}
	return removed, nil
}
