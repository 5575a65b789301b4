// Package encode runs transcoding work: building encoder invocations,
// supervising the encoder subprocess, and parsing its progress stream.
package encode

import (
	"context"

	"github.com/SeriousBug/frame-shift-video-sub000/queue"
)

// Progress is one progress report from a running encode.
type Progress struct {
	JobID       int64   `json:"jobId"`
	Frame       int64   `json:"frame"`
	FPS         float64 `json:"fps"`
	Speed       string  `json:"speed"`
	Percent     float64 `json:"progress"`
	TotalFrames *int64  `json:"totalFrames,omitempty"`
}

// Result is the terminal outcome of one encode. Retryable marks a
/// failure as transient: the job was never started and should return to
// the queue instead of being recorded as failed.
type Result struct {
	Success       bool
	Output        string
	Error         string
	Stderr        string
	FinalProgress float64
	TotalFrames   *int64
	Retryable     bool
}

// ProgressFunc receives progress reports during Execute.
type ProgressFunc func(Progress)

// Executor runs one job at a time: execute it, emit progress, and be
// killable. Kill is fire-and-forget; a killed Execute returns promptly
// with Success=false and Error "cancelled".
type Executor interface {
	Execute(ctx context.Context, job *queue.Job) (*Result, error)
	Kill(jobID int64)
	OnProgress(fn ProgressFunc)
}

// CancelledError is the Result.Error value for a killed encode.
const CancelledError = "cancelled"
