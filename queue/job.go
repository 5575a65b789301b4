// Package queue persists the transcoding job queue and its companion
// records (configuration snapshots, submission batches) in SQLite.
package queue

import (
	"encoding/json"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
)

// Status represents the current state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsValidStatus returns true if the status string is a valid Status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a job in this status will never run again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FFmpegCommand is the serialized encoder invocation carried by a job.
// The argument grammar is opaque to the orchestrator; executors splice
// InputPath and OutputPath around Args.
type FFmpegCommand struct {
	Args       []string `json:"args"`
	InputPath  string   `json:"inputPath"`
	OutputPath string   `json:"outputPath"`
}

// MarshalCommand serializes an FFmpegCommand for storage.
func MarshalCommand(cmd FFmpegCommand) (string, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal ffmpeg command")
	}
	return string(data), nil
}

// UnmarshalCommand deserializes a stored FFmpegCommand.
func UnmarshalCommand(data string) (FFmpegCommand, error) {
	var cmd FFmpegCommand
	if data == "" {
		return cmd, nil
	}
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		return cmd, errors.Wrap(err, "failed to unmarshal ffmpeg command")
	}
	return cmd, nil
}

// Job is one transcoding task, mirroring a row in the jobs table.
// Timestamps are ISO-8601 UTC strings, normalized at the read boundary.
type Job struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	InputFile      string          `json:"inputFile"`
	OutputFile     string          `json:"outputFile,omitempty"`
	Command        FFmpegCommand   `json:"ffmpegCommand"`
	Status         Status          `json:"status"`
	Progress       float64         `json:"progress"`
	QueuePosition  *int64          `json:"queuePosition,omitempty"`
	CreatedAt      string          `json:"createdAt"`
	UpdatedAt      string          `json:"updatedAt"`
	StartedAt      string          `json:"startedAt,omitempty"`
	EndedAt        string          `json:"endedAt,omitempty"`
	TotalFrames    *int64          `json:"totalFrames,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ConfigKey      string          `json:"configKey,omitempty"`
	ConfigJSON     json.RawMessage `json:"configJson,omitempty"`
	Retried        bool            `json:"retried"`
	Cleared        bool            `json:"cleared"`
	AssignedWorker string          `json:"assignedWorker,omitempty"`
	WorkerLastSeen string          `json:"workerLastSeen,omitempty"`
}

// NewJob carries the caller-supplied fields for job creation. Status
// always starts as pending; the store assigns id and timestamps.
type NewJob struct {
	Name          string
	InputFile     string
	OutputFile    string
	Command       FFmpegCommand
	QueuePosition *int64
	ConfigKey     string
	ConfigJSON    json.RawMessage
}

// JobPatch is a partial update; nil fields are left untouched.
// updated_at is always bumped when a patch is applied.
type JobPatch struct {
	Name           *string
	OutputFile     *string
	Status         *Status
	Progress       *float64
	QueuePosition  *int64
	StartedAt      *string
	EndedAt        *string
	TotalFrames    *int64
	ErrorMessage   *string
	Retried        *bool
	Cleared        *bool
	AssignedWorker *string
	WorkerLastSeen *string
}

// StatusCounts summarizes the queue by status.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

func boolPtr(b bool) *bool { return &b }
