package cluster

import "github.com/SeriousBug/frame-shift-video-sub000/queue"

// ExecuteRequest dispatches one job to a follower.
type ExecuteRequest struct {
	JobID         int64               `json:"jobId"`
	JobName       string              `json:"jobName"`
	InputFile     string              `json:"inputFile"`
	OutputFile    string              `json:"outputFile"`
	FFmpegCommand queue.FFmpegCommand `json:"ffmpegCommand"`
}

// ExecuteResponse is the follower's terminal answer for one dispatch.
// The connection stays open for the whole encode.
type ExecuteResponse struct {
	Success      bool   `json:"success"`
	OutputFile   string `json:"outputFile,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	TotalFrames  *int64 `json:"totalFrames,omitempty"`
	FFmpegStderr string `json:"ffmpegStderr,omitempty"`
}

// CancelResponse answers POST /worker/cancel/:jobId.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ActiveJob is one running job in a follower status report.
type ActiveJob struct {
	JobID    int64   `json:"jobId"`
	Progress float64 `json:"progress"`
}

// FinishedJob is a recently completed dispatch in a follower status
// report. The leader uses these to record outcomes for jobs whose
// dispatch connection it no longer holds, such as after a restart.
type FinishedJob struct {
	JobID        int64  `json:"jobId"`
	Success      bool   `json:"success"`
	OutputFile   string `json:"outputFile,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	TotalFrames  *int64 `json:"totalFrames,omitempty"`
	FFmpegStderr string `json:"ffmpegStderr,omitempty"`
}

// StatusResponse answers GET /worker/status.
type StatusResponse struct {
	WorkerID     string        `json:"workerId"`
	Busy         bool          `json:"busy"`
	ActiveJobs   []ActiveJob   `json:"activeJobs"`
	FinishedJobs []FinishedJob `json:"finishedJobs,omitempty"`
}

// SystemStatus answers GET /worker/system-status.
type SystemStatus struct {
	NodeID             string  `json:"nodeId"`
	CPUUsagePercent    float64 `json:"cpuUsagePercent"`
	CPUCores           int     `json:"cpuCores"`
	MemoryUsedBytes    uint64  `json:"memoryUsedBytes"`
	MemoryTotalBytes   uint64  `json:"memoryTotalBytes"`
	MemoryUsagePercent float64 `json:"memoryUsagePercent"`
	Timestamp          string  `json:"timestamp"`
}

// ProgressReport is a follower's progress callback to the leader,
// POSTed to /api/jobs/:id/progress.
type ProgressReport struct {
	Frame    int64   `json:"frame"`
	FPS      float64 `json:"fps"`
	Speed    string  `json:"speed"`
	Progress float64 `json:"progress"`
}
