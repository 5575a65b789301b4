package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SeriousBug/frame-shift-video-sub000/bus"
	"github.com/SeriousBug/frame-shift-video-sub000/cluster"
	"github.com/SeriousBug/frame-shift-video-sub000/config"
	"github.com/SeriousBug/frame-shift-video-sub000/db"
	"github.com/SeriousBug/frame-shift-video-sub000/encode"
	"github.com/SeriousBug/frame-shift-video-sub000/processor"
	"github.com/SeriousBug/frame-shift-video-sub000/queue"
)

const workerToken = "worker-test-token"

// blockingExecutor runs until released, reporting one progress event
// first.
type blockingExecutor struct {
	mu       sync.Mutex
	progress encode.ProgressFunc
	killed   map[int64]bool
	release  chan struct{}
	started  chan int64
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		killed:  make(map[int64]bool),
		release: make(chan struct{}),
		started: make(chan int64, 8),
	}
}

func (e *blockingExecutor) OnProgress(fn encode.ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = fn
}

func (e *blockingExecutor) Execute(_ context.Context, job *queue.Job) (*encode.Result, error) {
	e.mu.Lock()
	fn := e.progress
	e.mu.Unlock()
	if fn != nil {
		fn(encode.Progress{JobID: job.ID, Percent: 42})
	}
	e.started <- job.ID
	<-e.release

	e.mu.Lock()
	wasKilled := e.killed[job.ID]
	e.mu.Unlock()
	if wasKilled {
		return &encode.Result{Success: false, Error: encode.CancelledError}, nil
	}
	return &encode.Result{Success: true, Output: job.Command.OutputPath, FinalProgress: 100}, nil
}

func (e *blockingExecutor) Kill(jobID int64) {
	e.mu.Lock()
	e.killed[jobID] = true
	e.mu.Unlock()
}

func newFollowerEnv(t *testing.T, executor encode.Executor) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		InstanceType: config.InstanceFollower,
		Port:         3001,
		SharedToken:  workerToken,
		MediaRoot:    t.TempDir(),
	}

	conn, err := db.Open(t.TempDir()+"/follower.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(conn, nil))

	store := queue.NewStore(conn)
	eventBus := bus.New(nil)
	logger := zaptest.NewLogger(t).Sugar()
	proc := processor.New(store, &stubExecutor{}, eventBus, logger, cfg.WorkerID(), time.Hour)
	worker := NewWorkerService(cfg.WorkerID(), executor, cluster.NewClient(workerToken), logger)

	srv := New(cfg, store, eventBus, proc, nil, worker, logger)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func signedRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(cluster.AuthHeader, cluster.NewAuthCodec(workerToken).Sign(payload))
	return req
}

func TestWorkerEndpointsRequireAuth(t *testing.T) {
	ts := newFollowerEnv(t, newBlockingExecutor())

	for _, path := range []string{"/worker/status", "/worker/system-status"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	resp, err := http.Post(ts.URL+"/worker/execute", "application/json",
		bytes.NewReader([]byte(`{"jobId":1}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWorkerStatusIdle(t *testing.T) {
	ts := newFollowerEnv(t, newBlockingExecutor())

	resp, err := http.DefaultClient.Do(signedRequest(t, http.MethodGet, ts.URL+"/worker/status", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status cluster.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "follower-3001", status.WorkerID)
	assert.False(t, status.Busy)
	assert.Empty(t, status.ActiveJobs)
}

func TestWorkerExecuteAndStatus(t *testing.T) {
	executor := newBlockingExecutor()
	ts := newFollowerEnv(t, executor)

	req := cluster.ExecuteRequest{
		JobID:     7,
		JobName:   "A",
		InputFile: "/m/a.mp4",
		FFmpegCommand: queue.FFmpegCommand{
			InputPath:  "/m/a.mp4",
			OutputPath: "/out/a.mp4",
		},
	}

	type executeOutcome struct {
		resp cluster.ExecuteResponse
		err  error
	}
	outcome := make(chan executeOutcome, 1)
	go func() {
		httpResp, err := http.DefaultClient.Do(signedRequest(t, http.MethodPost, ts.URL+"/worker/execute", req))
		if err != nil {
			outcome <- executeOutcome{err: err}
			return
		}
		defer httpResp.Body.Close()
		var resp cluster.ExecuteResponse
		err = json.NewDecoder(httpResp.Body).Decode(&resp)
		outcome <- executeOutcome{resp: resp, err: err}
	}()

	select {
	case <-executor.started:
	case <-time.After(5 * time.Second):
		t.Fatal("execute never reached the executor")
	}

	// Mid-encode the worker reports busy with the job's progress
	statusResp, err := http.DefaultClient.Do(signedRequest(t, http.MethodGet, ts.URL+"/worker/status", nil))
	require.NoError(t, err)
	var status cluster.StatusResponse
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	statusResp.Body.Close()
	assert.True(t, status.Busy)
	require.Len(t, status.ActiveJobs, 1)
	assert.Equal(t, int64(7), status.ActiveJobs[0].JobID)
	assert.Equal(t, float64(42), status.ActiveJobs[0].Progress)

	// A second dispatch while busy is refused
	busyResp, err := http.DefaultClient.Do(signedRequest(t, http.MethodPost, ts.URL+"/worker/execute",
		cluster.ExecuteRequest{JobID: 8, FFmpegCommand: queue.FFmpegCommand{InputPath: "/m/b.mp4", OutputPath: "/out/b.mp4"}}))
	require.NoError(t, err)
	var busy cluster.ExecuteResponse
	require.NoError(t, json.NewDecoder(busyResp.Body).Decode(&busy))
	busyResp.Body.Close()
	assert.False(t, busy.Success)
	assert.Equal(t, BusyError, busy.ErrorMessage)

	close(executor.release)
	result := <-outcome
	require.NoError(t, result.err)
	assert.True(t, result.resp.Success)
	assert.Equal(t, "/out/a.mp4", result.resp.OutputFile)
}

func TestWorkerStatusReportsFinishedJobs(t *testing.T) {
	executor := newBlockingExecutor()
	ts := newFollowerEnv(t, executor)

	done := make(chan struct{})
	go func() {
		defer close(done)
		httpResp, err := http.DefaultClient.Do(signedRequest(t, http.MethodPost, ts.URL+"/worker/execute",
			cluster.ExecuteRequest{JobID: 11, FFmpegCommand: queue.FFmpegCommand{InputPath: "/m/a.mp4", OutputPath: "/out/a.mp4"}}))
		if err == nil {
			io.Copy(io.Discard, httpResp.Body)
			httpResp.Body.Close()
		}
	}()

	select {
	case <-executor.started:
	case <-time.After(5 * time.Second):
		t.Fatal("execute never reached the executor")
	}
	close(executor.release)
	<-done

	// A leader that lost the dispatch connection learns the outcome from
	// the status history.
	resp, err := http.DefaultClient.Do(signedRequest(t, http.MethodGet, ts.URL+"/worker/status", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var status cluster.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.False(t, status.Busy)
	assert.Empty(t, status.ActiveJobs)
	require.Len(t, status.FinishedJobs, 1)
	assert.Equal(t, int64(11), status.FinishedJobs[0].JobID)
	assert.True(t, status.FinishedJobs[0].Success)
	assert.Equal(t, "/out/a.mp4", status.FinishedJobs[0].OutputFile)
}

func TestWorkerCancel(t *testing.T) {
	executor := newBlockingExecutor()
	ts := newFollowerEnv(t, executor)

	go func() {
		httpResp, err := http.DefaultClient.Do(signedRequest(t, http.MethodPost, ts.URL+"/worker/execute",
			cluster.ExecuteRequest{JobID: 3, FFmpegCommand: queue.FFmpegCommand{InputPath: "/m/a.mp4", OutputPath: "/out/a.mp4"}}))
		if err == nil {
			io.Copy(io.Discard, httpResp.Body)
			httpResp.Body.Close()
		}
	}()

	select {
	case <-executor.started:
	case <-time.After(5 * time.Second):
		t.Fatal("execute never reached the executor")
	}

	resp, err := http.DefaultClient.Do(signedRequest(t, http.MethodPost, ts.URL+"/worker/cancel/3",
		map[string]int64{"jobId": 3}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cancel cluster.CancelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancel))
	assert.True(t, cancel.Cancelled)
	close(executor.release)
}

func TestWorkerCancelUnknownJob(t *testing.T) {
	ts := newFollowerEnv(t, newBlockingExecutor())

	resp, err := http.DefaultClient.Do(signedRequest(t, http.MethodPost, ts.URL+"/worker/cancel/99",
		map[string]int64{"jobId": 99}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkerSystemStatus(t *testing.T) {
	ts := newFollowerEnv(t, newBlockingExecutor())

	resp, err := http.DefaultClient.Do(signedRequest(t, http.MethodGet, ts.URL+"/worker/system-status", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status cluster.SystemStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "follower-3001", status.NodeID)
	assert.Greater(t, status.CPUCores, 0)
}

func TestFollowerHidesJobAPI(t *testing.T) {
	ts := newFollowerEnv(t, newBlockingExecutor())

	resp, err := http.Get(ts.URL + "/api/jobs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkerProgressCallback(t *testing.T) {
	// The worker POSTs progress to the callback URL named in the
	// dispatch request headers.
	received := make(chan cluster.ProgressReport, 8)
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !cluster.NewAuthCodec(workerToken).Verify(body, r.Header.Get(cluster.AuthHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var report cluster.ProgressReport
		require.NoError(t, json.Unmarshal(body, &report))
		received <- report
		w.Write([]byte(`{"ok":true}`))
	}))
	defer leader.Close()

	executor := newBlockingExecutor()
	ts := newFollowerEnv(t, executor)

	go func() {
		req := signedRequest(t, http.MethodPost, ts.URL+"/worker/execute",
			cluster.ExecuteRequest{JobID: 5, FFmpegCommand: queue.FFmpegCommand{InputPath: "/m/a.mp4", OutputPath: "/out/a.mp4"}})
		req.Header.Set(cluster.CallbackHeader, leader.URL)
		httpResp, err := http.DefaultClient.Do(req)
		if err == nil {
			io.Copy(io.Discard, httpResp.Body)
			httpResp.Body.Close()
		}
	}()

	select {
	case report := <-received:
		assert.Equal(t, float64(42), report.Progress)
	case <-time.After(5 * time.Second):
		t.Fatal("progress callback never arrived")
	}
	close(executor.release)
}
