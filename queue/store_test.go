package queue

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SeriousBug/frame-shift-video-sub000/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(t.TempDir()+"/queue.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(conn, nil))
	return NewStore(conn)
}

func mustCreate(t *testing.T, s *Store, name, input string, pos *int64) int64 {
	t.Helper()
	id, err := s.Create(NewJob{
		Name:          name,
		InputFile:     input,
		Command:       FFmpegCommand{Args: []string{"-c:v", "libx264"}, InputPath: input, OutputPath: "/out/" + name + ".mp4"},
		QueuePosition: pos,
	})
	require.NoError(t, err)
	return id
}

func pos(n int64) *int64 { return &n }

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	id := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	job, err := s.Get(id)
	require.NoError(t, err)

	assert.Equal(t, "A", job.Name)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, float64(0), job.Progress)
	require.NotNil(t, job.QueuePosition)
	assert.Equal(t, int64(1), *job.QueuePosition)
	assert.Equal(t, []string{"-c:v", "libx264"}, job.Command.Args)
	assert.False(t, job.Retried)
	assert.False(t, job.Cleared)
	assert.Empty(t, job.AssignedWorker)

	// Timestamps come back normalized to ISO-8601 UTC
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`, job.CreatedAt)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`, job.UpdatedAt)
	assert.Empty(t, job.StartedAt)
}

func TestGetMissingJob(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestClaimNext(t *testing.T) {
	t.Run("claims oldest pending by queue position", func(t *testing.T) {
		s := newTestStore(t)
		mustCreate(t, s, "B", "/m/b.mp4", pos(2))
		first := mustCreate(t, s, "A", "/m/a.mp4", pos(1))

		job, err := s.ClaimNext("worker-1")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, first, job.ID)
		assert.Equal(t, StatusProcessing, job.Status)
		assert.Equal(t, "worker-1", job.AssignedWorker)
		assert.NotEmpty(t, job.StartedAt)
		assert.NotEmpty(t, job.WorkerLastSeen)
	})

	t.Run("unqueued jobs sort after positioned ones", func(t *testing.T) {
		s := newTestStore(t)
		mustCreate(t, s, "loose", "/m/l.mp4", nil)
		positioned := mustCreate(t, s, "queued", "/m/q.mp4", pos(5))

		job, err := s.ClaimNext("w")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, positioned, job.ID)
	})

	t.Run("returns nil when nothing is pending", func(t *testing.T) {
		s := newTestStore(t)
		job, err := s.ClaimNext("w")
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("empty worker id claims without assignment", func(t *testing.T) {
		s := newTestStore(t)
		mustCreate(t, s, "A", "/m/a.mp4", pos(1))

		job, err := s.ClaimNext("")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, StatusProcessing, job.Status)
		assert.Empty(t, job.AssignedWorker)
	})

	t.Run("concurrent claimers receive disjoint jobs", func(t *testing.T) {
		s := newTestStore(t)
		const jobCount = 5
		for i := 0; i < jobCount; i++ {
			mustCreate(t, s, "J", "/m/j.mp4", pos(int64(i)))
		}

		var mu sync.Mutex
		claimed := make(map[int64]string)

		var wg sync.WaitGroup
		for _, worker := range []string{"w1", "w2"} {
			wg.Add(1)
			go func(workerID string) {
				defer wg.Done()
				for {
					job, err := s.ClaimNext(workerID)
					require.NoError(t, err)
					if job == nil {
						return
					}
					mu.Lock()
					prev, dup := claimed[job.ID]
					claimed[job.ID] = workerID
					mu.Unlock()
					require.False(t, dup, "job %d claimed by both %s and %s", job.ID, prev, workerID)
				}
			}(worker)
		}
		wg.Wait()

		assert.Len(t, claimed, jobCount)
	})
}

func TestUpdateWorkerHeartbeat(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	_, err := s.ClaimNext("worker-1")
	require.NoError(t, err)

	// Heartbeat for the wrong worker must not touch the row
	stale := time.Now().UTC().Add(-time.Hour).Format("2006-01-02T15:04:05Z")
	require.NoError(t, s.Update(id, JobPatch{WorkerLastSeen: &stale}))
	require.NoError(t, s.UpdateWorkerHeartbeat(id, "worker-2"))

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, stale, job.WorkerLastSeen)

	// The owning worker's heartbeat refreshes it
	require.NoError(t, s.UpdateWorkerHeartbeat(id, "worker-1"))
	job, err = s.Get(id)
	require.NoError(t, err)
	assert.NotEqual(t, stale, job.WorkerLastSeen)
}

func TestReleaseStaleJobs(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	_, err := s.ClaimNext("W")
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-10 * time.Minute).Format("2006-01-02T15:04:05Z")
	require.NoError(t, s.Update(id, JobPatch{WorkerLastSeen: &stale}))

	count, err := s.ReleaseStaleJobs(5 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, WorkerUnresponsiveMessage, job.ErrorMessage)
	assert.Empty(t, job.AssignedWorker)
}

func TestReleaseStaleJobsLeavesFreshWorkers(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	_, err := s.ClaimNext("W")
	require.NoError(t, err)

	count, err := s.ReleaseStaleJobs(5 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestResetProcessingJobs(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	_, err := s.ClaimNext("W")
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(id, 37))

	require.NoError(t, s.ResetProcessingJobs())

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, float64(0), job.Progress)
	assert.Empty(t, job.AssignedWorker)
	assert.Empty(t, job.StartedAt)

	processing, err := s.GetByStatus(StatusProcessing)
	require.NoError(t, err)
	assert.Empty(t, processing)
}

func TestCompleteAndFail(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	b := mustCreate(t, s, "B", "/m/b.mp4", pos(2))

	require.NoError(t, s.Complete(a, "/out/a.mp4"))
	job, err := s.Get(a)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, float64(100), job.Progress)
	assert.Equal(t, "/out/a.mp4", job.OutputFile)
	assert.NotEmpty(t, job.EndedAt)

	require.NoError(t, s.SetError(b, "encoder exited with code 1"))
	job, err = s.Get(b)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "encoder exited with code 1", job.ErrorMessage)
}

func TestRetrySynthesisesNewJob(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	require.NoError(t, s.SetError(id, "boom"))

	newID, err := s.Retry(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	original, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, original.Status, "retry must not mutate the original's status")
	assert.True(t, original.Retried)
	assert.True(t, original.Cleared)

	fresh, err := s.Get(newID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Equal(t, original.Name, fresh.Name)
	assert.Equal(t, original.InputFile, fresh.InputFile)
	require.NotNil(t, fresh.QueuePosition)
	assert.Equal(t, int64(2), *fresh.QueuePosition)
}

func TestRetryRejectsActiveJob(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "A", "/m/a.mp4", pos(1))

	_, err := s.Retry(id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only finished jobs")
}

func TestQueuePositionsAreContiguous(t *testing.T) {
	s := newTestStore(t)

	// Simulate a submission of 3 files appended at the tail
	max, err := s.GetMaxQueuePosition()
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)

	for i := int64(1); i <= 3; i++ {
		mustCreate(t, s, "J", "/m/j.mp4", pos(max+i))
	}

	newMax, err := s.GetMaxQueuePosition()
	require.NoError(t, err)
	assert.Equal(t, max+3, newMax)

	queue, err := s.GetQueue()
	require.NoError(t, err)
	require.Len(t, queue, 3)
	for i, job := range queue {
		require.NotNil(t, job.QueuePosition)
		assert.Equal(t, max+int64(i)+1, *job.QueuePosition)
	}
}

func TestReorderQueue(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	b := mustCreate(t, s, "B", "/m/b.mp4", pos(2))
	c := mustCreate(t, s, "C", "/m/c.mp4", pos(3))

	require.NoError(t, s.ReorderQueue([]int64{c, a, b}))

	queue, err := s.GetQueue()
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, c, queue[0].ID)
	assert.Equal(t, a, queue[1].ID)
	assert.Equal(t, b, queue[2].ID)
}

func TestStatusCounts(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	mustCreate(t, s, "B", "/m/b.mp4", pos(2))
	c := mustCreate(t, s, "C", "/m/c.mp4", pos(3))

	require.NoError(t, s.Complete(a, "/out/a.mp4"))
	require.NoError(t, s.SetError(c, "boom"))

	counts, err := s.GetStatusCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 1, counts.Failed)

	failed, err := s.GetFailedNotRetriedCount()
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	clearable, err := s.GetClearableJobsCount()
	require.NoError(t, err)
	assert.Equal(t, 2, clearable)
}

func TestClearJobs(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	b := mustCreate(t, s, "B", "/m/b.mp4", pos(2))
	mustCreate(t, s, "C", "/m/c.mp4", pos(3))

	require.NoError(t, s.Complete(a, "/out/a.mp4"))
	require.NoError(t, s.SetError(b, "boom"))

	cleared, err := s.ClearSuccessfulJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	cleared, err = s.ClearAllFinishedJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, cleared, "failed job cleared, pending job untouched")

	job, err := s.Get(a)
	require.NoError(t, err)
	assert.True(t, job.Cleared)
}

func TestCompletedJobHasFullProgressAndOutput(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	require.NoError(t, s.Complete(id, "/out/a.mp4"))

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, float64(100), job.Progress)
	assert.NotEmpty(t, job.OutputFile)
}

func TestListCancellableJobs(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "A", "/m/a.mp4", pos(1))
	b := mustCreate(t, s, "B", "/m/b.mp4", pos(2))
	c := mustCreate(t, s, "C", "/m/c.mp4", pos(3))

	claimed, err := s.ClaimNext("w1")
	require.NoError(t, err)
	require.Equal(t, a, claimed.ID)
	require.NoError(t, s.Complete(c, "/out/c.mp4"))

	ids, err := s.ListCancellableJobs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a, b}, ids, "pending and processing only")

	// Listing does not change any row
	for _, want := range []struct {
		id     int64
		status Status
	}{{a, StatusProcessing}, {b, StatusPending}, {c, StatusCompleted}} {
		job, err := s.Get(want.id)
		require.NoError(t, err)
		assert.Equal(t, want.status, job.Status)
	}
}

func TestReleaseJobReturnsClaimedRowToQueue(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "A", "/m/a.mp4", pos(1))

	claimed, err := s.ClaimNext("w1")
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	require.NoError(t, s.ReleaseJob(id))

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Empty(t, job.AssignedWorker)
	assert.Empty(t, job.StartedAt)
	assert.Zero(t, job.Progress)

	// Only processing rows are affected
	require.NoError(t, s.Complete(id, "/out/a.mp4"))
	require.NoError(t, s.ReleaseJob(id))
	job, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestStoreSurfacesQueryErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrConnDone)

	s := NewStore(mockDB)
	_, err = s.Get(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get job 1")
}
