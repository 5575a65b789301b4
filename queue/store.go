package queue

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
)

// Store handles persistence of transcoding jobs. All writes are
// transactional; ClaimNext is the only safe pending→processing path.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for companion stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

const jobColumns = `id, name, input_file, output_file, ffmpeg_command, status, progress,
	queue_position, created_at, updated_at, started_at, ended_at, total_frames,
	error_message, config_key, config_json, retried, cleared, assigned_worker, worker_last_seen`

// normalizeTime converts SQLite's "YYYY-MM-DD HH:MM:SS" into ISO-8601
// UTC ("YYYY-MM-DDTHH:MM:SSZ") at the read boundary.
func normalizeTime(s string) string {
	if s == "" {
		return ""
	}
	s = strings.Replace(s, " ", "T", 1)
	if !strings.HasSuffix(s, "Z") {
		s += "Z"
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job            Job
		outputFile     sql.NullString
		commandJSON    string
		queuePosition  sql.NullInt64
		startedAt      sql.NullString
		endedAt        sql.NullString
		totalFrames    sql.NullInt64
		errorMessage   sql.NullString
		configKey      sql.NullString
		configJSON     sql.NullString
		assignedWorker sql.NullString
		workerLastSeen sql.NullString
	)

	err := row.Scan(
		&job.ID, &job.Name, &job.InputFile, &outputFile, &commandJSON,
		&job.Status, &job.Progress, &queuePosition,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &endedAt,
		&totalFrames, &errorMessage, &configKey, &configJSON,
		&job.Retried, &job.Cleared, &assignedWorker, &workerLastSeen,
	)
	if err != nil {
		return nil, err
	}

	job.OutputFile = outputFile.String
	job.ErrorMessage = errorMessage.String
	job.ConfigKey = configKey.String
	job.AssignedWorker = assignedWorker.String
	if queuePosition.Valid {
		job.QueuePosition = &queuePosition.Int64
	}
	if totalFrames.Valid {
		job.TotalFrames = &totalFrames.Int64
	}
	if configJSON.Valid && configJSON.String != "" {
		job.ConfigJSON = []byte(configJSON.String)
	}

	job.CreatedAt = normalizeTime(job.CreatedAt)
	job.UpdatedAt = normalizeTime(job.UpdatedAt)
	job.StartedAt = normalizeTime(startedAt.String)
	job.EndedAt = normalizeTime(endedAt.String)
	job.WorkerLastSeen = normalizeTime(workerLastSeen.String)

	cmd, err := UnmarshalCommand(commandJSON)
	if err != nil {
		return nil, err
	}
	job.Command = cmd

	return &job, nil
}

func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s", context)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}

// Create inserts a new pending job and returns its assigned id.
func (s *Store) Create(input NewJob) (int64, error) {
	commandJSON, err := MarshalCommand(input.Command)
	if err != nil {
		return 0, err
	}

	outputFile := sql.NullString{String: input.OutputFile, Valid: input.OutputFile != ""}
	configKey := sql.NullString{String: input.ConfigKey, Valid: input.ConfigKey != ""}
	configJSON := sql.NullString{String: string(input.ConfigJSON), Valid: len(input.ConfigJSON) > 0}
	var queuePosition sql.NullInt64
	if input.QueuePosition != nil {
		queuePosition = sql.NullInt64{Int64: *input.QueuePosition, Valid: true}
	}

	result, err := s.db.Exec(`
		INSERT INTO jobs (name, input_file, output_file, ffmpeg_command, status, queue_position, config_key, config_json)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)`,
		input.Name, input.InputFile, outputFile, commandJSON, queuePosition, configKey, configJSON,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Input file: %s", input.InputFile))
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get created job id")
	}
	return id, nil
}

// Get retrieves a job by id. Returns ErrNotFound for missing rows.
func (s *Store) Get(id int64) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %d", id)
	}
	return job, nil
}

// GetByStatus returns all jobs with the given status, oldest first.
func (s *Store) GetByStatus(status Status) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`,
		status,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s jobs", status)
	}
	defer rows.Close()
	return scanJobs(rows, string(status)+" jobs")
}

// GetQueue returns pending and processing jobs in queue order.
func (s *Store) GetQueue() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'processing')
		ORDER BY queue_position ASC NULLS LAST, created_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queue")
	}
	defer rows.Close()
	return scanJobs(rows, "queue")
}

// Update applies a partial update. Always bumps updated_at.
func (s *Store) Update(id int64, patch JobPatch) error {
	sets := []string{"updated_at = datetime('now')"}
	args := []interface{}{}

	add := func(col string, val interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.OutputFile != nil {
		add("output_file", *patch.OutputFile)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Progress != nil {
		add("progress", *patch.Progress)
	}
	if patch.QueuePosition != nil {
		add("queue_position", *patch.QueuePosition)
	}
	if patch.StartedAt != nil {
		add("started_at", denormalizeTime(*patch.StartedAt))
	}
	if patch.EndedAt != nil {
		add("ended_at", denormalizeTime(*patch.EndedAt))
	}
	if patch.TotalFrames != nil {
		add("total_frames", *patch.TotalFrames)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.Retried != nil {
		add("retried", *patch.Retried)
	}
	if patch.Cleared != nil {
		add("cleared", *patch.Cleared)
	}
	if patch.AssignedWorker != nil {
		if *patch.AssignedWorker == "" {
			sets = append(sets, "assigned_worker = NULL")
		} else {
			add("assigned_worker", *patch.AssignedWorker)
		}
	}
	if patch.WorkerLastSeen != nil {
		add("worker_last_seen", denormalizeTime(*patch.WorkerLastSeen))
	}

	args = append(args, id)
	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?"

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %d", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("job %d", id)
	}
	return nil
}

// denormalizeTime converts an ISO-8601 UTC timestamp back to SQLite's
// storage format so string comparisons in SQL stay consistent.
func denormalizeTime(s string) string {
	s = strings.TrimSuffix(s, "Z")
	return strings.Replace(s, "T", " ", 1)
}

// ClaimNext atomically claims the oldest unclaimed pending job for
// workerID. Inside one transaction it selects the head of the queue and
// flips it to processing only if the row is still pending and
// unclaimed; concurrent claimers receive disjoint jobs. An empty
// workerID claims without recording an assignment (leader mode, where
// the remote executor records the follower instead).
func (s *Store) ClaimNext(workerID string) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim tx")
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`
		SELECT id FROM jobs
		WHERE status = 'pending' AND assigned_worker IS NULL
		ORDER BY queue_position ASC NULLS LAST, created_at ASC, id ASC
		LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select next pending job")
	}

	worker := sql.NullString{String: workerID, Valid: workerID != ""}
	result, err := tx.Exec(`
		UPDATE jobs
		SET status = 'processing',
		    assigned_worker = ?,
		    started_at = datetime('now'),
		    worker_last_seen = datetime('now'),
		    updated_at = datetime('now')
		WHERE id = ? AND status = 'pending' AND assigned_worker IS NULL`,
		worker, id,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim job %d", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if affected != 1 {
		// Lost the race to another claimer
		return nil, nil
	}

	row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read claimed job %d", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}
	return job, nil
}

// UpdateWorkerHeartbeat refreshes worker_last_seen. A no-op when the
// row is no longer assigned to workerID (e.g. after a stale reap).
func (s *Store) UpdateWorkerHeartbeat(id int64, workerID string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET worker_last_seen = datetime('now')
		WHERE id = ? AND assigned_worker = ?`,
		id, workerID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to heartbeat job %d", id)
	}
	return nil
}

// WorkerUnresponsiveMessage is recorded on jobs reaped by ReleaseStaleJobs.
const WorkerUnresponsiveMessage = "Worker became unresponsive"

// ReleaseStaleJobs fails every processing job whose worker has not
// checked in within timeout and clears its assignment. Returns the
// number of reaped rows.
func (s *Store) ReleaseStaleJobs(timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout).Format("2006-01-02 15:04:05")

	result, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'failed',
		    error_message = ?,
		    assigned_worker = NULL,
		    ended_at = datetime('now'),
		    updated_at = datetime('now')
		WHERE status = 'processing'
		  AND worker_last_seen IS NOT NULL
		  AND worker_last_seen < ?`,
		WorkerUnresponsiveMessage, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to release stale jobs")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(affected), nil
}

// ResetProcessingJobs reverts any processing row to pending with
// progress zeroed. Startup-only crash recovery for standalone and
// follower nodes; the leader reconciles from follower status instead.
func (s *Store) ResetProcessingJobs() error {
	_, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'pending',
		    progress = 0,
		    assigned_worker = NULL,
		    worker_last_seen = NULL,
		    started_at = NULL,
		    updated_at = datetime('now')
		WHERE status = 'processing'`)
	if err != nil {
		return errors.Wrap(err, "failed to reset processing jobs")
	}
	return nil
}

// ReleaseJob reverts one processing row to pending with its claim
// bookkeeping cleared, as if it had never been claimed. Used when a
// claimed job turns out to have nowhere to run.
func (s *Store) ReleaseJob(id int64) error {
	_, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'pending',
		    progress = 0,
		    assigned_worker = NULL,
		    worker_last_seen = NULL,
		    started_at = NULL,
		    updated_at = datetime('now')
		WHERE id = ? AND status = 'processing'`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to release job %d", id)
	}
	return nil
}

// Complete marks a job completed with its final output path.
func (s *Store) Complete(id int64, outputFile string) error {
	_, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'completed',
		    progress = 100,
		    output_file = ?,
		    ended_at = datetime('now'),
		    updated_at = datetime('now')
		WHERE id = ?`,
		outputFile, id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %d", id)
	}
	return nil
}

// SetError marks a job failed with an error message.
func (s *Store) SetError(id int64, message string) error {
	_, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'failed',
		    error_message = ?,
		    ended_at = datetime('now'),
		    updated_at = datetime('now')
		WHERE id = ?`,
		message, id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set error on job %d", id)
	}
	return nil
}

// UpdateProgress persists an in-flight progress value and refreshes the
// worker heartbeat in the same statement.
func (s *Store) UpdateProgress(id int64, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.db.Exec(`
		UPDATE jobs
		SET progress = ?,
		    worker_last_seen = datetime('now'),
		    updated_at = datetime('now')
		WHERE id = ?`,
		progress, id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update progress on job %d", id)
	}
	return nil
}

// Retry synthesises a fresh pending job from a finished one and marks
// the original retried and cleared. The original row is never mutated
// back into the queue. Returns the new job id.
func (s *Store) Retry(id int64) (int64, error) {
	original, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	if !original.Status.IsTerminal() {
		return 0, errors.NewInvalidRequestError("job %d is %s, only finished jobs can be retried", id, original.Status)
	}

	maxPos, err := s.GetMaxQueuePosition()
	if err != nil {
		return 0, err
	}
	nextPos := maxPos + 1

	newID, err := s.Create(NewJob{
		Name:          original.Name,
		InputFile:     original.InputFile,
		OutputFile:    original.Command.OutputPath,
		Command:       original.Command,
		QueuePosition: &nextPos,
		ConfigKey:     original.ConfigKey,
		ConfigJSON:    original.ConfigJSON,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to synthesise retry of job %d", id)
	}

	if err := s.Update(id, JobPatch{Retried: boolPtr(true), Cleared: boolPtr(true)}); err != nil {
		return 0, errors.Wrapf(err, "failed to mark job %d retried", id)
	}
	return newID, nil
}

// GetStatusCounts returns the number of jobs in each status.
func (s *Store) GetStatusCounts() (*StatusCounts, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close()

	counts := &StatusCounts{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		switch Status(status) {
		case StatusPending:
			counts.Pending = count
		case StatusProcessing:
			counts.Processing = count
		case StatusCompleted:
			counts.Completed = count
		case StatusFailed:
			counts.Failed = count
		case StatusCancelled:
			counts.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status counts")
	}
	return counts, nil
}

// GetFailedNotRetriedCount counts failed jobs that have not been retried.
func (s *Store) GetFailedNotRetriedCount() (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE status = 'failed' AND retried = 0 AND cleared = 0`,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count failed jobs")
	}
	return count, nil
}

// GetClearableJobsCount counts finished jobs not yet hidden from the
// default listing.
func (s *Store) GetClearableJobsCount() (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM jobs
		 WHERE status IN ('completed', 'failed', 'cancelled') AND cleared = 0`,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count clearable jobs")
	}
	return count, nil
}

// ClearSuccessfulJobs hides completed jobs from the default listing.
// Returns the number of rows cleared.
func (s *Store) ClearSuccessfulJobs() (int, error) {
	result, err := s.db.Exec(`
		UPDATE jobs SET cleared = 1, updated_at = datetime('now')
		WHERE status = 'completed' AND cleared = 0`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clear successful jobs")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(affected), nil
}

// ClearAllFinishedJobs hides every terminal job from the default
// listing. Returns the number of rows cleared.
func (s *Store) ClearAllFinishedJobs() (int, error) {
	result, err := s.db.Exec(`
		UPDATE jobs SET cleared = 1, updated_at = datetime('now')
		WHERE status IN ('completed', 'failed', 'cancelled') AND cleared = 0`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clear finished jobs")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(affected), nil
}

// GetMaxQueuePosition returns the highest queue position in use, or 0
// when the queue is empty. Submissions append at max+1..max+n.
func (s *Store) GetMaxQueuePosition() (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(queue_position) FROM jobs`).Scan(&max)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get max queue position")
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// ReorderQueue rewrites queue positions 0..n-1 in the given id order
// inside one transaction.
func (s *Store) ReorderQueue(ids []int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin reorder tx")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		UPDATE jobs SET queue_position = ?, updated_at = datetime('now')
		WHERE id = ? AND status = 'pending'`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare reorder")
	}
	defer stmt.Close()

	for pos, id := range ids {
		if _, err := stmt.Exec(pos, id); err != nil {
			return errors.Wrapf(err, "failed to reorder job %d", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit reorder")
	}
	return nil
}

// ListCancellableJobs returns the ids of every pending and processing
// job. The caller decides how each one is cancelled: running jobs go
// through their executor, the rest are plain store updates.
func (s *Store) ListCancellableJobs() ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM jobs WHERE status IN ('pending', 'processing')`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cancellable jobs")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan job id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating cancellable jobs")
	}
	return ids, nil
}
