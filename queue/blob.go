package queue

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
)

// ConfigurationBlob is an immutable, content-addressed snapshot of a
// submission: the selected files, the encoder configuration, and the
// picker UI state needed to reconstruct the submission screen.
type ConfigurationBlob struct {
	Key         string          `json:"key"`
	FilePaths   []string        `json:"filePaths"`
	ConfigJSON  json.RawMessage `json:"configJson"`
	PickerState json.RawMessage `json:"pickerState,omitempty"`
	CreatedAt   string          `json:"createdAt"`
}

// BlobKey derives the content address for a configuration snapshot:
// SHA-256 over the sorted file paths and the raw configuration and
// picker JSON. Identical submissions share one row.
func BlobKey(filePaths []string, configJSON, pickerState json.RawMessage) string {
	sorted := make([]string, len(filePaths))
	copy(sorted, filePaths)
	sort.Strings(sorted)

	h := sha256.New()
	for _, p := range sorted {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	h.Write(configJSON)
	h.Write([]byte{0})
	h.Write(pickerState)
	return hex.EncodeToString(h.Sum(nil))
}

// SaveConfiguration upserts a configuration snapshot and returns its
// content key. Re-submitting identical content is a no-op.
func (s *Store) SaveConfiguration(filePaths []string, configJSON, pickerState json.RawMessage) (string, error) {
	key := BlobKey(filePaths, configJSON, pickerState)

	pathsJSON, err := json.Marshal(filePaths)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal file paths")
	}
	picker := sql.NullString{String: string(pickerState), Valid: len(pickerState) > 0}

	_, err = s.db.Exec(`
		INSERT INTO job_configurations (key, file_paths, config_json, picker_state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, string(pathsJSON), string(configJSON), picker,
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to save configuration")
	}
	return key, nil
}

// GetConfiguration fetches a snapshot by content key.
func (s *Store) GetConfiguration(key string) (*ConfigurationBlob, error) {
	var (
		blob      ConfigurationBlob
		pathsJSON string
		config    string
		picker    sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT key, file_paths, config_json, picker_state, created_at
		FROM job_configurations WHERE key = ?`, key,
	).Scan(&blob.Key, &pathsJSON, &config, &picker, &blob.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("configuration %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get configuration %s", key)
	}

	if err := json.Unmarshal([]byte(pathsJSON), &blob.FilePaths); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal file paths")
	}
	blob.ConfigJSON = []byte(config)
	if picker.Valid {
		blob.PickerState = []byte(picker.String)
	}
	blob.CreatedAt = normalizeTime(blob.CreatedAt)
	return &blob, nil
}

// CleanupConfigurations deletes snapshots older than the retention
// window that no job still references. Returns the number deleted.
func (s *Store) CleanupConfigurations(retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).Format("2006-01-02 15:04:05")

	result, err := s.db.Exec(`
		DELETE FROM job_configurations
		WHERE created_at < ?
		  AND key NOT IN (SELECT config_key FROM jobs WHERE config_key IS NOT NULL)`,
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup configurations")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(affected), nil
}

// Batch statuses.
const (
	BatchInProgress = "in_progress"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
)

// CreationBatch tracks a multi-file submission as its jobs are created.
type CreationBatch struct {
	ID           string `json:"id"`
	TotalFiles   int    `json:"totalFiles"`
	CreatedCount int    `json:"createdCount"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	ConfigKey    string `json:"configKey,omitempty"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// CreateBatch opens a new submission batch and returns its id.
func (s *Store) CreateBatch(totalFiles int, configKey string) (string, error) {
	id := uuid.NewString()
	key := sql.NullString{String: configKey, Valid: configKey != ""}

	_, err := s.db.Exec(`
		INSERT INTO job_creation_batches (id, total_files, config_key)
		VALUES (?, ?, ?)`,
		id, totalFiles, key,
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to create batch")
	}
	return id, nil
}

// BumpBatch increments the created count for a batch.
func (s *Store) BumpBatch(id string) error {
	_, err := s.db.Exec(`
		UPDATE job_creation_batches
		SET created_count = created_count + 1, updated_at = datetime('now')
		WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to bump batch %s", id)
	}
	return nil
}

// FinishBatch records the batch's terminal state. An empty errMsg marks
// it completed.
func (s *Store) FinishBatch(id string, errMsg string) error {
	status := BatchCompleted
	e := sql.NullString{}
	if errMsg != "" {
		status = BatchFailed
		e = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := s.db.Exec(`
		UPDATE job_creation_batches
		SET status = ?, error = ?, updated_at = datetime('now')
		WHERE id = ?`, status, e, id)
	if err != nil {
		return errors.Wrapf(err, "failed to finish batch %s", id)
	}
	return nil
}

// GetBatch fetches a submission batch by id.
func (s *Store) GetBatch(id string) (*CreationBatch, error) {
	var (
		batch     CreationBatch
		batchErr  sql.NullString
		configKey sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT id, total_files, created_count, status, error, config_key, created_at, updated_at
		FROM job_creation_batches WHERE id = ?`, id,
	).Scan(&batch.ID, &batch.TotalFiles, &batch.CreatedCount, &batch.Status,
		&batchErr, &configKey, &batch.CreatedAt, &batch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("batch %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get batch %s", id)
	}
	batch.Error = batchErr.String
	batch.ConfigKey = configKey.String
	batch.CreatedAt = normalizeTime(batch.CreatedAt)
	batch.UpdatedAt = normalizeTime(batch.UpdatedAt)
	return &batch, nil
}
