package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/audioworks/volcasr/pkg/logger"
)

// TaskStorage handles persistence of transcription task records.
// It is the single source of truth for task state; every status change in
// the system flows through Update, which enforces the task status machine.
type TaskStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTaskStorage creates a new SQLite task storage
func NewTaskStorage(db *sql.DB, logger *logger.Logger) (*TaskStorage, error) {
	storage := &TaskStorage{
		db:     db,
		logger: logger.Named("sqlite-tasks"),
	}

	if err := storage.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize task storage: %w", err)
	}

	return storage, nil
}

// initDB initializes the database tables
func (s *TaskStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS asr_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT UNIQUE,
			audio_url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			transcript TEXT,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create asr_tasks table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_asr_tasks_status ON asr_tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_asr_tasks_audio_url ON asr_tasks(audio_url)`,
		`CREATE INDEX IF NOT EXISTS idx_asr_tasks_created_at ON asr_tasks(created_at)`,
	}

	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create task index: %w", err)
		}
	}

	return nil
}

// Create inserts a new task in pending state and returns the stored record
func (s *TaskStorage) Create(audioURL string) (*TaskRecord, error) {
	now := time.Now().UTC()

	result, err := s.db.Exec(
		`INSERT INTO asr_tasks (audio_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		audioURL,
		string(StatusPending),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return &TaskRecord{
		ID:        id,
		AudioURL:  audioURL,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetByID returns the task with the given local ID, or ErrNotFound
func (s *TaskStorage) GetByID(id int64) (*TaskRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, task_id, audio_url, status, transcript, error_message, created_at, updated_at, completed_at
		FROM asr_tasks
		WHERE id = ?`,
		id,
	)
	return s.scanTaskRow(row)
}

// GetByExternalID returns the task with the given provider task ID, or ErrNotFound
func (s *TaskStorage) GetByExternalID(externalID string) (*TaskRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, task_id, audio_url, status, transcript, error_message, created_at, updated_at, completed_at
		FROM asr_tasks
		WHERE task_id = ?`,
		externalID,
	)
	return s.scanTaskRow(row)
}

// List returns tasks ordered by creation time descending, plus the total
// number of rows matching the filter regardless of limit/offset
func (s *TaskStorage) List(filter ListFilter) ([]*TaskRecord, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	countArgs := []interface{}{}
	if filter.Status != "" {
		where = " WHERE status = ?"
		countArgs = append(countArgs, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM asr_tasks`+where, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	args := append(countArgs, limit, offset)
	rows, err := s.db.Query(
		`SELECT id, task_id, audio_url, status, transcript, error_message, created_at, updated_at, completed_at
		FROM asr_tasks`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	records, err := s.scanTaskRows(rows)
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// ListReconcilable returns all tasks not yet in a terminal state, oldest
// first, for the background poller
func (s *TaskStorage) ListReconcilable() ([]*TaskRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, audio_url, status, transcript, error_message, created_at, updated_at, completed_at
		FROM asr_tasks
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, id ASC`,
		string(StatusPending), string(StatusProcessing),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcilable tasks: %w", err)
	}
	defer rows.Close()

	return s.scanTaskRows(rows)
}

// Update applies a field-level partial update to the task with the given ID
// and stamps updated_at. Status changes are validated against the status
// machine; any mutation of a task already in a terminal state returns
// ErrIllegalTransition. completed_at is written exactly once, on the first
// transition into a terminal state.
func (s *TaskStorage) Update(id int64, update TaskUpdate) (*TaskRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, task_id, audio_url, status, transcript, error_message, created_at, updated_at, completed_at
		FROM asr_tasks
		WHERE id = ?`,
		id,
	)
	current, err := s.scanTaskRow(row)
	if err != nil {
		return nil, err
	}

	if current.Status.Terminal() {
		return nil, fmt.Errorf("task %d is %s: %w", id, current.Status, ErrIllegalTransition)
	}

	if update.Status != nil {
		if !update.Status.Valid() {
			return nil, fmt.Errorf("unknown status %q", *update.Status)
		}
		if !current.Status.CanTransitionTo(*update.Status) {
			return nil, fmt.Errorf("cannot move task %d from %s to %s: %w",
				id, current.Status, *update.Status, ErrIllegalTransition)
		}
	}

	now := time.Now().UTC()
	setClauses := []string{"updated_at = ?"}
	args := []interface{}{now.Format(time.RFC3339)}
	current.UpdatedAt = now

	if update.ExternalID != nil {
		setClauses = append(setClauses, "task_id = ?")
		args = append(args, *update.ExternalID)
		current.ExternalID = *update.ExternalID
	}
	if update.Transcript != nil {
		setClauses = append(setClauses, "transcript = ?")
		args = append(args, *update.Transcript)
		current.Transcript = update.Transcript
	}
	if update.ErrorMessage != nil {
		setClauses = append(setClauses, "error_message = ?")
		args = append(args, *update.ErrorMessage)
		current.ErrorMessage = update.ErrorMessage
	}
	if update.Status != nil {
		setClauses = append(setClauses, "status = ?")
		args = append(args, string(*update.Status))
		current.Status = *update.Status

		if update.Status.Terminal() && current.CompletedAt == nil {
			setClauses = append(setClauses, "completed_at = ?")
			args = append(args, now.Format(time.RFC3339))
			completedAt := now
			current.CompletedAt = &completedAt
		}
	}

	args = append(args, id)
	if _, err := tx.Exec(
		`UPDATE asr_tasks SET `+strings.Join(setClauses, ", ")+` WHERE id = ?`,
		args...,
	); err != nil {
		return nil, fmt.Errorf("failed to update task %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task update: %w", err)
	}

	return current, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTaskRow scans a single task row
func (s *TaskStorage) scanTaskRow(row rowScanner) (*TaskRecord, error) {
	var record TaskRecord
	var externalID, transcript, errorMessage, completedAt sql.NullString
	var status, createdAt, updatedAt string

	if err := row.Scan(
		&record.ID,
		&externalID,
		&record.AudioURL,
		&status,
		&transcript,
		&errorMessage,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	record.Status = TaskStatus(status)

	var err error
	record.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	record.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	if externalID.Valid {
		record.ExternalID = externalID.String
	}
	if transcript.Valid {
		record.Transcript = &transcript.String
	}
	if errorMessage.Valid {
		record.ErrorMessage = &errorMessage.String
	}
	if completedAt.Valid {
		parsed, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		record.CompletedAt = &parsed
	}

	return &record, nil
}

// scanTaskRows scans database rows into TaskRecord structs
func (s *TaskStorage) scanTaskRows(rows *sql.Rows) ([]*TaskRecord, error) {
	var records []*TaskRecord
	for rows.Next() {
		record, err := s.scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return records, nil
}
